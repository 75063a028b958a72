package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/danmuck/cspnet/internal/iface"
	"github.com/danmuck/cspnet/internal/node"
	"github.com/danmuck/cspnet/internal/service"
	"github.com/danmuck/cspnet/internal/testutil/testlog"
)

type fixture struct {
	node  *node.Node
	admin *Admin
	links []iface.Interface
}

func newFixture(t *testing.T, startLinks bool) fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := node.DefaultConfig()
	cfg.Address = 7
	n, err := node.New(cfg)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	t.Cleanup(func() { _ = n.Close() })

	peer, err := node.New(node.DefaultConfig())
	if err != nil {
		t.Fatalf("new peer: %v", err)
	}
	t.Cleanup(func() { _ = peer.Close() })

	la, lb, err := iface.NewMemoryPair("MEM0", n, "MEM0", peer, iface.DefaultConfig())
	if err != nil {
		t.Fatalf("memory pair: %v", err)
	}
	t.Cleanup(func() { _ = la.Close(); _ = lb.Close() })
	if startLinks {
		if err := la.Start(context.Background()); err != nil {
			t.Fatalf("start link: %v", err)
		}
		if err := lb.Start(context.Background()); err != nil {
			t.Fatalf("start link: %v", err)
		}
	} else {
		_ = lb.Close()
	}
	if err := n.SetRoute(la.Name(), 1, la); err != nil {
		t.Fatalf("route: %v", err)
	}

	svc := service.NewServer(n, service.DefaultConfig())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("services: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })

	links := []iface.Interface{la}
	return fixture{
		node:  n,
		links: links,
		admin: New(n, Config{Links: links, Services: svc.Registry()}),
	}
}

func (f fixture) do(t *testing.T, method, path string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rr := httptest.NewRecorder()
	f.admin.HTTPRouter().ServeHTTP(rr, req)
	var body map[string]any
	if strings.Contains(rr.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode %s: %v body=%s", path, err, rr.Body.String())
		}
	}
	return rr.Code, body
}

func TestHealthAndIntrospection(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, true)

	code, body := f.do(t, http.MethodGet, "/health")
	if code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health: code=%d body=%#v", code, body)
	}
	if body["address"] != float64(7) {
		t.Fatalf("health address: %#v", body["address"])
	}

	code, body = f.do(t, http.MethodGet, "/routes")
	routes, _ := body["routes"].([]any)
	if code != http.StatusOK || len(routes) != 2 {
		t.Fatalf("routes: code=%d body=%#v", code, body)
	}

	code, body = f.do(t, http.MethodGet, "/bindings")
	bindings, _ := body["bindings"].([]any)
	if code != http.StatusOK || len(bindings) != 5 {
		t.Fatalf("bindings: code=%d body=%#v", code, body)
	}

	code, body = f.do(t, http.MethodGet, "/services")
	services, _ := body["services"].([]any)
	if code != http.StatusOK || len(services) != 5 {
		t.Fatalf("services: code=%d body=%#v", code, body)
	}

	code, body = f.do(t, http.MethodGet, "/buffers")
	if code != http.StatusOK || body["count"] != float64(32) {
		t.Fatalf("buffers: code=%d body=%#v", code, body)
	}

	code, body = f.do(t, http.MethodGet, "/interfaces")
	ifaces, _ := body["interfaces"].([]any)
	if code != http.StatusOK || len(ifaces) != 2 {
		t.Fatalf("interfaces: code=%d body=%#v", code, body)
	}
	var mem map[string]any
	for _, raw := range ifaces {
		entry := raw.(map[string]any)
		if entry["name"] == "MEM0" {
			mem = entry
		}
	}
	if mem == nil || mem["link"] == nil {
		t.Fatalf("MEM0 link stats missing: %#v", ifaces)
	}

	code, _ = f.do(t, http.MethodGet, "/connections")
	if code != http.StatusOK {
		t.Fatalf("connections: code=%d", code)
	}
}

func TestReadyReportsDownLinks(t *testing.T) {
	testlog.Start(t)
	up := newFixture(t, true)
	if code, body := up.do(t, http.MethodGet, "/ready"); code != http.StatusOK || body["ready"] != true {
		t.Fatalf("ready: code=%d body=%#v", code, body)
	}

	down := newFixture(t, false)
	code, body := down.do(t, http.MethodGet, "/ready")
	if code != http.StatusServiceUnavailable || body["ready"] != false {
		t.Fatalf("not ready: code=%d body=%#v", code, body)
	}
}

func TestNodeQueries(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, true)

	code, body := f.do(t, http.MethodPost, "/nodes/7/ping")
	if code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("ping self: code=%d body=%#v", code, body)
	}
	code, body = f.do(t, http.MethodPost, "/nodes/7/buffree")
	if code != http.StatusOK || body["free"] == nil {
		t.Fatalf("buffree: code=%d body=%#v", code, body)
	}

	if code, _ := f.do(t, http.MethodPost, "/nodes/16/ping"); code != http.StatusBadRequest {
		t.Fatalf("invalid node: code=%d", code)
	}
	if code, _ := f.do(t, http.MethodPost, "/nodes/x/ping"); code != http.StatusBadRequest {
		t.Fatalf("non-numeric node: code=%d", code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, true)
	f.do(t, http.MethodGet, "/health")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	f.admin.HTTPRouter().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: code=%d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "cspnet_") {
		t.Fatalf("metrics output missing cspnet namespace")
	}
}

func TestNodeCommandsRequireToken(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, true)
	guarded := New(f.node, Config{Links: f.links, Token: "ground-key"})

	send := func(header string) int {
		req := httptest.NewRequest(http.MethodPost, "/nodes/7/buffree", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rr := httptest.NewRecorder()
		guarded.HTTPRouter().ServeHTTP(rr, req)
		return rr.Code
	}
	if code := send(""); code != http.StatusUnauthorized {
		t.Fatalf("missing token: code=%d", code)
	}
	if code := send("Bearer wrong"); code != http.StatusUnauthorized {
		t.Fatalf("wrong token: code=%d", code)
	}
	if code := send("Bearer ground-key"); code != http.StatusOK {
		t.Fatalf("valid token: code=%d", code)
	}
	// read-only routes stay open
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	guarded.HTTPRouter().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("health behind token: code=%d", rr.Code)
	}
}
