package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/danmuck/cspnet/internal/auth"
	"github.com/danmuck/cspnet/internal/iface"
	"github.com/danmuck/cspnet/internal/node"
	"github.com/danmuck/cspnet/internal/observability"
	"github.com/danmuck/cspnet/internal/protocol"
	"github.com/danmuck/cspnet/internal/route"
	"github.com/danmuck/cspnet/internal/service"
)

// InterfaceInfo joins the router's egress view of an interface with the
// driver's link counters when the interface is a managed link.
type InterfaceInfo struct {
	route.InterfaceStats
	Link *iface.Stats `json:"link,omitempty"`
}

func (a *Admin) RegisterRoutes() {
	r := a.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(a.appeared).String(),
			"node":    a.node.Name(),
			"address": a.node.Address(),
			"version": Version,
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		down := a.linksDown()
		status := http.StatusOK
		if len(down) > 0 {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":      len(down) == 0,
			"links_down": down,
			"uptime":     time.Since(a.appeared).String(),
			"version":    Version,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/routes", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"routes": a.node.Routes().Routes()})
	})

	r.GET("/interfaces", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"interfaces": a.interfaces()})
	})

	r.GET("/connections", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"connections": a.node.Connections()})
	})

	r.GET("/bindings", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"bindings": a.node.Bindings()})
	})

	r.GET("/buffers", func(c *gin.Context) {
		c.JSON(http.StatusOK, a.node.Pool().Stats())
	})

	r.GET("/services", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"services": a.services()})
	})

	nodes := r.Group("/nodes")
	if a.cfg.Token != "" {
		nodes.Use(requireToken(auth.StaticToken{Token: a.cfg.Token}))
	}

	nodes.POST("/:addr/ping", func(c *gin.Context) {
		dst, ok := a.parseNode(c)
		if !ok {
			return
		}
		size, _ := strconv.Atoi(c.DefaultQuery("size", "10"))
		rtt, err := service.Ping(a.node, dst, a.cfg.QueryTimeout, size)
		if err != nil {
			a.queryError(c, dst, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "node": dst, "rtt": rtt.String()})
	})

	nodes.POST("/:addr/buffree", func(c *gin.Context) {
		dst, ok := a.parseNode(c)
		if !ok {
			return
		}
		free, err := service.BufFree(a.node, dst, a.cfg.QueryTimeout)
		if err != nil {
			a.queryError(c, dst, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "node": dst, "free": free})
	})

	nodes.POST("/:addr/memfree", func(c *gin.Context) {
		dst, ok := a.parseNode(c)
		if !ok {
			return
		}
		free, err := service.MemFree(a.node, dst, a.cfg.QueryTimeout)
		if err != nil {
			a.queryError(c, dst, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "node": dst, "free": free})
	})

	nodes.POST("/:addr/ps", func(c *gin.Context) {
		dst, ok := a.parseNode(c)
		if !ok {
			return
		}
		ps, err := service.ProcessStatus(a.node, dst, a.cfg.QueryTimeout)
		if err != nil {
			a.queryError(c, dst, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "node": dst, "ps": ps})
	})
}

// requireToken rejects requests without a valid bearer token.
func requireToken(v auth.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := auth.CheckHeader(v, c.GetHeader("Authorization")); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

func (a *Admin) parseNode(c *gin.Context) (uint8, bool) {
	v, err := strconv.ParseUint(c.Param("addr"), 10, 8)
	if err == nil {
		err = protocol.ValidateNode(uint8(v))
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid node address"})
		return 0, false
	}
	dst := uint8(v)
	iface, _, _ := a.node.Routes().Lookup(dst)
	observability.TagQuery(c, dst, iface)
	return dst, true
}

func (a *Admin) queryError(c *gin.Context, dst uint8, err error) {
	status := http.StatusBadGateway
	if errors.Is(err, node.ErrTimeout) {
		status = http.StatusGatewayTimeout
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": err.Error(), "node": dst})
}

func (a *Admin) interfaces() []InterfaceInfo {
	links := make(map[string]iface.Stats, len(a.cfg.Links))
	for _, l := range a.cfg.Links {
		links[l.Name()] = l.Stats()
	}
	egress := a.node.Routes().Interfaces()
	out := make([]InterfaceInfo, 0, len(egress))
	for _, e := range egress {
		info := InterfaceInfo{InterfaceStats: e}
		if st, ok := links[e.Name]; ok {
			info.Link = &st
		}
		out = append(out, info)
	}
	return out
}

func (a *Admin) linksDown() []string {
	down := make([]string, 0)
	for _, l := range a.cfg.Links {
		if !l.Stats().Connected {
			down = append(down, l.Name())
		}
	}
	return down
}

type ServiceInfo struct {
	Name string `json:"name"`
	Port uint8  `json:"port"`
}

func (a *Admin) services() []ServiceInfo {
	if a.cfg.Services == nil {
		return []ServiceInfo{}
	}
	all := a.cfg.Services.All()
	out := make([]ServiceInfo, 0, len(all))
	for _, h := range all {
		out = append(out, ServiceInfo{Name: h.Name(), Port: h.Port()})
	}
	return out
}
