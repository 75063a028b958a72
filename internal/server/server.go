// Package server exposes a node's state over an HTTP admin API.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/danmuck/cspnet/internal/iface"
	"github.com/danmuck/cspnet/internal/node"
	"github.com/danmuck/cspnet/internal/observability"
	"github.com/danmuck/cspnet/internal/service"
)

const Version = "0.1.0"

// Config wires the admin server to a running node.
type Config struct {
	Addr         string
	CORSOrigins  []string
	Links        []iface.Interface
	Services     *service.Registry
	QueryTimeout time.Duration
	// Token, when set, is required as a bearer token on /nodes commands.
	Token string
}

// Admin serves health, metrics and introspection for one node.
type Admin struct {
	node     *node.Node
	cfg      Config
	appeared time.Time
	router   *gin.Engine
	log      zerolog.Logger
}

func New(n *node.Node, cfg Config) *Admin {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = time.Second
	}
	observability.RegisterMetrics()
	logger := observability.ComponentLogger(n.Name(), "admin")

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logger))
	r.Use(observability.RequestMetricsMiddleware(n.Name()))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	a := &Admin{
		node:     n,
		cfg:      cfg,
		appeared: time.Now(),
		router:   r,
		log:      logger,
	}
	a.RegisterRoutes()
	return a
}

func (a *Admin) HTTPRouter() *gin.Engine {
	return a.router
}

// Serve listens on cfg.Addr until ctx ends, then shuts down gracefully.
func (a *Admin) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Addr,
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", a.cfg.Addr).Msg("admin.serve")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
