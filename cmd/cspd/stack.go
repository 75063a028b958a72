package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/cspnet/internal/config"
	"github.com/danmuck/cspnet/internal/iface"
	"github.com/danmuck/cspnet/internal/node"
	"github.com/danmuck/cspnet/internal/server"
	"github.com/danmuck/cspnet/internal/service"
	"github.com/danmuck/cspnet/internal/trace"
)

// envAdminToken supplies the admin bearer token when the topology has none,
// typically from a .env file.
const envAdminToken = "CSPNET_ADMIN_TOKEN"

// stack is one running node with its links and optional surfaces.
type stack struct {
	topo     config.NodeConfig
	rt       runtimeConfig
	node     *node.Node
	links    []iface.Interface
	services *service.Server
	admin    *server.Admin
	trace    *trace.Recorder
}

type stackOptions struct {
	services bool
	admin    bool
	trace    bool
	// reboot is called by the reboot service after a valid request.
	reboot func()
}

func buildStack(rt runtimeConfig, opts stackOptions) (*stack, error) {
	topo, err := config.LoadNodeConfig(rt.NodeConfig)
	if err != nil {
		return nil, err
	}
	if rt.AdminAddr != "" {
		topo.Admin.Addr = rt.AdminAddr
	}
	if rt.TracePath != "" {
		topo.Trace.Path = rt.TracePath
	}
	if rt.Services != nil {
		topo.Services.Enabled = *rt.Services
	}

	s := &stack{topo: topo, rt: rt}
	ncfg, err := config.NodeOptions(topo)
	if err != nil {
		return nil, err
	}
	if opts.trace && topo.Trace.Path != "" {
		rec, err := trace.Open(topo.Trace.Path, trace.DefaultConfig())
		if err != nil {
			return nil, fmt.Errorf("open trace: %w", err)
		}
		s.trace = rec
		ncfg.Observer = rec.Observe
	}

	n, err := node.New(ncfg)
	if err != nil {
		s.close()
		return nil, err
	}
	s.node = n

	links, err := config.BuildInterfaces(topo, n)
	if err != nil {
		s.close()
		return nil, err
	}
	s.links = links
	if err := config.InstallRoutes(topo, n, links); err != nil {
		s.close()
		return nil, err
	}

	if opts.services && topo.Services.Enabled {
		scfg := service.DefaultConfig()
		if topo.Services.Workers > 0 {
			scfg.Workers = topo.Services.Workers
		}
		if opts.reboot != nil {
			reboot := opts.reboot
			scfg.RebootHook = func(context.Context) error {
				reboot()
				return nil
			}
		}
		s.services = service.NewServer(n, scfg)
	}

	if opts.admin && topo.Admin.Addr != "" {
		acfg := server.Config{
			Addr:         topo.Admin.Addr,
			CORSOrigins:  topo.Admin.CorsOrigins,
			Links:        links,
			QueryTimeout: rt.QueryTimeout,
			Token:        topo.Admin.Token,
		}
		if acfg.Token == "" {
			acfg.Token = os.Getenv(envAdminToken)
		}
		if s.services != nil {
			acfg.Services = s.services.Registry()
		}
		s.admin = server.New(n, acfg)
	}
	return s, nil
}

// start brings up the links and services. The admin server is served by the
// caller.
func (s *stack) start(ctx context.Context) error {
	for _, l := range s.links {
		if err := l.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", l.Name(), err)
		}
	}
	if s.services != nil {
		if err := s.services.Start(ctx); err != nil {
			return err
		}
	}
	log.Info().
		Str("node", s.node.Name()).
		Uint8("addr", s.node.Address()).
		Int("links", len(s.links)).
		Bool("services", s.services != nil).
		Bool("admin", s.admin != nil).
		Bool("trace", s.trace != nil).
		Msg("cspd.start")
	return nil
}

func (s *stack) close() {
	if s.services != nil {
		_ = s.services.Close()
	}
	for _, l := range s.links {
		if err := l.Close(); err != nil {
			log.Warn().Err(err).Str("iface", l.Name()).Msg("cspd.close link")
		}
	}
	if s.node != nil {
		_ = s.node.Close()
	}
	if s.trace != nil {
		_ = s.trace.Close()
	}
}
