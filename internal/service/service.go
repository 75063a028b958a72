// Package service answers the reserved management ports of a node.
//
// Ownership boundary:
// - binding callbacks on reserved ports and queueing accepted connections
// - a worker pool that reads one request, replies, and closes
// - client helpers that query another node's services
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/cspnet/internal/node"
	"github.com/danmuck/cspnet/internal/observability"
	"github.com/danmuck/cspnet/internal/queue"
)

var (
	ErrDuplicatePort = errors.New("service: port already registered")
	ErrStarted       = errors.New("service: server already started")
	ErrBadRequest    = errors.New("service: bad request")
	ErrBadReply      = errors.New("service: bad reply")
)

// Handler serves one port. A nil reply sends nothing back.
type Handler interface {
	Name() string
	Port() uint8
	Handle(ctx context.Context, req Request) ([]byte, error)
}

// Request is one inbound service packet.
type Request struct {
	Src     uint8
	SPort   uint8
	Payload []byte
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc struct {
	name string
	port uint8
	fn   func(context.Context, Request) ([]byte, error)
}

func NewHandler(name string, port uint8, fn func(context.Context, Request) ([]byte, error)) HandlerFunc {
	return HandlerFunc{name: name, port: port, fn: fn}
}

func (h HandlerFunc) Name() string { return h.name }

func (h HandlerFunc) Port() uint8 { return h.port }

func (h HandlerFunc) Handle(ctx context.Context, req Request) ([]byte, error) {
	return h.fn(ctx, req)
}

// Registry stores handlers by port.
type Registry struct {
	repo map[uint8]Handler
	mu   sync.RWMutex
}

// NewRegistry initializes an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{repo: make(map[uint8]Handler)}
}

// Register adds a handler by port.
func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.repo[h.Port()]; ok {
		return fmt.Errorf("%w: %d (%s)", ErrDuplicatePort, h.Port(), prev.Name())
	}
	r.repo[h.Port()] = h
	return nil
}

// Get returns the handler bound to port.
func (r *Registry) Get(port uint8) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.repo[port]
	return h, ok
}

// All returns handlers sorted by port.
func (r *Registry) All() []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Handler, 0, len(r.repo))
	for _, h := range r.repo {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port() < out[j].Port() })
	return out
}

// Config sizes the worker pool.
type Config struct {
	Workers      int
	QueueLength  int
	ReadTimeout  time.Duration
	ReplyTimeout time.Duration
	// RebootHook runs when a valid reboot request arrives. Nil only logs.
	RebootHook func(ctx context.Context) error
}

func DefaultConfig() Config {
	return Config{
		Workers:      2,
		QueueLength:  16,
		ReadTimeout:  time.Second,
		ReplyTimeout: time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.QueueLength <= 0 {
		c.QueueLength = def.QueueLength
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = def.ReplyTimeout
	}
	return c
}

// Server binds every registered handler on its node. Callbacks run on the
// receiving goroutine, so they only enqueue; workers do the I/O.
type Server struct {
	node *node.Node
	cfg  Config
	reg  *Registry
	work *queue.Queue[*node.Conn]
	log  zerolog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer builds a server with the standard handlers registered.
func NewServer(n *node.Node, cfg Config) *Server {
	cfg = cfg.withDefaults()
	s := NewServerWithRegistry(n, cfg, NewRegistry())
	for _, h := range Standard(n, cfg) {
		_ = s.reg.Register(h)
	}
	return s
}

// NewServerWithRegistry builds a server over an existing registry.
func NewServerWithRegistry(n *node.Node, cfg Config, reg *Registry) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		node: n,
		cfg:  cfg,
		reg:  reg,
		work: queue.New[*node.Conn](cfg.QueueLength),
		log:  log.With().Str("component", "service").Uint8("addr", n.Address()).Logger(),
	}
}

func (s *Server) Registry() *Registry { return s.reg }

// Start binds the handlers' ports and launches the workers.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	handlers := s.reg.All()
	bound := make([]uint8, 0, len(handlers))
	for _, h := range handlers {
		if err := s.node.BindCallback(h.Port(), s.enqueue); err != nil {
			for _, p := range bound {
				s.node.Unbind(p)
			}
			return fmt.Errorf("service: bind %s: %w", h.Name(), err)
		}
		bound = append(bound, h.Port())
		s.log.Debug().Str("service", h.Name()).Uint8("port", h.Port()).Msg("service.bind")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(runCtx)
	}
	s.log.Info().Int("handlers", len(handlers)).Int("workers", s.cfg.Workers).Msg("service.start")
	return nil
}

func (s *Server) enqueue(c *node.Conn) {
	if _, err := s.work.TryPush(c); err != nil {
		observability.RecordDrop(s.node.Name(), observability.DropQueueFull)
		s.log.Debug().Err(err).Uint8("port", c.LocalPort()).Msg("service.enqueue drop")
		_ = c.Close()
	}
}

func (s *Server) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		c, err := s.work.Pop(queue.Forever)
		if err != nil {
			return
		}
		s.serve(ctx, c)
	}
}

func (s *Server) serve(ctx context.Context, c *node.Conn) {
	defer c.Close()
	h, ok := s.reg.Get(c.LocalPort())
	if !ok {
		return
	}
	body, id, err := c.ReadPayload(s.cfg.ReadTimeout)
	if err != nil {
		s.log.Debug().Err(err).Str("service", h.Name()).Msg("service.read")
		return
	}
	reply, err := h.Handle(ctx, Request{Src: id.Src, SPort: id.SPort, Payload: body})
	if err != nil {
		s.log.Warn().Err(err).Str("service", h.Name()).Uint8("src", id.Src).Msg("service.handle")
		return
	}
	if reply == nil {
		return
	}
	if err := c.SendPayload(reply, s.cfg.ReplyTimeout); err != nil {
		s.log.Debug().Err(err).Str("service", h.Name()).Uint8("dst", id.Src).Msg("service.reply")
	}
}

// Close unbinds the handlers, stops the workers and closes queued
// connections.
func (s *Server) Close() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	for _, h := range s.reg.All() {
		s.node.Unbind(h.Port())
	}
	cancel()
	for _, c := range s.work.Close() {
		_ = c.Close()
	}
	s.wg.Wait()
	return nil
}
