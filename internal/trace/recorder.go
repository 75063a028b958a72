// Package trace records the packet path of a node into a SQLite database.
//
// Ownership boundary:
// - buffering node events without blocking the packet path
// - batched inserts on a writer goroutine
// - reading traces back for inspection
package trace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	// Registers the pure-Go "sqlite" driver.
	_ "github.com/glebarez/go-sqlite"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tebeka/atexit"

	"github.com/danmuck/cspnet/internal/node"
	"github.com/danmuck/cspnet/internal/protocol"
)

var (
	ErrPathRequired = errors.New("trace: database path required")
	ErrClosed       = errors.New("trace: recorder closed")
)

// Config sizes the event buffer and insert batches.
type Config struct {
	Buffer        int
	BatchSize     int
	FlushInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Buffer:        1024,
		BatchSize:     256,
		FlushInterval: 500 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Buffer <= 0 {
		c.Buffer = def.Buffer
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = def.FlushInterval
	}
	return c
}

// Recorder is a node.Observer that persists events. Events that arrive while
// the buffer is full are counted and discarded.
type Recorder struct {
	db      *sql.DB
	cfg     Config
	session string
	events  chan node.Event
	dropped atomic.Uint64
	written atomic.Uint64
	log     zerolog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// Open creates the trace table in the database at path if needed and starts
// the writer. Each recorder tags its rows with a fresh session id.
func Open(path string, cfg Config) (*Recorder, error) {
	if path == "" {
		return nil, ErrPathRequired
	}
	cfg = cfg.withDefaults()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers; one connection avoids busy errors.
	db.SetMaxOpenConns(1)
	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	r := &Recorder{
		db:      db,
		cfg:     cfg,
		session: xid.New().String(),
		events:  make(chan node.Event, cfg.Buffer),
		done:    make(chan struct{}),
	}
	r.log = log.With().Str("component", "trace").Str("session", r.session).Logger()
	r.wg.Add(1)
	go r.writer()
	atexit.Register(func() { _ = r.Close() })
	r.log.Info().Str("path", path).Msg("trace.open")
	return r, nil
}

func createSchema(db *sql.DB) error {
	stmts := []string{
		`create table if not exists trace
		(
			session  text    not null,
			at_ns    integer not null,
			node     integer not null,
			kind     text    not null,
			iface    text    not null default '',
			prio     integer not null,
			src      integer not null,
			dst      integer not null,
			dport    integer not null,
			sport    integer not null,
			type     integer not null,
			seq      integer not null,
			length   integer not null,
			reason   text    not null default ''
		)`,
		`create index if not exists trace_session_index on trace (session)`,
		`create index if not exists trace_kind_index on trace (kind)`,
		`create index if not exists trace_at_index on trace (at_ns)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("trace: schema: %w", err)
		}
	}
	return nil
}

// Session returns the id that tags this recorder's rows.
func (r *Recorder) Session() string {
	return r.session
}

// Observe queues ev for writing. It never blocks.
func (r *Recorder) Observe(ev node.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.events <- ev:
	default:
		r.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded on a full buffer.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Written reports how many events reached the database.
func (r *Recorder) Written() uint64 {
	return r.written.Load()
}

func (r *Recorder) writer() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]node.Event, 0, r.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := r.insert(batch); err != nil {
			r.log.Error().Err(err).Int("events", len(batch)).Msg("trace.flush")
		} else {
			r.written.Add(uint64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-r.events:
			batch = append(batch, ev)
			if len(batch) >= r.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-r.done:
			for {
				select {
				case ev := <-r.events:
					batch = append(batch, ev)
					if len(batch) >= r.cfg.BatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (r *Recorder) insert(events []node.Event) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`insert into trace
		(session, at_ns, node, kind, iface, prio, src, dst, dport, sport, type, seq, length, reason)
		values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, ev := range events {
		id := ev.ID
		if _, err := stmt.Exec(
			r.session, ev.At.UnixNano(), ev.Node, string(ev.Kind), ev.Iface,
			id.Priority, id.Src, id.Dst, id.DPort, id.SPort, id.Type, id.Seq,
			ev.Length, ev.Reason,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Close flushes buffered events and closes the database. It is safe to call
// more than once.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.done)
	r.mu.Unlock()

	r.wg.Wait()
	r.log.Info().Uint64("written", r.Written()).Uint64("dropped", r.Dropped()).Msg("trace.close")
	return r.db.Close()
}

// Filter narrows a Query. Zero fields match everything.
type Filter struct {
	Session string
	Kind    node.EventKind
	Limit   int
}

// Query reads events back in insertion order.
func (r *Recorder) Query(ctx context.Context, f Filter) ([]node.Event, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	q := `select at_ns, node, kind, iface, prio, src, dst, dport, sport, type, seq, length, reason
		from trace where 1 = 1`
	var args []any
	if f.Session != "" {
		q += ` and session = ?`
		args = append(args, f.Session)
	}
	if f.Kind != "" {
		q += ` and kind = ?`
		args = append(args, string(f.Kind))
	}
	q += ` order by rowid`
	if f.Limit > 0 {
		q += ` limit ?`
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []node.Event
	for rows.Next() {
		var (
			ev   node.Event
			at   int64
			kind string
			prio uint8
			typ  uint8
		)
		if err := rows.Scan(&at, &ev.Node, &kind, &ev.Iface, &prio, &ev.ID.Src, &ev.ID.Dst,
			&ev.ID.DPort, &ev.ID.SPort, &typ, &ev.ID.Seq, &ev.Length, &ev.Reason); err != nil {
			return nil, err
		}
		ev.At = time.Unix(0, at)
		ev.Kind = node.EventKind(kind)
		ev.ID.Priority = protocol.Priority(prio)
		ev.ID.Type = protocol.FrameType(typ)
		out = append(out, ev)
	}
	return out, rows.Err()
}
