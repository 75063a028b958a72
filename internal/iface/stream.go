package iface

import (
	"bufio"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/danmuck/cspnet/internal/buffer"
	"github.com/danmuck/cspnet/internal/protocol/frame"
)

// deadliner is implemented by media that support write deadlines.
type deadliner interface {
	SetWriteDeadline(t time.Time) error
}

// stream is the attached medium of a byte-stream link. Frames are delimited
// by the sync word, so a reader that joins mid-frame resynchronizes.
type stream struct {
	rwc io.ReadWriteCloser
	wmu sync.Mutex
}

// attachment holds the current stream of a link that may reconnect.
type attachment struct {
	mu  sync.RWMutex
	cur *stream
}

func (a *attachment) set(s *stream) *stream {
	a.mu.Lock()
	defer a.mu.Unlock()
	prev := a.cur
	a.cur = s
	return prev
}

// clear detaches s if it is still current.
func (a *attachment) clear(s *stream) {
	a.mu.Lock()
	if a.cur == s {
		a.cur = nil
	}
	a.mu.Unlock()
}

func (a *attachment) get() *stream {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cur
}

// readStream decodes frames from s until the medium fails. It returns the
// terminating error; io.EOF means the peer hung up.
func (l *link) readStream(s *stream) error {
	r := bufio.NewReader(s.rwc)
	for {
		f, err := frame.ReadFrame(r, l.codec, l.cfg.Limits)
		if err != nil {
			if isStreamFatal(err) {
				return err
			}
			l.rxError(err)
			continue
		}
		l.receive(f, frame.Size(l.codec, len(f.Payload)))
	}
}

// writeStream frames pkt onto s. On success the packet is released.
func (l *link) writeStream(s *stream, pkt *buffer.Packet, timeout time.Duration) error {
	if s == nil {
		l.counts.txErrors.Add(1)
		return ErrNotConnected
	}
	b, err := l.encode(pkt)
	if err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if d, ok := s.rwc.(deadliner); ok {
		if err := d.SetWriteDeadline(l.deadline(timeout)); err != nil && !errors.Is(err, os.ErrNoDeadline) {
			l.counts.txErrors.Add(1)
			return err
		}
	}
	if _, err := s.rwc.Write(b); err != nil {
		l.counts.txErrors.Add(1)
		return err
	}
	l.sent(pkt, len(b))
	return nil
}

// isStreamFatal separates medium failures from framing errors the reader can
// skip past.
func isStreamFatal(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
