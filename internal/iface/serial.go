package iface

import (
	"context"
	"io"
	"math/rand"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/danmuck/cspnet/internal/buffer"
)

const KindSerial = "serial"

// SerialConfig names a serial device. Zero BaudRate uses DefaultBaudRate.
type SerialConfig struct {
	Device   string
	BaudRate int
}

const DefaultBaudRate = 115200

// Opener opens a serial medium. Tests substitute an in-memory pipe.
type Opener func(device string, baud int) (io.ReadWriteCloser, error)

// OpenSerialPort opens device as 8N1 at baud.
func OpenSerialPort(device string, baud int) (io.ReadWriteCloser, error) {
	return serial.Open(device, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
}

// Serial carries sync-delimited frames over a serial line. A failed device is
// reopened with backoff.
type Serial struct {
	link
	scfg SerialConfig
	open Opener
	rng  *rand.Rand
	att  attachment

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewSerial(name string, rx Receiver, scfg SerialConfig, cfg Config) (*Serial, error) {
	return NewSerialWithOpener(name, rx, scfg, cfg, OpenSerialPort)
}

func NewSerialWithOpener(name string, rx Receiver, scfg SerialConfig, cfg Config, open Opener) (*Serial, error) {
	if scfg.Device == "" {
		return nil, ErrAddressRequired
	}
	if scfg.BaudRate <= 0 {
		scfg.BaudRate = DefaultBaudRate
	}
	l, err := newLink(name, KindSerial, cfg, rx)
	if err != nil {
		return nil, err
	}
	return &Serial{
		link: l,
		scfg: scfg,
		open: open,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func (s *Serial) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.started {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.started = true
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(runCtx)
	s.log.Info().Str("device", s.scfg.Device).Int("baud", s.scfg.BaudRate).Msg("iface.start")
	return nil
}

func (s *Serial) run(ctx context.Context) {
	defer s.wg.Done()
	var attempt int
	for {
		attempt++
		rwc, err := s.open(s.scfg.Device, s.scfg.BaudRate)
		if err != nil {
			s.log.Warn().Int("attempt", attempt).Err(err).Msg("iface.open")
			if err := sleepBackoff(ctx, s.cfg.Backoff, attempt, s.rng); err != nil {
				return
			}
			continue
		}
		attempt = 0
		st := &stream{rwc: rwc}
		s.att.set(st)

		stop := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				_ = rwc.Close()
			case <-stop:
			}
		}()
		err = s.readStream(st)
		close(stop)
		s.att.clear(st)
		_ = rwc.Close()
		if ctx.Err() != nil {
			return
		}
		s.log.Warn().Err(err).Msg("iface.device lost")
		if err := sleepBackoff(ctx, s.cfg.Backoff, 1, s.rng); err != nil {
			return
		}
	}
}

func (s *Serial) Transmit(pkt *buffer.Packet, timeout time.Duration) error {
	return s.writeStream(s.att.get(), pkt, timeout)
}

func (s *Serial) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if st := s.att.set(nil); st != nil {
		_ = st.rwc.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *Serial) Stats() Stats {
	return s.counts.snapshot(s.name, s.kind, s.att.get() != nil)
}
