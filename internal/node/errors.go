package node

import (
	"errors"
	"fmt"

	"github.com/danmuck/cspnet/internal/buffer"
	"github.com/danmuck/cspnet/internal/protocol"
)

var (
	ErrTimeout         = errors.New("node: timeout")
	ErrClosed          = errors.New("node: closed")
	ErrRouteFailure    = errors.New("node: route failure")
	ErrBindingConflict = errors.New("node: port already bound")
	ErrInvalidPort     = errors.New("node: invalid port")
	ErrInvalidBacklog  = errors.New("node: invalid backlog")
	ErrNoPortAvailable = errors.New("node: no ephemeral port available")
	ErrConnLimit       = errors.New("node: connection limit reached")
	ErrNotListening    = errors.New("node: socket not listening")
	ErrInvalidConfig   = errors.New("node: invalid config")

	// ErrPeerFault is returned by Read after the peer sent an ERROR frame.
	ErrPeerFault = fmt.Errorf("%w: peer reported fault", ErrClosed)

	ErrExhausted = buffer.ErrExhausted
	ErrFormat    = protocol.ErrFormat
)
