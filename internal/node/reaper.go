package node

import (
	"time"
)

// reapIdle closes passive connections without traffic for longer than idle.
// Active connections belong to the application that opened them.
func (n *Node) reapIdle(idle time.Duration) {
	defer n.wg.Done()
	interval := idle / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stop:
			return
		case now := <-ticker.C:
			for _, c := range n.idleConns(now, idle) {
				n.log.Debug().
					Str("conn", c.ID()).
					Uint8("peer", c.Peer()).
					Uint8("port", c.LocalPort()).
					Msg("node.reap idle connection")
				_ = c.Close()
			}
		}
	}
}

func (n *Node) idleConns(now time.Time, idle time.Duration) []*Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*Conn
	for _, c := range n.conns {
		if c.passive && c.idleFor(now) > idle {
			out = append(out, c)
		}
	}
	return out
}
