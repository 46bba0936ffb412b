package connector

import (
	"context"
	"time"

	"github.com/coder/websocket"

	"github.com/syncrow/syncrow/internal/qerrors"
)

// pingFrame is the single-byte 0xFF keepalive, distinct from the
// websocket protocol's own control-frame ping/pong (which coder/websocket
// answers transparently and which this loop treats as a second,
// lower-level liveness signal).
var pingFrame = []byte{0xFF}

// echoPing replies to a received keepalive ping with the same
// single-byte frame, so whichever side initiated it sees its liveness
// check answered.
func (c *Connector) echoPing() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()
	_ = conn.Write(writeCtx, websocket.MessageBinary, pingFrame)
}

// keepaliveLoop sends a ping every KeepaliveEvery and forces a reconnect
// once MissedKeepalive consecutive pings have gone unanswered.
func (c *Connector) keepaliveLoop(stopCh chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.KeepaliveEvery)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				return
			}

			c.keepaliveMu.Lock()
			c.missedPings++
			missed := c.missedPings
			c.keepaliveMu.Unlock()

			if missed > c.cfg.MissedKeepalive {
				c.delegate.OnError(qerrors.New(qerrors.Network, "missed keepalive, reconnecting", nil))
				conn.Close(websocket.StatusGoingAway, "keepalive timeout")
				return
			}

			writeCtx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
			err := conn.Write(writeCtx, websocket.MessageBinary, pingFrame)
			cancel()
			if err != nil {
				c.delegate.OnError(qerrors.Wrap(qerrors.Network, "send keepalive", nil, err))
				return
			}
		}
	}
}
