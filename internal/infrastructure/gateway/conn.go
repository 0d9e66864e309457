// Package gateway owns the per-conversation WebSocket lifecycle: one
// logical connection per conversation id, the init handshake, the read
// pump, and the teardown policy.
package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dataelement/bisheng-sub006/internal/domain/wire"
	"github.com/dataelement/bisheng-sub006/internal/infrastructure/metrics"
)

// Conn wraps one live socket. Writes are serialized by a mutex; reads
// happen on a single pump goroutine.
type Conn struct {
	convID string
	ws     *websocket.Conn
	log    zerolog.Logger

	writeMu      sync.Mutex
	writeTimeout time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

func newConn(convID string, ws *websocket.Conn, writeTimeout time.Duration, log zerolog.Logger) *Conn {
	return &Conn{
		convID:       convID,
		ws:           ws,
		log:          log.With().Str("chat_id", convID).Logger(),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

// send writes one envelope. Concurrent dispatches share the socket, so
// the write deadline and the mutex both apply.
func (c *Conn) send(env wire.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteJSON(env)
}

// close tears the socket down once.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		_ = c.ws.Close()
	})
}

// readLoop pumps inbound frames until the socket dies. Malformed payloads
// are logged and dropped; they never close the connection. The returned
// reason is the close text surfaced to the UI (empty for clean closes).
func (c *Conn) readLoop(handler Handler) string {
	for {
		select {
		case <-c.done:
			return ""
		default:
		}

		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if closeErr, ok := err.(*websocket.CloseError); ok {
				return closeErr.Text
			}
			select {
			case <-c.done:
				return ""
			default:
			}
			return err.Error()
		}

		ev, err := wire.Decode(raw)
		if err != nil {
			metrics.FramesDropped.Inc()
			c.log.Warn().Err(err).Msg("malformed frame dropped")
			continue
		}
		handler.HandleEvent(c.convID, ev)
	}
}
