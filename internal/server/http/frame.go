package httpserver

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/strategy-runtime/internal/dom"
	"github.com/coachpo/strategy-runtime/internal/observability"
)

const (
	frameBufferSize   = 16
	frameWriteTimeout = 5 * time.Second
)

// frameHub stands in for the parent window of an instance document. Messages posted by the
// runtime fan out to every connected websocket. PostMessage runs under the controller lock, so
// it never blocks: slow subscribers drop messages.
type frameHub struct {
	mu     sync.Mutex
	subs   map[chan []byte]struct{}
	last   []byte
	closed bool
	logger observability.Logger
}

func newFrameHub(logger observability.Logger) *frameHub {
	return &frameHub{subs: make(map[chan []byte]struct{}), logger: observability.OrDefault(logger)}
}

// PostMessage implements dom.Frame.
func (h *frameHub) PostMessage(message any, _ string) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errFrameClosed
	}
	h.last = payload
	for ch := range h.subs {
		select {
		case ch <- payload:
		default:
			h.logger.Debug("frame subscriber lagging, message dropped")
		}
	}
	return nil
}

var errFrameClosed = errors.New("frame closed")

// subscribe returns a message channel primed with the last message, and an unsubscribe func.
// The channel is closed when the hub closes.
func (h *frameHub) subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, frameBufferSize)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	if h.last != nil {
		ch <- h.last
	}
	h.subs[ch] = struct{}{}
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
}

func (h *frameHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		close(ch)
		delete(h.subs, ch)
	}
}

var _ dom.Frame = (*frameHub)(nil)

func (s *httpServer) serveFrame(w http.ResponseWriter, r *http.Request, sess *session) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		s.logger.Warn("frame websocket accept failed", observability.F("instance", sess.id), observability.Err(err))
		return
	}
	defer func() { _ = conn.CloseNow() }()

	messages, unsubscribe := sess.frame.subscribe()
	defer unsubscribe()

	// CloseRead discards client frames and cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-messages:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "instance completed")
				return
			}
			if err := writeFrame(ctx, conn, payload); err != nil {
				s.logger.Debug("frame websocket write failed", observability.F("instance", sess.id), observability.Err(err))
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, frameWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, payload)
}
