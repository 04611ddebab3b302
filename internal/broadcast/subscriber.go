package broadcast

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	ReasonClientClosed = "client_closed"
	ReasonOverflow     = "overflow"
	ReasonWriteFailed  = "write_failed"
	ReasonShutdown     = "shutdown"

	maxInboundMessage = 512
)

// Subscriber is one connected websocket client. Its queue is bounded; the
// broadcaster drops the subscriber instead of waiting when it is full.
type Subscriber struct {
	ID        string
	IP        string
	Principal Principal
	Connected time.Time

	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	reason  string
	onClose func(*Subscriber, string)
	logger  *slog.Logger
}

func newSubscriber(id string, conn *websocket.Conn, queueSize int, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		ID:        id,
		Connected: time.Now(),
		conn:      conn,
		send:      make(chan []byte, queueSize),
		done:      make(chan struct{}),
		logger:    logger,
	}
}

// enqueue never blocks. It reports false when the queue is full or the
// subscriber is closed.
func (s *Subscriber) enqueue(payload []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

// Done is closed once the subscriber has been closed.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Close disconnects the subscriber. Only the first reason is kept.
func (s *Subscriber) Close(reason string) {
	s.once.Do(func() {
		s.reason = reason
		close(s.done)
		if s.conn != nil {
			code := websocket.CloseNormalClosure
			if reason == ReasonOverflow {
				code = websocket.ClosePolicyViolation
			}
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
			_ = s.conn.Close()
		}
		if s.onClose != nil {
			s.onClose(s, reason)
		}
	})
}

func (s *Subscriber) writePump(writeTimeout, pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logger.Debug("subscriber write failed", "subscriber_id", s.ID, "error", err)
				s.Close(ReasonWriteFailed)
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				s.Close(ReasonWriteFailed)
				return
			}
		}
	}
}

// readPump discards inbound frames; it exists to process control frames and
// notice when the client goes away.
func (s *Subscriber) readPump(pongWait time.Duration) {
	s.conn.SetReadLimit(maxInboundMessage)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.NextReader(); err != nil {
			s.Close(ReasonClientClosed)
			return
		}
	}
}
