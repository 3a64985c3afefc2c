package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/qmarkhow-spec/rubypets-sub000/internal/models"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 8192
)

// Attachment is the binding a live connection carries for its whole life.
type Attachment struct {
	AccountID string
	ThreadID  string
}

// Session is one live connection to one conversation.
type Session struct {
	id         string
	conn       *websocket.Conn
	send       chan []byte
	attachment Attachment
	limiter    *rate.Limiter
	pingPeriod time.Duration
	registry   *Registry
	logger     zerolog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func NewSession(registry *Registry, conn *websocket.Conn, accountID, threadID string) *Session {
	cfg := registry.cfg
	id := uuid.NewString()
	return &Session{
		id:         id,
		conn:       conn,
		send:       make(chan []byte, cfg.SendBuffer),
		attachment: Attachment{AccountID: accountID, ThreadID: threadID},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		pingPeriod: cfg.PingPeriod,
		registry:   registry,
		logger: registry.logger.With().
			Str("session_id", id).
			Str("account_id", accountID).
			Str("thread_id", threadID).
			Logger(),
		done: make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

// Attachment returns the (account, thread) binding the session was admitted with.
func (s *Session) Attachment() Attachment { return s.attachment }

// Send queues a frame without blocking. It reports false when the session is
// closed or its buffer is full.
func (s *Session) Send(frame interface{}) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to marshal frame")
		return false
	}

	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// Close stops the writer, which closes the connection. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Session) ReadPump() {
	defer func() {
		s.registry.Leave(s)
		s.Close()
		s.conn.Close()
	}()

	pongWait := s.pingPeriod * 10 / 9
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Msg("connection closed unexpectedly")
			}
			return
		}

		if !s.limiter.Allow() {
			s.Send(models.NewErrorFrame("rate limit exceeded"))
			continue
		}

		var frame models.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Type == "" {
			s.Send(models.NewErrorFrame("malformed frame"))
			continue
		}

		if err := s.registry.Frame(s, frame); err != nil {
			s.logger.Warn().Err(err).Msg("failed to dispatch frame")
			s.Send(models.NewErrorFrame("internal error"))
		}
	}
}

func (s *Session) WritePump() {
	ticker := time.NewTicker(s.pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
