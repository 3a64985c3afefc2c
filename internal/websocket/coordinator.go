package websocket

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/qmarkhow-spec/rubypets-sub000/internal/db"
	"github.com/qmarkhow-spec/rubypets-sub000/internal/models"
	"github.com/qmarkhow-spec/rubypets-sub000/internal/push"
)

// ErrNotParticipant is returned to out-of-band callers outside the thread.
var ErrNotParticipant = errors.New("thread not found or access denied")

type eventKind int

const (
	eventJoin eventKind = iota
	eventLeave
	eventFrame
	eventNotify
)

type event struct {
	kind      eventKind
	session   *Session
	frame     models.ClientFrame
	accountID string
	result    chan error
}

// Coordinator owns the live sessions of one thread. All of its state is
// touched only from run.
type Coordinator struct {
	threadID string
	registry *Registry
	store    Store
	push     push.Notifier
	policy   models.ReplyPolicy
	logger   zerolog.Logger

	events   chan event
	done     chan struct{}
	sessions map[*Session]struct{}
}

func newCoordinator(r *Registry, threadID string) *Coordinator {
	return &Coordinator{
		threadID: threadID,
		registry: r,
		store:    r.store,
		push:     r.push,
		policy:   r.cfg.PendingReply,
		logger:   r.logger.With().Str("thread_id", threadID).Logger(),
		events:   make(chan event),
		done:     make(chan struct{}),
		sessions: make(map[*Session]struct{}),
	}
}

// enqueue delivers ev unless the coordinator has already stopped.
func (c *Coordinator) enqueue(ev event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *Coordinator) run() {
	idle := time.NewTimer(c.registry.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case ev := <-c.events:
			c.handle(ev)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(c.registry.cfg.IdleTimeout)

		case <-idle.C:
			if len(c.sessions) > 0 {
				idle.Reset(c.registry.cfg.IdleTimeout)
				continue
			}
			if c.registry.retire(c) {
				c.logger.Debug().Msg("coordinator idle, stopped")
				return
			}

		case <-c.registry.ctx.Done():
			for s := range c.sessions {
				s.Close()
			}
			c.registry.retire(c)
			return
		}
	}
}

func (c *Coordinator) handle(ev event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("recovered from panic while handling event")
			if ev.session != nil {
				c.sendTo(ev.session, models.NewErrorFrame("internal error"))
			}
			if ev.result != nil {
				ev.result <- fmt.Errorf("internal error: %v", r)
			}
		}
	}()

	ctx, cancel := context.WithTimeout(c.registry.ctx, c.registry.cfg.EventTimeout)
	defer cancel()

	switch ev.kind {
	case eventJoin:
		c.adopt(ev.session)
	case eventLeave:
		delete(c.sessions, ev.session)
		c.logger.Debug().Str("session_id", ev.session.ID()).Int("sessions", len(c.sessions)).Msg("session left")
	case eventFrame:
		if c.adopt(ev.session) {
			c.handleFrame(ctx, ev.session, ev.frame)
		}
	case eventNotify:
		ev.result <- c.handleNotify(ctx, ev.accountID)
	}
}

// adopt registers s if it is not known yet, using the binding the
// connection carries. A coordinator restarted under a live connection
// rebuilds its session set this way. Closed sessions are never admitted.
func (c *Coordinator) adopt(s *Session) bool {
	select {
	case <-s.done:
		delete(c.sessions, s)
		return false
	default:
	}
	if _, ok := c.sessions[s]; ok {
		return true
	}
	if s.Attachment().ThreadID != c.threadID {
		c.sendTo(s, models.NewErrorFrame(ErrNotParticipant.Error()))
		return false
	}
	c.sessions[s] = struct{}{}
	c.logger.Debug().
		Str("session_id", s.ID()).
		Str("account_id", s.Attachment().AccountID).
		Int("sessions", len(c.sessions)).
		Msg("session attached")
	return true
}

func (c *Coordinator) handleFrame(ctx context.Context, s *Session, frame models.ClientFrame) {
	accountID := s.Attachment().AccountID

	switch frame.Type {
	case models.FrameSend:
		msg, thread, err := c.store.AppendMessage(ctx, c.threadID, accountID, frame.BodyText, c.policy)
		if err != nil {
			c.sendError(s, err)
			return
		}
		c.broadcast(models.NewMessageFrame(msg))
		c.broadcast(models.NewThreadUpdatedFrame(thread))
		c.pushOffline(thread, msg)

	case models.FrameRead:
		if frame.LastReadMessageID == "" {
			c.sendTo(s, models.NewErrorFrame("last_read_message_id is required"))
			return
		}
		if err := c.store.SetLastRead(ctx, c.threadID, accountID, frame.LastReadMessageID); err != nil {
			c.sendError(s, err)
			return
		}
		c.broadcastExcept(s, models.NewReadUpdatedFrame(accountID, frame.LastReadMessageID))

	case models.FrameAcceptRequest, models.FrameRejectRequest:
		decision := models.RequestAccepted
		if frame.Type == models.FrameRejectRequest {
			decision = models.RequestRejected
		}
		thread, err := c.store.DecideRequest(ctx, c.threadID, accountID, decision)
		if err != nil {
			c.sendError(s, err)
			return
		}
		c.broadcast(models.NewThreadUpdatedFrame(thread))

	case models.FramePing:
		c.sendTo(s, models.PongFrame{Type: models.FramePong})

	default:
		c.sendTo(s, models.NewErrorFrame(fmt.Sprintf("unknown frame type %q", frame.Type)))
	}
}

func (c *Coordinator) handleNotify(ctx context.Context, accountID string) error {
	thread, err := c.store.GetThread(ctx, c.threadID)
	if errors.Is(err, db.ErrNotFound) {
		return ErrNotParticipant
	}
	if err != nil {
		return err
	}
	if !thread.HasParticipant(accountID) {
		return ErrNotParticipant
	}
	c.broadcast(models.NewThreadUpdatedFrame(thread))
	return nil
}

// pushOffline hands the message to the push collaborator for every other
// participant without a live session here.
func (c *Coordinator) pushOffline(thread *models.Thread, msg *models.Message) {
	online := make(map[string]bool, len(c.sessions))
	for s := range c.sessions {
		online[s.Attachment().AccountID] = true
	}

	for _, accountID := range []string{thread.ParticipantA, thread.ParticipantB} {
		if accountID == msg.SenderID || online[accountID] {
			continue
		}
		payload := push.Payload{
			AccountID: accountID,
			ThreadID:  thread.ID,
			MessageID: msg.ID,
			SenderID:  msg.SenderID,
			Preview:   push.Preview(msg.BodyText),
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.registry.cfg.EventTimeout)
			defer cancel()
			if err := c.push.Notify(ctx, payload); err != nil {
				c.logger.Warn().Err(err).Str("account_id", payload.AccountID).Msg("push notification failed")
			}
		}()
	}
}

func (c *Coordinator) sendError(s *Session, err error) {
	c.sendTo(s, models.NewErrorFrame(c.errorMessage(err)))
}

func (c *Coordinator) errorMessage(err error) string {
	switch {
	case errors.Is(err, models.ErrEmptyBody),
		errors.Is(err, models.ErrBodyTooLong),
		errors.Is(err, models.ErrRequestRejected),
		errors.Is(err, models.ErrRequestAlreadySent),
		errors.Is(err, models.ErrAwaitingAccept),
		errors.Is(err, models.ErrNotPending),
		errors.Is(err, models.ErrOwnRequest),
		errors.Is(err, db.ErrMessageNotInThread):
		return err.Error()
	case errors.Is(err, db.ErrNotFound):
		return ErrNotParticipant.Error()
	default:
		c.logger.Error().Err(err).Msg("failed to handle frame")
		return "internal error"
	}
}

func (c *Coordinator) sendTo(s *Session, frame interface{}) {
	if !s.Send(frame) {
		c.drop(s)
	}
}

func (c *Coordinator) broadcast(frame interface{}) {
	c.broadcastExcept(nil, frame)
}

func (c *Coordinator) broadcastExcept(skip *Session, frame interface{}) {
	for s := range c.sessions {
		if s == skip {
			continue
		}
		c.sendTo(s, frame)
	}
}

// drop forgets a session whose buffer is full or closed.
func (c *Coordinator) drop(s *Session) {
	if _, ok := c.sessions[s]; !ok {
		return
	}
	delete(c.sessions, s)
	s.Close()
	c.logger.Debug().Str("session_id", s.ID()).Msg("session dropped")
}
