package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/qmarkhow-spec/rubypets-sub000/internal/models"
	"github.com/qmarkhow-spec/rubypets-sub000/internal/push"
)

var ErrRegistryClosed = errors.New("conversation registry is shut down")

// Store is the persistence a coordinator needs.
type Store interface {
	GetThread(ctx context.Context, id string) (*models.Thread, error)
	AppendMessage(ctx context.Context, threadID, senderID, body string, policy models.ReplyPolicy) (*models.Message, *models.Thread, error)
	SetLastRead(ctx context.Context, threadID, accountID, messageID string) error
	DecideRequest(ctx context.Context, threadID, accountID string, decision models.RequestState) (*models.Thread, error)
}

type Config struct {
	IdleTimeout   time.Duration
	PendingReply  models.ReplyPolicy
	EventTimeout  time.Duration
	SendBuffer    int
	PingPeriod    time.Duration
	RatePerSecond float64
	Burst         int
}

func (c *Config) setDefaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	if c.PendingReply == "" {
		c.PendingReply = models.ReplyAllow
	}
	if c.EventTimeout <= 0 {
		c.EventTimeout = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.PingPeriod <= 0 {
		c.PingPeriod = 30 * time.Second
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 10
	}
	if c.Burst <= 0 {
		c.Burst = 20
	}
}

// Registry routes events to exactly one running Coordinator per thread and
// starts one on demand.
type Registry struct {
	store  Store
	push   push.Notifier
	cfg    Config
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	coordinators map[string]*Coordinator
	closed       bool
}

func NewRegistry(store Store, notifier push.Notifier, cfg Config, logger zerolog.Logger) *Registry {
	cfg.setDefaults()
	if notifier == nil {
		notifier = push.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		store:        store,
		push:         notifier,
		cfg:          cfg,
		logger:       logger.With().Str("component", "websocket").Logger(),
		ctx:          ctx,
		cancel:       cancel,
		coordinators: make(map[string]*Coordinator),
	}
}

// Join adds an admitted session to its thread's coordinator.
func (r *Registry) Join(s *Session) error {
	return r.dispatch(s.Attachment().ThreadID, event{kind: eventJoin, session: s}, true)
}

// Leave removes a session. A thread with no running coordinator has nothing to forget.
func (r *Registry) Leave(s *Session) {
	if err := r.dispatch(s.Attachment().ThreadID, event{kind: eventLeave, session: s}, false); err != nil &&
		!errors.Is(err, ErrRegistryClosed) {
		r.logger.Warn().Err(err).Str("session_id", s.ID()).Msg("failed to leave")
	}
}

// Frame hands a client frame to the coordinator of the session's thread.
func (r *Registry) Frame(s *Session, frame models.ClientFrame) error {
	return r.dispatch(s.Attachment().ThreadID, event{kind: eventFrame, session: s, frame: frame}, true)
}

// NotifyThreadUpdated broadcasts the thread's current state on behalf of
// accountID, who must be a participant.
func (r *Registry) NotifyThreadUpdated(ctx context.Context, threadID, accountID string) error {
	result := make(chan error, 1)
	ev := event{kind: eventNotify, accountID: accountID, result: result}
	if err := r.dispatch(threadID, ev, true); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports how many coordinators are live.
func (r *Registry) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.coordinators)
}

func (r *Registry) dispatch(threadID string, ev event, spawn bool) error {
	for {
		c, err := r.coordinator(threadID, spawn)
		if err != nil {
			return err
		}
		if c == nil {
			return nil
		}
		if c.enqueue(ev) {
			return nil
		}
		// lost the race with an idle shutdown; the next lookup starts a fresh one
	}
}

func (r *Registry) coordinator(threadID string, spawn bool) (*Coordinator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	if c, ok := r.coordinators[threadID]; ok {
		return c, nil
	}
	if !spawn {
		return nil, nil
	}

	c := newCoordinator(r, threadID)
	r.coordinators[threadID] = c
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		c.run()
	}()
	r.logger.Debug().Str("thread_id", threadID).Msg("coordinator started")
	return c, nil
}

// retire removes an idle coordinator. It fails if the coordinator is no
// longer registered under its thread.
func (r *Registry) retire(c *Coordinator) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.coordinators[c.threadID] != c {
		return false
	}
	delete(r.coordinators, c.threadID)
	close(c.done)
	return true
}

// Shutdown stops every coordinator, closing their sessions, and waits for
// them to exit or ctx to end.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()

	stopped := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
		r.logger.Info().Msg("all coordinators stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
