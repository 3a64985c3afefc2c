package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	gorilla "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/qmarkhow-spec/rubypets-sub000/internal/auth"
	"github.com/qmarkhow-spec/rubypets-sub000/internal/db"
	"github.com/qmarkhow-spec/rubypets-sub000/internal/friends"
	"github.com/qmarkhow-spec/rubypets-sub000/internal/models"
	"github.com/qmarkhow-spec/rubypets-sub000/internal/websocket"
)

// Store is the repository surface the gateway uses.
type Store interface {
	GetThreadByPair(ctx context.Context, a, b string) (*models.Thread, error)
	StartThread(ctx context.Context, initiator, other string, friends bool, firstMessage string) (*models.Thread, bool, error)
	IsParticipant(ctx context.Context, threadID, accountID string) (bool, error)
	ThreadSummary(ctx context.Context, threadID, accountID string) (*models.ThreadSummary, error)
	ListThreads(ctx context.Context, accountID string, in db.ListThreadsInput) (*models.ThreadPage, error)
	ListMessages(ctx context.Context, threadID string, limit int, before string) (*models.MessagePage, error)
	DecideRequest(ctx context.Context, threadID, accountID string, decision models.RequestState) (*models.Thread, error)
	SetArchived(ctx context.Context, threadID, accountID string, archived bool) error
	SetDeleted(ctx context.Context, threadID, accountID string, deleted bool) error
}

// ThreadNotifier tells live observers of a thread that its state changed.
type ThreadNotifier interface {
	NotifyThreadUpdated(ctx context.Context, threadID, accountID string) error
}

const notifyTimeout = 5 * time.Second

type Handlers struct {
	store    Store
	friends  friends.Graph
	notifier ThreadNotifier
	registry *websocket.Registry
	auth     *auth.Authenticator
	upgrader gorilla.Upgrader
	logger   zerolog.Logger
}

type HandlersConfig struct {
	AllowedOrigins []string
}

func NewHandlers(store Store, graph friends.Graph, notifier ThreadNotifier, registry *websocket.Registry, authenticator *auth.Authenticator, cfg HandlersConfig, logger zerolog.Logger) *Handlers {
	origins := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		origins[o] = true
	}
	return &Handlers{
		store:    store,
		friends:  graph,
		notifier: notifier,
		registry: registry,
		auth:     authenticator,
		upgrader: gorilla.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// non-browser clients send no origin
				return origin == "" || origins[origin]
			},
		},
		logger: logger,
	}
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeStoreError maps repository and protocol errors to responses.
func (h *Handlers) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		forbidden(w)
	case errors.Is(err, models.ErrOwnRequest):
		writeError(w, http.StatusForbidden, CodeForbidden, err.Error())
	case errors.Is(err, models.ErrEmptyBody),
		errors.Is(err, models.ErrBodyTooLong),
		errors.Is(err, db.ErrInvalidCursor),
		errors.Is(err, db.ErrMessageNotInThread):
		badRequest(w, err.Error())
	case errors.Is(err, models.ErrRequestRejected),
		errors.Is(err, models.ErrRequestAlreadySent),
		errors.Is(err, models.ErrAwaitingAccept),
		errors.Is(err, models.ErrNotPending):
		conflict(w, err.Error())
	default:
		h.logger.Error().Err(err).Msg("request failed")
		internalError(w)
	}
}

// authorize writes a 403 unless the caller participates in the thread.
func (h *Handlers) authorize(w http.ResponseWriter, r *http.Request, threadID string) bool {
	ok, err := h.store.IsParticipant(r.Context(), threadID, AccountID(r.Context()))
	if err != nil {
		h.writeStoreError(w, err)
		return false
	}
	if !ok {
		forbidden(w)
		return false
	}
	return true
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	return limit, nil
}

func (h *Handlers) HandleListThreads(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	var archived bool
	if raw := r.URL.Query().Get("archived"); raw != "" {
		if archived, err = strconv.ParseBool(raw); err != nil {
			badRequest(w, "archived must be true or false")
			return
		}
	}

	page, err := h.store.ListThreads(r.Context(), AccountID(r.Context()), db.ListThreadsInput{
		Limit:           limit,
		Cursor:          r.URL.Query().Get("cursor"),
		IncludeArchived: archived,
	})
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// HandleCreateThread returns the caller's thread with another account,
// creating it on first contact.
func (h *Handlers) HandleCreateThread(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := AccountID(ctx)

	var req models.CreateThreadRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	if req.OtherAccountID == caller {
		badRequest(w, "cannot start a thread with yourself")
		return
	}
	text := strings.TrimSpace(req.FirstMessageText)
	if text != "" {
		if _, err := models.NormalizeBody(text); err != nil {
			badRequest(w, err.Error())
			return
		}
	}

	// an existing thread is returned as is
	existing, err := h.store.GetThreadByPair(ctx, caller, req.OtherAccountID)
	if err == nil {
		h.writeSummary(w, r, existing.ID, http.StatusOK)
		return
	}
	if !errors.Is(err, db.ErrNotFound) {
		h.writeStoreError(w, err)
		return
	}

	connected, err := h.friends.AreConnected(ctx, caller, req.OtherAccountID)
	if err != nil {
		h.logger.Error().Err(err).Msg("friend graph lookup failed")
		internalError(w)
		return
	}
	if !connected && text == "" {
		badRequest(w, "firstMessageText is required to message someone who is not a friend")
		return
	}

	thread, created, err := h.store.StartThread(ctx, caller, req.OtherAccountID, connected, text)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	if !created {
		// lost a race with the other side
		h.writeSummary(w, r, thread.ID, http.StatusOK)
		return
	}

	h.logger.Info().
		Str("thread_id", thread.ID).
		Str("request_state", string(thread.RequestState)).
		Msg("thread created")
	h.writeSummary(w, r, thread.ID, http.StatusCreated)
}

func (h *Handlers) writeSummary(w http.ResponseWriter, r *http.Request, threadID string, status int) {
	summary, err := h.store.ThreadSummary(r.Context(), threadID, AccountID(r.Context()))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, status, summary)
}

func (h *Handlers) HandleGetThread(w http.ResponseWriter, r *http.Request) {
	h.writeSummary(w, r, mux.Vars(r)["id"], http.StatusOK)
}

func (h *Handlers) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["id"]
	if !h.authorize(w, r, threadID) {
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	page, err := h.store.ListMessages(r.Context(), threadID, limit, r.URL.Query().Get("before"))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handlers) HandleAcceptRequest(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, models.RequestAccepted)
}

func (h *Handlers) HandleRejectRequest(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, models.RequestRejected)
}

func (h *Handlers) decide(w http.ResponseWriter, r *http.Request, decision models.RequestState) {
	threadID := mux.Vars(r)["id"]
	caller := AccountID(r.Context())

	if _, err := h.store.DecideRequest(r.Context(), threadID, caller, decision); err != nil {
		h.writeStoreError(w, err)
		return
	}

	go h.notifyThreadUpdated(threadID, caller)
	h.writeSummary(w, r, threadID, http.StatusOK)
}

// notifyThreadUpdated tells live sessions about a REST write. Failures are
// logged only; the write already happened.
func (h *Handlers) notifyThreadUpdated(threadID, accountID string) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := h.notifier.NotifyThreadUpdated(ctx, threadID, accountID); err != nil {
		h.logger.Warn().Err(err).Str("thread_id", threadID).Msg("failed to notify live sessions")
	}
}

func (h *Handlers) HandleArchive(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, h.store.SetArchived)
}

func (h *Handlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, h.store.SetDeleted)
}

// toggle sets the caller's flag on POST and clears it on DELETE.
func (h *Handlers) toggle(w http.ResponseWriter, r *http.Request, set func(ctx context.Context, threadID, accountID string, on bool) error) {
	threadID := mux.Vars(r)["id"]
	on := r.Method != http.MethodDelete

	if err := set(r.Context(), threadID, AccountID(r.Context()), on); err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.writeSummary(w, r, threadID, http.StatusOK)
}

// HandleWebSocket admits a participant to the thread's live protocol.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["id"]
	accountID := AccountID(r.Context())

	if !h.authorize(w, r, threadID) {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to upgrade connection")
		return
	}

	session := websocket.NewSession(h.registry, conn, accountID, threadID)
	if err := h.registry.Join(session); err != nil {
		h.logger.Warn().Err(err).Str("thread_id", threadID).Msg("failed to join coordinator")
		conn.WriteMessage(gorilla.CloseMessage,
			gorilla.FormatCloseMessage(gorilla.CloseTryAgainLater, "shutting down"))
		conn.Close()
		return
	}

	go session.WritePump()
	go session.ReadPump()
}
