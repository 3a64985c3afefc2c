package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/qmarkhow-spec/rubypets-sub000/internal/auth"
	"github.com/qmarkhow-spec/rubypets-sub000/internal/models"
	"github.com/qmarkhow-spec/rubypets-sub000/internal/websocket"
)

const (
	headerAccountID     = "X-Account-Id"
	headerInternalToken = "X-Internal-Token"
)

// RemoteNotifier calls the notify endpoint of the process that hosts the
// thread's coordinator, signing each call.
type RemoteNotifier struct {
	baseURL string
	auth    *auth.Authenticator
	client  *http.Client
}

func NewRemoteNotifier(baseURL string, authenticator *auth.Authenticator, client *http.Client) *RemoteNotifier {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &RemoteNotifier{
		baseURL: strings.TrimRight(baseURL, "/"),
		auth:    authenticator,
		client:  client,
	}
}

func (n *RemoteNotifier) NotifyThreadUpdated(ctx context.Context, threadID, accountID string) error {
	token, err := n.auth.IssueInternalToken(threadID, accountID, models.FrameThreadUpdated)
	if err != nil {
		return fmt.Errorf("failed to sign notify token: %w", err)
	}

	body, _ := json.Marshal(models.NotifyRequest{Action: models.FrameThreadUpdated})
	endpoint := n.baseURL + "/internal/threads/" + url.PathEscape(threadID) + "/notify"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build notify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerAccountID, accountID)
	req.Header.Set(headerInternalToken, token)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to notify coordinator: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// HandleInternalNotify broadcasts thread_updated for a signed out-of-band
// request from the REST layer.
func (h *Handlers) HandleInternalNotify(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["id"]
	accountID := r.Header.Get(headerAccountID)
	if accountID == "" {
		unauthorized(w, "missing "+headerAccountID)
		return
	}

	var req models.NotifyRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	if err := h.auth.VerifyInternalToken(r.Header.Get(headerInternalToken), threadID, accountID, req.Action); err != nil {
		unauthorized(w, "invalid internal token")
		return
	}

	err := h.registry.NotifyThreadUpdated(r.Context(), threadID, accountID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(err, websocket.ErrNotParticipant):
		forbidden(w)
	default:
		h.logger.Error().Err(err).Str("thread_id", threadID).Msg("out-of-band notify failed")
		internalError(w)
	}
}
