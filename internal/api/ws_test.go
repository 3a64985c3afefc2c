package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qmarkhow-spec/rubypets-sub000/internal/models"
)

type wsFrame struct {
	Type    string              `json:"type"`
	Message json.RawMessage     `json:"message"`
	Thread  *models.ThreadState `json:"thread"`
}

func (e *testEnv) wsURL(threadID, token string) string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http") + "/api/threads/" + threadID + "/ws?token=" + token
}

// dial connects accountID to the thread and waits until its session is
// attached to the coordinator.
func (e *testEnv) dial(threadID, accountID string) *gorilla.Conn {
	e.t.Helper()
	conn, _, err := gorilla.DefaultDialer.Dial(e.wsURL(threadID, e.token(accountID)), nil)
	require.NoError(e.t, err)
	e.t.Cleanup(func() { conn.Close() })

	// frames are only read after the session joined
	require.NoError(e.t, conn.WriteJSON(models.ClientFrame{Type: models.FramePing}))
	assert.Equal(e.t, models.FramePong, readFrame(e.t, conn).Type)
	return conn
}

func readFrame(t *testing.T, conn *gorilla.Conn) wsFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var f wsFrame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func TestWebSocket_RejectedBeforeUpgrade(t *testing.T) {
	env := newTestEnv(t, nil)
	summary := env.createThread("u1", "u2", "", true)

	_, resp, err := gorilla.DefaultDialer.Dial(env.wsURL(summary.ID, env.token("u3")), nil)
	require.ErrorIs(t, err, gorilla.ErrBadHandshake)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, resp, err = gorilla.DefaultDialer.Dial(env.wsURL(summary.ID, "garbage"), nil)
	require.ErrorIs(t, err, gorilla.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err = gorilla.DefaultDialer.Dial(env.wsURL(summary.ID, env.token("u1")), header)
	require.ErrorIs(t, err, gorilla.ErrBadHandshake)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWebSocket_SendBroadcasts(t *testing.T) {
	env := newTestEnv(t, nil)
	summary := env.createThread("u1", "u2", "", true)

	c1 := env.dial(summary.ID, "u1")
	c2 := env.dial(summary.ID, "u2")

	require.NoError(t, c1.WriteJSON(models.ClientFrame{Type: models.FrameSend, BodyText: "  hello  "}))

	for _, conn := range []*gorilla.Conn{c1, c2} {
		f := readFrame(t, conn)
		require.Equal(t, models.FrameMessageNew, f.Type)
		var m models.Message
		require.NoError(t, json.Unmarshal(f.Message, &m))
		assert.Equal(t, "hello", m.BodyText)
		assert.Equal(t, "u1", m.SenderID)

		f = readFrame(t, conn)
		require.Equal(t, models.FrameThreadUpdated, f.Type)
		require.NotNil(t, f.Thread.LastMessageID)
		assert.Equal(t, m.ID, *f.Thread.LastMessageID)
	}

	var page models.MessagePage
	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/threads/"+summary.ID+"/messages", "u2", nil, &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, "hello", page.Items[0].BodyText)
}

func TestWebSocket_MalformedFrame(t *testing.T) {
	env := newTestEnv(t, nil)
	summary := env.createThread("u1", "u2", "", true)
	c1 := env.dial(summary.ID, "u1")

	require.NoError(t, c1.WriteMessage(gorilla.TextMessage, []byte("{not json")))
	f := readFrame(t, c1)
	assert.Equal(t, models.FrameError, f.Type)
	assert.JSONEq(t, `"malformed frame"`, string(f.Message))
}

// A REST decision reaches live sessions through the signed notify endpoint.
func TestWebSocket_RemoteNotify(t *testing.T) {
	env := newTestEnv(t, nil)
	remote := NewRemoteNotifier(env.server.URL, env.auth, nil)

	summary := env.createThread("u1", "u2", "hi", false)
	c1 := env.dial(summary.ID, "u1")

	_, err := env.store.DecideRequest(context.Background(), summary.ID, "u2", models.RequestAccepted)
	require.NoError(t, err)
	require.NoError(t, remote.NotifyThreadUpdated(context.Background(), summary.ID, "u2"))

	f := readFrame(t, c1)
	require.Equal(t, models.FrameThreadUpdated, f.Type)
	assert.Equal(t, models.RequestAccepted, f.Thread.RequestState)

	err = remote.NotifyThreadUpdated(context.Background(), summary.ID, "u3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestInternalNotify_RejectsBadTokens(t *testing.T) {
	env := newTestEnv(t, nil)
	summary := env.createThread("u1", "u2", "", true)
	other := env.createThread("u1", "u9", "", true)

	post := func(threadID, accountID, token string) int {
		req, err := http.NewRequest(http.MethodPost, env.server.URL+"/internal/threads/"+threadID+"/notify",
			strings.NewReader(`{"action":"thread_updated"}`))
		require.NoError(t, err)
		if accountID != "" {
			req.Header.Set(headerAccountID, accountID)
		}
		req.Header.Set(headerInternalToken, token)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	valid, err := env.auth.IssueInternalToken(summary.ID, "u1", models.FrameThreadUpdated)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, post(summary.ID, "u1", valid))
	assert.Equal(t, http.StatusUnauthorized, post(summary.ID, "", valid))
	assert.Equal(t, http.StatusUnauthorized, post(summary.ID, "u1", "forged"))
	assert.Equal(t, http.StatusUnauthorized, post(other.ID, "u1", valid))
	assert.Equal(t, http.StatusUnauthorized, post(summary.ID, "u2", valid))

	// an account token is not an internal token
	assert.Equal(t, http.StatusUnauthorized, post(summary.ID, "u1", env.token("u1")))
}
