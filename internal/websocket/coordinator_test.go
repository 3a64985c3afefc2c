package websocket

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qmarkhow-spec/rubypets-sub000/internal/db"
	"github.com/qmarkhow-spec/rubypets-sub000/internal/models"
	"github.com/qmarkhow-spec/rubypets-sub000/internal/push"
)

type frame map[string]interface{}

func newTestStore(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestRegistry(t *testing.T, store Store, notifier push.Notifier, cfg Config) *Registry {
	t.Helper()
	r := NewRegistry(store, notifier, cfg, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		r.Shutdown(ctx)
	})
	return r
}

// join attaches a connection-less session; frames are read from its buffer.
func join(t *testing.T, r *Registry, accountID, threadID string) *Session {
	t.Helper()
	s := NewSession(r, nil, accountID, threadID)
	require.NoError(t, r.Join(s))
	return s
}

func send(t *testing.T, r *Registry, s *Session, f models.ClientFrame) {
	t.Helper()
	require.NoError(t, r.Frame(s, f))
}

func recv(t *testing.T, s *Session) frame {
	t.Helper()
	select {
	case data := <-s.send:
		var f frame
		require.NoError(t, json.Unmarshal(data, &f))
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a frame on %s", s.Attachment().AccountID)
		return nil
	}
}

// expectPongNext proves nothing else was queued for s before its ping reply.
func expectPongNext(t *testing.T, r *Registry, s *Session) {
	t.Helper()
	send(t, r, s, models.ClientFrame{Type: models.FramePing})
	assert.Equal(t, models.FramePong, recv(t, s)["type"])
}

func TestCoordinator_SendBroadcastsToEveryone(t *testing.T) {
	store := newTestStore(t)
	r := newTestRegistry(t, store, nil, Config{})
	thread, _, err := store.CreateThread(context.Background(), "u1", "u2", true)
	require.NoError(t, err)

	s1 := join(t, r, "u1", thread.ID)
	s2 := join(t, r, "u2", thread.ID)

	send(t, r, s1, models.ClientFrame{Type: models.FrameSend, BodyText: "  hello  "})

	for _, s := range []*Session{s1, s2} {
		msg := recv(t, s)
		require.Equal(t, models.FrameMessageNew, msg["type"])
		body := msg["message"].(map[string]interface{})
		assert.Equal(t, "hello", body["body_text"])
		assert.Equal(t, "u1", body["sender_id"])
		assert.Equal(t, thread.ID, body["thread_id"])

		updated := recv(t, s)
		require.Equal(t, models.FrameThreadUpdated, updated["type"])
		state := updated["thread"].(map[string]interface{})
		assert.Equal(t, body["id"], state["last_message_id"])
		assert.Equal(t, "accepted", state["request_state"])
	}
}

func TestCoordinator_ReadGoesToOthersOnly(t *testing.T) {
	store := newTestStore(t)
	r := newTestRegistry(t, store, nil, Config{})
	ctx := context.Background()
	thread, _, err := store.CreateThread(ctx, "u1", "u2", true)
	require.NoError(t, err)
	msg, _, err := store.AppendMessage(ctx, thread.ID, "u1", "hi", models.ReplyAllow)
	require.NoError(t, err)

	s1 := join(t, r, "u1", thread.ID)
	s2 := join(t, r, "u2", thread.ID)

	send(t, r, s2, models.ClientFrame{Type: models.FrameRead, LastReadMessageID: msg.ID})

	got := recv(t, s1)
	assert.Equal(t, models.FrameReadUpdated, got["type"])
	assert.Equal(t, "u2", got["owner_id"])
	assert.Equal(t, msg.ID, got["last_read_message_id"])
	expectPongNext(t, r, s2)

	unread, err := store.UnreadCount(ctx, thread.ID, "u2")
	require.NoError(t, err)
	assert.Zero(t, unread)
}

func TestCoordinator_ErrorsGoToOffenderOnly(t *testing.T) {
	store := newTestStore(t)
	r := newTestRegistry(t, store, nil, Config{})
	thread, _, err := store.CreateThread(context.Background(), "u1", "u2", true)
	require.NoError(t, err)

	s1 := join(t, r, "u1", thread.ID)
	s2 := join(t, r, "u2", thread.ID)

	tests := []struct {
		name  string
		frame models.ClientFrame
		want  string
	}{
		{name: "empty body", frame: models.ClientFrame{Type: models.FrameSend, BodyText: "   "}, want: models.ErrEmptyBody.Error()},
		{name: "read without id", frame: models.ClientFrame{Type: models.FrameRead}, want: "last_read_message_id is required"},
		{name: "read foreign message", frame: models.ClientFrame{Type: models.FrameRead, LastReadMessageID: "nope"}, want: db.ErrMessageNotInThread.Error()},
		{name: "accept when accepted", frame: models.ClientFrame{Type: models.FrameAcceptRequest}, want: models.ErrNotPending.Error()},
		{name: "unknown type", frame: models.ClientFrame{Type: "typing"}, want: `unknown frame type "typing"`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			send(t, r, s1, tc.frame)
			got := recv(t, s1)
			assert.Equal(t, models.FrameError, got["type"])
			assert.Equal(t, tc.want, got["message"])
		})
	}

	expectPongNext(t, r, s2)
}

func TestCoordinator_RequestProtocol(t *testing.T) {
	store := newTestStore(t)
	r := newTestRegistry(t, store, nil, Config{PendingReply: models.ReplyDeny})
	thread, _, err := store.CreateThread(context.Background(), "u1", "u2", false)
	require.NoError(t, err)

	s1 := join(t, r, "u1", thread.ID)
	s2 := join(t, r, "u2", thread.ID)

	send(t, r, s1, models.ClientFrame{Type: models.FrameSend, BodyText: "hi"})
	for _, s := range []*Session{s1, s2} {
		assert.Equal(t, models.FrameMessageNew, recv(t, s)["type"])
		updated := recv(t, s)
		state := updated["thread"].(map[string]interface{})
		assert.Equal(t, "pending", state["request_state"])
		assert.Equal(t, "u1", state["request_sender_id"])
		assert.NotNil(t, state["request_message_id"])
	}

	send(t, r, s1, models.ClientFrame{Type: models.FrameSend, BodyText: "hello?"})
	assert.Equal(t, models.ErrRequestAlreadySent.Error(), recv(t, s1)["message"])

	send(t, r, s1, models.ClientFrame{Type: models.FrameAcceptRequest})
	assert.Equal(t, models.ErrOwnRequest.Error(), recv(t, s1)["message"])

	send(t, r, s2, models.ClientFrame{Type: models.FrameSend, BodyText: "who is this"})
	assert.Equal(t, models.ErrAwaitingAccept.Error(), recv(t, s2)["message"])

	send(t, r, s2, models.ClientFrame{Type: models.FrameAcceptRequest})
	for _, s := range []*Session{s1, s2} {
		updated := recv(t, s)
		require.Equal(t, models.FrameThreadUpdated, updated["type"])
		assert.Equal(t, "accepted", updated["thread"].(map[string]interface{})["request_state"])
	}

	send(t, r, s1, models.ClientFrame{Type: models.FrameRejectRequest})
	assert.Equal(t, models.ErrNotPending.Error(), recv(t, s1)["message"])
}

func TestCoordinator_ReadoptsUnknownSession(t *testing.T) {
	store := newTestStore(t)
	r := newTestRegistry(t, store, nil, Config{})
	thread, _, err := store.CreateThread(context.Background(), "u1", "u2", true)
	require.NoError(t, err)

	// never joined: the binding on the session is enough
	s1 := NewSession(r, nil, "u1", thread.ID)
	expectPongNext(t, r, s1)

	s2 := join(t, r, "u2", thread.ID)
	send(t, r, s2, models.ClientFrame{Type: models.FrameSend, BodyText: "still there?"})
	assert.Equal(t, models.FrameMessageNew, recv(t, s1)["type"])
}

func TestRegistry_IdleCoordinatorStops(t *testing.T) {
	store := newTestStore(t)
	r := newTestRegistry(t, store, nil, Config{IdleTimeout: 20 * time.Millisecond})
	thread, _, err := store.CreateThread(context.Background(), "u1", "u2", true)
	require.NoError(t, err)

	s := join(t, r, "u1", thread.ID)
	assert.Equal(t, 1, r.Running())

	// a coordinator with sessions stays up past the timeout
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, r.Running())

	r.Leave(s)
	require.Eventually(t, func() bool { return r.Running() == 0 }, 2*time.Second, 5*time.Millisecond)

	// the same session keeps working against a fresh coordinator
	expectPongNext(t, r, s)
	assert.Equal(t, 1, r.Running())
}

func TestRegistry_NotifyThreadUpdated(t *testing.T) {
	store := newTestStore(t)
	r := newTestRegistry(t, store, nil, Config{})
	ctx := context.Background()
	thread, _, err := store.CreateThread(ctx, "u1", "u2", false)
	require.NoError(t, err)

	s1 := join(t, r, "u1", thread.ID)

	_, err = store.DecideRequest(ctx, thread.ID, "u2", models.RequestRejected)
	require.NoError(t, err)
	require.NoError(t, r.NotifyThreadUpdated(ctx, thread.ID, "u2"))

	got := recv(t, s1)
	assert.Equal(t, models.FrameThreadUpdated, got["type"])
	assert.Equal(t, "rejected", got["thread"].(map[string]interface{})["request_state"])

	assert.ErrorIs(t, r.NotifyThreadUpdated(ctx, thread.ID, "u3"), ErrNotParticipant)
	assert.ErrorIs(t, r.NotifyThreadUpdated(ctx, "missing", "u1"), ErrNotParticipant)
}

func TestCoordinator_PushesToOfflineRecipient(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := newTestStore(t)
	notifier := push.NewMockNotifier(ctrl)
	r := newTestRegistry(t, store, notifier, Config{})
	thread, _, err := store.CreateThread(context.Background(), "u1", "u2", true)
	require.NoError(t, err)

	delivered := make(chan push.Payload, 1)
	notifier.EXPECT().
		Notify(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, p push.Payload) error {
			delivered <- p
			return nil
		}).
		Times(1)

	s1 := join(t, r, "u1", thread.ID)
	send(t, r, s1, models.ClientFrame{Type: models.FrameSend, BodyText: "are you there"})
	msg := recv(t, s1)["message"].(map[string]interface{})

	select {
	case p := <-delivered:
		assert.Equal(t, push.Payload{
			AccountID: "u2",
			ThreadID:  thread.ID,
			MessageID: msg["id"].(string),
			SenderID:  "u1",
			Preview:   "are you there",
		}, p)
	case <-time.After(2 * time.Second):
		t.Fatal("push notification was not delivered")
	}
}

type panickyStore struct {
	*db.DB
}

func (panickyStore) SetLastRead(context.Context, string, string, string) error {
	panic("boom")
}

func TestCoordinator_RecoversFromPanic(t *testing.T) {
	store := newTestStore(t)
	r := newTestRegistry(t, panickyStore{store}, nil, Config{})
	thread, _, err := store.CreateThread(context.Background(), "u1", "u2", true)
	require.NoError(t, err)

	s := join(t, r, "u1", thread.ID)
	send(t, r, s, models.ClientFrame{Type: models.FrameRead, LastReadMessageID: "m1"})

	got := recv(t, s)
	assert.Equal(t, models.FrameError, got["type"])
	assert.Equal(t, "internal error", got["message"])
	expectPongNext(t, r, s)
}

func TestCoordinator_DropsSessionWithFullBuffer(t *testing.T) {
	store := newTestStore(t)
	r := newTestRegistry(t, store, nil, Config{})
	thread, _, err := store.CreateThread(context.Background(), "u1", "u2", true)
	require.NoError(t, err)

	// an unbuffered outbox that nobody drains is always full
	slow := NewSession(r, nil, "u2", thread.ID)
	slow.send = make(chan []byte)
	require.NoError(t, r.Join(slow))
	s1 := join(t, r, "u1", thread.ID)

	send(t, r, s1, models.ClientFrame{Type: models.FrameSend, BodyText: "one"})
	assert.Equal(t, models.FrameMessageNew, recv(t, s1)["type"])
	assert.Equal(t, models.FrameThreadUpdated, recv(t, s1)["type"])

	select {
	case <-slow.done:
	case <-time.After(2 * time.Second):
		t.Fatal("slow session was not closed")
	}
	assert.False(t, slow.Send(models.PongFrame{Type: models.FramePong}))
}

func TestCoordinator_IgnoresFramesFromClosedSession(t *testing.T) {
	store := newTestStore(t)
	r := newTestRegistry(t, store, nil, Config{})
	ctx := context.Background()
	thread, _, err := store.CreateThread(ctx, "u1", "u2", true)
	require.NoError(t, err)
	msg, _, err := store.AppendMessage(ctx, thread.ID, "u1", "hi", models.ReplyAllow)
	require.NoError(t, err)

	s1 := join(t, r, "u1", thread.ID)
	dropped := join(t, r, "u2", thread.ID)
	dropped.Close()

	// a frame already in flight when the session was dropped
	send(t, r, dropped, models.ClientFrame{Type: models.FrameRead, LastReadMessageID: msg.ID})
	expectPongNext(t, r, s1)

	p, err := store.GetParticipant(ctx, thread.ID, "u2")
	require.NoError(t, err)
	assert.Nil(t, p.LastReadMessageID)

	// the closed session is not broadcast to either
	send(t, r, s1, models.ClientFrame{Type: models.FrameSend, BodyText: "anyone?"})
	assert.Equal(t, models.FrameMessageNew, recv(t, s1)["type"])
	assert.Empty(t, dropped.send)
}

func TestRegistry_Shutdown(t *testing.T) {
	store := newTestStore(t)
	r := NewRegistry(store, nil, Config{}, zerolog.Nop())
	thread, _, err := store.CreateThread(context.Background(), "u1", "u2", true)
	require.NoError(t, err)

	s := join(t, r, "u1", thread.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))

	select {
	case <-s.done:
	default:
		t.Fatal("session was not closed on shutdown")
	}
	assert.Zero(t, r.Running())
	assert.ErrorIs(t, r.Join(NewSession(r, nil, "u2", thread.ID)), ErrRegistryClosed)
}
