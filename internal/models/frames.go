package models

import "time"

// Live protocol frame types.
const (
	FrameSend          = "send"
	FrameRead          = "read"
	FrameAcceptRequest = "accept_request"
	FrameRejectRequest = "reject_request"
	FramePing          = "ping"

	FrameMessageNew    = "message_new"
	FrameThreadUpdated = "thread_updated"
	FrameReadUpdated   = "read_updated"
	FrameError         = "error"
	FramePong          = "pong"
)

// ClientFrame is any frame a client may send over the live connection.
type ClientFrame struct {
	Type              string `json:"type"`
	BodyText          string `json:"body_text,omitempty"`
	LastReadMessageID string `json:"last_read_message_id,omitempty"`
}

type ThreadState struct {
	ID               string       `json:"id"`
	RequestState     RequestState `json:"request_state"`
	RequestSenderID  *string      `json:"request_sender_id"`
	RequestMessageID *string      `json:"request_message_id"`
	LastMessageID    *string      `json:"last_message_id"`
	LastActivityAt   *time.Time   `json:"last_activity_at"`
}

type MessageNewFrame struct {
	Type    string   `json:"type"`
	Message *Message `json:"message"`
}

type ThreadUpdatedFrame struct {
	Type   string      `json:"type"`
	Thread ThreadState `json:"thread"`
}

type ReadUpdatedFrame struct {
	Type              string `json:"type"`
	OwnerID           string `json:"owner_id"`
	LastReadMessageID string `json:"last_read_message_id"`
}

type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type PongFrame struct {
	Type string `json:"type"`
}

func NewMessageFrame(m *Message) MessageNewFrame {
	return MessageNewFrame{Type: FrameMessageNew, Message: m}
}

func NewThreadUpdatedFrame(t *Thread) ThreadUpdatedFrame {
	return ThreadUpdatedFrame{Type: FrameThreadUpdated, Thread: t.State()}
}

func NewReadUpdatedFrame(ownerID, messageID string) ReadUpdatedFrame {
	return ReadUpdatedFrame{Type: FrameReadUpdated, OwnerID: ownerID, LastReadMessageID: messageID}
}

func NewErrorFrame(msg string) ErrorFrame {
	return ErrorFrame{Type: FrameError, Message: msg}
}
