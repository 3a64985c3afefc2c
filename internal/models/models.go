package models

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxBodyLength is the maximum message length in characters (runes).
const MaxBodyLength = 500

var (
	ErrEmptyBody   = errors.New("message body is empty")
	ErrBodyTooLong = errors.New("message body exceeds 500 characters")
)

type RequestState string

const (
	RequestPending  RequestState = "pending"
	RequestAccepted RequestState = "accepted"
	RequestRejected RequestState = "rejected"
)

// Thread is the durable record of a one-to-one conversation.
type Thread struct {
	ID               string       `json:"id" db:"id"`
	ParticipantA     string       `json:"participant_a" db:"participant_a"`
	ParticipantB     string       `json:"participant_b" db:"participant_b"`
	PairKey          string       `json:"pair_key" db:"pair_key"`
	RequestState     RequestState `json:"request_state" db:"request_state"`
	RequestSenderID  *string      `json:"request_sender_id" db:"request_sender_id"`
	RequestMessageID *string      `json:"request_message_id" db:"request_message_id"`
	LastMessageID    *string      `json:"last_message_id" db:"last_message_id"`
	LastActivityAt   *time.Time   `json:"last_activity_at" db:"last_activity_at"`
	CreatedAt        time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at" db:"updated_at"`
}

func (t *Thread) HasParticipant(accountID string) bool {
	return accountID != "" && (t.ParticipantA == accountID || t.ParticipantB == accountID)
}

// OtherParticipant returns the participant that is not accountID.
func (t *Thread) OtherParticipant(accountID string) string {
	if t.ParticipantA == accountID {
		return t.ParticipantB
	}
	return t.ParticipantA
}

// IsRequester reports whether accountID sent the message request on this thread.
func (t *Thread) IsRequester(accountID string) bool {
	return t.RequestSenderID != nil && *t.RequestSenderID == accountID
}

// State is the subset of the thread pushed to live observers.
func (t *Thread) State() ThreadState {
	return ThreadState{
		ID:               t.ID,
		RequestState:     t.RequestState,
		RequestSenderID:  t.RequestSenderID,
		RequestMessageID: t.RequestMessageID,
		LastMessageID:    t.LastMessageID,
		LastActivityAt:   t.LastActivityAt,
	}
}

// PairKey returns the canonical key of an unordered account pair, smallest id first.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// Participant is one account's private view of a thread.
type Participant struct {
	ThreadID          string     `json:"thread_id" db:"thread_id"`
	AccountID         string     `json:"account_id" db:"account_id"`
	LastReadMessageID *string    `json:"last_read_message_id" db:"last_read_message_id"`
	ArchivedAt        *time.Time `json:"archived_at" db:"archived_at"`
	DeletedAt         *time.Time `json:"deleted_at" db:"deleted_at"`
}

type Message struct {
	ID        string    `json:"id" db:"id"`
	ThreadID  string    `json:"thread_id" db:"thread_id"`
	SenderID  string    `json:"sender_id" db:"sender_id"`
	BodyText  string    `json:"body_text" db:"body_text"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// NormalizeBody trims the body and enforces the length bounds.
func NormalizeBody(body string) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", ErrEmptyBody
	}
	if utf8.RuneCountInString(body) > MaxBodyLength {
		return "", ErrBodyTooLong
	}
	return body, nil
}

// ThreadSummary is the per-caller view returned by the HTTP API.
type ThreadSummary struct {
	ID                string       `json:"id"`
	OtherAccountID    string       `json:"otherAccountId"`
	RequestState      RequestState `json:"requestState"`
	RequestSenderID   *string      `json:"requestSenderId"`
	RequestMessageID  *string      `json:"requestMessageId"`
	LastMessage       *Message     `json:"lastMessage"`
	LastActivityAt    *time.Time   `json:"lastActivityAt"`
	LastReadMessageID *string      `json:"lastReadMessageId"`
	UnreadCount       int64        `json:"unreadCount"`
	ArchivedAt        *time.Time   `json:"archivedAt"`
	DeletedAt         *time.Time   `json:"deletedAt"`
	CreatedAt         time.Time    `json:"createdAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
}

type ThreadPage struct {
	Items      []ThreadSummary `json:"items"`
	NextCursor *string         `json:"nextCursor"`
	HasMore    bool            `json:"hasMore"`
}

type MessagePage struct {
	Items      []Message `json:"items"`
	NextCursor *string   `json:"nextCursor"`
	HasMore    bool      `json:"hasMore"`
}

// Request/Response structures
type CreateThreadRequest struct {
	OtherAccountID   string `json:"otherAccountId" validate:"required,max=128"`
	FirstMessageText string `json:"firstMessageText"`
}

type NotifyRequest struct {
	Action string `json:"action" validate:"required,oneof=thread_updated"`
}
