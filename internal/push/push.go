// Package push hands new-message notifications to the external delivery
// service for recipients that are not connected.
package push

import (
	"context"
	"unicode/utf8"
)

//go:generate mockgen -source=push.go -destination=mock_notifier.go -package=push

// Payload is the prepared notification for one recipient.
type Payload struct {
	AccountID string `json:"account_id"`
	ThreadID  string `json:"thread_id"`
	MessageID string `json:"message_id"`
	SenderID  string `json:"sender_id"`
	Preview   string `json:"preview"`
}

type Notifier interface {
	Notify(ctx context.Context, p Payload) error
}

// Nop drops every notification. Used when push is not configured.
type Nop struct{}

func (Nop) Notify(context.Context, Payload) error { return nil }

const previewLength = 80

// Preview shortens a message body for the notification text.
func Preview(body string) string {
	if utf8.RuneCountInString(body) <= previewLength {
		return body
	}
	runes := []rune(body)
	return string(runes[:previewLength-1]) + "…"
}
