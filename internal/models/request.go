package models

import (
	"errors"
	"fmt"
)

// Request-state conflicts. These are reported to the caller verbatim.
var (
	ErrRequestRejected    = errors.New("message request was rejected")
	ErrRequestAlreadySent = errors.New("request already sent")
	ErrAwaitingAccept     = errors.New("accept the message request before replying")
	ErrNotPending         = errors.New("message request is not pending")
	ErrOwnRequest         = errors.New("cannot respond to your own message request")
)

// ReplyPolicy controls what happens when the account that did not send the
// request writes into a pending thread.
type ReplyPolicy string

const (
	// ReplyAllow lets the recipient send while the thread stays pending.
	ReplyAllow ReplyPolicy = "allow"
	// ReplyAccept treats the recipient's reply as an implicit accept.
	ReplyAccept ReplyPolicy = "accept"
	// ReplyDeny requires an explicit accept_request first.
	ReplyDeny ReplyPolicy = "deny"
)

func ParseReplyPolicy(s string) (ReplyPolicy, error) {
	switch p := ReplyPolicy(s); p {
	case ReplyAllow, ReplyAccept, ReplyDeny:
		return p, nil
	case "":
		return ReplyAllow, nil
	default:
		return "", fmt.Errorf("unknown pending reply policy %q", s)
	}
}

// SendPlan is what must happen to the thread alongside a new message.
type SendPlan struct {
	// StampRequest marks the new message as the thread's request message.
	StampRequest bool
	// Accept moves the thread to accepted before the message is stored.
	Accept bool
}

// PlanSend applies the request gate for a message from senderID.
func (t *Thread) PlanSend(senderID string, policy ReplyPolicy) (SendPlan, error) {
	switch t.RequestState {
	case RequestAccepted:
		return SendPlan{}, nil
	case RequestRejected:
		return SendPlan{}, ErrRequestRejected
	case RequestPending:
	default:
		return SendPlan{}, fmt.Errorf("thread %s has unknown request state %q", t.ID, t.RequestState)
	}

	// nobody has asked yet: the first sender becomes the requester
	if t.RequestSenderID == nil {
		return SendPlan{StampRequest: true}, nil
	}
	if t.IsRequester(senderID) {
		if t.RequestMessageID != nil {
			return SendPlan{}, ErrRequestAlreadySent
		}
		return SendPlan{StampRequest: true}, nil
	}

	switch policy {
	case ReplyAccept:
		return SendPlan{Accept: true}, nil
	case ReplyDeny:
		return SendPlan{}, ErrAwaitingAccept
	default:
		return SendPlan{}, nil
	}
}

// CheckDecision reports whether accountID may accept or reject the request.
func (t *Thread) CheckDecision(accountID string) error {
	if t.RequestState != RequestPending {
		return ErrNotPending
	}
	if t.IsRequester(accountID) {
		return ErrOwnRequest
	}
	return nil
}
