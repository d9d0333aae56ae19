// Package session gates each caller's conversation: it admits at most one
// document at a time, drops duplicate uploads, rate-limits, and expires idle
// conversations.
package session

import (
	"errors"
	"time"
)

var (
	// ErrSessionExpired is reported when a caller returns after the inactivity timeout.
	ErrSessionExpired = errors.New("session expired")
	// ErrRateLimited is reported when a caller exceeds the upload window.
	ErrRateLimited = errors.New("upload rate limit exceeded")
	// ErrConflict is returned by Store.Put when the revision is stale.
	ErrConflict = errors.New("session revision conflict")
)

type State string

const (
	StateIdle                 State = "idle"
	StateAwaitingDocument     State = "awaiting_document"
	StateProcessing           State = "processing"
	StateAwaitingConfirmation State = "awaiting_confirmation"
)

type EventType string

const (
	EventText   EventType = "text"
	EventMedia  EventType = "media"
	EventAction EventType = "action"
)

// Action is a caller's answer to a confirmation prompt.
type Action string

const (
	ActionApprove Action = "approve"
	ActionEdit    Action = "edit"
	ActionReject  Action = "reject"
)

func (a Action) Valid() bool {
	switch a {
	case ActionApprove, ActionEdit, ActionReject:
		return true
	}
	return false
}

// Event is one inbound message from a caller. Media is base64 on the wire.
type Event struct {
	CallerID  string    `json:"caller_id"`
	Type      EventType `json:"type"`
	Text      string    `json:"text,omitempty"`
	Media     []byte    `json:"media,omitempty"`
	MediaType string    `json:"media_type,omitempty"`
	Action    Action    `json:"action,omitempty"`
	Kind      string    `json:"kind,omitempty"`
}

type Session struct {
	CallerID     string    `json:"caller_id"`
	State        State     `json:"state"`
	LastActivity time.Time `json:"last_activity"`
	PendingRef   string    `json:"pending_ref,omitempty"`
	DocumentID   string    `json:"document_id,omitempty"`
}

func (s Session) expired(now time.Time, timeout time.Duration) bool {
	return s.State != StateIdle && timeout > 0 && now.Sub(s.LastActivity) > timeout
}

// ReplyCode identifies which canned reply was sent so callers and tests can
// branch without matching text.
type ReplyCode string

const (
	ReplyUploadPrompt ReplyCode = "upload_prompt"
	ReplyReceived     ReplyCode = "received"
	ReplyDuplicate    ReplyCode = "duplicate"
	ReplyRateLimited  ReplyCode = "rate_limited"
	ReplyStillWorking ReplyCode = "still_working"
	ReplyHelp         ReplyCode = "help"
	ReplyConfirm      ReplyCode = "confirm"
	ReplyDone         ReplyCode = "done"
	ReplyFailed       ReplyCode = "failed"
)

type Reply struct {
	CallerID string    `json:"caller_id"`
	Code     ReplyCode `json:"code"`
	Text     string    `json:"text"`
	// Expired is set when the caller's previous session timed out before this event.
	Expired bool `json:"expired,omitempty"`
}

const (
	textUploadPrompt = "Please send a photo or PDF of the invoice or certificate you want to file."
	textReceived     = "Got it. We're reading your document now and will get back to you shortly."
	textDuplicate    = "We've already received this document and are working on it."
	textRateLimited  = "You've sent a lot of documents recently. Please try again in a little while."
	textStillWorking = "Still working on your last document. We'll message you as soon as it's ready."
	textHelp         = "Reply approve to file it, edit to send corrections, or reject to discard it."
	textIdleHelp     = "There's nothing waiting for confirmation. Send a message to start a new upload."
	textExpired      = "Your previous session timed out, so we've started over."
	textFailed       = "Something went wrong while receiving your document. Please send it again."
)
