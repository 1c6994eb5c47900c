// Package mailer is the outbound/inbound email provider boundary.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Message is an outbound email.
type Message struct {
	To       string            `json:"to"`
	From     string            `json:"from,omitempty"`
	Subject  string            `json:"subject"`
	Body     string            `json:"body"`
	Labels   []string          `json:"labels,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type SendResult struct {
	MessageID string
	ThreadID  string
	Simulated bool
}

// InboundMessage is a message seen in a provider inbox.
type InboundMessage struct {
	ID          string    `json:"id"`
	From        string    `json:"from"`
	To          string    `json:"to,omitempty"`
	Subject     string    `json:"subject,omitempty"`
	ThreadID    string    `json:"thread_id,omitempty"`
	InReplyTo   string    `json:"in_reply_to,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
	Attachments int       `json:"attachments,omitempty"`
}

type Inbox struct {
	ID    string `json:"inbox_id"`
	Email string `json:"email"`
}

// Mailer sends mail and lists received messages.
type Mailer interface {
	Send(ctx context.Context, msg Message) (SendResult, error)
	ListMessages(ctx context.Context, inboxID string) ([]InboundMessage, error)
	CreateInbox(ctx context.Context) (Inbox, error)
}

// ProviderError is a non-2xx provider response. StatusCode is 0 when the
// request never got a response.
type ProviderError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("mailer: %s", e.Message)
	}
	return fmt.Sprintf("mailer: status=%d %s", e.StatusCode, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Transient reports whether a retry may succeed: rate limits, server errors,
// timeouts and network failures.
func (e *ProviderError) Transient() bool {
	switch {
	case e.StatusCode == 429:
		return true
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == 0:
		return true
	}
	return false
}

// IsTransient classifies any send error. Unclassified errors are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return false
}
