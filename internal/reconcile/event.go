// Package reconcile maps provider events back to outreach records.
package reconcile

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"leadline/internal/domain"
	"leadline/internal/mailer"
)

// Kind is a normalized provider event type.
type Kind string

const (
	KindReceived  Kind = "received"
	KindDelivered Kind = "delivered"
	KindBounced   Kind = "bounced"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw webhook body.
const SignatureHeader = "X-Provider-Signature"

var eventKinds = map[string]Kind{
	"message.received":  KindReceived,
	"email.replied":     KindReceived,
	"message.delivered": KindDelivered,
	"email.delivered":   KindDelivered,
	"email.sent":        KindDelivered,
	"message.bounced":   KindBounced,
	"email.bounced":     KindBounced,
	"email.failed":      KindBounced,
}

// Event is a provider event after normalization. Kind is empty for event
// types that are not handled.
type Event struct {
	Type        string
	Kind        Kind
	MessageID   string
	ThreadID    string
	DatasetID   string
	From        string
	To          string
	Timestamp   time.Time
	Attachments int
	Reason      string
}

// ErrMalformed wraps bodies that are not a JSON object.
var ErrMalformed = errors.New("malformed webhook payload")

// ParseEvent normalizes a webhook body. Message fields are read from the
// nested "message" object when present, otherwise from the top level.
func ParseEvent(body []byte) (Event, error) {
	var top map[string]any
	if err := json.Unmarshal(body, &top); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	ev := Event{Type: str(top, "event_type")}
	if ev.Type == "" {
		ev.Type = str(top, "type")
	}
	ev.Kind = eventKinds[strings.ToLower(ev.Type)]

	msg, ok := top["message"].(map[string]any)
	if !ok {
		msg = top
	}
	meta, ok := msg["metadata"].(map[string]any)
	if !ok {
		meta, _ = top["metadata"].(map[string]any)
	}
	ev.ThreadID = first(str(msg, "thread_id"), str(top, "thread_id"))
	ev.MessageID = first(str(msg, "message_id"), str(msg, "id"), str(top, "message_id"))
	ev.DatasetID = str(meta, "dataset_id")
	ev.From = mailer.ExtractAddress(first(str(msg, "from"), str(msg, "from_email")))
	ev.To = mailer.ExtractAddress(first(str(msg, "to"), str(msg, "to_email"), str(top, "to")))
	ev.Reason = first(str(msg, "reason"), str(top, "reason"), str(top, "error"))
	if ts := first(str(msg, "received_at"), str(msg, "timestamp"), str(top, "received_at"), str(top, "timestamp")); ts != "" {
		if t, err := domain.ParseTime(ts); err == nil {
			ev.Timestamp = t
		}
	}
	switch a := msg["attachments"].(type) {
	case []any:
		ev.Attachments = len(a)
	case float64:
		ev.Attachments = int(a)
	}
	return ev, nil
}

// VerifySignature checks the hex HMAC-SHA256 of body under secret. A
// "sha256=" prefix on the header is accepted.
func VerifySignature(secret string, body []byte, header string) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return domain.ErrSignature
	}
	header = strings.TrimPrefix(header, "sha256=")
	got, err := hex.DecodeString(header)
	if err != nil {
		return domain.ErrSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return domain.ErrSignature
	}
	return nil
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func str(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return fmt.Sprintf("%.0f", v)
	}
	return ""
}

func first(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
