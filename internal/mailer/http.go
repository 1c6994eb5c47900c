package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	SimulatedMessageID = "simulated-message-id"
	SimulatedThreadID  = "simulated-thread-id"
	SimulatedInboxID   = "simulated-inbox"
)

// HTTPClient talks to an AgentMail-style REST API. Without an API key it
// simulates sends and reports an empty inbox.
type HTTPClient struct {
	BaseURL    string
	APIKey     string
	InboxID    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *slog.Logger
}

func NewHTTPClient(baseURL, apiKey, inboxID string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		BaseURL: baseURL,
		APIKey:  apiKey,
		InboxID: inboxID,
		Timeout: timeout,
		Logger:  slog.Default(),
	}
}

// Simulated reports whether sends are faked.
func (c *HTTPClient) Simulated() bool {
	return strings.TrimSpace(c.APIKey) == ""
}

func (c *HTTPClient) Send(ctx context.Context, msg Message) (SendResult, error) {
	if c.Simulated() {
		c.logger().Warn("mailer api key missing, simulating send", slog.String("to", msg.To))
		return SendResult{MessageID: SimulatedMessageID, ThreadID: SimulatedThreadID, Simulated: true}, nil
	}
	inbox := msg.From
	if inbox == "" {
		inbox = c.InboxID
	}
	labels := msg.Labels
	if len(labels) == 0 {
		labels = []string{"outreach"}
	}
	body := map[string]any{
		"to":      msg.To,
		"subject": msg.Subject,
		"text":    msg.Body,
		"html":    msg.Body,
		"labels":  labels,
	}
	if len(msg.Metadata) > 0 {
		body["metadata"] = msg.Metadata
	}
	var resp struct {
		MessageID string `json:"message_id"`
		ThreadID  string `json:"thread_id"`
	}
	endpoint := fmt.Sprintf("inboxes/%s/messages/send", url.PathEscape(inbox))
	if err := c.do(ctx, http.MethodPost, endpoint, body, &resp); err != nil {
		return SendResult{}, err
	}
	return SendResult{MessageID: resp.MessageID, ThreadID: resp.ThreadID}, nil
}

func (c *HTTPClient) ListMessages(ctx context.Context, inboxID string) ([]InboundMessage, error) {
	if c.Simulated() {
		return nil, nil
	}
	if inboxID == "" {
		inboxID = c.InboxID
	}
	var resp struct {
		Messages []struct {
			ID          string `json:"message_id"`
			From        string `json:"from"`
			To          any    `json:"to"`
			Subject     string `json:"subject"`
			ThreadID    string `json:"thread_id"`
			InReplyTo   string `json:"in_reply_to"`
			Timestamp   string `json:"timestamp"`
			Attachments []any  `json:"attachments"`
		} `json:"messages"`
	}
	endpoint := fmt.Sprintf("inboxes/%s/messages", url.PathEscape(inboxID))
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]InboundMessage, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		in := InboundMessage{
			ID:          m.ID,
			From:        ExtractAddress(m.From),
			Subject:     m.Subject,
			ThreadID:    m.ThreadID,
			InReplyTo:   m.InReplyTo,
			Attachments: len(m.Attachments),
		}
		switch to := m.To.(type) {
		case string:
			in.To = ExtractAddress(to)
		case []any:
			if len(to) > 0 {
				if s, ok := to[0].(string); ok {
					in.To = ExtractAddress(s)
				}
			}
		}
		if ts, err := time.Parse(time.RFC3339Nano, m.Timestamp); err == nil {
			in.ReceivedAt = ts.UTC()
		}
		out = append(out, in)
	}
	return out, nil
}

func (c *HTTPClient) CreateInbox(ctx context.Context) (Inbox, error) {
	if c.Simulated() {
		return Inbox{ID: SimulatedInboxID, Email: "inbox@example.com"}, nil
	}
	var inbox Inbox
	err := c.do(ctx, http.MethodPost, "inboxes", map[string]any{}, &inbox)
	return inbox, err
}

func (c *HTTPClient) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &ProviderError{Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &ProviderError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(b))}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return fmt.Errorf("mailer: decode response: %w", err)
		}
	}
	return nil
}

func (c *HTTPClient) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// ExtractAddress returns the bare address of "Name <addr>" forms, lowercased.
func ExtractAddress(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "<"); i >= 0 {
		if j := strings.LastIndex(s, ">"); j > i {
			s = s[i+1 : j]
		}
	}
	return strings.ToLower(strings.TrimSpace(s))
}
