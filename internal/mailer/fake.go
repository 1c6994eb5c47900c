package mailer

import (
	"context"
	"fmt"
	"sync"
)

// Fake records sends in memory. Errs are returned in order by successive Send
// calls; a nil entry means success.
type Fake struct {
	mu       sync.Mutex
	Sent     []Message
	Errs     []error
	Inbox    []InboundMessage
	ListErr  error
	sequence int
	attempts int
}

func (f *Fake) Send(_ context.Context, msg Message) (SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if len(f.Errs) > 0 {
		err := f.Errs[0]
		f.Errs = f.Errs[1:]
		if err != nil {
			return SendResult{}, err
		}
	}
	f.sequence++
	f.Sent = append(f.Sent, msg)
	return SendResult{
		MessageID: fmt.Sprintf("msg-%d", f.sequence),
		ThreadID:  fmt.Sprintf("thread-%d", f.sequence),
	}, nil
}

func (f *Fake) ListMessages(context.Context, string) ([]InboundMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	return append([]InboundMessage(nil), f.Inbox...), nil
}

func (f *Fake) CreateInbox(context.Context) (Inbox, error) {
	return Inbox{ID: "fake-inbox", Email: "inbox@fake.test"}, nil
}

// Calls returns the number of Send invocations, failed ones included.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}
