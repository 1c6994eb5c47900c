package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"leadline/internal/domain"
)

type memStore struct {
	mu      sync.Mutex
	entries []domain.Provenance
	block   chan struct{}
	err     error
}

func (m *memStore) InsertProvenance(_ context.Context, p domain.Provenance) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, p)
	return nil
}

func (m *memStore) CountProvenance(_ context.Context, action, since string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.Action == action && e.CreatedAt >= since {
			n++
		}
	}
	return n, nil
}

func TestRecorderFlushesOnClose(t *testing.T) {
	store := &memStore{}
	rec := NewRecorder(store, 16)
	for i := 0; i < 5; i++ {
		rec.Record(context.Background(), Entry{Actor: "system", Action: "outreach_sent", ResourceType: "outreach", ResourceID: "o1"})
	}
	if err := rec.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(store.entries) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(store.entries))
	}
	if store.entries[0].ID == "" || store.entries[0].CreatedAt == "" {
		t.Fatalf("entry not stamped: %+v", store.entries[0])
	}
	rec.Record(context.Background(), Entry{Action: "late"})
	if rec.Dropped() != 1 {
		t.Fatalf("expected record after close to be dropped, got %d", rec.Dropped())
	}
}

func TestRecorderDropsWhenFull(t *testing.T) {
	store := &memStore{block: make(chan struct{})}
	rec := NewRecorder(store, 1)
	// The writer holds one entry while blocked, the buffer holds another.
	for i := 0; i < 10; i++ {
		rec.Record(context.Background(), Entry{Action: "burst"})
	}
	if rec.Dropped() == 0 {
		t.Fatalf("expected drops with a blocked store")
	}
	close(store.block)
	if err := rec.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := int64(len(store.entries)) + rec.Dropped(); got != 10 {
		t.Fatalf("expected written+dropped=10, got %d", got)
	}
}

func TestRecorderSwallowsStoreErrors(t *testing.T) {
	store := &memStore{err: errors.New("disk full")}
	rec := NewRecorder(store, 4)
	rec.Record(context.Background(), Entry{Action: "x"})
	if err := rec.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if rec.Failed() != 1 {
		t.Fatalf("expected 1 failed write, got %d", rec.Failed())
	}
}

func TestLiveness(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &memStore{}
	h, err := Liveness(context.Background(), store, now, time.Hour, 5*time.Minute, true)
	if err != nil {
		t.Fatalf("liveness: %v", err)
	}
	if h.AppearsActive || h.ExpectedChecks != 12 {
		t.Fatalf("expected inactive with 12 expected checks, got %+v", h)
	}

	Sync{Store: store, Now: func() time.Time { return now.Add(-10 * time.Minute) }}.
		Record(context.Background(), Entry{Actor: MonitoringActor, Action: ActionMonitoringCompleted})
	Sync{Store: store, Now: func() time.Time { return now.Add(-2 * time.Hour) }}.
		Record(context.Background(), Entry{Actor: MonitoringActor, Action: ActionMonitoringCompleted})
	h, err = Liveness(context.Background(), store, now, time.Hour, 5*time.Minute, true)
	if err != nil {
		t.Fatalf("liveness: %v", err)
	}
	if !h.AppearsActive || h.RecentChecks != 1 {
		t.Fatalf("expected one recent check, got %+v", h)
	}

	h, _ = Liveness(context.Background(), &memStore{}, now, time.Hour, 5*time.Minute, false)
	if !h.AppearsActive {
		t.Fatalf("disabled monitoring should not report inactive")
	}
}
