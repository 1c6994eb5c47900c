package queue

import "testing"

func TestConcurrencyLimit(t *testing.T) {
	m := NewManager(Config{Name: "outreach", MaxConcurrency: 2})
	if !m.Acquire("outreach") || !m.Acquire("outreach") {
		t.Fatalf("expected two slots")
	}
	if m.Acquire("outreach") {
		t.Fatalf("third acquire should be refused")
	}
	m.Release("outreach")
	if !m.Acquire("outreach") {
		t.Fatalf("slot should be free after release")
	}
	if m.ActiveCount("outreach") != 2 {
		t.Fatalf("expected 2 active, got %d", m.ActiveCount("outreach"))
	}
}

func TestRateLimitBurst(t *testing.T) {
	m := NewManager(Config{Name: "cleanup", RateLimit: 0.001, RateBurst: 1})
	if !m.Acquire("cleanup") {
		t.Fatalf("first acquire should use the burst token")
	}
	m.Release("cleanup")
	if m.Acquire("cleanup") {
		t.Fatalf("second acquire should be rate limited")
	}
}

func TestUnknownQueueUnlimited(t *testing.T) {
	m := NewManager()
	for i := 0; i < 100; i++ {
		if !m.Acquire("anything") {
			t.Fatalf("unconfigured queue should never block")
		}
	}
	if m.ActiveCount("anything") != 0 {
		t.Fatalf("unconfigured queue should not count active jobs")
	}
	m.SetQueueConfig(Config{Name: "anything", MaxConcurrency: 1})
	if !m.Acquire("anything") {
		t.Fatalf("first acquire after reconfiguring should succeed")
	}
	if m.Acquire("anything") {
		t.Fatalf("reconfigured queue should be limited")
	}
}
