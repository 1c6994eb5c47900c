package leadlinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCreateOutreachSendsKeyAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/outreach" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-Api-Key") != "k" {
			t.Errorf("missing api key header")
		}
		var in CreateOutreach
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(Outreach{ID: "o1", ContactEmail: in.ContactEmail, Status: "draft", Subject: in.Subject})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "k"
	o, err := c.CreateOutreach(context.Background(), CreateOutreach{ContactEmail: "dev@example.com", Subject: "Hi"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if o.ID != "o1" || o.Subject != "Hi" || o.Status != "draft" {
		t.Fatalf("unexpected outreach %+v", o)
	}
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"code":"duplicate_outreach","message":"duplicate","details":{"existing_id":"o1"}}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).CreateOutreach(context.Background(), CreateOutreach{ContactEmail: "dev@example.com"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "duplicate_outreach" || apiErr.Details["existing_id"] != "o1" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestListOutreachEncodesQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("status") != "queued" || q.Get("limit") != "2" || q.Get("cursor") != "2026-05-04T09:00:00.000000Z|o9" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(PaginatedOutreach{Items: []Outreach{{ID: "o8"}}, NextCursor: ""})
	}))
	defer srv.Close()

	page, err := New(srv.URL).ListOutreach(context.Background(), ListOptions{Status: "queued", Limit: 2, Cursor: "2026-05-04T09:00:00.000000Z|o9"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != "o8" {
		t.Fatalf("unexpected page %+v", page)
	}
}

func TestWaitTaskPollsUntilDone(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		status := "running"
		if calls >= 3 {
			status = "completed"
		}
		json.NewEncoder(w).Encode(Task{ID: "t1", Status: status})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := New(srv.URL).WaitTask(ctx, "t1", time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if task.Status != "completed" || calls != 3 {
		t.Fatalf("expected completion after 3 polls, got %s after %d", task.Status, calls)
	}
}
