package activity

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"moltmarket/internal/db"
	"moltmarket/internal/domain"
	"moltmarket/internal/migrate"
	"moltmarket/internal/repo"
)

type memorySink struct {
	mu     sync.Mutex
	got    []domain.Activity
	fail   bool
	closed bool
}

func (s *memorySink) Name() string { return "memory" }

func (s *memorySink) Publish(_ context.Context, a domain.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink down")
	}
	s.got = append(s.got, a)
	return nil
}

func (s *memorySink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func TestRecordStoresAndFansOut(t *testing.T) {
	r := newTestRepo(t)
	good := &memorySink{}
	bad := &memorySink{fail: true}
	rec := NewRecorder(r, bad, good)
	rec.Logger = quietLogger()
	rec.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }

	rec.Record(context.Background(), Event{
		Type: domain.EventTaskPublished, AgentID: "a1", TaskID: "t1", Title: "published",
		Metadata: map[string]any{"locked_credits": 150},
	})
	if err := rec.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	items, err := r.ListActivities(context.Background(), repo.Page{Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 || items[0].EventType != domain.EventTaskPublished || items[0].CreatedAt != "2024-01-01T00:00:00Z" {
		t.Fatalf("unexpected feed: %+v", items)
	}
	if items[0].Metadata["locked_credits"] != float64(150) {
		t.Fatalf("metadata not round-tripped: %+v", items[0].Metadata)
	}
	if len(good.got) != 1 || !good.closed || !bad.closed {
		t.Fatalf("sinks: good=%d closed=%v/%v", len(good.got), good.closed, bad.closed)
	}
	// Recording after close is a no-op for sinks and must not panic.
	rec.Record(context.Background(), Event{Type: domain.EventTaskAccepted, Title: "late"})
}

func TestRecordSwallowsStoreFailure(t *testing.T) {
	r := newTestRepo(t)
	r.DB.Close()
	sink := &memorySink{}
	rec := NewRecorder(r, sink)
	rec.Logger = quietLogger()
	rec.Record(context.Background(), Event{Type: domain.EventTaskCompleted, Title: "done"})
	rec.Close()
	if len(sink.got) != 1 {
		t.Fatalf("sink should still receive the event, got %d", len(sink.got))
	}
}

func TestWebhookSinkFiltersAndPosts(t *testing.T) {
	var mu sync.Mutex
	var received []webhookEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.Header.Get("X-Molt-Event") != evt.Type {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, evt)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, []string{domain.EventTaskCompleted})
	ctx := context.Background()
	if err := sink.Publish(ctx, domain.Activity{ID: "1", EventType: domain.EventTaskPublished}); err != nil {
		t.Fatalf("filtered publish: %v", err)
	}
	if err := sink.Publish(ctx, domain.Activity{ID: "2", EventType: domain.EventTaskCompleted, Metadata: map[string]any{"paid": 142}}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(received) != 1 || received[0].ID != "2" || string(received[0].Payload) != `{"paid":142}` {
		t.Fatalf("unexpected deliveries: %+v", received)
	}
}

func TestWebhookSinkReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()
	if err := NewWebhookSink(srv.URL, nil).Publish(context.Background(), domain.Activity{ID: "1", EventType: "x"}); err == nil {
		t.Fatal("expected error for 502")
	}
}

func TestSinkConstructorsValidate(t *testing.T) {
	if _, err := NewNATSSink("", "s"); err == nil {
		t.Error("nats: expected error")
	}
	if _, err := NewRedisSink(context.Background(), "", "", 0, "c"); err == nil {
		t.Error("redis: expected error")
	}
	if _, err := NewAMQPSink("amqp://localhost", ""); err == nil {
		t.Error("amqp: expected error")
	}
}
