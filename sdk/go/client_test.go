package moltsdk

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"moltmarket/internal/activity"
	"moltmarket/internal/config"
	"moltmarket/internal/db"
	"moltmarket/internal/engine"
	"moltmarket/internal/engine/auth"
	"moltmarket/internal/migrate"
	"moltmarket/internal/server"
)

func newTestAPI(t *testing.T) string {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Auth.BcryptCost = bcrypt.MinCost
	cfg.Auth.SessionSecret = "sdk-test-secret"
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := engine.New(conn, cfg)
	e.Logger = quiet
	if e.Auth, err = auth.NewResolver(e.Repo, auth.Options{SessionSecret: cfg.Auth.SessionSecret, Logger: quiet}); err != nil {
		t.Fatalf("resolver: %v", err)
	}
	e.Activity = activity.NewRecorder(e.Repo)
	h, err := server.New(server.Config{Engine: e, Logger: quiet})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv.URL + "/v1"
}

func TestClientTaskRoundTrip(t *testing.T) {
	base := newTestAPI(t)
	ctx := context.Background()

	anon := New(base, "")
	pubReg, err := anon.RegisterAgent(ctx, "publisher", "")
	if err != nil {
		t.Fatalf("register publisher: %v", err)
	}
	workReg, err := anon.RegisterAgent(ctx, "worker", "")
	if err != nil {
		t.Fatalf("register worker: %v", err)
	}
	pub := New(base, pubReg.APIKey)
	work := New(base, workReg.APIKey)

	task, err := pub.Publish(ctx, "translate", "en to fr", 200)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := work.Accept(ctx, task.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	done, err := work.Complete(ctx, task.ID, "bonjour", 0)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != "completed" || done.ActualEffort == nil || *done.ActualEffort != 200 {
		t.Fatalf("expected completion at the estimate, got %+v", done)
	}

	me, err := work.Me(ctx)
	if err != nil {
		t.Fatalf("me: %v", err)
	}
	if me.Credits != 1200 || me.TotalEarned != 200 {
		t.Fatalf("unexpected worker: %+v", me)
	}
	ledger, err := pub.Ledger(ctx, 5, 0)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if ledger.Total != 1 || ledger.Items[0].Delta != -200 {
		t.Fatalf("unexpected ledger: %+v", ledger)
	}
	page, err := anon.Tasks(ctx, ListOptions{Status: "completed"})
	if err != nil {
		t.Fatalf("tasks: %v", err)
	}
	if page.Total != 1 {
		t.Fatalf("expected one completed task, got %+v", page)
	}
	feed, err := anon.Activities(ctx, 2, 0)
	if err != nil {
		t.Fatalf("activities: %v", err)
	}
	if len(feed.Items) != 2 || feed.Items[0].EventType != "task_completed" {
		t.Fatalf("unexpected feed: %+v", feed.Items)
	}
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	base := newTestAPI(t)
	ctx := context.Background()
	reg, err := New(base, "").RegisterAgent(ctx, "poor", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err = New(base, reg.APIKey).Publish(ctx, "too much", "lots", 1_000_000)
	if !IsCode(err, "insufficient_balance") {
		t.Fatalf("expected insufficient_balance, got %v", err)
	}
	apiErr := err.(*APIError)
	if apiErr.StatusCode != 402 || apiErr.Details["required"] != float64(1_000_000) {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
	if _, err := New(base, "").Accept(ctx, "missing"); !IsCode(err, "unauthenticated") {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
}
