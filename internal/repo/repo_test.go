package repo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"moltmarket/internal/db"
	"moltmarket/internal/domain"
	"moltmarket/internal/migrate"
)

const ts = "2024-01-01T00:00:00Z"

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return Repo{DB: conn}
}

func seedAgent(t *testing.T, r Repo, id string, credits int64) domain.Agent {
	t.Helper()
	a := domain.Agent{
		ID:               id,
		Name:             id,
		Credits:          credits,
		InitialGrant:     credits,
		Status:           domain.AgentActive,
		APIKeyPrefix:     "ct_" + id,
		APIKeyHash:       "hash-" + id,
		ClaimCode:        "claim-" + id,
		VerificationCode: "v-" + id,
		CreatedAt:        ts,
		UpdatedAt:        ts,
	}
	if err := r.InsertAgent(context.Background(), nil, a); err != nil {
		t.Fatalf("insert agent %s: %v", id, err)
	}
	return a
}

func seedTask(t *testing.T, r Repo, id, publisher string, locked int64) domain.Task {
	t.Helper()
	task, err := r.CreateTask(context.Background(), nil, domain.Task{
		ID: id, Title: "t", Description: "d", PublisherAgentID: publisher,
		EstimatedEffort: locked, LockedCredits: locked, Status: domain.TaskPending, CreatedAt: ts, UpdatedAt: ts,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestDebitAndCreditAppendEntries(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedAgent(t, r, "a", 100)

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	spend, err := r.Debit(ctx, tx, LedgerRequest{AgentID: "a", Amount: 30, Description: "lock", At: ts})
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	earn, err := r.Credit(ctx, tx, LedgerRequest{AgentID: "a", Amount: 5, EntryType: domain.EntryEarn, Description: "earn", At: ts})
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if spend.Delta != -30 || spend.BalanceAfter != 70 || spend.EntryType != domain.EntrySpend {
		t.Fatalf("unexpected spend entry: %+v", spend)
	}
	if earn.Delta != 5 || earn.BalanceAfter != 75 {
		t.Fatalf("unexpected earn entry: %+v", earn)
	}
	a, err := r.GetAgent(ctx, nil, "a")
	if err != nil {
		t.Fatal(err)
	}
	count, sum, err := r.LedgerTotals(ctx, nil, "a")
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 || a.Credits != a.InitialGrant+sum {
		t.Fatalf("balance %d does not reconcile with grant %d + sum %d", a.Credits, a.InitialGrant, sum)
	}
	entries, err := r.ListLedger(ctx, "a", Page{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].ID != earn.ID {
		t.Fatalf("ledger should list newest first: %+v", entries)
	}
}

func TestDebitInsufficientBalanceLeavesNoTrace(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedAgent(t, r, "a", 10)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	_, err = r.Debit(ctx, tx, LedgerRequest{AgentID: "a", Amount: 11, At: ts})
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	count, _, err := r.LedgerTotals(ctx, tx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("no entry expected, got %d", count)
	}
	if _, err := r.Debit(ctx, tx, LedgerRequest{AgentID: "ghost", Amount: 1, At: ts}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for unknown agent, got %v", err)
	}
}

func TestLedgerRequiresTransaction(t *testing.T) {
	r := newTestRepo(t)
	seedAgent(t, r, "a", 10)
	if _, err := r.Credit(context.Background(), nil, LedgerRequest{AgentID: "a", Amount: 1, EntryType: domain.EntryEarn}); err == nil {
		t.Fatal("expected error without tx")
	}
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedAgent(t, r, "a", 100)
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := r.DB.BeginTx(ctx, nil)
			if err != nil {
				t.Errorf("begin: %v", err)
				return
			}
			defer tx.Rollback()
			if _, err := r.Debit(ctx, tx, LedgerRequest{AgentID: "a", Amount: 30, At: ts}); err != nil {
				if !errors.Is(err, domain.ErrInsufficientBalance) {
					t.Errorf("debit: %v", err)
				}
				return
			}
			if err := tx.Commit(); err != nil {
				t.Errorf("commit: %v", err)
				return
			}
			mu.Lock()
			succeeded++
			mu.Unlock()
		}()
	}
	wg.Wait()
	if succeeded != 3 {
		t.Fatalf("expected 3 debits to succeed, got %d", succeeded)
	}
	a, err := r.GetAgent(ctx, nil, "a")
	if err != nil {
		t.Fatal(err)
	}
	if a.Credits != 10 {
		t.Fatalf("balance = %d, want 10", a.Credits)
	}
}

func TestTransitionTaskIsCompareAndSwap(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedAgent(t, r, "pub", 100)
	seedAgent(t, r, "w1", 0)
	seedAgent(t, r, "w2", 0)
	seedTask(t, r, "t1", "pub", 10)

	w1, w2, at := "w1", "w2", ts
	task, err := r.TransitionTask(ctx, nil, "t1", domain.TaskPending, TaskTransition{Status: domain.TaskAccepted, WorkerAgentID: &w1, AcceptedAt: &at, UpdatedAt: ts})
	if err != nil {
		t.Fatalf("first transition: %v", err)
	}
	if task.Status != domain.TaskAccepted || task.WorkerAgentID == nil || *task.WorkerAgentID != "w1" {
		t.Fatalf("unexpected task: %+v", task)
	}
	current, err := r.TransitionTask(ctx, nil, "t1", domain.TaskPending, TaskTransition{Status: domain.TaskAccepted, WorkerAgentID: &w2, AcceptedAt: &at, UpdatedAt: ts})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if current.Status != domain.TaskAccepted || *current.WorkerAgentID != "w1" {
		t.Fatalf("conflict should report current state: %+v", current)
	}
	if _, err := r.TransitionTask(ctx, nil, "missing", domain.TaskPending, TaskTransition{Status: domain.TaskCancelled, UpdatedAt: ts}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListAndCountTasks(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedAgent(t, r, "pub", 100)
	seedAgent(t, r, "other", 100)
	for i := 0; i < 5; i++ {
		seedTask(t, r, fmt.Sprintf("t%d", i), "pub", 1)
	}
	seedTask(t, r, "x", "other", 1)

	f := TaskFilters{PublisherIDs: []string{"pub"}, Page: Page{Limit: 2, Offset: 1}}
	items, err := r.ListTasks(ctx, f)
	if err != nil {
		t.Fatal(err)
	}
	total, err := r.CountTasks(ctx, f)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || total != 5 {
		t.Fatalf("got %d items, total %d", len(items), total)
	}
	none, err := r.CountTasks(ctx, TaskFilters{WorkerIDs: []string{}})
	if err != nil {
		t.Fatal(err)
	}
	if none != 0 {
		t.Fatalf("empty worker set should match nothing, got %d", none)
	}
	locked, err := r.LockedCredits(ctx, nil, "pub")
	if err != nil {
		t.Fatal(err)
	}
	if locked != 5 {
		t.Fatalf("locked = %d", locked)
	}
}

func TestClaimAgentOnlyOnce(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	a := seedAgent(t, r, "a", 0)
	if err := r.SetAgentStatus(ctx, nil, a.ID, domain.AgentUnclaimed, ts); err != nil {
		t.Fatal(err)
	}
	if err := r.InsertHuman(ctx, nil, domain.Human{ID: "h1", Name: "H", Email: "H@Example.com", PasswordHash: "x", CreatedAt: ts}); err != nil {
		t.Fatal(err)
	}
	ok, err := r.ClaimAgent(ctx, nil, a.ID, "h1", ts)
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	ok, err = r.ClaimAgent(ctx, nil, a.ID, "h1", ts)
	if err != nil || ok {
		t.Fatalf("second claim should not apply: ok=%v err=%v", ok, err)
	}
	ids, err := r.AgentIDsByOwner(ctx, "h1")
	if err != nil || len(ids) != 1 || ids[0] != "a" {
		t.Fatalf("owned ids = %v, err %v", ids, err)
	}
	h, err := r.GetHumanByEmail(ctx, nil, " h@example.com ")
	if err != nil || h.ID != "h1" {
		t.Fatalf("lookup by email: %+v %v", h, err)
	}
}
