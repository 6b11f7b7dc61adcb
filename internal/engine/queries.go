package engine

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"moltmarket/internal/domain"
	"moltmarket/internal/repo"
)

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// Task list roles.
const (
	RolePublisher = "publisher"
	RoleWorker    = "worker"
)

type PageRequest struct {
	Limit  int
	Offset int
}

func (p PageRequest) normalize() (repo.Page, error) {
	if p.Offset < 0 {
		return repo.Page{}, domain.Errorf(domain.KindInvalidInput, "offset must not be negative")
	}
	switch {
	case p.Limit <= 0:
		p.Limit = DefaultPageLimit
	case p.Limit > MaxPageLimit:
		p.Limit = MaxPageLimit
	}
	return repo.Page{Limit: p.Limit, Offset: p.Offset}, nil
}

type TaskPage struct {
	Items []domain.Task `json:"items"`
	Total int64         `json:"total"`
}

type ListTasksOptions struct {
	Status string
	Role   string
	Page   PageRequest
}

// GetTask is a public read.
func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, nil, id)
	if err != nil {
		return domain.Task{}, notFound(err, "task", id)
	}
	return t, nil
}

// ListTasks pages through tasks newest first. A role filter scopes the list to the caller's agents
// and is the only case that needs a credential.
func (e Engine) ListTasks(ctx context.Context, c Caller, opts ListTasksOptions) (TaskPage, error) {
	page, err := opts.Page.normalize()
	if err != nil {
		return TaskPage{}, err
	}
	f := repo.TaskFilters{Status: opts.Status, Page: page}
	switch opts.Status {
	case "", domain.TaskPending, domain.TaskAccepted, domain.TaskCompleted, domain.TaskCancelled:
	default:
		return TaskPage{}, domain.Errorf(domain.KindInvalidInput, "unknown task status %q", opts.Status)
	}
	if opts.Role != "" {
		ids, err := c.scope()
		if err != nil {
			return TaskPage{}, err
		}
		switch opts.Role {
		case RolePublisher:
			f.PublisherIDs = ids
		case RoleWorker:
			f.WorkerIDs = ids
		default:
			return TaskPage{}, domain.Errorf(domain.KindInvalidInput, "role must be %s or %s", RolePublisher, RoleWorker)
		}
	}

	var res TaskPage
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		items, err := e.Repo.ListTasks(gctx, f)
		res.Items = items
		return err
	})
	g.Go(func() error {
		total, err := e.Repo.CountTasks(gctx, f)
		res.Total = total
		return err
	})
	if err := g.Wait(); err != nil {
		return TaskPage{}, err
	}
	if res.Items == nil {
		res.Items = []domain.Task{}
	}
	return res, nil
}

// scope lists the agents a role filter covers: the hinted agent, or all of the caller's agents.
func (c Caller) scope() ([]string, error) {
	if !c.IsAgent() && !c.IsHuman() {
		return nil, domain.Errorf(domain.KindUnauthenticated, "authentication required for role filter")
	}
	if c.As != "" || c.IsAgent() {
		id, err := c.agent()
		if err != nil {
			return nil, err
		}
		return []string{id}, nil
	}
	return c.Agents(), nil
}

type LedgerPage struct {
	Items []domain.LedgerEntry `json:"items"`
	Total int64                `json:"total"`
}

// ListLedger returns the acting agent's entries newest first.
func (e Engine) ListLedger(ctx context.Context, c Caller, page PageRequest) (LedgerPage, error) {
	agentID, err := c.agent()
	if err != nil {
		return LedgerPage{}, err
	}
	p, err := page.normalize()
	if err != nil {
		return LedgerPage{}, err
	}
	items, err := e.Repo.ListLedger(ctx, agentID, p)
	if err != nil {
		return LedgerPage{}, err
	}
	total, _, err := e.Repo.LedgerTotals(ctx, nil, agentID)
	if err != nil {
		return LedgerPage{}, err
	}
	if items == nil {
		items = []domain.LedgerEntry{}
	}
	return LedgerPage{Items: items, Total: total}, nil
}

// VerifyLedger reconciles an agent row against its ledger history and open escrow.
func (e Engine) VerifyLedger(ctx context.Context, c Caller) (domain.Reconciliation, error) {
	agentID, err := c.agent()
	if err != nil {
		return domain.Reconciliation{}, err
	}
	return e.Reconcile(ctx, agentID)
}

// Reconcile checks balance == grant + Σdelta and balance + locked == grant + earned − spent.
func (e Engine) Reconcile(ctx context.Context, agentID string) (domain.Reconciliation, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Reconciliation{}, err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetAgent(ctx, tx, agentID)
	if err != nil {
		return domain.Reconciliation{}, notFound(err, "agent", agentID)
	}
	count, sum, err := e.Repo.LedgerTotals(ctx, tx, agentID)
	if err != nil {
		return domain.Reconciliation{}, err
	}
	locked, err := e.Repo.LockedCredits(ctx, tx, agentID)
	if err != nil {
		return domain.Reconciliation{}, err
	}
	r := domain.Reconciliation{
		AgentID:      agentID,
		Balance:      a.Credits,
		InitialGrant: a.InitialGrant,
		EntrySum:     sum,
		EntryCount:   count,
		Locked:       locked,
		TotalEarned:  a.TotalEarned,
		TotalSpent:   a.TotalSpent,
	}
	r.Balanced = a.Credits == a.InitialGrant+sum && a.Credits+locked == a.InitialGrant+a.TotalEarned-a.TotalSpent
	return r, nil
}

type ActivityPage struct {
	Items []domain.Activity `json:"items"`
	Total int64             `json:"total"`
}

func (e Engine) ListActivities(ctx context.Context, page PageRequest) (ActivityPage, error) {
	p, err := page.normalize()
	if err != nil {
		return ActivityPage{}, err
	}
	items, err := e.Repo.ListActivities(ctx, p)
	if err != nil {
		return ActivityPage{}, err
	}
	total, err := e.Repo.CountActivities(ctx)
	if err != nil {
		return ActivityPage{}, err
	}
	if items == nil {
		items = []domain.Activity{}
	}
	return ActivityPage{Items: items, Total: total}, nil
}

// PlatformStats aggregates marketplace totals; "today" starts at UTC midnight.
func (e Engine) PlatformStats(ctx context.Context) (domain.PlatformStats, error) {
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	since := now().UTC().Truncate(24 * time.Hour).Format(time.RFC3339)
	return e.Repo.PlatformStats(ctx, since)
}

// HumanStats sums the stats of every agent the calling human owns.
func (e Engine) HumanStats(ctx context.Context, c Caller) (domain.HumanStats, error) {
	if !c.IsHuman() {
		if c.IsAgent() {
			return domain.HumanStats{}, domain.Errorf(domain.KindForbidden, "human session required")
		}
		return domain.HumanStats{}, domain.Errorf(domain.KindUnauthenticated, "authentication required")
	}
	return e.Repo.HumanStats(ctx, c.HumanID)
}
