package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"moltmarket/internal/activity"
	"moltmarket/internal/config"
	"moltmarket/internal/domain"
	"moltmarket/internal/engine/auth"
	"moltmarket/internal/logger"
	"moltmarket/internal/repo"
	"moltmarket/internal/telemetry"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Auth     *auth.Resolver
	Activity activity.Notifier
	Config   *config.Config
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Activity: activity.Nop{},
		Config:   cfg,
		Now:      time.Now,
	}
}

// Caller is a resolved identity and the agent it asked to act as, if any.
type Caller struct {
	auth.Identity
	As string
}

func (c Caller) agent() (string, error) {
	return c.ActingAgent(c.As)
}

func (e Engine) now() string {
	if e.Now != nil {
		return e.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return logger.Named("engine")
}

func (e Engine) rate() int64 {
	if e.Config == nil || e.Config.Escrow.CreditsPerEffort <= 0 {
		return 1
	}
	return e.Config.Escrow.CreditsPerEffort
}

// observe opens a span and returns the func that closes it and records the outcome.
func (e Engine) observe(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(*error)) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, op, attrs...)
	return ctx, func(errp *error) {
		telemetry.EndSpan(span, *errp)
		e.Metrics.RecordOperation(ctx, op, *errp, time.Since(start))
	}
}

func (e Engine) notify(ctx context.Context, evt activity.Event) {
	if e.Activity == nil {
		return
	}
	e.Activity.Record(ctx, evt)
}

func notFound(err error, entity, id string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Errorf(domain.KindNotFound, "%s %s not found", entity, id)
	}
	return err
}

// activeAgent loads an agent inside tx and rejects suspended ones with reason.
func (e Engine) activeAgent(ctx context.Context, tx *sql.Tx, id, reason string) (domain.Agent, error) {
	a, err := e.Repo.GetAgent(ctx, tx, id)
	if err != nil {
		return domain.Agent{}, notFound(err, "agent", id)
	}
	if a.Suspended() {
		return domain.Agent{}, domain.Errorf(domain.KindForbidden, "agent %s is suspended and %s", id, reason)
	}
	return a, nil
}

// PublishInput are the caller-supplied fields of a new task.
type PublishInput struct {
	Title           string
	Description     string
	EstimatedEffort int64
}

func (in PublishInput) validate(rate int64) error {
	if strings.TrimSpace(in.Title) == "" {
		return domain.Errorf(domain.KindInvalidInput, "title is required")
	}
	if strings.TrimSpace(in.Description) == "" {
		return domain.Errorf(domain.KindInvalidInput, "description is required")
	}
	if in.EstimatedEffort <= 0 {
		return domain.Errorf(domain.KindInvalidInput, "estimated effort must be a positive integer, got %d", in.EstimatedEffort)
	}
	if in.EstimatedEffort > math.MaxInt64/rate {
		return domain.Errorf(domain.KindInvalidInput, "estimated effort %d is too large", in.EstimatedEffort)
	}
	return nil
}

// Publish creates a pending task and locks its escrow from the publisher's balance.
func (e Engine) Publish(ctx context.Context, c Caller, in PublishInput) (task domain.Task, err error) {
	ctx, done := e.observe(ctx, "publish")
	defer done(&err)

	publisherID, err := c.agent()
	if err != nil {
		return domain.Task{}, err
	}
	rate := e.rate()
	if err := in.validate(rate); err != nil {
		return domain.Task{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if _, err := e.activeAgent(ctx, tx, publisherID, "cannot publish"); err != nil {
		return domain.Task{}, err
	}
	now := e.now()
	task = domain.Task{
		ID:               uuid.NewString(),
		Title:            strings.TrimSpace(in.Title),
		Description:      in.Description,
		PublisherAgentID: publisherID,
		EstimatedEffort:  in.EstimatedEffort,
		LockedCredits:    in.EstimatedEffort * rate,
		Status:           domain.TaskPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if task, err = e.Repo.CreateTask(ctx, tx, task); err != nil {
		return domain.Task{}, fmt.Errorf("create task: %w", err)
	}
	if _, err := e.Repo.Debit(ctx, tx, repo.LedgerRequest{
		AgentID:     publisherID,
		Amount:      task.LockedCredits,
		TaskID:      task.ID,
		EntryType:   domain.EntrySpend,
		Description: "lock for task: " + task.Title,
		At:          now,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := e.Repo.BumpCounters(ctx, tx, publisherID, repo.AgentCounters{TasksPublished: 1}, now); err != nil {
		return domain.Task{}, fmt.Errorf("update publisher counters: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}

	e.Metrics.Locked(ctx, task.LockedCredits)
	e.notify(ctx, activity.Event{
		Type:        domain.EventTaskPublished,
		AgentID:     publisherID,
		TaskID:      task.ID,
		Title:       "Task published: " + task.Title,
		Description: fmt.Sprintf("%d credits locked in escrow", task.LockedCredits),
		Metadata:    map[string]any{"estimated_effort": task.EstimatedEffort, "locked_credits": task.LockedCredits},
	})
	return task, nil
}

// Accept binds the caller as the task's worker. No credits move.
func (e Engine) Accept(ctx context.Context, c Caller, taskID string) (task domain.Task, err error) {
	ctx, done := e.observe(ctx, "accept", attribute.String("task_id", taskID))
	defer done(&err)

	workerID, err := c.agent()
	if err != nil {
		return domain.Task{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	current, err := e.Repo.GetTask(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, notFound(err, "task", taskID)
	}
	if current.PublisherAgentID == workerID {
		return domain.Task{}, domain.Errorf(domain.KindInvalidState, "an agent cannot accept its own task").
			WithDetails(map[string]any{"task_id": taskID})
	}
	if _, err := e.activeAgent(ctx, tx, workerID, "cannot accept tasks"); err != nil {
		return domain.Task{}, err
	}
	if current.Status != domain.TaskPending {
		return domain.Task{}, domain.Errorf(domain.KindConflict, "task %s is already %s", taskID, current.Status).
			WithDetails(map[string]any{"task_id": taskID, "status": current.Status})
	}
	now := e.now()
	task, err = e.Repo.TransitionTask(ctx, tx, taskID, domain.TaskPending, repo.TaskTransition{
		Status:        domain.TaskAccepted,
		WorkerAgentID: &workerID,
		AcceptedAt:    &now,
		UpdatedAt:     now,
	})
	if err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}

	e.notify(ctx, activity.Event{
		Type:    domain.EventTaskAccepted,
		AgentID: workerID,
		TaskID:  task.ID,
		Title:   "Task accepted: " + task.Title,
	})
	return task, nil
}

// CompleteInput carries the worker's result. A nil or zero ActualEffort means the estimate.
type CompleteInput struct {
	Result       string
	ActualEffort *int64
}

// Settlement is the credit split applied when a task completes.
type Settlement struct {
	ActualEffort int64
	Paid         int64
	Refund       int64
	TokensSaved  int64
}

// Settle caps the payout at the locked amount; overruns are absorbed by the platform.
func Settle(t domain.Task, actualEffort, rate int64) Settlement {
	s := Settlement{ActualEffort: actualEffort}
	if actualEffort >= t.EstimatedEffort {
		s.Paid = t.LockedCredits
		return s
	}
	s.Paid = actualEffort * rate
	s.Refund = t.LockedCredits - s.Paid
	s.TokensSaved = t.EstimatedEffort - actualEffort
	return s
}

// Complete settles an accepted task: the worker is paid and unused escrow returns to the publisher.
func (e Engine) Complete(ctx context.Context, c Caller, taskID string, in CompleteInput) (task domain.Task, err error) {
	ctx, done := e.observe(ctx, "complete", attribute.String("task_id", taskID))
	defer done(&err)

	workerID, err := c.agent()
	if err != nil {
		return domain.Task{}, err
	}
	if in.ActualEffort != nil && *in.ActualEffort < 0 {
		return domain.Task{}, domain.Errorf(domain.KindInvalidInput, "actual effort must not be negative, got %d", *in.ActualEffort)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	current, err := e.Repo.GetTask(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, notFound(err, "task", taskID)
	}
	if current.WorkerAgentID != nil && *current.WorkerAgentID != workerID {
		return domain.Task{}, domain.Errorf(domain.KindForbidden, "only the bound worker can complete task %s", taskID)
	}
	if current.Status != domain.TaskAccepted {
		return domain.Task{}, domain.Errorf(domain.KindInvalidState, "task %s is %s, not accepted", taskID, current.Status).
			WithDetails(map[string]any{"task_id": taskID, "status": current.Status})
	}
	if _, err := e.activeAgent(ctx, tx, workerID, "cannot be paid"); err != nil {
		return domain.Task{}, err
	}

	actual := current.EstimatedEffort
	if in.ActualEffort != nil && *in.ActualEffort > 0 {
		actual = *in.ActualEffort
	}
	s := Settle(current, actual, e.rate())
	now := e.now()
	result := in.Result
	task, err = e.Repo.TransitionTask(ctx, tx, taskID, domain.TaskAccepted, repo.TaskTransition{
		Status:       domain.TaskCompleted,
		ActualEffort: &actual,
		Result:       &result,
		CompletedAt:  &now,
		UpdatedAt:    now,
	})
	if err != nil {
		return domain.Task{}, err
	}
	if s.Paid > 0 {
		if _, err := e.Repo.Credit(ctx, tx, repo.LedgerRequest{
			AgentID: workerID, Amount: s.Paid, TaskID: taskID, EntryType: domain.EntryEarn,
			Description: "earn for task: " + task.Title, At: now,
		}); err != nil {
			return domain.Task{}, err
		}
	}
	if err := e.Repo.BumpCounters(ctx, tx, workerID, repo.AgentCounters{
		TotalEarned: s.Paid, TokensContributed: actual, TasksCompleted: 1,
	}, now); err != nil {
		return domain.Task{}, fmt.Errorf("update worker counters: %w", err)
	}
	if s.Refund > 0 {
		if _, err := e.Repo.Credit(ctx, tx, repo.LedgerRequest{
			AgentID: task.PublisherAgentID, Amount: s.Refund, TaskID: taskID, EntryType: domain.EntryRefund,
			Description: "refund for task: " + task.Title, At: now,
		}); err != nil {
			return domain.Task{}, err
		}
	}
	if err := e.Repo.BumpCounters(ctx, tx, task.PublisherAgentID, repo.AgentCounters{
		TotalSpent: s.Paid, TokensSaved: s.TokensSaved,
	}, now); err != nil {
		return domain.Task{}, fmt.Errorf("update publisher counters: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}

	e.Metrics.Paid(ctx, s.Paid)
	e.Metrics.Refunded(ctx, s.Refund)
	e.log().Info("task settled", slog.String("task_id", taskID), slog.Int64("paid", s.Paid), slog.Int64("refund", s.Refund))
	e.notify(ctx, activity.Event{
		Type:        domain.EventTaskCompleted,
		AgentID:     workerID,
		TaskID:      task.ID,
		Title:       "Task completed: " + task.Title,
		Description: fmt.Sprintf("%d credits earned, %d refunded", s.Paid, s.Refund),
		Metadata: map[string]any{
			"actual_effort": actual, "paid": s.Paid, "refund": s.Refund, "tokens_saved": s.TokensSaved,
		},
	})
	return task, nil
}

// Cancel refunds the full escrow to the publisher. Workers may abandon accepted tasks only
// when escrow.allow_worker_abandon is set.
func (e Engine) Cancel(ctx context.Context, c Caller, taskID string) (task domain.Task, err error) {
	ctx, done := e.observe(ctx, "cancel", attribute.String("task_id", taskID))
	defer done(&err)

	callerID, err := c.agent()
	if err != nil {
		return domain.Task{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	current, err := e.Repo.GetTask(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, notFound(err, "task", taskID)
	}
	publisher := current.PublisherAgentID == callerID
	worker := current.WorkerAgentID != nil && *current.WorkerAgentID == callerID
	abandon := worker && e.Config != nil && e.Config.Escrow.AllowWorkerAbandon
	if !publisher && !abandon {
		return domain.Task{}, domain.Errorf(domain.KindForbidden, "only the publisher can cancel task %s", taskID)
	}
	if current.Terminal() {
		return domain.Task{}, domain.Errorf(domain.KindInvalidState, "task %s is already %s", taskID, current.Status).
			WithDetails(map[string]any{"task_id": taskID, "status": current.Status})
	}
	if !publisher && current.Status != domain.TaskAccepted {
		return domain.Task{}, domain.Errorf(domain.KindInvalidState, "task %s is %s, only accepted tasks can be abandoned", taskID, current.Status)
	}
	now := e.now()
	task, err = e.Repo.TransitionTask(ctx, tx, taskID, current.Status, repo.TaskTransition{
		Status:      domain.TaskCancelled,
		CancelledAt: &now,
		UpdatedAt:   now,
	})
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := e.Repo.Credit(ctx, tx, repo.LedgerRequest{
		AgentID: task.PublisherAgentID, Amount: task.LockedCredits, TaskID: taskID, EntryType: domain.EntryRefund,
		Description: "refund for cancelled task: " + task.Title, At: now,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}

	e.Metrics.Refunded(ctx, task.LockedCredits)
	e.notify(ctx, activity.Event{
		Type:        domain.EventTaskCancelled,
		AgentID:     callerID,
		TaskID:      task.ID,
		Title:       "Task cancelled: " + task.Title,
		Description: fmt.Sprintf("%d credits returned to publisher", task.LockedCredits),
		Metadata:    map[string]any{"refund": task.LockedCredits, "abandoned": !publisher},
	})
	return task, nil
}
