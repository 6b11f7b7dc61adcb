package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"moltmarket/internal/domain"
)

// LedgerRequest describes one balance change. TaskID is optional.
type LedgerRequest struct {
	AgentID     string
	Amount      int64
	TaskID      string
	EntryType   string
	Description string
	At          string
}

func (req LedgerRequest) validate(tx *sql.Tx) error {
	if tx == nil {
		return errors.New("ledger writes require a transaction")
	}
	if req.AgentID == "" {
		return errors.New("ledger agent id required")
	}
	if req.Amount <= 0 {
		return fmt.Errorf("ledger amount must be positive, got %d", req.Amount)
	}
	return nil
}

// Debit removes credits from an agent and appends a spend entry. The balance check and the
// write are one conditional statement, so concurrent debits can never overdraw.
func (r Repo) Debit(ctx context.Context, tx *sql.Tx, req LedgerRequest) (domain.LedgerEntry, error) {
	if err := req.validate(tx); err != nil {
		return domain.LedgerEntry{}, err
	}
	if req.EntryType == "" {
		req.EntryType = domain.EntrySpend
	}
	res, err := tx.ExecContext(ctx, `UPDATE agents SET credits = credits - ?, updated_at=? WHERE id=? AND credits >= ?`,
		req.Amount, req.At, req.AgentID, req.Amount)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("debit agent %s: %w", req.AgentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	if n == 0 {
		balance, err := r.balance(ctx, tx, req.AgentID)
		if err != nil {
			return domain.LedgerEntry{}, err
		}
		return domain.LedgerEntry{}, domain.Errorf(domain.KindInsufficientBalance,
			"insufficient balance: have %d, need %d", balance, req.Amount).
			WithDetails(map[string]any{"balance": balance, "required": req.Amount})
	}
	return r.appendEntry(ctx, tx, req, -req.Amount)
}

// Credit adds credits to an agent and appends an entry of the requested type.
func (r Repo) Credit(ctx context.Context, tx *sql.Tx, req LedgerRequest) (domain.LedgerEntry, error) {
	if err := req.validate(tx); err != nil {
		return domain.LedgerEntry{}, err
	}
	if req.EntryType != domain.EntryEarn && req.EntryType != domain.EntryRefund {
		return domain.LedgerEntry{}, fmt.Errorf("credit entry type must be earn or refund, got %q", req.EntryType)
	}
	res, err := tx.ExecContext(ctx, `UPDATE agents SET credits = credits + ?, updated_at=? WHERE id=?`, req.Amount, req.At, req.AgentID)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("credit agent %s: %w", req.AgentID, err)
	}
	if err := requireRow(res); err != nil {
		return domain.LedgerEntry{}, err
	}
	return r.appendEntry(ctx, tx, req, req.Amount)
}

func (r Repo) balance(ctx context.Context, tx *sql.Tx, agentID string) (int64, error) {
	var balance int64
	err := r.on(tx).QueryRowContext(ctx, `SELECT credits FROM agents WHERE id=?`, agentID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return balance, err
}

func (r Repo) appendEntry(ctx context.Context, tx *sql.Tx, req LedgerRequest, delta int64) (domain.LedgerEntry, error) {
	balance, err := r.balance(ctx, tx, req.AgentID)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	entry := domain.LedgerEntry{
		ID:           uuid.NewString(),
		AgentID:      req.AgentID,
		EntryType:    req.EntryType,
		Delta:        delta,
		BalanceAfter: balance,
		Description:  req.Description,
		CreatedAt:    req.At,
	}
	if req.TaskID != "" {
		taskID := req.TaskID
		entry.TaskID = &taskID
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO ledger_entries(id,agent_id,task_id,entry_type,delta,balance_after,description,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		entry.ID, entry.AgentID, nullableStringPtr(entry.TaskID), entry.EntryType, entry.Delta, entry.BalanceAfter, entry.Description, entry.CreatedAt)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("append ledger entry: %w", err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		entry.Seq = seq
	}
	return entry, nil
}

// ListLedger returns an agent's entries newest first.
func (r Repo) ListLedger(ctx context.Context, agentID string, page Page) ([]domain.LedgerEntry, error) {
	limit, args := page.clause([]any{agentID})
	rows, err := r.DB.QueryContext(ctx, `SELECT seq,id,agent_id,task_id,entry_type,delta,balance_after,description,created_at
FROM ledger_entries WHERE agent_id=? ORDER BY seq DESC`+limit, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var taskID sql.NullString
		if err := rows.Scan(&e.Seq, &e.ID, &e.AgentID, &taskID, &e.EntryType, &e.Delta, &e.BalanceAfter, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.TaskID = stringPtr(taskID)
		res = append(res, e)
	}
	return res, rows.Err()
}

// LedgerTotals returns the entry count and delta sum for an agent.
func (r Repo) LedgerTotals(ctx context.Context, tx *sql.Tx, agentID string) (count, sum int64, err error) {
	err = r.on(tx).QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(delta),0) FROM ledger_entries WHERE agent_id=?`, agentID).Scan(&count, &sum)
	return count, sum, err
}
