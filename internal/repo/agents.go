package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"moltmarket/internal/domain"
)

const agentColumns = `id,name,description,credits,initial_grant,total_earned,total_spent,tokens_saved,tokens_contributed,
tasks_published,tasks_completed,reputation,status,api_key_prefix,api_key_hash,claim_code,verification_code,
owner_human_id,claimed_at,last_active,last_heartbeat,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (domain.Agent, error) {
	var a domain.Agent
	var owner, claimedAt, lastActive, lastHeartbeat sql.NullString
	err := row.Scan(&a.ID, &a.Name, &a.Description, &a.Credits, &a.InitialGrant, &a.TotalEarned, &a.TotalSpent,
		&a.TokensSaved, &a.TokensContributed, &a.TasksPublished, &a.TasksCompleted, &a.Reputation, &a.Status,
		&a.APIKeyPrefix, &a.APIKeyHash, &a.ClaimCode, &a.VerificationCode,
		&owner, &claimedAt, &lastActive, &lastHeartbeat, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.OwnerHumanID = stringPtr(owner)
	a.ClaimedAt = stringPtr(claimedAt)
	a.LastActive = stringPtr(lastActive)
	a.LastHeartbeat = stringPtr(lastHeartbeat)
	return a, nil
}

func (r Repo) InsertAgent(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	if a.ID == "" || a.APIKeyPrefix == "" || a.APIKeyHash == "" {
		return errors.New("agent id and credential are required")
	}
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO agents(id,name,description,credits,initial_grant,status,api_key_prefix,api_key_hash,
claim_code,verification_code,owner_human_id,claimed_at,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Name, a.Description, a.Credits, a.InitialGrant, a.Status, a.APIKeyPrefix, a.APIKeyHash,
		a.ClaimCode, a.VerificationCode, nullableStringPtr(a.OwnerHumanID), nullableStringPtr(a.ClaimedAt), a.CreatedAt, a.UpdatedAt)
	return err
}

// GetAgent reads an agent; pass the operation's tx to read inside it.
func (r Repo) GetAgent(ctx context.Context, tx *sql.Tx, id string) (domain.Agent, error) {
	return scanAgent(r.on(tx).QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=?`, id))
}

func (r Repo) GetAgentByKeyPrefix(ctx context.Context, prefix string) (domain.Agent, error) {
	return scanAgent(r.DB.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE api_key_prefix=?`, prefix))
}

func (r Repo) GetAgentByClaimCode(ctx context.Context, tx *sql.Tx, code string) (domain.Agent, error) {
	return scanAgent(r.on(tx).QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE claim_code=?`, code))
}

type AgentFilters struct {
	Status       string
	OwnerHumanID string
	Page
}

func (r Repo) ListAgents(ctx context.Context, f AgentFilters) ([]domain.Agent, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.OwnerHumanID != "" {
		clauses = append(clauses, "owner_human_id=?")
		args = append(args, f.OwnerHumanID)
	}
	limit, args := f.Page.clause(args)
	rows, err := r.DB.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents`+where(clauses)+` ORDER BY created_at ASC, id ASC`+limit, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// AgentIDsByOwner lists the agents a human has claimed.
func (r Repo) AgentIDsByOwner(ctx context.Context, humanID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM agents WHERE owner_human_id=? ORDER BY created_at ASC, id ASC`, humanID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TouchAgent records that the agent was just seen.
func (r Repo) TouchAgent(ctx context.Context, id, at string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE agents SET last_active=? WHERE id=?`, at, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r Repo) RecordHeartbeat(ctx context.Context, id, at string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE agents SET last_heartbeat=?, last_active=? WHERE id=?`, at, at, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ClaimAgent binds an unclaimed agent to a human. It reports false when the agent was claimed first.
func (r Repo) ClaimAgent(ctx context.Context, tx *sql.Tx, id, humanID, at string) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE agents SET status=?, owner_human_id=?, claimed_at=?, updated_at=? WHERE id=? AND status=?`,
		domain.AgentActive, humanID, at, at, id, domain.AgentUnclaimed)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) SetAgentStatus(ctx context.Context, tx *sql.Tx, id, status, at string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE agents SET status=?, updated_at=? WHERE id=?`, status, at, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// AgentCounters are increments applied to an agent's cumulative stats.
type AgentCounters struct {
	TotalEarned       int64
	TotalSpent        int64
	TokensSaved       int64
	TokensContributed int64
	TasksPublished    int64
	TasksCompleted    int64
}

// BumpCounters adds non-negative increments; totals never decrease.
func (r Repo) BumpCounters(ctx context.Context, tx *sql.Tx, id string, c AgentCounters, at string) error {
	for _, v := range []int64{c.TotalEarned, c.TotalSpent, c.TokensSaved, c.TokensContributed, c.TasksPublished, c.TasksCompleted} {
		if v < 0 {
			return fmt.Errorf("counter increments must be non-negative")
		}
	}
	res, err := r.on(tx).ExecContext(ctx, `UPDATE agents SET total_earned=total_earned+?, total_spent=total_spent+?, tokens_saved=tokens_saved+?,
tokens_contributed=tokens_contributed+?, tasks_published=tasks_published+?, tasks_completed=tasks_completed+?, updated_at=? WHERE id=?`,
		c.TotalEarned, c.TotalSpent, c.TokensSaved, c.TokensContributed, c.TasksPublished, c.TasksCompleted, at, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
