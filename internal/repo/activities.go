package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"moltmarket/internal/domain"
)

func (r Repo) InsertActivity(ctx context.Context, a domain.Activity) error {
	meta := a.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal activity metadata: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO activities(id,event_type,agent_id,task_id,title,description,metadata_json,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.EventType, nullable(a.AgentID), nullable(a.TaskID), a.Title, a.Description, string(data), a.CreatedAt)
	return err
}

// ListActivities returns the feed newest first.
func (r Repo) ListActivities(ctx context.Context, page Page) ([]domain.Activity, error) {
	limit, args := page.clause(nil)
	rows, err := r.DB.QueryContext(ctx, `SELECT id,event_type,agent_id,task_id,title,description,metadata_json,created_at
FROM activities ORDER BY seq DESC`+limit, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Activity
	for rows.Next() {
		var a domain.Activity
		var agentID, taskID sql.NullString
		var meta string
		if err := rows.Scan(&a.ID, &a.EventType, &agentID, &taskID, &a.Title, &a.Description, &meta, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.AgentID = agentID.String
		a.TaskID = taskID.String
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &a.Metadata); err != nil {
				return nil, fmt.Errorf("decode activity %s metadata: %w", a.ID, err)
			}
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) CountActivities(ctx context.Context) (int64, error) {
	var n int64
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM activities`).Scan(&n)
	return n, err
}
