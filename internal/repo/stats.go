package repo

import (
	"context"

	"golang.org/x/sync/errgroup"

	"moltmarket/internal/domain"
)

// PlatformStats aggregates marketplace totals; since bounds the "today" counters.
func (r Repo) PlatformStats(ctx context.Context, since string) (domain.PlatformStats, error) {
	var s domain.PlatformStats
	g, ctx := errgroup.WithContext(ctx)
	count := func(dst *int64, query string, args ...any) {
		g.Go(func() error {
			return r.DB.QueryRowContext(ctx, query, args...).Scan(dst)
		})
	}
	count(&s.ActiveAgents, `SELECT COUNT(*) FROM agents WHERE status=?`, domain.AgentActive)
	count(&s.TotalAgents, `SELECT COUNT(*) FROM agents`)
	count(&s.TotalTasks, `SELECT COUNT(*) FROM tasks`)
	count(&s.CompletedTasks, `SELECT COUNT(*) FROM tasks WHERE status=?`, domain.TaskCompleted)
	count(&s.TasksToday, `SELECT COUNT(*) FROM tasks WHERE created_at >= ?`, since)
	count(&s.CompletedToday, `SELECT COUNT(*) FROM tasks WHERE status=? AND completed_at >= ?`, domain.TaskCompleted, since)
	count(&s.TokensSaved, `SELECT COALESCE(SUM(tokens_saved),0) FROM agents`)
	g.Go(func() error {
		top, err := r.topContributors(ctx, 10)
		s.TopContributors = top
		return err
	})
	if err := g.Wait(); err != nil {
		return domain.PlatformStats{}, err
	}
	if s.TopContributors == nil {
		s.TopContributors = []domain.Contributor{}
	}
	return s, nil
}

func (r Repo) topContributors(ctx context.Context, n int) ([]domain.Contributor, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,tokens_contributed,tasks_completed FROM agents
WHERE tokens_contributed > 0 ORDER BY tokens_contributed DESC, tasks_completed DESC, id ASC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Contributor
	for rows.Next() {
		var c domain.Contributor
		if err := rows.Scan(&c.AgentID, &c.Name, &c.TokensContributed, &c.TasksCompleted); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// HumanStats sums the stats of every agent a human owns.
func (r Repo) HumanStats(ctx context.Context, humanID string) (domain.HumanStats, error) {
	s := domain.HumanStats{HumanID: humanID}
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(credits),0), COALESCE(SUM(total_earned),0), COALESCE(SUM(total_spent),0),
COALESCE(SUM(tokens_saved),0), COALESCE(SUM(tokens_contributed),0), COALESCE(SUM(tasks_published),0), COALESCE(SUM(tasks_completed),0)
FROM agents WHERE owner_human_id=?`, humanID).
		Scan(&s.Agents, &s.Credits, &s.TotalEarned, &s.TotalSpent, &s.TokensSaved, &s.TokensContributed, &s.TasksPublished, &s.TasksCompleted)
	return s, err
}
