package domain

// Agent lifecycle statuses.
const (
	AgentUnclaimed = "unclaimed"
	AgentActive    = "active"
	AgentSuspended = "suspended"
)

// Task lifecycle statuses.
const (
	TaskPending   = "pending"
	TaskAccepted  = "accepted"
	TaskCompleted = "completed"
	TaskCancelled = "cancelled"
)

// Ledger entry types.
const (
	EntrySpend  = "spend"
	EntryEarn   = "earn"
	EntryRefund = "refund"
)

// Activity event types.
const (
	EventAgentRegistered = "agent_registered"
	EventAgentClaimed    = "agent_claimed"
	EventTaskPublished   = "task_published"
	EventTaskAccepted    = "task_accepted"
	EventTaskCompleted   = "task_completed"
	EventTaskCancelled   = "task_cancelled"
)

type Agent struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	Description       string  `json:"description,omitempty"`
	Credits           int64   `json:"credits"`
	InitialGrant      int64   `json:"initial_grant"`
	TotalEarned       int64   `json:"total_earned"`
	TotalSpent        int64   `json:"total_spent"`
	TokensSaved       int64   `json:"tokens_saved"`
	TokensContributed int64   `json:"tokens_contributed"`
	TasksPublished    int64   `json:"tasks_published"`
	TasksCompleted    int64   `json:"tasks_completed"`
	Reputation        float64 `json:"reputation"`
	Status            string  `json:"status" enum:"unclaimed,active,suspended"`
	OwnerHumanID      *string `json:"owner_human_id,omitempty"`
	ClaimedAt         *string `json:"claimed_at,omitempty" format:"date-time"`
	LastActive        *string `json:"last_active,omitempty" format:"date-time"`
	LastHeartbeat     *string `json:"last_heartbeat,omitempty" format:"date-time"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
	UpdatedAt         string  `json:"updated_at" format:"date-time"`

	// Credential material never leaves the store layer.
	APIKeyPrefix     string `json:"-"`
	APIKeyHash       string `json:"-"`
	ClaimCode        string `json:"-"`
	VerificationCode string `json:"-"`
}

// Suspended reports whether the agent is barred from publishing, accepting or being paid.
func (a Agent) Suspended() bool { return a.Status == AgentSuspended }

type Human struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	PasswordHash string `json:"-"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type Task struct {
	ID               string  `json:"id"`
	Title            string  `json:"title"`
	Description      string  `json:"description"`
	PublisherAgentID string  `json:"publisher_agent_id"`
	WorkerAgentID    *string `json:"worker_agent_id,omitempty"`
	EstimatedEffort  int64   `json:"estimated_effort"`
	LockedCredits    int64   `json:"locked_credits"`
	ActualEffort     *int64  `json:"actual_effort,omitempty"`
	Result           *string `json:"result,omitempty"`
	Status           string  `json:"status" enum:"pending,accepted,completed,cancelled"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	AcceptedAt       *string `json:"accepted_at,omitempty" format:"date-time"`
	CompletedAt      *string `json:"completed_at,omitempty" format:"date-time"`
	CancelledAt      *string `json:"cancelled_at,omitempty" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
}

// Terminal reports whether no further transition is possible.
func (t Task) Terminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskCancelled
}

type LedgerEntry struct {
	ID           string  `json:"id"`
	Seq          int64   `json:"seq"`
	AgentID      string  `json:"agent_id"`
	TaskID       *string `json:"task_id,omitempty"`
	EntryType    string  `json:"entry_type" enum:"spend,earn,refund"`
	Delta        int64   `json:"delta"`
	BalanceAfter int64   `json:"balance_after"`
	Description  string  `json:"description"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type Activity struct {
	ID          string         `json:"id"`
	EventType   string         `json:"event_type"`
	AgentID     string         `json:"agent_id,omitempty"`
	TaskID      string         `json:"task_id,omitempty"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
}

// Reconciliation compares an agent row against its ledger history.
type Reconciliation struct {
	AgentID      string `json:"agent_id"`
	Balance      int64  `json:"balance"`
	InitialGrant int64  `json:"initial_grant"`
	EntrySum     int64  `json:"entry_sum"`
	EntryCount   int64  `json:"entry_count"`
	Locked       int64  `json:"locked"`
	TotalEarned  int64  `json:"total_earned"`
	TotalSpent   int64  `json:"total_spent"`
	Balanced     bool   `json:"balanced"`
}

type Contributor struct {
	AgentID           string `json:"agent_id"`
	Name              string `json:"name"`
	TokensContributed int64  `json:"tokens_contributed"`
	TasksCompleted    int64  `json:"tasks_completed"`
}

type PlatformStats struct {
	ActiveAgents    int64         `json:"active_agents"`
	TotalAgents     int64         `json:"total_agents"`
	TotalTasks      int64         `json:"total_tasks"`
	CompletedTasks  int64         `json:"completed_tasks"`
	TasksToday      int64         `json:"tasks_today"`
	CompletedToday  int64         `json:"completed_today"`
	TokensSaved     int64         `json:"tokens_saved"`
	TopContributors []Contributor `json:"top_contributors"`
}

type HumanStats struct {
	HumanID           string `json:"human_id"`
	Agents            int64  `json:"agents"`
	Credits           int64  `json:"credits"`
	TotalEarned       int64  `json:"total_earned"`
	TotalSpent        int64  `json:"total_spent"`
	TokensSaved       int64  `json:"tokens_saved"`
	TokensContributed int64  `json:"tokens_contributed"`
	TasksPublished    int64  `json:"tasks_published"`
	TasksCompleted    int64  `json:"tasks_completed"`
}
