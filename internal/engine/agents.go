package engine

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"moltmarket/internal/activity"
	"moltmarket/internal/domain"
	"moltmarket/internal/engine/auth"
	"moltmarket/internal/repo"
)

const minPasswordLen = 8

func (e Engine) bcryptCost() int {
	if e.Config == nil {
		return 0
	}
	return e.Config.Auth.BcryptCost
}

func (e Engine) initialGrant() int64 {
	if e.Config == nil {
		return 0
	}
	return e.Config.Escrow.InitialGrant
}

// Registration is returned once; the raw key is never stored.
type Registration struct {
	Agent            domain.Agent `json:"agent"`
	APIKey           string       `json:"api_key"`
	ClaimCode        string       `json:"claim_code"`
	VerificationCode string       `json:"verification_code"`
}

func claimCodes() (claim, verification string, err error) {
	b := make([]byte, 7)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	claim = base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(b[:5])
	verification = "reef-" + strings.ToUpper(hex.EncodeToString(b[5:]))
	return claim, verification, nil
}

// RegisterAgent creates an unclaimed agent holding the initial grant and mints its API key.
func (e Engine) RegisterAgent(ctx context.Context, name, description string) (reg Registration, err error) {
	ctx, done := e.observe(ctx, "register_agent")
	defer done(&err)

	name = strings.TrimSpace(name)
	if name == "" {
		return Registration{}, domain.Errorf(domain.KindInvalidInput, "name is required")
	}
	key, err := auth.NewAPIKey(e.bcryptCost())
	if err != nil {
		return Registration{}, fmt.Errorf("mint api key: %w", err)
	}
	claim, verification, err := claimCodes()
	if err != nil {
		return Registration{}, fmt.Errorf("generate claim code: %w", err)
	}
	now := e.now()
	grant := e.initialGrant()
	a := domain.Agent{
		ID:               uuid.NewString(),
		Name:             name,
		Description:      strings.TrimSpace(description),
		Credits:          grant,
		InitialGrant:     grant,
		Status:           domain.AgentUnclaimed,
		APIKeyPrefix:     key.Prefix,
		APIKeyHash:       key.Hash,
		ClaimCode:        claim,
		VerificationCode: verification,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.Repo.InsertAgent(ctx, nil, a); err != nil {
		return Registration{}, fmt.Errorf("insert agent: %w", err)
	}

	e.notify(ctx, activity.Event{
		Type:    domain.EventAgentRegistered,
		AgentID: a.ID,
		Title:   "Agent registered: " + a.Name,
	})
	return Registration{Agent: a, APIKey: key.Raw, ClaimCode: claim, VerificationCode: verification}, nil
}

// GetAgent returns the acting agent with its balance and stats.
func (e Engine) GetAgent(ctx context.Context, c Caller) (domain.Agent, error) {
	agentID, err := c.agent()
	if err != nil {
		return domain.Agent{}, err
	}
	a, err := e.Repo.GetAgent(ctx, nil, agentID)
	if err != nil {
		return domain.Agent{}, notFound(err, "agent", agentID)
	}
	return a, nil
}

// ListAgents is an operator view over every agent.
func (e Engine) ListAgents(ctx context.Context, status string, page PageRequest) ([]domain.Agent, error) {
	p, err := page.normalize()
	if err != nil {
		return nil, err
	}
	switch status {
	case "", domain.AgentUnclaimed, domain.AgentActive, domain.AgentSuspended:
	default:
		return nil, domain.Errorf(domain.KindInvalidInput, "unknown agent status %q", status)
	}
	return e.Repo.ListAgents(ctx, repo.AgentFilters{Status: status, Page: p})
}

// Heartbeat records liveness for the acting agent.
func (e Engine) Heartbeat(ctx context.Context, c Caller) (domain.Agent, error) {
	agentID, err := c.agent()
	if err != nil {
		return domain.Agent{}, err
	}
	if err := e.Repo.RecordHeartbeat(ctx, agentID, e.now()); err != nil {
		return domain.Agent{}, notFound(err, "agent", agentID)
	}
	return e.GetAgent(ctx, c)
}

// SetAgentStatus is an operator action used to suspend or reinstate an agent.
func (e Engine) SetAgentStatus(ctx context.Context, agentID, status string) (a domain.Agent, err error) {
	ctx, done := e.observe(ctx, "set_agent_status", attribute.String("agent_id", agentID))
	defer done(&err)

	if status != domain.AgentActive && status != domain.AgentSuspended {
		return domain.Agent{}, domain.Errorf(domain.KindInvalidInput, "status must be %s or %s", domain.AgentActive, domain.AgentSuspended)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetAgentStatus(ctx, tx, agentID, status, e.now()); err != nil {
		return domain.Agent{}, notFound(err, "agent", agentID)
	}
	if a, err = e.Repo.GetAgent(ctx, tx, agentID); err != nil {
		return domain.Agent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}
	return a, nil
}

// ClaimView is the public projection shown before a human claims an agent.
type ClaimView struct {
	AgentID          string  `json:"agent_id"`
	Name             string  `json:"name"`
	VerificationCode string  `json:"verification_code"`
	Status           string  `json:"status"`
	ClaimedAt        *string `json:"claimed_at,omitempty"`
}

func normalizeClaimCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func (e Engine) LookupClaim(ctx context.Context, code string) (ClaimView, error) {
	code = normalizeClaimCode(code)
	a, err := e.Repo.GetAgentByClaimCode(ctx, nil, code)
	if err != nil {
		return ClaimView{}, notFound(err, "claim code", code)
	}
	return ClaimView{AgentID: a.ID, Name: a.Name, VerificationCode: a.VerificationCode, Status: a.Status, ClaimedAt: a.ClaimedAt}, nil
}

// ClaimAgent binds an unclaimed agent to the calling human and activates it.
func (e Engine) ClaimAgent(ctx context.Context, c Caller, code, verification string) (a domain.Agent, err error) {
	ctx, done := e.observe(ctx, "claim_agent")
	defer done(&err)

	switch {
	case c.IsHuman():
	case c.IsAgent():
		return domain.Agent{}, domain.Errorf(domain.KindForbidden, "agents cannot claim agents")
	default:
		return domain.Agent{}, domain.Errorf(domain.KindUnauthenticated, "authentication required")
	}
	code = normalizeClaimCode(code)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()

	a, err = e.Repo.GetAgentByClaimCode(ctx, tx, code)
	if err != nil {
		return domain.Agent{}, notFound(err, "claim code", code)
	}
	if verification != "" && !strings.EqualFold(strings.TrimSpace(verification), a.VerificationCode) {
		return domain.Agent{}, domain.Errorf(domain.KindInvalidInput, "verification code does not match")
	}
	now := e.now()
	ok, err := e.Repo.ClaimAgent(ctx, tx, a.ID, c.HumanID, now)
	if err != nil {
		return domain.Agent{}, fmt.Errorf("claim agent: %w", err)
	}
	if !ok {
		return domain.Agent{}, domain.Errorf(domain.KindConflict, "agent %s has already been claimed", a.ID).
			WithDetails(map[string]any{"agent_id": a.ID, "status": a.Status})
	}
	if a, err = e.Repo.GetAgent(ctx, tx, a.ID); err != nil {
		return domain.Agent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}

	e.notify(ctx, activity.Event{
		Type:     domain.EventAgentClaimed,
		AgentID:  a.ID,
		Title:    "Agent claimed: " + a.Name,
		Metadata: map[string]any{"human_id": c.HumanID},
	})
	return a, nil
}

// Session is a signed-in human and the bearer token for later calls.
type Session struct {
	Human     domain.Human `json:"human"`
	Token     string       `json:"token"`
	ExpiresAt string       `json:"expires_at"`
}

func (e Engine) issue(h domain.Human) (Session, error) {
	if e.Auth == nil {
		return Session{}, errors.New("session issuer not configured")
	}
	token, expires, err := e.Auth.IssueSession(h.ID)
	if err != nil {
		return Session{}, fmt.Errorf("issue session: %w", err)
	}
	return Session{Human: h, Token: token, ExpiresAt: expires.UTC().Format(time.RFC3339)}, nil
}

// RegisterHuman creates a human account and signs it in.
func (e Engine) RegisterHuman(ctx context.Context, name, email, password string) (s Session, err error) {
	ctx, done := e.observe(ctx, "register_human")
	defer done(&err)

	name = strings.TrimSpace(name)
	email = strings.ToLower(strings.TrimSpace(email))
	if name == "" {
		return Session{}, domain.Errorf(domain.KindInvalidInput, "name is required")
	}
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return Session{}, domain.Errorf(domain.KindInvalidInput, "email %q is not valid", email)
	}
	if len(password) < minPasswordLen {
		return Session{}, domain.Errorf(domain.KindInvalidInput, "password must be at least %d characters", minPasswordLen)
	}
	hash, err := auth.HashSecret(password, e.bcryptCost())
	if err != nil {
		return Session{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Session{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetHumanByEmail(ctx, tx, email); err == nil {
		return Session{}, domain.Errorf(domain.KindConflict, "email %s is already registered", email)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return Session{}, err
	}
	h := domain.Human{ID: uuid.NewString(), Name: name, Email: email, PasswordHash: hash, CreatedAt: e.now()}
	if err := e.Repo.InsertHuman(ctx, tx, h); err != nil {
		return Session{}, fmt.Errorf("insert human: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Session{}, err
	}
	return e.issue(h)
}

// Login checks a password and issues a session. Unknown emails and wrong passwords look the same.
func (e Engine) Login(ctx context.Context, email, password string) (s Session, err error) {
	ctx, done := e.observe(ctx, "login")
	defer done(&err)

	h, err := e.Repo.GetHumanByEmail(ctx, nil, email)
	if errors.Is(err, repo.ErrNotFound) {
		return Session{}, domain.Errorf(domain.KindUnauthenticated, "invalid email or password")
	}
	if err != nil {
		return Session{}, err
	}
	if !auth.CompareSecret(h.PasswordHash, password) {
		return Session{}, domain.Errorf(domain.KindUnauthenticated, "invalid email or password")
	}
	return e.issue(h)
}
