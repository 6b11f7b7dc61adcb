package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"moltmarket/internal/domain"
	"moltmarket/internal/logger"
	"moltmarket/internal/repo"
)

// Kind tags which credential produced an Identity.
type Kind string

const (
	KindAgent Kind = "agent"
	KindHuman Kind = "human"
)

// Identity is a resolved caller. Agents carry their own id; humans carry the agents they own.
type Identity struct {
	Kind     Kind
	AgentID  string
	HumanID  string
	AgentIDs []string
}

func (id Identity) IsAgent() bool { return id.Kind == KindAgent }
func (id Identity) IsHuman() bool { return id.Kind == KindHuman }

// Agents lists every agent the caller may act as.
func (id Identity) Agents() []string {
	if id.IsAgent() {
		return []string{id.AgentID}
	}
	return append([]string{}, id.AgentIDs...)
}

// ActingAgent picks the agent an operation runs as. hint names one of a human's agents;
// it may be empty when the human owns exactly one.
func (id Identity) ActingAgent(hint string) (string, error) {
	switch id.Kind {
	case KindAgent:
		if hint != "" && hint != id.AgentID {
			return "", domain.Errorf(domain.KindForbidden, "agent credential cannot act as %s", hint)
		}
		return id.AgentID, nil
	case KindHuman:
		if hint != "" {
			if !slices.Contains(id.AgentIDs, hint) {
				return "", domain.Errorf(domain.KindForbidden, "agent %s is not owned by caller", hint)
			}
			return hint, nil
		}
		switch len(id.AgentIDs) {
		case 0:
			return "", domain.Errorf(domain.KindForbidden, "caller owns no agents")
		case 1:
			return id.AgentIDs[0], nil
		default:
			return "", domain.Errorf(domain.KindInvalidInput, "caller owns %d agents; select one with X-Agent-Id", len(id.AgentIDs))
		}
	default:
		return "", domain.Errorf(domain.KindUnauthenticated, "authentication required")
	}
}

const (
	KeyPrefix    = "ct_"
	lookupLen    = 8
	prefixLen    = len(KeyPrefix) + lookupLen
	secretBytes  = 32
	sessionIssue = "moltmarket"
)

// APIKey is a freshly minted agent credential. Raw is shown to the caller once.
type APIKey struct {
	Raw    string
	Prefix string
	Hash   string
}

// NewAPIKey mints ct_<lookup>_<secret> and its bcrypt hash.
func NewAPIKey(cost int) (APIKey, error) {
	lookup := make([]byte, lookupLen/2)
	if _, err := rand.Read(lookup); err != nil {
		return APIKey{}, err
	}
	secret := make([]byte, secretBytes)
	if _, err := rand.Read(secret); err != nil {
		return APIKey{}, err
	}
	raw := KeyPrefix + hex.EncodeToString(lookup) + "_" + base64.RawURLEncoding.EncodeToString(secret)
	hash, err := HashSecret(raw, cost)
	if err != nil {
		return APIKey{}, err
	}
	return APIKey{Raw: raw, Prefix: raw[:prefixLen], Hash: hash}, nil
}

// SplitAPIKey returns the stored lookup prefix of a well-formed key.
func SplitAPIKey(raw string) (string, bool) {
	if !strings.HasPrefix(raw, KeyPrefix) || len(raw) <= prefixLen+1 || raw[prefixLen] != '_' {
		return "", false
	}
	return raw[:prefixLen], true
}

// HashSecret salts and hashes a secret with bcrypt.
func HashSecret(raw string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), cost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(hash), nil
}

// CompareSecret reports whether raw matches a bcrypt hash.
func CompareSecret(hash, raw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(raw)) == nil
}

type Options struct {
	SessionSecret string
	SessionTTL    time.Duration
	CacheTTL      time.Duration
	CacheSize     int64
	Logger        *slog.Logger
	Now           func() time.Time
}

// Resolver authenticates credentials. It does not authorize: suspended agents still resolve.
type Resolver struct {
	Repo repo.Repo

	secret     []byte
	sessionTTL time.Duration
	cacheTTL   time.Duration
	cache      *ristretto.Cache[string, string]
	logger     *slog.Logger
	now        func() time.Time
}

func NewResolver(r repo.Repo, opts Options) (*Resolver, error) {
	res := &Resolver{
		Repo:       r,
		secret:     []byte(opts.SessionSecret),
		sessionTTL: opts.SessionTTL,
		cacheTTL:   opts.CacheTTL,
		logger:     opts.Logger,
		now:        opts.Now,
	}
	if res.sessionTTL <= 0 {
		res.sessionTTL = 30 * 24 * time.Hour
	}
	if res.logger == nil {
		res.logger = logger.Named("auth")
	}
	if res.now == nil {
		res.now = time.Now
	}
	if opts.CacheTTL > 0 {
		size := opts.CacheSize
		if size <= 0 {
			size = 10_000
		}
		cache, err := ristretto.NewCache(&ristretto.Config[string, string]{
			NumCounters: size * 10,
			MaxCost:     size,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("create key cache: %w", err)
		}
		res.cache = cache
	}
	return res, nil
}

// Close releases the key cache.
func (r *Resolver) Close() {
	if r.cache != nil {
		r.cache.Close()
	}
}

func unauthenticated(msg string) error {
	return domain.Errorf(domain.KindUnauthenticated, "%s", msg)
}

// Resolve maps a raw credential to an Identity: an agent API key first, then a human session token.
func (r *Resolver) Resolve(ctx context.Context, credential string) (Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Identity{}, unauthenticated("credential required")
	}
	if strings.HasPrefix(credential, KeyPrefix) {
		return r.resolveAgentKey(ctx, credential)
	}
	return r.resolveSession(ctx, credential)
}

func keyDigest(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (r *Resolver) resolveAgentKey(ctx context.Context, raw string) (Identity, error) {
	prefix, ok := SplitAPIKey(raw)
	if !ok {
		return Identity{}, unauthenticated("malformed api key")
	}
	digest := keyDigest(raw)
	if r.cache != nil {
		if agentID, hit := r.cache.Get(digest); hit {
			r.touch(ctx, agentID)
			return Identity{Kind: KindAgent, AgentID: agentID}, nil
		}
	}
	agent, err := r.Repo.GetAgentByKeyPrefix(ctx, prefix)
	if errors.Is(err, repo.ErrNotFound) {
		return Identity{}, unauthenticated("invalid api key")
	}
	if err != nil {
		return Identity{}, fmt.Errorf("lookup api key: %w", err)
	}
	if !CompareSecret(agent.APIKeyHash, raw) {
		return Identity{}, unauthenticated("invalid api key")
	}
	if r.cache != nil {
		r.cache.SetWithTTL(digest, agent.ID, 1, r.cacheTTL)
	}
	r.touch(ctx, agent.ID)
	return Identity{Kind: KindAgent, AgentID: agent.ID}, nil
}

// touch updates last-seen. Failures are logged only.
func (r *Resolver) touch(ctx context.Context, agentID string) {
	at := r.now().UTC().Format(time.RFC3339)
	if err := r.Repo.TouchAgent(context.WithoutCancel(ctx), agentID, at); err != nil {
		r.logger.Warn("auth: last-seen update failed", slog.String("agent_id", agentID), slog.Any("error", err))
	}
}

type sessionClaims struct {
	jwt.RegisteredClaims
}

func (r *Resolver) resolveSession(ctx context.Context, token string) (Identity, error) {
	if len(r.secret) == 0 {
		return Identity{}, unauthenticated("session authentication is not configured")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(sessionIssue),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(r.now),
	)
	claims := &sessionClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return r.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, unauthenticated("invalid session")
	}
	if claims.Subject == "" {
		return Identity{}, unauthenticated("invalid session")
	}
	if _, err := r.Repo.GetHuman(ctx, claims.Subject); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Identity{}, unauthenticated("invalid session")
		}
		return Identity{}, fmt.Errorf("lookup human: %w", err)
	}
	ids, err := r.Repo.AgentIDsByOwner(ctx, claims.Subject)
	if err != nil {
		return Identity{}, fmt.Errorf("list owned agents: %w", err)
	}
	return Identity{Kind: KindHuman, HumanID: claims.Subject, AgentIDs: ids}, nil
}

// IssueSession signs a session token for a human.
func (r *Resolver) IssueSession(humanID string) (string, time.Time, error) {
	if len(r.secret) == 0 {
		return "", time.Time{}, errors.New("session secret not configured")
	}
	now := r.now().UTC()
	expires := now.Add(r.sessionTTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    sessionIssue,
		Subject:   humanID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}})
	signed, err := token.SignedString(r.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}
