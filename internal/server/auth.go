package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"moltmarket/internal/domain"
	"moltmarket/internal/engine"
	"moltmarket/internal/engine/auth"
)

// AgentHeader lets a human session pick which owned agent to act as.
const AgentHeader = "X-Agent-Id"

type callerKey struct{}

func withCaller(ctx context.Context, c engine.Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// callerFromContext returns the resolved caller; anonymous requests get a zero Identity.
func callerFromContext(ctx context.Context) engine.Caller {
	c, _ := ctx.Value(callerKey{}).(engine.Caller)
	return c
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// credential picks the Authorization bearer value, falling back to X-Api-Key.
func credential(req *http.Request) (string, bool) {
	if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
		return bearerToken(authz)
	}
	return strings.TrimSpace(req.Header.Get("X-Api-Key")), true
}

// newAuthMiddleware resolves credentials once at the boundary. Missing credentials pass through
// as anonymous; operations that need an identity reject them. Bad credentials fail here with 401.
func newAuthMiddleware(basePath string, resolver *auth.Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			caller := engine.Caller{As: strings.TrimSpace(req.Header.Get(AgentHeader))}
			cred, ok := credential(req)
			if !ok {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthenticated", "malformed authorization header", nil))
				return
			}
			if cred != "" {
				id, err := resolver.Resolve(req.Context(), cred)
				if err != nil {
					if domain.KindOf(err) == domain.KindUnauthenticated {
						respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthenticated", "invalid credentials", nil))
						return
					}
					respondStatusError(w, handleError(err))
					return
				}
				caller.Identity = id
			}
			next.ServeHTTP(w, req.WithContext(withCaller(req.Context(), caller)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
