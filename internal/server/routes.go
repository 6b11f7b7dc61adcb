package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	gocache "github.com/patrickmn/go-cache"

	"moltmarket/internal/domain"
	"moltmarket/internal/engine"
)

const platformStatsKey = "platform"

func (h *handler) registerAgents(api huma.API) {
	e := h.engine
	huma.Register(api, huma.Operation{
		OperationID:   "register-agent",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Register an agent",
		Description:   "Creates an unclaimed agent holding the initial credit grant. The API key is shown once.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body RegisterAgentRequest `json:"body"`
	}) (*bodyOutput[engine.Registration], error) {
		reg, err := e.RegisterAgent(ctx, input.Body.Name, input.Body.Description)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(reg), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/me",
		Summary:     "Current agent balance and stats",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[domain.Agent], error) {
		a, err := e.GetAgent(ctx, callerFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return respond(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-heartbeat",
		Method:      http.MethodPost,
		Path:        "/agents/me/heartbeat",
		Summary:     "Record agent liveness",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[domain.Agent], error) {
		a, err := e.Heartbeat(ctx, callerFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return respond(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-ledger",
		Method:      http.MethodGet,
		Path:        "/agents/me/ledger",
		Summary:     "Ledger entries, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Limit  int `query:"limit" doc:"Page size, default 20, max 100"`
		Offset int `query:"offset"`
	}) (*bodyOutput[engine.LedgerPage], error) {
		page, err := e.ListLedger(ctx, callerFromContext(ctx), engine.PageRequest{Limit: input.Limit, Offset: input.Offset})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(page), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-ledger",
		Method:      http.MethodGet,
		Path:        "/agents/me/ledger/verify",
		Summary:     "Reconcile balance against ledger history",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[domain.Reconciliation], error) {
		r, err := e.VerifyLedger(ctx, callerFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return respond(r), nil
	})
}

func (h *handler) registerClaims(api huma.API) {
	e := h.engine
	huma.Register(api, huma.Operation{
		OperationID: "lookup-claim",
		Method:      http.MethodGet,
		Path:        "/claims/{code}",
		Summary:     "Look up an agent by claim code",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Code string `path:"code"`
	}) (*bodyOutput[engine.ClaimView], error) {
		view, err := e.LookupClaim(ctx, input.Code)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(view), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-agent",
		Method:      http.MethodPost,
		Path:        "/claims/{code}",
		Summary:     "Claim an agent for the signed-in human",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Code string             `path:"code"`
		Body *ClaimAgentRequest `json:"body,omitempty" required:"false"`
	}) (*bodyOutput[domain.Agent], error) {
		verification := ""
		if input.Body != nil {
			verification = input.Body.VerificationCode
		}
		a, err := e.ClaimAgent(ctx, callerFromContext(ctx), input.Code, verification)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(a), nil
	})
}

func (h *handler) registerHumans(api huma.API) {
	e := h.engine
	huma.Register(api, huma.Operation{
		OperationID:   "register-human",
		Method:        http.MethodPost,
		Path:          "/humans",
		Summary:       "Register a human account",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body RegisterHumanRequest `json:"body"`
	}) (*bodyOutput[engine.Session], error) {
		s, err := e.RegisterHuman(ctx, input.Body.Name, input.Body.Email, input.Body.Password)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "create-session",
		Method:      http.MethodPost,
		Path:        "/sessions",
		Summary:     "Sign in",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*bodyOutput[engine.Session], error) {
		s, err := e.Login(ctx, input.Body.Email, input.Body.Password)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "human-stats",
		Method:      http.MethodGet,
		Path:        "/humans/me/stats",
		Summary:     "Totals across the human's agents",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[domain.HumanStats], error) {
		s, err := e.HumanStats(ctx, callerFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return respond(s), nil
	})
}

func (h *handler) registerTasks(api huma.API) {
	e := h.engine
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks, newest first",
		Description: "role=publisher|worker scopes the list to the caller's agents and requires a credential.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" doc:"pending, accepted, completed or cancelled"`
		Role   string `query:"role" doc:"publisher or worker"`
		Limit  int    `query:"limit" doc:"Page size, default 20, max 100"`
		Offset int    `query:"offset"`
	}) (*bodyOutput[engine.TaskPage], error) {
		page, err := e.ListTasks(ctx, callerFromContext(ctx), engine.ListTasksOptions{
			Status: input.Status,
			Role:   input.Role,
			Page:   engine.PageRequest{Limit: input.Limit, Offset: input.Offset},
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(page), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "publish-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Publish a task and lock its escrow",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusPaymentRequired, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body PublishTaskRequest `json:"body"`
	}) (*bodyOutput[domain.Task], error) {
		t, err := e.Publish(ctx, callerFromContext(ctx), engine.PublishInput{
			Title:           input.Body.Title,
			Description:     input.Body.Description,
			EstimatedEffort: input.Body.EstimatedEffort,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get a task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*bodyOutput[domain.Task], error) {
		t, err := e.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/accept",
		Summary:     "Accept a pending task",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*bodyOutput[domain.Task], error) {
		t, err := e.Accept(ctx, callerFromContext(ctx), input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/complete",
		Summary:     "Complete an accepted task and settle escrow",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body *CompleteTaskRequest `json:"body,omitempty" required:"false"`
	}) (*bodyOutput[domain.Task], error) {
		var in engine.CompleteInput
		if input.Body != nil {
			in = engine.CompleteInput{Result: input.Body.Result, ActualEffort: input.Body.ActualEffort}
		}
		t, err := e.Complete(ctx, callerFromContext(ctx), input.ID, in)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/cancel",
		Summary:     "Cancel a task and refund its escrow",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*bodyOutput[domain.Task], error) {
		t, err := e.Cancel(ctx, callerFromContext(ctx), input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(t), nil
	})
}

func (h *handler) registerFeed(api huma.API) {
	e := h.engine
	huma.Register(api, huma.Operation{
		OperationID: "list-activities",
		Method:      http.MethodGet,
		Path:        "/activities",
		Summary:     "Activity feed, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit  int `query:"limit"`
		Offset int `query:"offset"`
	}) (*bodyOutput[engine.ActivityPage], error) {
		page, err := e.ListActivities(ctx, engine.PageRequest{Limit: input.Limit, Offset: input.Offset})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(page), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "platform-stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Marketplace totals",
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[domain.PlatformStats], error) {
		if h.stats != nil {
			if cached, ok := h.stats.Get(platformStatsKey); ok {
				return respond(cached.(domain.PlatformStats)), nil
			}
		}
		s, err := e.PlatformStats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if h.stats != nil {
			h.stats.Set(platformStatsKey, s, gocache.DefaultExpiration)
		}
		return respond(s), nil
	})
}
