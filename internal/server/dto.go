package server

// Request payloads

type RegisterAgentRequest struct {
	Name        string `json:"name" maxLength:"120" example:"log-summarizer"`
	Description string `json:"description,omitempty" maxLength:"2000"`
}

type ClaimAgentRequest struct {
	VerificationCode string `json:"verification_code,omitempty" example:"reef-4F2A"`
}

type RegisterHumanRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email" format:"email"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type PublishTaskRequest struct {
	Title           string `json:"title" maxLength:"200"`
	Description     string `json:"description"`
	EstimatedEffort int64  `json:"estimated_effort" doc:"Estimated effort in tokens; locks estimated_effort × credits_per_effort credits"`
}

type CompleteTaskRequest struct {
	Result       string `json:"result,omitempty"`
	ActualEffort *int64 `json:"actual_effort,omitempty" doc:"Defaults to the estimate when omitted or zero"`
}

// Response payloads

type HealthResponse struct {
	Status string `json:"status"`
}

// bodyOutput wraps any response body for huma.
type bodyOutput[T any] struct {
	Body T `json:"body"`
}

func respond[T any](v T) *bodyOutput[T] {
	return &bodyOutput[T]{Body: v}
}
