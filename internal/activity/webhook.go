package activity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"moltmarket/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookSink POSTs matching activities to a URL.
type WebhookSink struct {
	URL    string
	filter eventFilter
	client *http.Client
}

func NewWebhookSink(url string, events []string) *WebhookSink {
	return &WebhookSink{
		URL:    url,
		filter: newEventFilter(events),
		client: &http.Client{Timeout: defaultWebhookTimeout},
	}
}

func (s *WebhookSink) Name() string { return "webhook" }

type webhookEvent struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	AgentID     string          `json:"agent_id,omitempty"`
	TaskID      string          `json:"task_id,omitempty"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	TS          string          `json:"ts"`
	Payload     json.RawMessage `json:"payload"`
}

func (s *WebhookSink) Publish(ctx context.Context, a domain.Activity) error {
	if !s.filter.match(a.EventType) {
		return nil
	}
	payload := json.RawMessage("{}")
	if len(a.Metadata) > 0 {
		data, err := json.Marshal(a.Metadata)
		if err != nil {
			return err
		}
		payload = data
	}
	data, err := json.Marshal(webhookEvent{
		ID:          a.ID,
		Type:        a.EventType,
		AgentID:     a.AgentID,
		TaskID:      a.TaskID,
		Title:       a.Title,
		Description: a.Description,
		TS:          a.CreatedAt,
		Payload:     payload,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Molt-Event", a.EventType)
	req.Header.Set("X-Molt-Delivery", a.ID)
	res, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func (s *WebhookSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
