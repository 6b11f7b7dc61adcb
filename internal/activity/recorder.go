package activity

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"moltmarket/internal/domain"
	"moltmarket/internal/logger"
	"moltmarket/internal/repo"
)

const (
	defaultQueueSize   = 256
	defaultSinkTimeout = 5 * time.Second
)

// Event is one human-readable feed entry produced after a committed transition.
type Event struct {
	Type        string
	AgentID     string
	TaskID      string
	Title       string
	Description string
	Metadata    map[string]any
}

// Notifier is the side channel the engine reports to. Implementations must not fail the caller.
type Notifier interface {
	Record(ctx context.Context, evt Event)
}

// Sink receives every recorded activity on a background goroutine.
type Sink interface {
	Name() string
	Publish(ctx context.Context, a domain.Activity) error
	Close() error
}

// Recorder stores activities in the feed table and fans them out to sinks.
type Recorder struct {
	Repo        repo.Repo
	Now         func() time.Time
	Logger      *slog.Logger
	SinkTimeout time.Duration

	sinks   []Sink
	queue   chan domain.Activity
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// NewRecorder starts the sink dispatcher when sinks are given.
func NewRecorder(r repo.Repo, sinks ...Sink) *Recorder {
	rec := &Recorder{Repo: r, Now: time.Now, sinks: sinks}
	if len(sinks) > 0 {
		rec.queue = make(chan domain.Activity, defaultQueueSize)
		rec.wg.Add(1)
		go rec.dispatch()
	}
	return rec
}

func (r *Recorder) log() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return logger.Named("activity")
}

func (r *Recorder) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

// Record persists the activity and queues it for sinks. Errors are logged and dropped.
func (r *Recorder) Record(ctx context.Context, evt Event) {
	a := domain.Activity{
		ID:          uuid.NewString(),
		EventType:   evt.Type,
		AgentID:     evt.AgentID,
		TaskID:      evt.TaskID,
		Title:       evt.Title,
		Description: evt.Description,
		Metadata:    evt.Metadata,
		CreatedAt:   r.now().UTC().Format(time.RFC3339),
	}
	if r.Repo.DB != nil {
		if err := r.Repo.InsertActivity(context.WithoutCancel(ctx), a); err != nil {
			r.log().Warn("activity: store failed", slog.String("event_type", a.EventType), slog.String("task_id", a.TaskID), slog.Any("error", err))
		}
	}
	r.enqueue(a)
}

func (r *Recorder) enqueue(a domain.Activity) {
	if r.queue == nil {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- a:
	default:
		r.dropped.Add(1)
		r.log().Warn("activity: sink queue full, dropping event", slog.String("event_type", a.EventType), slog.String("activity_id", a.ID))
	}
}

func (r *Recorder) dispatch() {
	defer r.wg.Done()
	for a := range r.queue {
		for _, sink := range r.sinks {
			r.publish(sink, a)
		}
	}
}

func (r *Recorder) publish(sink Sink, a domain.Activity) {
	timeout := r.SinkTimeout
	if timeout <= 0 {
		timeout = defaultSinkTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			r.log().Error("activity: sink panicked", slog.String("sink", sink.Name()), slog.Any("panic", p))
		}
	}()
	if err := sink.Publish(ctx, a); err != nil {
		r.log().Warn("activity: sink publish failed", slog.String("sink", sink.Name()), slog.String("event_type", a.EventType), slog.Any("error", err))
	}
}

// Dropped reports how many activities never reached the sinks.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Close drains queued activities into the sinks and closes them.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	if r.queue != nil {
		close(r.queue)
	}
	r.mu.Unlock()
	r.wg.Wait()
	var firstErr error
	for _, sink := range r.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}
