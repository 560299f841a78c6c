// Package executor runs job business logic. A Registry maps the payload's
// "action" to a Handler and falls back to a default handler when the action
// is missing or unknown.
package executor

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/djlord-it/easy-jobs/internal/domain"
)

// ErrUnknownAction is returned when no handler matches and no fallback is set.
var ErrUnknownAction = errors.New("unknown action")

type Request struct {
	JobID       uuid.UUID
	Name        string
	Description string
	Type        domain.JobType
	Payload     json.RawMessage
}

func (r Request) Action() string {
	return domain.ActionOf(r.Payload)
}

type Handler interface {
	Handle(ctx context.Context, req Request) (json.RawMessage, error)
}

type HandlerFunc func(ctx context.Context, req Request) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, req Request) (json.RawMessage, error) {
	return f(ctx, req)
}

type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler
	logger   *zap.SugaredLogger
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		logger:   zap.NewNop().Sugar(),
	}
}

func (r *Registry) WithLogger(l *zap.SugaredLogger) *Registry {
	r.logger = l
	return r
}

// Register binds action to h, replacing any previous binding.
func (r *Registry) Register(action string, h Handler) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[action] = h
	return r
}

// WithFallback sets the handler used for missing or unknown actions.
func (r *Registry) WithFallback(h Handler) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = h
	return r
}

func (r *Registry) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	actions := make([]string, 0, len(r.handlers))
	for a := range r.handlers {
		actions = append(actions, a)
	}
	sort.Strings(actions)
	return actions
}

func (r *Registry) Execute(ctx context.Context, req Request) (json.RawMessage, error) {
	action := req.Action()

	r.mu.RLock()
	h, ok := r.handlers[action]
	fallback := r.fallback
	r.mu.RUnlock()

	if !ok {
		if fallback == nil {
			return nil, errors.Wrapf(ErrUnknownAction, "action %q", action)
		}
		if action != "" {
			r.logger.Debugw("no handler for action, using fallback", "action", action, "job_id", req.JobID)
		}
		h = fallback
	}
	return h.Handle(ctx, req)
}

// NewDefaultRegistry wires the built-in handlers. webhook may be nil, in
// which case the webhook action is not available.
func NewDefaultRegistry(webhook Handler) *Registry {
	r := NewRegistry().
		Register(ActionProcessData, HandlerFunc(ProcessData)).
		Register(ActionSendNotification, HandlerFunc(SendNotification)).
		Register(ActionGenerateReport, HandlerFunc(GenerateReport)).
		WithFallback(HandlerFunc(Echo))
	if webhook != nil {
		r.Register(ActionWebhook, webhook)
	}
	return r
}
