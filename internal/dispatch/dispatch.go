package dispatch

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"leadline/internal/domain"
)

// ErrUnknownTarget is wrapped when a request type names a target nothing is
// registered for.
var ErrUnknownTarget = errors.New("no notifier registered")

// Notifier delivers one accepted submission.
type Notifier interface {
	Notify(ctx context.Context, req domain.SubmissionRequest) error
}

type NotifierFunc func(ctx context.Context, req domain.SubmissionRequest) error

func (f NotifierFunc) Notify(ctx context.Context, req domain.SubmissionRequest) error {
	return f(ctx, req)
}

// Router maps submission targets (email, webhook, log) to notifiers.
type Router struct {
	targets map[string]Notifier
	logger  *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{targets: map[string]Notifier{}, logger: logger}
}

// Handle registers n for target, replacing any earlier registration.
func (r *Router) Handle(target string, n Notifier) *Router {
	r.targets[target] = n
	return r
}

func (r *Router) Targets() []string {
	out := make([]string, 0, len(r.targets))
	for t := range r.targets {
		out = append(out, t)
	}
	return out
}

// Dispatch sends req to the notifier for target. Any failure comes back as
// domain.DispatchError.
func (r *Router) Dispatch(ctx context.Context, target string, req domain.SubmissionRequest) error {
	n, ok := r.targets[target]
	if !ok {
		return domain.DispatchError{Target: target, Err: fmt.Errorf("%w for %q", ErrUnknownTarget, target)}
	}
	if err := n.Notify(ctx, req); err != nil {
		return domain.DispatchError{Target: target, Err: err}
	}
	r.logger.Debug("submission dispatched",
		zap.String("id", req.ID()),
		zap.String("request_type", req.RequestType()),
		zap.String("target", target))
	return nil
}
