package gateway

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"leadline/internal/dispatch"
	"leadline/internal/domain"
	"leadline/internal/metrics"
	"leadline/internal/ratelimit"
	"leadline/internal/sanitize"
	"leadline/internal/schema"
	"leadline/internal/validate"
)

// DefaultHoneypotField is the hidden form input real visitors leave empty.
const DefaultHoneypotField = "company_website"

// Keys read from a quote payload to pick the request type.
var requestTypeKeys = []string{"request_type", "service"}

// Submission is one inbound form post.
type Submission struct {
	ClientAddr string
	// RequestType is consulted only on endpoints serving several types. When
	// empty the request_type or service value of Values is used.
	RequestType string
	Values      map[string]any
}

// Outcome is what the caller may learn about an accepted submission.
// Suppressed outcomes are indistinguishable from accepted ones to clients.
type Outcome struct {
	ID          string
	RequestType string
	Suppressed  bool
}

// Deps are the collaborators shared by every gateway.
type Deps struct {
	Limiter   ratelimit.Limiter
	Registry  *schema.Registry
	Validator *validate.Validator
	Router    *dispatch.Router
	Metrics   *metrics.Collector
	Logger    *zap.Logger
}

// Options configure one endpoint.
type Options struct {
	Endpoint string
	// FixedType pins the request type; empty means resolve from the payload.
	FixedType     string
	Budget        ratelimit.Budget
	HoneypotField string
}

// Gateway is the single entry point for one submission endpoint. It runs
// rate limit, honeypot, sanitize, validate and dispatch in that order and
// stops at the first failing stage.
type Gateway struct {
	opts  Options
	deps  Deps
	newID func() string
	now   func() time.Time
}

func New(opts Options, deps Deps) *Gateway {
	if opts.HoneypotField == "" {
		opts.HoneypotField = DefaultHoneypotField
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Validator == nil && deps.Registry != nil {
		deps.Validator = validate.New(deps.Registry)
	}
	return &Gateway{opts: opts, deps: deps, newID: uuid.NewString, now: time.Now}
}

func (g *Gateway) Endpoint() string { return g.opts.Endpoint }

func (g *Gateway) Submit(ctx context.Context, s Submission) (Outcome, error) {
	start := g.now()
	outcome := metrics.OutcomeAccepted
	defer func() {
		if g.deps.Metrics != nil {
			g.deps.Metrics.RecordSubmission(g.opts.Endpoint, outcome, g.now().Sub(start))
		}
	}()

	if err := consume(ctx, g.deps.Limiter, g.deps.Logger, g.opts.Endpoint, s.ClientAddr, g.opts.Budget); err != nil {
		outcome = metrics.OutcomeRateLimited
		return Outcome{}, err
	}

	cfg := g.resolve(s)
	log := g.deps.Logger.With(
		zap.String("endpoint", g.opts.Endpoint),
		zap.String("request_type", cfg.Key),
		zap.String("client_addr", s.ClientAddr),
	)

	if tripped(s.Values, g.opts.HoneypotField) {
		outcome = metrics.OutcomeSuppressed
		id := g.newID()
		log.Info("spam submission suppressed", zap.String("id", id))
		return Outcome{ID: id, RequestType: cfg.Key, Suppressed: true}, nil
	}

	values := sanitize.Values(s.Values)
	res := g.deps.Validator.ValidateFields(cfg.Fields, values)
	if !res.Valid {
		outcome = metrics.OutcomeInvalid
		log.Debug("submission rejected", zap.Any("fields", res.Errors))
		return Outcome{}, domain.ValidationError{Fields: res.Errors}
	}

	id := g.newID()
	fields := make([]domain.SubmittedField, 0, len(cfg.Fields))
	for _, f := range cfg.Fields {
		v, ok := values[f.ID]
		if !ok {
			continue
		}
		fields = append(fields, domain.SubmittedField{ID: f.ID, Label: f.Label, Value: v})
	}
	req := domain.NewSubmissionRequest(id, cfg, fields, s.ClientAddr, g.now().UTC())
	if err := g.deps.Router.Dispatch(ctx, cfg.SubmissionTarget, req); err != nil {
		outcome = metrics.OutcomeFailed
		log.Error("dispatch failed", zap.String("id", id), zap.String("target", cfg.SubmissionTarget), zap.Error(err))
		return Outcome{}, err
	}
	log.Info("submission accepted", zap.String("id", id), zap.String("target", cfg.SubmissionTarget))
	return Outcome{ID: id, RequestType: cfg.Key}, nil
}

// resolve picks the request type. Keys that are unknown, or that belong to
// another endpoint, resolve to the registry fallback.
func (g *Gateway) resolve(s Submission) domain.RequestTypeConfig {
	key := g.opts.FixedType
	if key == "" {
		key = s.RequestType
	}
	if key == "" {
		for _, k := range requestTypeKeys {
			if v, ok := s.Values[k].(string); ok && strings.TrimSpace(v) != "" {
				key = strings.TrimSpace(v)
				break
			}
		}
	}
	cfg := g.deps.Registry.Config(key)
	if g.opts.FixedType == "" && cfg.Endpoint != g.opts.Endpoint {
		cfg = g.deps.Registry.Config("")
	}
	return cfg
}

func tripped(values map[string]any, field string) bool {
	v, ok := values[field]
	if !ok || v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) != ""
	}
	return true
}

// consume charges one point to endpoint:addr. Limiter store faults are
// logged and let the request through.
func consume(ctx context.Context, l ratelimit.Limiter, logger *zap.Logger, endpoint, addr string, budget ratelimit.Budget) error {
	if l == nil || budget.Points <= 0 {
		return nil
	}
	key := endpoint + ":" + addr
	_, err := l.Consume(ctx, key, budget)
	var rle domain.RateLimitError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &rle):
		logger.Info("rate limited", zap.String("key", key), zap.Duration("retry_after", rle.RetryAfter))
		return err
	default:
		logger.Warn("rate limiter unavailable", zap.String("key", key), zap.Error(err))
		return nil
	}
}
