package gateway

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"leadline/internal/domain"
	"leadline/internal/metrics"
	"leadline/internal/upload"
)

// UploadSubmission is one multipart upload request.
type UploadSubmission struct {
	ClientAddr string
	Honeypot   string
	Files      []upload.Source
}

// UploadGateway fronts the upload endpoint: rate limit, honeypot, file count
// check against the upload request type, then the processor.
type UploadGateway struct {
	opts      Options
	deps      Deps
	processor *upload.Processor
	now       func() time.Time
}

func NewUpload(opts Options, deps Deps, processor *upload.Processor) *UploadGateway {
	if opts.Endpoint == "" {
		opts.Endpoint = domain.EndpointUpload
	}
	g := New(opts, deps)
	return &UploadGateway{opts: g.opts, deps: g.deps, processor: processor, now: time.Now}
}

func (g *UploadGateway) Submit(ctx context.Context, s UploadSubmission) (domain.UploadResult, error) {
	start := g.now()
	outcome := metrics.OutcomeAccepted
	defer func() {
		if g.deps.Metrics != nil {
			g.deps.Metrics.RecordSubmission(g.opts.Endpoint, outcome, g.now().Sub(start))
		}
	}()

	if err := consume(ctx, g.deps.Limiter, g.deps.Logger, g.opts.Endpoint, s.ClientAddr, g.opts.Budget); err != nil {
		outcome = metrics.OutcomeRateLimited
		return domain.UploadResult{}, err
	}
	log := g.deps.Logger.With(zap.String("endpoint", g.opts.Endpoint), zap.String("client_addr", s.ClientAddr))

	empty := domain.UploadResult{Succeeded: []domain.UploadedFile{}, Failed: []domain.FailedFile{}}
	if strings.TrimSpace(s.Honeypot) != "" {
		outcome = metrics.OutcomeSuppressed
		log.Info("spam upload suppressed", zap.Int("files", len(s.Files)))
		return empty, nil
	}
	if len(s.Files) == 0 {
		outcome = metrics.OutcomeInvalid
		return domain.UploadResult{}, domain.ErrNoFiles
	}

	key := g.opts.FixedType
	if key == "" {
		key = domain.EndpointUpload
	}
	if cfg, ok := g.deps.Registry.Lookup(key); ok {
		res := g.deps.Validator.ValidateFields(cfg.Fields, map[string]any{"files": len(s.Files)})
		if !res.Valid {
			outcome = metrics.OutcomeInvalid
			log.Debug("upload rejected", zap.Any("fields", res.Errors))
			return domain.UploadResult{}, domain.ValidationError{Fields: res.Errors}
		}
	}

	result, err := g.processor.Process(ctx, s.Files)
	if g.deps.Metrics != nil {
		g.deps.Metrics.RecordFiles(len(result.Succeeded), len(result.Failed))
	}
	if err != nil {
		outcome = metrics.OutcomeFailed
		log.Warn("upload failed", zap.Int("files", len(s.Files)), zap.Error(err))
		return result, err
	}
	log.Info("upload accepted", zap.Int("stored", len(result.Succeeded)), zap.Int("failed", len(result.Failed)))
	return result, nil
}
