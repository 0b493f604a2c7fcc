package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"leadline/internal/config"
	"leadline/internal/dispatch"
	"leadline/internal/domain"
	"leadline/internal/gateway"
	"leadline/internal/metrics"
	"leadline/internal/ratelimit"
	"leadline/internal/schema"
	"leadline/internal/server"
	"leadline/internal/storage"
	"leadline/internal/upload"
	"leadline/internal/validate"
)

// App is the wired service: the HTTP handler plus whatever needs closing on
// shutdown.
type App struct {
	Handler  http.Handler
	Registry *schema.Registry
	Metrics  *metrics.Collector

	closers []func() error
}

// Close releases connections opened by Build.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LoadRegistry reads the registry named by cfg, or the embedded one, with
// the configured target overrides applied.
func LoadRegistry(cfg *config.Config) (*schema.Registry, error) {
	opts := []schema.Option{schema.WithTargets(cfg.Targets)}
	if cfg.RegistryFile != "" {
		return schema.FromFile(cfg.RegistryFile, opts...)
	}
	return schema.Default(opts...)
}

// Build wires every collaborator from cfg.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Metrics: metrics.NewCollector()}
	fail := func(err error) (*App, error) {
		_ = a.Close()
		return nil, err
	}

	reg, err := LoadRegistry(cfg)
	if err != nil {
		return fail(fmt.Errorf("load registry: %w", err))
	}
	a.Registry = reg

	limiter, err := a.limiter(ctx, cfg.Limiter)
	if err != nil {
		return fail(err)
	}

	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return fail(fmt.Errorf("storage: %w", err))
	}
	if cfg.Storage.SecretGenerated {
		logger.Warn("storage.signing_secret is not set; using a per-process secret, download links stop working after restart")
	}

	router, err := newRouter(cfg, store, logger)
	if err != nil {
		return fail(err)
	}

	deps := gateway.Deps{
		Limiter:   limiter,
		Registry:  reg,
		Validator: validate.New(reg),
		Router:    router,
		Metrics:   a.Metrics,
		Logger:    logger,
	}
	gw := func(endpoint, fixed string) *gateway.Gateway {
		return gateway.New(gateway.Options{
			Endpoint:      endpoint,
			FixedType:     fixed,
			Budget:        budget(cfg.RateLimits, endpoint),
			HoneypotField: cfg.HoneypotField,
		}, deps)
	}
	processor := upload.NewProcessor(store, upload.Limits{
		MaxFiles:     cfg.Upload.MaxFiles,
		MaxFileBytes: cfg.Upload.MaxFileBytes,
		AllowedTypes: cfg.Upload.AllowedTypes,
	}, cfg.Upload.TempDir, logger)

	srvCfg := server.Config{
		BasePath:       cfg.Server.BasePath,
		CORSOrigins:    cfg.Server.CORSOrigins,
		TrustProxy:     cfg.Server.TrustProxy,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		HoneypotField:  cfg.HoneypotField,
		Registry:       reg,
		Contact:        gw(domain.EndpointContact, "contact"),
		Schedule:       gw(domain.EndpointSchedule, "schedule-pickup"),
		Quote:          gw(domain.EndpointQuote, ""),
		Upload: gateway.NewUpload(gateway.Options{
			Endpoint:      domain.EndpointUpload,
			Budget:        budget(cfg.RateLimits, domain.EndpointUpload),
			HoneypotField: cfg.HoneypotField,
		}, deps, processor),
		Metrics: a.Metrics,
		Logger:  logger,
	}
	if local, ok := store.(*storage.Local); ok {
		srvCfg.Files = local
	}
	handler, err := server.New(srvCfg)
	if err != nil {
		return fail(err)
	}
	a.Handler = handler
	return a, nil
}

func (a *App) limiter(ctx context.Context, cfg config.LimiterConfig) (ratelimit.Limiter, error) {
	if cfg.Backend != "redis" {
		return ratelimit.NewMemory(cfg.Cleanup), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	a.closers = append(a.closers, client.Close)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis limiter: %w", err)
	}
	return ratelimit.NewRedis(client, cfg.Redis.Prefix), nil
}

// newRouter registers a notifier for every target the config can deliver
// to. The log target is always available.
func newRouter(cfg *config.Config, store storage.ObjectStore, logger *zap.Logger) (*dispatch.Router, error) {
	logNotifier := dispatch.NewLogNotifier(logger)
	router := dispatch.NewRouter(logger).Handle(domain.TargetLog, logNotifier)

	if cfg.Email.Provider == "log" {
		router.Handle(domain.TargetEmail, logNotifier)
	} else {
		renderer, err := dispatch.NewRenderer(cfg.Email.TemplateDir)
		if err != nil {
			return nil, fmt.Errorf("email templates: %w", err)
		}
		var mailer dispatch.Mailer
		switch cfg.Email.Provider {
		case "sendgrid":
			mailer = dispatch.NewSendGridMailer(cfg.Email.SendGrid.APIKey, cfg.Email.SendGrid.Host)
		case "smtp":
			s := cfg.Email.SMTP
			mailer = dispatch.NewSMTPMailer(s.Host, s.Port, s.Username, s.Password)
		default:
			return nil, fmt.Errorf("unsupported email provider: %s", cfg.Email.Provider)
		}
		email, err := dispatch.NewEmailNotifier(renderer, mailer, cfg.Email.FromName, cfg.Email.From, cfg.Email.To)
		if err != nil {
			return nil, err
		}
		router.Handle(domain.TargetEmail, email)
	}

	if cfg.Webhook.URL != "" {
		hook, err := dispatch.NewWebhookNotifier(cfg.Webhook.URL, cfg.Webhook.Secret, cfg.Webhook.Timeout)
		if err != nil {
			return nil, err
		}
		router.Handle(domain.TargetWebhook, hook)
	}

	archive, err := dispatch.NewArchiveNotifier(store)
	if err != nil {
		return nil, err
	}
	router.Handle(domain.TargetStorage, archive)
	return router, nil
}

func budget(limits config.RateLimits, endpoint string) ratelimit.Budget {
	rl, _ := limits.For(endpoint)
	return ratelimit.Budget{Points: rl.Points, Window: rl.Window}
}
