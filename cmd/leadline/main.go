package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"leadline/internal/app"
	"leadline/internal/config"
	"leadline/internal/domain"
	"leadline/internal/logging"
	"leadline/internal/schema"
	"leadline/internal/validate"
	leadlinesdk "leadline/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "leadline",
	Short: "Leadline lead-capture service",
	Long: `Leadline accepts contact, pickup scheduling, quote and upload submissions
from a public website and delivers them to email, a CRM webhook, object
storage or the service log.
- Request types: each wizard (contact, schedule-pickup, quote types, upload) and its steps.
- Registry: the field catalog; every field lists the request types it applies to.
- Gateway: rate limit, honeypot, sanitize, validate, dispatch; in that order.
- Targets: where an accepted submission goes (email, webhook, storage, log).`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix(config.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to leadline.yml")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(schemaCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(wizardCmd())
	rootCmd.AddCommand(uploadCmd())
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the submission API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := app.Build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := &http.Server{
				Addr:         cfg.Server.Addr,
				Handler:      a.Handler,
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logger.Warn("shutdown", zap.Error(err))
				}
			}()
			logger.Info("serving leadline api",
				zap.String("addr", cfg.Server.Addr),
				zap.String("base_path", cfg.Server.BasePath),
				zap.String("limiter", cfg.Limiter.Backend),
				zap.String("email_provider", cfg.Email.Provider),
				zap.String("storage", cfg.Storage.Type),
			)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func schemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema [request-type]",
		Short: "List request types, or the steps and fields of one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := loadRegistry()
			if err != nil {
				return err
			}
			if len(args) == 0 {
				if viper.GetBool("json") {
					var items []domain.RequestTypeConfig
					for _, key := range reg.Keys() {
						items = append(items, reg.Config(key))
					}
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Key", "Name", "Endpoint", "Target", "Steps", "Fallback"})
				for _, key := range reg.Keys() {
					c := reg.Config(key)
					tw.AppendRow(table.Row{c.Key, c.DisplayName, c.Endpoint, c.SubmissionTarget, len(c.Steps), c.Fallback})
				}
				tw.Render()
				return nil
			}
			c := reg.Config(args[0])
			if viper.GetBool("json") {
				return printJSON(c)
			}
			if c.Key != args[0] {
				fmt.Printf("unknown request type %q; showing fallback %q\n", args[0], c.Key)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.SetTitle(c.DisplayName)
			tw.AppendHeader(table.Row{"Step", "Field", "Label", "Kind", "Required", "Rules"})
			for i, step := range c.Steps {
				for _, f := range c.StepFields(i) {
					tw.AppendRow(table.Row{fmt.Sprintf("%d. %s", i+1, step.Title), f.ID, f.Label, f.Kind, f.Required, describeRules(f)})
				}
			}
			tw.Render()
			return nil
		},
	}
	return cmd
}

func validateCmd() *cobra.Command {
	var requestType, file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a JSON or YAML values file against a request type",
		RunE: func(cmd *cobra.Command, args []string) error {
			if requestType == "" || file == "" {
				return fmt.Errorf("--type and --file required")
			}
			reg, err := loadRegistry()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			values := map[string]any{}
			if err := yaml.Unmarshal(data, &values); err != nil {
				return fmt.Errorf("parse %s: %w", filepath.Base(file), err)
			}
			res := validate.New(reg).Validate(requestType, values)
			if viper.GetBool("json") {
				return printJSON(res)
			}
			if res.Valid {
				fmt.Println("values OK")
				return nil
			}
			printFieldErrors(res.Errors)
			return fmt.Errorf("%d invalid field(s)", len(res.Errors))
		},
	}
	cmd.Flags().StringVar(&requestType, "type", "", "request type key")
	cmd.Flags().StringVar(&file, "file", "", "values file (JSON or YAML)")
	return cmd
}

func wizardCmd() *cobra.Command {
	var requestType, baseURL string
	cmd := &cobra.Command{
		Use:   "wizard",
		Short: "Fill in a request type step by step and submit it to a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if requestType == "" {
				return fmt.Errorf("--type required")
			}
			reg, err := loadRegistry()
			if err != nil {
				return err
			}
			cfg := reg.Config(requestType)
			if cfg.Endpoint == domain.EndpointUpload {
				return fmt.Errorf("%s takes files; use leadline upload", cfg.Key)
			}
			return runWizard(cmd.Context(), reg, cfg, leadlinesdk.New(baseURL))
		},
	}
	cmd.Flags().StringVar(&requestType, "type", "", "request type key")
	cmd.Flags().StringVar(&baseURL, "url", "http://127.0.0.1:8080/api", "API base URL")
	return cmd
}

func uploadCmd() *cobra.Command {
	var baseURL string
	cmd := &cobra.Command{
		Use:   "upload FILE...",
		Short: "Upload photos or documents to a running server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files := make([]leadlinesdk.File, 0, len(args))
			for _, p := range args {
				f, err := os.Open(p)
				if err != nil {
					return err
				}
				defer f.Close()
				files = append(files, leadlinesdk.File{Name: filepath.Base(p), Reader: f})
			}
			res, err := leadlinesdk.New(baseURL).Upload(cmd.Context(), files)
			var ufe domain.UploadFailedError
			if errors.As(err, &ufe) {
				res = ufe.Result
			} else if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(res)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"File", "Result", "Detail"})
			for _, f := range res.Succeeded {
				tw.AppendRow(table.Row{f.Filename, "stored", f.URL})
			}
			for _, f := range res.Failed {
				tw.AppendRow(table.Row{f.Filename, "failed", f.Reason})
			}
			tw.Render()
			return err
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "http://127.0.0.1:8080/api", "API base URL")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create leadline.yml",
		Long:  "Config is layered: built-in defaults, then the --config file, then LEADLINE_* environment variables (LEADLINE_STORAGE_SIGNING_SECRET sets storage.signing_secret).",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			redact(cfg)
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			return yaml.NewEncoder(os.Stdout).Encode(cfg)
		},
	}
}

func configInitCmd() *cobra.Command {
	var out string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config to a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(out); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", out)
			}
			doc, err := config.GenerateDefault()
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, []byte(doc), 0o600); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "leadline.yml", "output path")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetString("config"))
}

func loadRegistry() (*schema.Registry, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.LoadRegistry(cfg)
}

func redact(cfg *config.Config) {
	for _, s := range []*string{
		&cfg.Limiter.Redis.Password,
		&cfg.Email.SendGrid.APIKey,
		&cfg.Email.SMTP.Password,
		&cfg.Webhook.Secret,
		&cfg.Storage.SecretKey,
		&cfg.Storage.SigningSecret,
	} {
		if *s != "" {
			*s = "***"
		}
	}
}

func describeRules(f domain.FieldDefinition) string {
	var parts []string
	c := f.Constraints
	if c.Min != nil {
		parts = append(parts, fmt.Sprintf("min %g", *c.Min))
	}
	if c.Max != nil {
		parts = append(parts, fmt.Sprintf("max %g", *c.Max))
	}
	if c.Pattern != "" {
		parts = append(parts, "pattern "+c.Pattern)
	}
	if len(f.Options) > 0 {
		parts = append(parts, strings.Join(f.Options, "|"))
	}
	return strings.Join(parts, ", ")
}

func printFieldErrors(errs map[string]string) {
	ids := make([]string, 0, len(errs))
	for id := range errs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Field", "Error"})
	for _, id := range ids {
		tw.AppendRow(table.Row{id, errs[id]})
	}
	tw.Render()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
