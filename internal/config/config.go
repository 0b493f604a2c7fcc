package config

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"leadline/internal/domain"
)

// EnvPrefix scopes environment overrides, e.g. LEADLINE_SERVER_ADDR.
const EnvPrefix = "LEADLINE"

// Config models leadline.yml.
type Config struct {
	Server        ServerConfig      `yaml:"server" mapstructure:"server"`
	Log           LogConfig         `yaml:"log" mapstructure:"log"`
	HoneypotField string            `yaml:"honeypot_field" mapstructure:"honeypot_field" validate:"required"`
	RateLimits    RateLimits        `yaml:"rate_limits" mapstructure:"rate_limits"`
	Limiter       LimiterConfig     `yaml:"limiter" mapstructure:"limiter"`
	Email         EmailConfig       `yaml:"email" mapstructure:"email"`
	Webhook       WebhookConfig     `yaml:"webhook" mapstructure:"webhook"`
	Storage       StorageConfig     `yaml:"storage" mapstructure:"storage"`
	Upload        UploadConfig      `yaml:"upload" mapstructure:"upload"`
	Targets       map[string]string `yaml:"targets" mapstructure:"targets" validate:"dive,keys,required,endkeys,oneof=email webhook log storage"`
	RegistryFile  string            `yaml:"registry_file" mapstructure:"registry_file"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" mapstructure:"addr" validate:"required"`
	BasePath        string        `yaml:"base_path" mapstructure:"base_path" validate:"omitempty,startswith=/"`
	CORSOrigins     []string      `yaml:"cors_origins" mapstructure:"cors_origins"`
	TrustProxy      bool          `yaml:"trust_proxy" mapstructure:"trust_proxy"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes" mapstructure:"max_upload_bytes" validate:"min=1"`
	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" validate:"gt=0"`
}

type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" mapstructure:"format" validate:"oneof=json console"`
}

type RateLimit struct {
	Points int           `yaml:"points" mapstructure:"points" validate:"min=1"`
	Window time.Duration `yaml:"window" mapstructure:"window" validate:"gt=0"`
}

type RateLimits struct {
	Contact  RateLimit `yaml:"contact" mapstructure:"contact"`
	Schedule RateLimit `yaml:"schedule" mapstructure:"schedule"`
	Quote    RateLimit `yaml:"quote" mapstructure:"quote"`
	Upload   RateLimit `yaml:"upload" mapstructure:"upload"`
}

// For returns the budget of a submission endpoint.
func (r RateLimits) For(endpoint string) (RateLimit, bool) {
	switch endpoint {
	case domain.EndpointContact:
		return r.Contact, true
	case domain.EndpointSchedule:
		return r.Schedule, true
	case domain.EndpointQuote:
		return r.Quote, true
	case domain.EndpointUpload:
		return r.Upload, true
	}
	return RateLimit{}, false
}

type LimiterConfig struct {
	Backend string        `yaml:"backend" mapstructure:"backend" validate:"oneof=memory redis"`
	Cleanup time.Duration `yaml:"cleanup" mapstructure:"cleanup"`
	Redis   RedisConfig   `yaml:"redis" mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db" validate:"min=0"`
	Prefix   string `yaml:"prefix" mapstructure:"prefix"`
}

type EmailConfig struct {
	Provider    string         `yaml:"provider" mapstructure:"provider" validate:"oneof=sendgrid smtp log"`
	FromName    string         `yaml:"from_name" mapstructure:"from_name"`
	From        string         `yaml:"from" mapstructure:"from" validate:"omitempty,email"`
	To          []string       `yaml:"to" mapstructure:"to" validate:"dive,email"`
	TemplateDir string         `yaml:"template_dir" mapstructure:"template_dir"`
	SendGrid    SendGridConfig `yaml:"sendgrid" mapstructure:"sendgrid"`
	SMTP        SMTPConfig     `yaml:"smtp" mapstructure:"smtp"`
}

type SendGridConfig struct {
	APIKey string `yaml:"api_key" mapstructure:"api_key"`
	Host   string `yaml:"host" mapstructure:"host" validate:"omitempty,url"`
}

type SMTPConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port" validate:"omitempty,min=1,max=65535"`
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
}

type WebhookConfig struct {
	URL     string        `yaml:"url" mapstructure:"url" validate:"omitempty,url"`
	Secret  string        `yaml:"secret" mapstructure:"secret"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

type StorageConfig struct {
	Type          string        `yaml:"type" mapstructure:"type" validate:"oneof=s3 local"`
	Endpoint      string        `yaml:"endpoint" mapstructure:"endpoint"`
	Bucket        string        `yaml:"bucket" mapstructure:"bucket"`
	Region        string        `yaml:"region" mapstructure:"region"`
	AccessKey     string        `yaml:"access_key" mapstructure:"access_key"`
	SecretKey     string        `yaml:"secret_key" mapstructure:"secret_key"`
	UseSSL        bool          `yaml:"use_ssl" mapstructure:"use_ssl"`
	PublicBaseURL string        `yaml:"public_base_url" mapstructure:"public_base_url" validate:"omitempty,url"`
	LocalDir      string        `yaml:"local_dir" mapstructure:"local_dir"`
	SigningSecret string        `yaml:"signing_secret" mapstructure:"signing_secret"`
	URLTTL        time.Duration `yaml:"url_ttl" mapstructure:"url_ttl" validate:"gt=0"`

	// SecretGenerated is set when SigningSecret was filled in for this
	// process only; links it signs stop verifying after a restart.
	SecretGenerated bool `yaml:"-" mapstructure:"-" json:"-"`
}

type UploadConfig struct {
	MaxFiles     int      `yaml:"max_files" mapstructure:"max_files" validate:"min=1"`
	MaxFileBytes int64    `yaml:"max_file_bytes" mapstructure:"max_file_bytes" validate:"min=1"`
	TempDir      string   `yaml:"temp_dir" mapstructure:"temp_dir"`
	AllowedTypes []string `yaml:"allowed_types" mapstructure:"allowed_types" validate:"min=1,dive,required"`
}

var validate = validator.New()

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return err
	}
	switch c.Email.Provider {
	case "sendgrid":
		if c.Email.SendGrid.APIKey == "" {
			return fmt.Errorf("config.email.sendgrid.api_key is required for the sendgrid provider")
		}
	case "smtp":
		if c.Email.SMTP.Host == "" || c.Email.SMTP.Port == 0 {
			return fmt.Errorf("config.email.smtp.host and port are required for the smtp provider")
		}
	}
	if c.Email.Provider != "log" && (c.Email.From == "" || len(c.Email.To) == 0) {
		return fmt.Errorf("config.email.from and config.email.to are required for the %s provider", c.Email.Provider)
	}
	if c.Limiter.Backend == "redis" && c.Limiter.Redis.Addr == "" {
		return fmt.Errorf("config.limiter.redis.addr is required for the redis backend")
	}
	switch c.Storage.Type {
	case "s3":
		if c.Storage.Endpoint == "" || c.Storage.Bucket == "" {
			return fmt.Errorf("config.storage.endpoint and bucket are required for s3 storage")
		}
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("config.storage.local_dir is required for local storage")
		}
		switch c.Storage.SigningSecret {
		case "":
			return fmt.Errorf("config.storage.signing_secret is required for local storage")
		case placeholderSecret:
			return fmt.Errorf("config.storage.signing_secret must be changed from %q", placeholderSecret)
		}
	}
	for key, target := range c.Targets {
		if target == domain.TargetWebhook && c.Webhook.URL == "" {
			return fmt.Errorf("request type %s targets webhook but config.webhook.url is empty", key)
		}
	}
	return nil
}

// placeholderSecret is the value older generated configs shipped with.
const placeholderSecret = "change-me"

// Default returns the built-in configuration: in-memory limiter, log email
// provider and local storage under the system temp dir, signed with a
// per-process secret.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	_ = cfg.fillSigningSecret()
	return &cfg
}

// GenerateDefault returns the default config YAML with a freshly generated
// storage.signing_secret.
func GenerateDefault() (string, error) {
	secret, err := RandomSecret()
	if err != nil {
		return "", err
	}
	return strings.Replace(defaultTemplate, `signing_secret: ""`, `signing_secret: "`+secret+`"`, 1), nil
}

// RandomSecret returns 32 random bytes, hex encoded.
func RandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func (c *Config) fillSigningSecret() error {
	if c.Storage.Type != "local" || c.Storage.SigningSecret != "" {
		return nil
	}
	secret, err := RandomSecret()
	if err != nil {
		return err
	}
	c.Storage.SigningSecret = secret
	c.Storage.SecretGenerated = true
	return nil
}

// FromYAML parses config from raw YAML bytes layered over Default, then
// validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	cfg.Storage.SigningSecret, cfg.Storage.SecretGenerated = "", false
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.fillSigningSecret(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Load layers the defaults, the optional file at path and LEADLINE_*
// environment variables, in that order. Nested keys join with "_", so
// storage.signing_secret is read from LEADLINE_STORAGE_SIGNING_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewBufferString(defaultTemplate)); err != nil {
		return nil, fmt.Errorf("default config: %w", err)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.fillSigningSecret(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

const defaultTemplate = `server:
  addr: ":8080"
  base_path: /api
  cors_origins: []
  trust_proxy: false
  max_upload_bytes: 52428800
  read_timeout: 15s
  write_timeout: 60s
  shutdown_timeout: 10s

log:
  level: info
  format: json

honeypot_field: company_website

rate_limits:
  contact:
    points: 10
    window: 1m
  schedule:
    points: 5
    window: 1m
  quote:
    points: 10
    window: 1m
  upload:
    points: 20
    window: 15m

limiter:
  backend: memory
  cleanup: 1m
  redis:
    addr: ""
    password: ""
    db: 0
    prefix: "leadline:rl:"

email:
  provider: log
  from_name: Website Leads
  from: ""
  to: []
  template_dir: ""
  sendgrid:
    api_key: ""
    host: ""
  smtp:
    host: ""
    port: 587
    username: ""
    password: ""

webhook:
  url: ""
  secret: ""
  timeout: 5s

storage:
  type: local
  endpoint: ""
  bucket: ""
  region: ""
  access_key: ""
  secret_key: ""
  use_ssl: true
  public_base_url: ""
  local_dir: /tmp/leadline-uploads
  signing_secret: ""
  url_ttl: 24h

upload:
  max_files: 5
  max_file_bytes: 10485760
  temp_dir: ""
  allowed_types:
    - image/jpeg
    - image/png
    - image/webp
    - application/pdf
    - application/msword
    - application/vnd.openxmlformats-officedocument.wordprocessingml.document
    - text/plain

targets: {}

registry_file: ""
`
