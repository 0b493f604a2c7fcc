package schema

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"leadline/internal/domain"
)

//go:embed registry.yaml
var defaultDocument []byte

// Named patterns usable from a field's constraints.pattern.
var namedPatterns = map[string]string{
	"email": `^[^\s@]+@[^\s@]+\.[^\s@]+$`,
	"phone": `^\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}$`,
	"zip":   `^\d{5}(-\d{4})?$`,
	"date":  `^\d{4}-\d{2}-\d{2}$`,
}

type document struct {
	RequestTypes []requestTypeDoc         `yaml:"request_types"`
	Fields       []domain.FieldDefinition `yaml:"fields"`
}

type requestTypeDoc struct {
	Key         string        `yaml:"key"`
	DisplayName string        `yaml:"display_name"`
	Endpoint    string        `yaml:"endpoint"`
	Target      string        `yaml:"target"`
	Fallback    bool          `yaml:"fallback"`
	Steps       []domain.Step `yaml:"steps"`
}

// Registry is the immutable lookup table of request type configurations.
// Accessors hand out copies; nothing mutates a Registry after Load.
type Registry struct {
	types    map[string]domain.RequestTypeConfig
	order    []string
	fallback string
	patterns map[string]*regexp.Regexp
}

// Option adjusts the document before the registry is built.
type Option func(*document)

// WithTargets overrides the submission target per request type key.
func WithTargets(targets map[string]string) Option {
	return func(doc *document) {
		for i := range doc.RequestTypes {
			if t, ok := targets[doc.RequestTypes[i].Key]; ok && strings.TrimSpace(t) != "" {
				doc.RequestTypes[i].Target = strings.TrimSpace(t)
			}
		}
	}
}

// Default builds the registry from the embedded document.
func Default(opts ...Option) (*Registry, error) {
	return Load(defaultDocument, opts...)
}

// FromFile builds the registry from a YAML document on disk.
func FromFile(path string, opts ...Option) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Load(data, opts...)
}

// Load parses and checks a registry document.
func Load(data []byte, opts ...Option) (*Registry, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid registry yaml: %w", err)
	}
	for _, opt := range opts {
		opt(&doc)
	}
	r := &Registry{
		types:    make(map[string]domain.RequestTypeConfig, len(doc.RequestTypes)),
		patterns: make(map[string]*regexp.Regexp),
	}
	for name, expr := range namedPatterns {
		r.patterns[name] = regexp.MustCompile(expr)
	}
	for _, f := range doc.Fields {
		if err := r.compilePattern(f); err != nil {
			return nil, err
		}
	}
	for _, rt := range doc.RequestTypes {
		cfg, err := buildConfig(rt, doc.Fields)
		if err != nil {
			return nil, err
		}
		if _, dup := r.types[cfg.Key]; dup {
			return nil, fmt.Errorf("request type %s defined twice", cfg.Key)
		}
		r.types[cfg.Key] = cfg
		r.order = append(r.order, cfg.Key)
		if rt.Fallback {
			if r.fallback != "" {
				return nil, fmt.Errorf("request types %s and %s are both marked fallback", r.fallback, rt.Key)
			}
			r.fallback = rt.Key
		}
	}
	if r.fallback == "" {
		return nil, fmt.Errorf("registry has no fallback request type")
	}
	return r, nil
}

func (r *Registry) compilePattern(f domain.FieldDefinition) error {
	p := f.Constraints.Pattern
	if p == "" {
		return nil
	}
	if _, ok := r.patterns[p]; ok {
		return nil
	}
	re, err := regexp.Compile(p)
	if err != nil {
		return fmt.Errorf("field %s: invalid pattern: %w", f.ID, err)
	}
	r.patterns[p] = re
	return nil
}

func buildConfig(rt requestTypeDoc, catalog []domain.FieldDefinition) (domain.RequestTypeConfig, error) {
	key := strings.TrimSpace(rt.Key)
	if key == "" {
		return domain.RequestTypeConfig{}, fmt.Errorf("request type with empty key")
	}
	if len(rt.Steps) == 0 {
		return domain.RequestTypeConfig{}, fmt.Errorf("request type %s has no steps", key)
	}
	applicable := make(map[string]domain.FieldDefinition)
	for _, f := range catalog {
		if !f.AppliesToType(key) {
			continue
		}
		if _, dup := applicable[f.ID]; dup {
			return domain.RequestTypeConfig{}, fmt.Errorf("request type %s: field id %s defined more than once", key, f.ID)
		}
		applicable[f.ID] = f
	}
	var fields []domain.FieldDefinition
	shown := make(map[string]bool)
	for _, step := range rt.Steps {
		for _, id := range step.Fields {
			f, ok := applicable[id]
			if !ok {
				return domain.RequestTypeConfig{}, fmt.Errorf("request type %s: step %q shows unknown field %s", key, step.Title, id)
			}
			if shown[id] {
				return domain.RequestTypeConfig{}, fmt.Errorf("request type %s: field %s shown on more than one step", key, id)
			}
			shown[id] = true
			fields = append(fields, f)
		}
	}
	for id := range applicable {
		if !shown[id] {
			return domain.RequestTypeConfig{}, fmt.Errorf("request type %s: field %s is not on any step", key, id)
		}
	}
	return domain.RequestTypeConfig{
		Key:              key,
		DisplayName:      rt.DisplayName,
		Endpoint:         rt.Endpoint,
		Fields:           fields,
		Steps:            rt.Steps,
		SubmissionTarget: rt.Target,
		Fallback:         rt.Fallback,
	}, nil
}

// Config returns the configuration for key, or the fallback configuration
// carrying only the universal contact fields when key is unknown.
func (r *Registry) Config(key string) domain.RequestTypeConfig {
	if cfg, ok := r.Lookup(key); ok {
		return cfg
	}
	return cloneConfig(r.types[r.fallback])
}

// Lookup returns the configuration for a known key.
func (r *Registry) Lookup(key string) (domain.RequestTypeConfig, bool) {
	cfg, ok := r.types[strings.TrimSpace(key)]
	if !ok {
		return domain.RequestTypeConfig{}, false
	}
	return cloneConfig(cfg), true
}

// Keys lists request type keys in document order.
func (r *Registry) Keys() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// ForEndpoint lists the configurations served by an endpoint.
func (r *Registry) ForEndpoint(endpoint string) []domain.RequestTypeConfig {
	var out []domain.RequestTypeConfig
	for _, key := range r.order {
		if cfg := r.types[key]; cfg.Endpoint == endpoint {
			out = append(out, cloneConfig(cfg))
		}
	}
	return out
}

// Pattern returns the compiled expression for a named or raw pattern.
func (r *Registry) Pattern(p string) (*regexp.Regexp, bool) {
	re, ok := r.patterns[p]
	return re, ok
}

func cloneConfig(c domain.RequestTypeConfig) domain.RequestTypeConfig {
	out := c
	out.Fields = make([]domain.FieldDefinition, len(c.Fields))
	for i, f := range c.Fields {
		out.Fields[i] = cloneField(f)
	}
	out.Steps = make([]domain.Step, len(c.Steps))
	for i, s := range c.Steps {
		out.Steps[i] = domain.Step{Title: s.Title, Fields: append([]string(nil), s.Fields...)}
	}
	return out
}

func cloneField(f domain.FieldDefinition) domain.FieldDefinition {
	out := f
	out.Options = append([]string(nil), f.Options...)
	out.AppliesTo = append([]string(nil), f.AppliesTo...)
	if f.Constraints.Min != nil {
		v := *f.Constraints.Min
		out.Constraints.Min = &v
	}
	if f.Constraints.Max != nil {
		v := *f.Constraints.Max
		out.Constraints.Max = &v
	}
	return out
}
