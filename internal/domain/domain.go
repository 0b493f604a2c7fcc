package domain

import (
	"time"
)

// FieldKind is the input kind a field renders as and is validated against.
type FieldKind string

const (
	KindText        FieldKind = "text"
	KindNumber      FieldKind = "number"
	KindChoice      FieldKind = "choice"
	KindMultiChoice FieldKind = "multi-choice"
	KindFile        FieldKind = "file"
	KindFreeText    FieldKind = "free-text"
)

// Submission targets a request type can be dispatched to.
const (
	TargetEmail   = "email"
	TargetWebhook = "webhook"
	TargetLog     = "log"
	TargetStorage = "storage"
)

// Endpoints the gateway exposes.
const (
	EndpointContact  = "contact"
	EndpointSchedule = "schedule"
	EndpointQuote    = "quote"
	EndpointUpload   = "upload"
)

type Constraints struct {
	Min     *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max     *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Pattern string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Message string   `json:"message,omitempty" yaml:"message,omitempty"`
}

type FieldDefinition struct {
	ID          string      `json:"id" yaml:"id"`
	Label       string      `json:"label" yaml:"label"`
	Kind        FieldKind   `json:"kind" yaml:"kind" enum:"text,number,choice,multi-choice,file,free-text"`
	Required    bool        `json:"required" yaml:"required"`
	Constraints Constraints `json:"constraints" yaml:"constraints"`
	Options     []string    `json:"options,omitempty" yaml:"options,omitempty"`
	AppliesTo   []string    `json:"applies_to,omitempty" yaml:"applies_to,omitempty"`
}

// AppliesToType reports whether the field belongs to the given request type.
// A field with no AppliesTo set is universal.
func (f FieldDefinition) AppliesToType(key string) bool {
	if len(f.AppliesTo) == 0 {
		return true
	}
	for _, k := range f.AppliesTo {
		if k == key {
			return true
		}
	}
	return false
}

type Step struct {
	Title  string   `json:"title" yaml:"title"`
	Fields []string `json:"fields" yaml:"fields"`
}

type RequestTypeConfig struct {
	Key              string            `json:"key"`
	DisplayName      string            `json:"display_name"`
	Endpoint         string            `json:"endpoint"`
	Fields           []FieldDefinition `json:"fields"`
	Steps            []Step            `json:"steps"`
	SubmissionTarget string            `json:"submission_target"`
	Fallback         bool              `json:"fallback,omitempty"`
}

// Field returns the definition with the given id.
func (c RequestTypeConfig) Field(id string) (FieldDefinition, bool) {
	for _, f := range c.Fields {
		if f.ID == id {
			return f, true
		}
	}
	return FieldDefinition{}, false
}

// StepFields resolves the definitions shown on step i, in step order.
func (c RequestTypeConfig) StepFields(i int) []FieldDefinition {
	if i < 0 || i >= len(c.Steps) {
		return nil
	}
	out := make([]FieldDefinition, 0, len(c.Steps[i].Fields))
	for _, id := range c.Steps[i].Fields {
		if f, ok := c.Field(id); ok {
			out = append(out, f)
		}
	}
	return out
}

type WizardState struct {
	StepIndex int            `json:"step_index"`
	Values    map[string]any `json:"values"`
}

type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors map[string]string `json:"errors"`
}

type SubmittedField struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Value any    `json:"value"`
}

// SubmissionRequest is the sanitized, validated payload handed to a dispatch
// collaborator. Use NewSubmissionRequest; the zero value is not useful.
type SubmissionRequest struct {
	id          string
	requestType string
	displayName string
	endpoint    string
	fields      []SubmittedField
	clientAddr  string
	receivedAt  time.Time
}

func NewSubmissionRequest(id string, cfg RequestTypeConfig, fields []SubmittedField, clientAddr string, receivedAt time.Time) SubmissionRequest {
	copied := make([]SubmittedField, len(fields))
	copy(copied, fields)
	return SubmissionRequest{
		id:          id,
		requestType: cfg.Key,
		displayName: cfg.DisplayName,
		endpoint:    cfg.Endpoint,
		fields:      copied,
		clientAddr:  clientAddr,
		receivedAt:  receivedAt,
	}
}

func (s SubmissionRequest) ID() string            { return s.id }
func (s SubmissionRequest) RequestType() string   { return s.requestType }
func (s SubmissionRequest) DisplayName() string   { return s.displayName }
func (s SubmissionRequest) Endpoint() string      { return s.endpoint }
func (s SubmissionRequest) ClientAddr() string    { return s.clientAddr }
func (s SubmissionRequest) ReceivedAt() time.Time { return s.receivedAt }

func (s SubmissionRequest) Fields() []SubmittedField {
	out := make([]SubmittedField, len(s.fields))
	copy(out, s.fields)
	return out
}

// Value returns the submitted value for a field id.
func (s SubmissionRequest) Value(id string) (any, bool) {
	for _, f := range s.fields {
		if f.ID == id {
			return f.Value, true
		}
	}
	return nil, false
}

type RateLimitBucket struct {
	Key             string    `json:"key"`
	RemainingPoints int       `json:"remaining_points"`
	WindowResetAt   time.Time `json:"window_reset_at"`
}

type UploadedFile struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Size        int64  `json:"size"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

type FailedFile struct {
	Filename string `json:"filename"`
	Reason   string `json:"reason"`
	// Rejected is true when the file failed type/size checks, false when the
	// store refused it.
	Rejected bool `json:"-"`
}

type UploadResult struct {
	Succeeded []UploadedFile `json:"succeeded"`
	Failed    []FailedFile   `json:"failed"`
}
