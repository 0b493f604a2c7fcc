package server

import (
	"leadline/internal/domain"
	"leadline/internal/schema"
)

// Response payloads

type SubmitResponse struct {
	OK bool   `json:"ok"`
	ID string `json:"id"`
}

type UploadResponse struct {
	OK        bool                  `json:"ok"`
	Succeeded []domain.UploadedFile `json:"succeeded"`
	Failed    []domain.FailedFile   `json:"failed"`
}

type FieldResponse struct {
	ID       string   `json:"id"`
	Label    string   `json:"label"`
	Kind     string   `json:"kind" enum:"text,number,choice,multi-choice,file,free-text"`
	Required bool     `json:"required"`
	Options  []string `json:"options,omitempty"`
	Min      *float64 `json:"min,omitempty"`
	Max      *float64 `json:"max,omitempty"`
	Pattern  string   `json:"pattern,omitempty"`
	Message  string   `json:"message,omitempty"`
}

type StepResponse struct {
	Title  string          `json:"title"`
	Fields []FieldResponse `json:"fields"`
}

type RequestTypeResponse struct {
	Key         string         `json:"key"`
	DisplayName string         `json:"display_name"`
	Endpoint    string         `json:"endpoint"`
	Fallback    bool           `json:"fallback"`
	Steps       []StepResponse `json:"steps"`
}

type RequestTypeListResponse struct {
	Items []RequestTypeResponse `json:"items"`
}

func mapRequestType(reg *schema.Registry, cfg domain.RequestTypeConfig) RequestTypeResponse {
	steps := make([]StepResponse, 0, len(cfg.Steps))
	for i, step := range cfg.Steps {
		defs := cfg.StepFields(i)
		fields := make([]FieldResponse, 0, len(defs))
		for _, f := range defs {
			fields = append(fields, mapField(reg, f))
		}
		steps = append(steps, StepResponse{Title: step.Title, Fields: fields})
	}
	return RequestTypeResponse{
		Key:         cfg.Key,
		DisplayName: cfg.DisplayName,
		Endpoint:    cfg.Endpoint,
		Fallback:    cfg.Fallback,
		Steps:       steps,
	}
}

// mapField resolves named patterns so clients receive the expression itself.
func mapField(reg *schema.Registry, f domain.FieldDefinition) FieldResponse {
	out := FieldResponse{
		ID:       f.ID,
		Label:    f.Label,
		Kind:     string(f.Kind),
		Required: f.Required,
		Options:  f.Options,
		Min:      f.Constraints.Min,
		Max:      f.Constraints.Max,
		Message:  f.Constraints.Message,
	}
	if f.Constraints.Pattern != "" {
		if re, ok := reg.Pattern(f.Constraints.Pattern); ok {
			out.Pattern = re.String()
		}
	}
	return out
}
