package validate

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"leadline/internal/domain"
	"leadline/internal/schema"
)

// Validator checks value maps against registry field definitions. The same
// instance serves the wizard (advisory) and the gateway (authoritative).
type Validator struct {
	registry *schema.Registry
}

func New(registry *schema.Registry) *Validator {
	return &Validator{registry: registry}
}

// Validate checks values against every field that applies to the request
// type. Unknown keys validate against the fallback field set.
func (v *Validator) Validate(requestType string, values map[string]any) domain.ValidationResult {
	return v.ValidateFields(v.registry.Config(requestType).Fields, values)
}

// ValidateFields checks values against the given subset, typically the
// fields on the active wizard step.
func (v *Validator) ValidateFields(fields []domain.FieldDefinition, values map[string]any) domain.ValidationResult {
	errs := make(map[string]string)
	for _, f := range fields {
		if msg, ok := v.Check(f, values[f.ID]); !ok {
			errs[f.ID] = msg
		}
	}
	return domain.ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

// Check applies the field's rules in order and reports the first violation.
func (v *Validator) Check(f domain.FieldDefinition, value any) (string, bool) {
	if n, ok := value.(int); ok && f.Kind == domain.KindFile && n == 0 {
		value = nil
	}
	if isEmpty(value) {
		if f.Required {
			return fmt.Sprintf("%s is required.", label(f)), false
		}
		return "", true
	}
	switch f.Kind {
	case domain.KindNumber:
		n, ok := toNumber(value)
		if !ok {
			return fmt.Sprintf("%s must be a number.", label(f)), false
		}
		return checkBounds(f, n, "")
	case domain.KindChoice:
		s, ok := value.(string)
		if !ok {
			return fmt.Sprintf("%s must be text.", label(f)), false
		}
		if !contains(f.Options, strings.TrimSpace(s)) {
			return choiceMessage(f), false
		}
		return "", true
	case domain.KindMultiChoice:
		items, ok := toStrings(value)
		if !ok {
			return choiceMessage(f), false
		}
		for _, item := range items {
			if !contains(f.Options, strings.TrimSpace(item)) {
				return choiceMessage(f), false
			}
		}
		return checkBounds(f, float64(len(items)), " selections")
	case domain.KindFile:
		n, ok := fileCount(value)
		if !ok {
			return fmt.Sprintf("%s must be a list of files.", label(f)), false
		}
		return checkBounds(f, float64(n), " files")
	default:
		s, ok := toText(value)
		if !ok {
			return fmt.Sprintf("%s must be text.", label(f)), false
		}
		if msg, ok := checkBounds(f, float64(utf8.RuneCountInString(s)), " characters"); !ok {
			return msg, false
		}
		return v.checkPattern(f, s)
	}
}

func (v *Validator) checkPattern(f domain.FieldDefinition, s string) (string, bool) {
	p := f.Constraints.Pattern
	if p == "" {
		return "", true
	}
	re, ok := v.registry.Pattern(p)
	if !ok {
		// Patterns are compiled at registry load; an unknown one means the
		// definition did not come from this registry.
		return fmt.Sprintf("%s cannot be checked.", label(f)), false
	}
	if !re.MatchString(strings.TrimSpace(s)) {
		if f.Constraints.Message != "" {
			return f.Constraints.Message, false
		}
		return fmt.Sprintf("%s is not in the expected format.", label(f)), false
	}
	return "", true
}

func checkBounds(f domain.FieldDefinition, n float64, unit string) (string, bool) {
	c := f.Constraints
	if c.Min != nil && n < *c.Min {
		if c.Message != "" {
			return c.Message, false
		}
		return fmt.Sprintf("%s must be at least %s%s.", label(f), formatNumber(*c.Min), unit), false
	}
	if c.Max != nil && n > *c.Max {
		if c.Message != "" {
			return c.Message, false
		}
		return fmt.Sprintf("%s must be at most %s%s.", label(f), formatNumber(*c.Max), unit), false
	}
	return "", true
}

func choiceMessage(f domain.FieldDefinition) string {
	if f.Constraints.Message != "" {
		return f.Constraints.Message
	}
	return fmt.Sprintf("%s must be one of: %s.", label(f), strings.Join(f.Options, ", "))
}

func label(f domain.FieldDefinition) string {
	if f.Label != "" {
		return f.Label
	}
	return f.ID
}

func isEmpty(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	case []any:
		return len(v) == 0
	case []string:
		return len(v) == 0
	}
	return false
}

// toNumber accepts finite numbers only; NaN compares false against every
// bound.
func toNumber(value any) (float64, bool) {
	n, ok := parseNumber(value)
	if !ok || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}

func parseNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		n, err := v.Float64()
		return n, err == nil
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return n, err == nil
	}
	return 0, false
}

func toStrings(value any) ([]string, bool) {
	switch v := value.(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	case string:
		return []string{v}, true
	}
	return nil, false
}

func fileCount(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case []any:
		return len(v), true
	case []string:
		return len(v), true
	}
	return 0, false
}

// toText accepts strings and plain numbers (a ZIP sent as 75701).
func toText(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return "", false
		}
		return formatNumber(v), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case json.Number:
		return v.String(), true
	default:
		return "", false
	}
}

func formatNumber(n float64) string {
	return strconv.FormatFloat(n, 'f', -1, 64)
}

func contains(options []string, s string) bool {
	for _, o := range options {
		if o == s {
			return true
		}
	}
	return false
}
