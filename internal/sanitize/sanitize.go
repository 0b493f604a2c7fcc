package sanitize

import (
	"html"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	policyOnce sync.Once
	policy     *bluemonday.Policy
)

func strictPolicy() *bluemonday.Policy {
	policyOnce.Do(func() {
		policy = bluemonday.StrictPolicy()
	})
	return policy
}

const maxDecodePasses = 8

// String strips all markup from s. Entities are decoded afterwards so plain
// text like "Smith & Sons" survives; the loop stops once decoding no longer
// exposes new markup. Input still changing after maxDecodePasses is returned
// sanitized and left encoded.
func String(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	p := strictPolicy()
	for i := 0; i < maxDecodePasses; i++ {
		decoded := html.UnescapeString(p.Sanitize(s))
		if decoded == s {
			return strings.TrimSpace(s)
		}
		s = decoded
	}
	return strings.TrimSpace(p.Sanitize(s))
}

// Values returns a copy of values with every string, including strings nested
// in lists and objects, passed through String. Other values are copied as is.
func Values(values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = value(v)
	}
	return out
}

func value(v any) any {
	switch t := v.(type) {
	case string:
		return String(t)
	case []string:
		out := make([]string, len(t))
		for i, s := range t {
			out[i] = String(s)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = value(item)
		}
		return out
	case map[string]any:
		return Values(t)
	default:
		return v
	}
}
