package wizard

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"leadline/internal/domain"
	"leadline/internal/validate"
)

// ErrSubmitInFlight is returned when Submit is called while an earlier
// submission from the same session has not returned yet.
var ErrSubmitInFlight = errors.New("wizard: submission already in progress")

// Submitter delivers a completed wizard to the gateway.
type Submitter interface {
	Submit(ctx context.Context, requestType string, values map[string]any) error
}

type SubmitterFunc func(ctx context.Context, requestType string, values map[string]any) error

func (f SubmitterFunc) Submit(ctx context.Context, requestType string, values map[string]any) error {
	return f(ctx, requestType, values)
}

// Session is one user's pass through a request type's wizard. Validation
// here is advisory; the gateway validates again.
type Session struct {
	cfg       domain.RequestTypeConfig
	nav       *Navigator[domain.Step]
	validator *validate.Validator
	values    map[string]any
	inFlight  atomic.Bool
}

func NewSession(cfg domain.RequestTypeConfig, v *validate.Validator) (*Session, error) {
	nav, err := NewNavigator(cfg.Steps)
	if err != nil {
		return nil, fmt.Errorf("request type %s: %w", cfg.Key, err)
	}
	return &Session{cfg: cfg, nav: nav, validator: v, values: map[string]any{}}, nil
}

func (s *Session) Config() domain.RequestTypeConfig   { return s.cfg }
func (s *Session) Navigator() *Navigator[domain.Step] { return s.nav }

// StepFields lists the definitions on the active step.
func (s *Session) StepFields() []domain.FieldDefinition {
	return s.cfg.StepFields(s.nav.Index())
}

// Set records a raw value for a field of this request type.
func (s *Session) Set(id string, value any) error {
	if _, ok := s.cfg.Field(id); !ok {
		return fmt.Errorf("request type %s has no field %s", s.cfg.Key, id)
	}
	s.values[id] = value
	return nil
}

func (s *Session) Values() map[string]any {
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

func (s *Session) State() domain.WizardState {
	return domain.WizardState{StepIndex: s.nav.Index(), Values: s.Values()}
}

// ValidateStep checks only the active step's fields.
func (s *Session) ValidateStep() domain.ValidationResult {
	return s.validator.ValidateFields(s.StepFields(), s.values)
}

// Advance moves to the next step when the active step is valid.
func (s *Session) Advance() domain.ValidationResult {
	res := s.ValidateStep()
	if res.Valid {
		s.nav.Next()
	}
	return res
}

// Submit validates every field, then hands the values to sub. Local
// failures never reach the network. On a field error the navigator jumps to
// the first step showing an offending field. A successful submit resets the
// session.
func (s *Session) Submit(ctx context.Context, sub Submitter) error {
	if !s.inFlight.CompareAndSwap(false, true) {
		return ErrSubmitInFlight
	}
	defer s.inFlight.Store(false)

	res := s.validator.ValidateFields(s.cfg.Fields, s.values)
	if !res.Valid {
		s.focusFirstError(res.Errors)
		return domain.ValidationError{Fields: res.Errors}
	}
	if err := sub.Submit(ctx, s.cfg.Key, s.Values()); err != nil {
		var ve domain.ValidationError
		if errors.As(err, &ve) {
			s.focusFirstError(ve.Fields)
		}
		return err
	}
	s.Reset()
	return nil
}

// Reset clears values and returns to the first step.
func (s *Session) Reset() {
	s.values = map[string]any{}
	s.nav.GoTo(0)
}

func (s *Session) focusFirstError(errs map[string]string) {
	for i, step := range s.cfg.Steps {
		for _, id := range step.Fields {
			if _, bad := errs[id]; bad {
				s.nav.GoTo(i)
				return
			}
		}
	}
}
