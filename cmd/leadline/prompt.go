package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"

	"leadline/internal/domain"
	"leadline/internal/schema"
	"leadline/internal/validate"
	"leadline/internal/wizard"
)

// runWizard walks the request type's steps in the terminal. Each step is
// checked before moving on; the final step submits through sub.
func runWizard(ctx context.Context, reg *schema.Registry, cfg domain.RequestTypeConfig, sub wizard.Submitter) error {
	s, err := wizard.NewSession(cfg, validate.New(reg))
	if err != nil {
		return err
	}
	nav := s.Navigator()
	fmt.Printf("%s (%d steps)\n", cfg.DisplayName, nav.Len())
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		fmt.Printf("\n[%d/%d] %s\n", nav.Index()+1, nav.Len(), nav.Current().Title)
		values := s.Values()
		for _, f := range s.StepFields() {
			v, err := askField(f, values[f.ID])
			if err != nil {
				return err
			}
			if err := s.Set(f.ID, v); err != nil {
				return err
			}
		}

		if !nav.IsLast() {
			if res := s.Advance(); !res.Valid {
				printFieldErrors(res.Errors)
			}
			continue
		}
		if res := s.ValidateStep(); !res.Valid {
			printFieldErrors(res.Errors)
			continue
		}
		err = s.Submit(ctx, sub)
		var ve domain.ValidationError
		switch {
		case err == nil:
			fmt.Println("Thanks, your request was sent.")
			return nil
		case errors.As(err, &ve):
			printFieldErrors(ve.Fields)
			continue
		default:
			return err
		}
	}
}

// askField prompts for one field. Blank answers are left blank so the
// validator reports required fields.
func askField(f domain.FieldDefinition, current any) (any, error) {
	msg := f.Label
	if f.Required {
		msg += " *"
	}
	var err error
	switch f.Kind {
	case domain.KindChoice:
		var out string
		opts := f.Options
		if !f.Required {
			opts = append([]string{""}, opts...)
		}
		prompt := &survey.Select{Message: msg, Options: opts}
		if s, ok := current.(string); ok && s != "" {
			prompt.Default = s
		}
		err = survey.AskOne(prompt, &out)
		return out, translateSurveyErr(err)
	case domain.KindMultiChoice:
		var out []string
		prompt := &survey.MultiSelect{Message: msg, Options: f.Options}
		if prev, ok := current.([]string); ok {
			prompt.Default = prev
		}
		err = survey.AskOne(prompt, &out)
		return out, translateSurveyErr(err)
	case domain.KindFreeText:
		var out string
		prompt := &survey.Multiline{Message: msg, Default: fmt.Sprint(orEmpty(current))}
		err = survey.AskOne(prompt, &out)
		return out, translateSurveyErr(err)
	case domain.KindNumber:
		var out string
		prompt := &survey.Input{Message: msg, Default: fmt.Sprint(orEmpty(current))}
		err = survey.AskOne(prompt, &out, survey.WithValidator(numberOrBlank))
		if err != nil {
			return nil, translateSurveyErr(err)
		}
		if strings.TrimSpace(out) == "" {
			return "", nil
		}
		n, _ := strconv.ParseFloat(strings.TrimSpace(out), 64)
		return n, nil
	default:
		var out string
		prompt := &survey.Input{Message: msg, Default: fmt.Sprint(orEmpty(current))}
		err = survey.AskOne(prompt, &out)
		return out, translateSurveyErr(err)
	}
}

func numberOrBlank(ans any) error {
	s, _ := ans.(string)
	if strings.TrimSpace(s) == "" {
		return nil
	}
	if _, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err != nil {
		return errors.New("enter a number")
	}
	return nil
}

func orEmpty(v any) any {
	if v == nil {
		return ""
	}
	return v
}

func translateSurveyErr(err error) error {
	if errors.Is(err, terminal.InterruptErr) {
		return context.Canceled
	}
	return err
}
