package extract

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// ErrNoModel is returned when no fast model is configured.
var ErrNoModel = errors.New("no extraction model configured")

// Attempt records one raw model call for archiving.
type Attempt struct {
	Model string
	Raw   string
	Err   error
}

// Outcome is the final result of a tiered extraction plus every attempt made.
type Outcome struct {
	Result    *Result
	Escalated bool
	Attempts  []Attempt
}

// Tiered runs a cheap model first and escalates to a stronger one when the
// first answer is low confidence (skipped or not) or uncategorized.
type Tiered struct {
	Fast     Model
	Fallback Model // optional
	Logger   zerolog.Logger
}

// NewTiered creates a tiered extractor. fallback may be nil.
func NewTiered(fast, fallback Model, logger zerolog.Logger) *Tiered {
	return &Tiered{Fast: fast, Fallback: fallback, Logger: logger}
}

// Extract returns the preferred result. A failing fast model is fatal for the
// call; a failing fallback keeps the fast result.
func (t *Tiered) Extract(ctx context.Context, req Request) (*Outcome, error) {
	if t.Fast == nil {
		return nil, ErrNoModel
	}
	prompt := BuildPrompt(req)
	out := &Outcome{}

	first, err := t.call(ctx, t.Fast, prompt, out)
	if err != nil {
		return out, err
	}
	out.Result = first

	if t.Fallback == nil || !first.NeedsEscalation() {
		return out, nil
	}

	out.Escalated = true
	second, err := t.call(ctx, t.Fallback, prompt, out)
	if err != nil {
		t.Logger.Warn().Err(err).
			Str("model", t.Fallback.Name()).
			Msg("Fallback extraction failed, keeping first result")
		return out, nil
	}

	if preferFallback(first, second) {
		out.Result = second
	}
	return out, nil
}

func (t *Tiered) call(ctx context.Context, m Model, prompt string, out *Outcome) (*Result, error) {
	raw, err := m.Generate(ctx, prompt)
	out.Attempts = append(out.Attempts, Attempt{Model: m.Name(), Raw: raw, Err: err})
	if err != nil {
		return nil, fmt.Errorf("Extract: %s: %w", m.Name(), err)
	}

	r, err := ParseResult(raw)
	if err != nil {
		out.Attempts[len(out.Attempts)-1].Err = err
		return nil, fmt.Errorf("Extract: %s: %w", m.Name(), err)
	}
	r.Model = m.Name()
	return r, nil
}

// preferFallback decides between the fast and fallback results. A fallback
// skip never discards a kept message, while a fallback that keeps a message
// the first model skipped wins unless it is less sure. Otherwise the fallback
// wins when it strictly outranks the first, or when the first was vague and
// the fallback is not.
func preferFallback(first, second *Result) bool {
	if second.Skip && !first.Skip {
		return false
	}
	if first.Skip && !second.Skip {
		return second.ConfidenceLabel().Rank() >= first.ConfidenceLabel().Rank()
	}
	if second.ConfidenceLabel().Rank() > first.ConfidenceLabel().Rank() {
		return true
	}
	return first.isVague() && !second.isVague()
}
