package pipeline

import (
	"github.com/dvloznov/smsledger/internal/domain"
)

// Lookup finds learned merchant patterns and known recipients for a counterparty.
// It is built once per batch from the owner's stored patterns and recipients.
type Lookup struct {
	patterns   []*domain.MerchantPattern
	recipients []*domain.Recipient
}

// NewLookup creates a lookup over patterns in the given list order.
func NewLookup(patterns []*domain.MerchantPattern, recipients []*domain.Recipient) *Lookup {
	return &Lookup{patterns: patterns, recipients: recipients}
}

// Patterns returns the patterns the lookup was built from.
func (l *Lookup) Patterns() []*domain.MerchantPattern {
	return l.patterns
}

// MatchPattern returns the pattern that applies to a counterparty or raw
// message. Patterns created by corrections outrank learned or imported ones;
// within a tier the first match in list order wins.
func (l *Lookup) MatchPattern(counterparty, rawText string) *domain.MerchantPattern {
	var first *domain.MerchantPattern
	for _, p := range l.patterns {
		if !p.Matches(counterparty, rawText) {
			continue
		}
		if p.Source == domain.PatternSourceCorrection {
			return p
		}
		if first == nil {
			first = p
		}
	}
	return first
}

// MatchRecipient returns the first known recipient named in the counterparty or message.
func (l *Lookup) MatchRecipient(counterparty, rawText string) *domain.Recipient {
	for _, r := range l.recipients {
		if r.Matches(counterparty, rawText) {
			return r
		}
	}
	return nil
}

// FamilyHints returns the display names of family recipients for prompts.
func (l *Lookup) FamilyHints() []string {
	var out []string
	seen := make(map[string]bool)
	for _, r := range l.recipients {
		if !r.IsFamily {
			continue
		}
		name := r.DisplayName()
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// patternCategory derives the parent category of a pattern: a known
// subcategory decides, otherwise the stored category, otherwise Other.
func patternCategory(p *domain.MerchantPattern) domain.Category {
	if c, ok := domain.CategoryForSubcategory(p.Subcategory); ok {
		return c
	}
	if c, ok := domain.ParseCategory(string(p.Category)); ok {
		return c
	}
	return domain.CategoryOther
}

// consolidatedName returns the name a pattern rewrites the counterparty to, if any.
func consolidatedName(p *domain.MerchantPattern) string {
	if p.ConsolidatedName != "" {
		return p.ConsolidatedName
	}
	return p.DisplayName
}
