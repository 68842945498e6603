package pipeline

import (
	"strings"

	"github.com/dvloznov/smsledger/internal/domain"
	"github.com/dvloznov/smsledger/internal/extract"
)

// Resolution sources.
const (
	SourceOverride = "override"
	SourcePattern  = "pattern"
	SourceAI       = "ai"
	SourceFallback = "fallback"
)

// Override is a categorization supplied by the user with the message itself.
type Override struct {
	Category    string
	Subcategory string
}

// Resolution is the final categorization of one message.
type Resolution struct {
	Category     domain.Category
	Subcategory  string
	Confidence   domain.Confidence
	Counterparty string
	Source       string
	PatternID    string
}

// Resolve merges the extraction result with user overrides and learned
// patterns. Priority: override, then a matching pattern (confidence matched),
// then the model's own answer, then (Other, Uncategorized, low).
func Resolve(r *extract.Result, rawText string, override *Override, lookup *Lookup) Resolution {
	counterparty := strings.TrimSpace(r.Counterparty)
	if lookup != nil {
		if rec := lookup.MatchRecipient(counterparty, rawText); rec != nil && rec.DisplayName() != "" {
			counterparty = rec.DisplayName()
		}
	}

	if res, ok := resolveOverride(override); ok {
		res.Counterparty = counterparty
		return res
	}

	if lookup != nil {
		if res, ok := ResolvePattern(counterparty, rawText, lookup); ok {
			if res.Counterparty == "" {
				res.Counterparty = counterparty
			}
			return res
		}
	}

	res := resolveModel(r)
	res.Counterparty = counterparty
	return res
}

// ResolvePattern applies only the pattern step. It reports false when no pattern matches.
func ResolvePattern(counterparty, rawText string, lookup *Lookup) (Resolution, bool) {
	p := lookup.MatchPattern(counterparty, rawText)
	if p == nil {
		return Resolution{}, false
	}
	sub := strings.TrimSpace(p.Subcategory)
	if sub == "" {
		sub = domain.SubcategoryUncategorized
	}
	return Resolution{
		Category:     patternCategory(p),
		Subcategory:  sub,
		Confidence:   domain.ConfidenceMatched,
		Counterparty: consolidatedName(p),
		Source:       SourcePattern,
		PatternID:    p.PatternID,
	}, true
}

func resolveOverride(o *Override) (Resolution, bool) {
	if o == nil || (strings.TrimSpace(o.Subcategory) == "" && strings.TrimSpace(o.Category) == "") {
		return Resolution{}, false
	}
	sub := strings.TrimSpace(o.Subcategory)
	cat, ok := domain.ParseCategory(o.Category)
	if !ok {
		if cat, ok = domain.CategoryForSubcategory(sub); !ok {
			cat = domain.CategoryOther
		}
	}
	if sub == "" {
		sub = domain.SubcategoryUncategorized
	}
	return Resolution{
		Category:    cat,
		Subcategory: sub,
		Confidence:  domain.ConfidenceCorrected,
		Source:      SourceOverride,
	}, true
}

func resolveModel(r *extract.Result) Resolution {
	cat, ok := domain.ParseCategory(r.Category)
	if !ok {
		return Resolution{
			Category:    domain.CategoryOther,
			Subcategory: domain.SubcategoryUncategorized,
			Confidence:  domain.ConfidenceLow,
			Source:      SourceFallback,
		}
	}

	sub := strings.TrimSpace(r.Subcategory)
	if sub == "" {
		sub = domain.SubcategoryUncategorized
	}
	conf := r.ConfidenceLabel()
	if conf.Rank() == 0 {
		conf = domain.ConfidenceLow
	}
	return Resolution{
		Category:    cat,
		Subcategory: sub,
		Confidence:  conf,
		Source:      SourceAI,
	}
}
