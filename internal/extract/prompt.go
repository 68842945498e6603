package extract

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dvloznov/smsledger/internal/domain"
)

// maxPromptPatterns bounds how many merchant patterns are listed in a prompt.
const maxPromptPatterns = 150

// Request is everything the extraction prompt is built from.
type Request struct {
	Text       string
	OccurredAt time.Time
	Time       domain.TimeContext

	// DefaultCurrency is assumed when the message names none.
	DefaultCurrency string

	Patterns    []*domain.MerchantPattern
	FamilyHints []string
	Facts       []*domain.ContextFact
}

// FoldFacts reduces an append-only fact log to the latest fact per
// (type, key). Later facts overwrite earlier ones; facts are ordered by
// creation time first, insertion order breaking ties. The result is sorted
// by type then key.
func FoldFacts(facts []*domain.ContextFact) []*domain.ContextFact {
	ordered := make([]*domain.ContextFact, 0, len(facts))
	for _, f := range facts {
		if f != nil {
			ordered = append(ordered, f)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	type factKey struct {
		t domain.FactType
		k string
	}
	latest := make(map[factKey]*domain.ContextFact, len(ordered))
	for _, f := range ordered {
		latest[factKey{f.Type, strings.ToLower(strings.TrimSpace(f.Key))}] = f
	}

	out := make([]*domain.ContextFact, 0, len(latest))
	for _, f := range latest {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return strings.ToLower(out[i].Key) < strings.ToLower(out[j].Key)
	})
	return out
}

// BuildPrompt renders the extraction instructions, user context and the message.
func BuildPrompt(req Request) string {
	var b strings.Builder

	b.WriteString("You are a parser for bank SMS notifications.\n\n")
	b.WriteString("Task:\n")
	b.WriteString("- Extract the single financial transaction described by the message below.\n")
	b.WriteString("- Output STRICT JSON only: one object, no comments, no Markdown, no code fences.\n\n")

	b.WriteString("The object must have these fields:\n")
	b.WriteString("- \"amount\": number, always positive\n")
	fmt.Fprintf(&b, "- \"currency\": ISO 4217 code (default %q if the message names none)\n", req.DefaultCurrency)
	b.WriteString("- \"counterparty\": cleaned merchant or recipient name\n")
	b.WriteString("- \"card\": card or account label, empty string if absent\n")
	b.WriteString("- \"direction\": \"IN\" for money received, \"OUT\" for money spent\n")
	b.WriteString("- \"txn_type\": purchase, transfer, withdrawal, fee, salary, refund, payment or other\n")
	b.WriteString("- \"category\": one of the categories below\n")
	b.WriteString("- \"subcategory\": a subcategory from the list below\n")
	b.WriteString("- \"confidence\": \"high\", \"medium\" or \"low\"\n")
	b.WriteString("- \"reasoning\": one short sentence\n")
	b.WriteString("- \"skip\": true if the message is not a completed transaction (OTP, marketing, declined, balance alert)\n")
	b.WriteString("- \"skip_reason\": why it was skipped, empty string otherwise\n\n")

	b.WriteString(categoriesSection())

	if s := patternsSection(req.Patterns); s != "" {
		b.WriteString(s)
	}
	if len(req.FamilyHints) > 0 {
		b.WriteString("Family members (transfers to them are Family / Family Support):\n")
		for _, name := range req.FamilyHints {
			b.WriteString("  - " + name + "\n")
		}
		b.WriteString("\n")
	}
	if s := factsSection(FoldFacts(req.Facts)); s != "" {
		b.WriteString(s)
	}

	b.WriteString("Time context:\n")
	fmt.Fprintf(&b, "  - local time: %s\n", req.OccurredAt.Format("2006-01-02 15:04"))
	fmt.Fprintf(&b, "  - weekday: %s (%s)\n", req.Time.Weekday, req.Time.TimeOfDay)
	if req.Time.IsWeekend {
		b.WriteString("  - weekend\n")
	}
	if req.Time.StartOfMonth {
		b.WriteString("  - start of month (salary and rent period)\n")
	}
	if req.Time.EndOfMonth {
		b.WriteString("  - end of month\n")
	}
	b.WriteString("\n")

	b.WriteString("If you are unsure, use category \"Other\", subcategory \"Uncategorized\" and confidence \"low\".\n")
	b.WriteString("Return ONLY valid raw JSON. Output must begin with \"{\" and end with \"}\".\n\n")

	b.WriteString("Message:\n")
	b.WriteString(req.Text)
	b.WriteString("\n")

	return b.String()
}

func categoriesSection() string {
	groups := domain.KnownSubcategories()

	var b strings.Builder
	b.WriteString("Use ONLY the following Categories; prefer the listed Subcategories:\n\n")
	for _, c := range domain.Categories {
		b.WriteString(string(c) + ":\n")
		for _, s := range groups[c] {
			b.WriteString("  - " + s + "\n")
		}
	}
	b.WriteString("\n")
	return b.String()
}

func patternsSection(patterns []*domain.MerchantPattern) string {
	if len(patterns) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Known merchants for this user (pattern -> name, category / subcategory):\n")
	for i, p := range patterns {
		if i == maxPromptPatterns {
			break
		}
		name := p.ConsolidatedName
		if name == "" {
			name = p.DisplayName
		}
		if name == "" {
			name = p.Pattern
		}
		fmt.Fprintf(&b, "  - %s -> %s, %s / %s\n", p.Pattern, name, p.Category, p.Subcategory)
	}
	b.WriteString("\n")
	return b.String()
}

var factHeadings = map[domain.FactType]string{
	domain.FactIncome:     "Income",
	domain.FactPayee:      "Known payees",
	domain.FactCorrection: "Past corrections (wrong -> right)",
	domain.FactPreference: "Preferences",
	domain.FactRule:       "Rules (narrower than merchant patterns, apply first)",
}

func factsSection(facts []*domain.ContextFact) string {
	if len(facts) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("User context:\n")
	var current domain.FactType
	for _, f := range facts {
		if f.Type != current {
			current = f.Type
			heading, ok := factHeadings[f.Type]
			if !ok {
				heading = string(f.Type)
			}
			b.WriteString(heading + ":\n")
		}
		line := fmt.Sprintf("  - %s -> %s", f.Key, f.Value)
		if f.Details != "" {
			line += " (" + f.Details + ")"
		}
		b.WriteString(line + "\n")
	}
	b.WriteString("\n")
	return b.String()
}
