package domain

import (
	"strings"
	"time"
)

// Pattern sources.
const (
	PatternSourceCorrection = "correction"
	PatternSourceLearned    = "learned"
	PatternSourceImport     = "import"
)

// MerchantPattern is a learned mapping from a lower-cased substring to a
// display name, consolidated name and category. Unique per (OwnerID, Pattern).
type MerchantPattern struct {
	PatternID        string
	OwnerID          string
	Pattern          string
	DisplayName      string
	ConsolidatedName string
	Category         Category
	Subcategory      string
	Source           string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NormalizePattern lower-cases and trims a counterparty into pattern form.
func NormalizePattern(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Matches reports whether the pattern is a substring of the counterparty or the raw message.
func (p *MerchantPattern) Matches(counterparty, rawText string) bool {
	pat := NormalizePattern(p.Pattern)
	if pat == "" {
		return false
	}
	if strings.Contains(strings.ToLower(counterparty), pat) {
		return true
	}
	return strings.Contains(strings.ToLower(rawText), pat)
}

// Recipient is a known transfer recipient, usually a family member.
type Recipient struct {
	OwnerID     string
	Phone       string
	BankAccount string
	ShortName   string
	LongName    string
	IsFamily    bool
}

// Matches reports whether any identifying field of the recipient appears in the counterparty or message.
func (r *Recipient) Matches(counterparty, rawText string) bool {
	haystacks := []string{strings.ToLower(counterparty), strings.ToLower(rawText)}
	for _, needle := range []string{r.ShortName, r.LongName, r.Phone, r.BankAccount} {
		n := strings.ToLower(strings.TrimSpace(needle))
		if len(n) < 3 {
			continue
		}
		for _, h := range haystacks {
			if strings.Contains(h, n) {
				return true
			}
		}
	}
	return false
}

// DisplayName returns the best human name for the recipient.
func (r *Recipient) DisplayName() string {
	if r.LongName != "" {
		return r.LongName
	}
	return r.ShortName
}
