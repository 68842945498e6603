package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dvloznov/smsledger/internal/domain"
)

// ErrMalformedResult marks a model response that is not a complete Result.
var ErrMalformedResult = errors.New("malformed extraction result")

// resultRequiredFields are the keys every model response must carry. The
// response schemas sent to the models declare the same list.
var resultRequiredFields = []string{
	"amount", "currency", "counterparty", "direction", "txn_type",
	"category", "subcategory", "confidence", "reasoning", "skip",
}

// Result is the structured output of one extraction call.
// Amount stays loosely typed so a non-numeric value can be reported by
// validation instead of failing the parse.
type Result struct {
	Amount       any    `json:"amount"`
	Currency     string `json:"currency"`
	Counterparty string `json:"counterparty"`
	Card         string `json:"card"`
	Direction    string `json:"direction"`
	TxnType      string `json:"txn_type"`
	Category     string `json:"category"`
	Subcategory  string `json:"subcategory"`
	Confidence   string `json:"confidence"`
	Reasoning    string `json:"reasoning"`
	Skip         bool   `json:"skip"`
	SkipReason   string `json:"skip_reason"`

	// Model is the identifier of the model that produced the result.
	Model string `json:"-"`
}

// ConfidenceLabel returns the normalized confidence label.
func (r *Result) ConfidenceLabel() domain.Confidence {
	return domain.Confidence(strings.ToLower(strings.TrimSpace(r.Confidence)))
}

// NeedsEscalation reports whether a stronger model should retry the message:
// low confidence, skipped or not, or a kept message with no usable subcategory.
func (r *Result) NeedsEscalation() bool {
	if r.ConfidenceLabel() == domain.ConfidenceLow {
		return true
	}
	if r.Skip {
		return false
	}
	sub := strings.TrimSpace(r.Subcategory)
	return sub == "" || strings.EqualFold(sub, domain.SubcategoryUncategorized)
}

// isVague reports whether the result carries no real categorization.
func (r *Result) isVague() bool {
	sub := strings.TrimSpace(r.Subcategory)
	if sub == "" || strings.EqualFold(sub, domain.SubcategoryUncategorized) {
		return true
	}
	cat := strings.TrimSpace(r.Category)
	return cat == "" || strings.EqualFold(cat, string(domain.CategoryOther))
}

// ParseResult decodes a model response into a Result. A missing required
// key or a mistyped field is an ErrMalformedResult; unknown fields are ignored.
// A required key may be null.
func ParseResult(raw string) (*Result, error) {
	clean := cleanModelJSON(raw)
	if clean == "" {
		return nil, fmt.Errorf("ParseResult: empty response from model: %w", ErrMalformedResult)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(clean), &fields); err != nil {
		return nil, fmt.Errorf("ParseResult: %w: unmarshal JSON: %v\nraw response: %s", ErrMalformedResult, err, raw)
	}
	var missing []string
	for _, key := range resultRequiredFields {
		if _, ok := fields[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("ParseResult: %w: missing %s", ErrMalformedResult, strings.Join(missing, ", "))
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(clean)))
	dec.UseNumber()

	var r Result
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("ParseResult: %w: %v", ErrMalformedResult, err)
	}
	return &r, nil
}

// cleanModelJSON strips Markdown fences and any text around the outermost JSON object.
func cleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```") {
		// Drop the first line (``` or ```json).
		idx := strings.Index(s, "\n")
		if idx == -1 {
			return ""
		}
		s = strings.TrimSpace(s[idx+1:])
	}
	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)

	if start := strings.Index(s, "{"); start != -1 {
		if end := strings.LastIndex(s, "}"); end > start {
			s = s[start : end+1]
		}
	}
	return strings.TrimSpace(s)
}
