package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Rhymond/go-money"
	"github.com/dvloznov/smsledger/internal/domain"
	"github.com/shopspring/decimal"
)

// ParseAmount converts a loosely typed model amount into a decimal.
// Numeric strings with thousands separators are accepted.
func ParseAmount(v any) (decimal.Decimal, error) {
	switch a := v.(type) {
	case nil:
		return decimal.Zero, &ValidationError{Field: "amount", Reason: "missing"}
	case json.Number:
		return parseDecimal(a.String())
	case float64:
		return decimal.NewFromFloat(a), nil
	case int:
		return decimal.NewFromInt(int64(a)), nil
	case int64:
		return decimal.NewFromInt(a), nil
	case string:
		return parseDecimal(a)
	default:
		return decimal.Zero, &ValidationError{Field: "amount", Reason: fmt.Sprintf("unsupported type %T", v)}
	}
}

func parseDecimal(s string) (decimal.Decimal, error) {
	clean := strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	d, err := decimal.NewFromString(clean)
	if err != nil {
		return decimal.Zero, &ValidationError{Field: "amount", Reason: fmt.Sprintf("not a number: %q", s)}
	}
	return d, nil
}

// ValidateCurrency normalizes an ISO 4217 code, defaulting when empty.
func ValidateCurrency(code, fallback string) (*money.Currency, error) {
	c := strings.ToUpper(strings.TrimSpace(code))
	if c == "" {
		c = strings.ToUpper(fallback)
	}
	cur := money.GetCurrency(c)
	if cur == nil {
		return nil, &ValidationError{Field: "currency", Reason: fmt.Sprintf("unknown code %q", code)}
	}
	return cur, nil
}

// ParseDirection maps model direction labels onto IN/OUT.
func ParseDirection(s string) (domain.Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "IN", "CREDIT", "CREDITED", "RECEIVED":
		return domain.DirectionIn, nil
	case "OUT", "DEBIT", "DEBITED", "SPENT":
		return domain.DirectionOut, nil
	default:
		return "", &ValidationError{Field: "direction", Reason: fmt.Sprintf("must be IN or OUT, got %q", s)}
	}
}

// validateTransaction checks the fields a persisted row must carry.
// Amounts are stored unsigned and rounded to the currency's minor unit;
// a negative model amount implies OUT when no direction was given.
func validateTransaction(tx *domain.Transaction, rawAmount any, rawDirection, rawCurrency, defaultCurrency string) error {
	amount, err := ParseAmount(rawAmount)
	if err != nil {
		return err
	}
	if amount.IsZero() {
		return &ValidationError{Field: "amount", Reason: "must not be zero"}
	}
	if amount.IsNegative() && strings.TrimSpace(rawDirection) == "" {
		rawDirection = string(domain.DirectionOut)
	}

	dir, err := ParseDirection(rawDirection)
	if err != nil {
		return err
	}
	cur, err := ValidateCurrency(rawCurrency, defaultCurrency)
	if err != nil {
		return err
	}

	if _, ok := domain.ParseCategory(string(tx.Category)); !ok {
		return &ValidationError{Field: "category", Reason: fmt.Sprintf("unknown category %q", tx.Category)}
	}
	if tx.Confidence != domain.ConfidenceMatched && tx.Confidence != domain.ConfidenceCorrected && tx.Confidence.Rank() == 0 {
		return &ValidationError{Field: "confidence", Reason: fmt.Sprintf("unknown label %q", tx.Confidence)}
	}

	tx.Amount = amount.Abs().Round(int32(cur.Fraction))
	tx.Currency = cur.Code
	tx.Direction = dir
	return nil
}
