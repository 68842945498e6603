package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the money flow of a transaction relative to the owner.
type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
)

// Confidence labels a categorization. high/medium/low come from the model,
// matched/corrected from rule-based resolution.
type Confidence string

const (
	ConfidenceHigh      Confidence = "high"
	ConfidenceMedium    Confidence = "medium"
	ConfidenceLow       Confidence = "low"
	ConfidenceMatched   Confidence = "matched"
	ConfidenceCorrected Confidence = "corrected"
)

// Rank orders model confidence labels: high=3, medium=2, low=1.
// Rule-based labels and unknown values rank 0.
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceHigh:
		return 3
	case ConfidenceMedium:
		return 2
	case ConfidenceLow:
		return 1
	default:
		return 0
	}
}

// Ingestion modes recorded on every transaction.
const (
	ModeShortcut = "shortcut"
	ModeBatch    = "batch"
)

// Transaction represents one financial event extracted from a bank SMS.
// The pair (OwnerID, IdempotencyKey) is unique whenever the key is set.
type Transaction struct {
	TransactionID string
	OwnerID       string

	OccurredAt time.Time
	Amount     decimal.Decimal
	Currency   string

	Counterparty string
	Card         string
	Direction    Direction
	TxnType      string

	Category    Category
	Subcategory string
	Confidence  Confidence

	Context TransactionContext
	RawText string

	IdempotencyKey string
	Model          string
	Mode           string

	CreatedAt time.Time
	UpdatedAt *time.Time
}

// TransactionContext is the free-form context persisted alongside a transaction.
type TransactionContext struct {
	Reasoning string      `json:"reasoning,omitempty"`
	Time      TimeContext `json:"time"`
}

// TimeContext holds the calendar features derived from a transaction timestamp.
type TimeContext struct {
	Hour         int    `json:"hour"`
	Weekday      string `json:"weekday"`
	TimeOfDay    string `json:"time_of_day"`
	IsWeekend    bool   `json:"is_weekend"`
	StartOfMonth bool   `json:"start_of_month"`
	EndOfMonth   bool   `json:"end_of_month"`
}

// IsUncategorized reports whether the transaction still needs a category.
func (t *Transaction) IsUncategorized() bool {
	return IsUncategorized(t.Category, t.Subcategory)
}
