package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/dvloznov/smsledger/internal/api/middleware"
	"github.com/dvloznov/smsledger/internal/domain"
	"github.com/dvloznov/smsledger/internal/pipeline"
	"github.com/shopspring/decimal"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Ingestor runs an ingestion batch.
type Ingestor interface {
	Ingest(ctx context.Context, req pipeline.IngestRequest) (*pipeline.IngestResult, error)
}

// Corrector applies a manual recategorization.
type Corrector interface {
	Correct(ctx context.Context, req pipeline.CorrectionRequest) (*pipeline.CorrectionResult, error)
}

// SyncChecker runs the incremental sync gate.
type SyncChecker interface {
	Check(ctx context.Context, ownerID string) (*pipeline.SyncReport, error)
}

// decodeJSON decodes a size-limited request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("empty body")
		}
		return err
	}
	return nil
}

// clientOrigin returns the caller address, preferring a proxy-supplied one.
func clientOrigin(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// TransactionView is the JSON shape of a transaction.
type TransactionView struct {
	TransactionID string                    `json:"transaction_id"`
	OccurredAt    time.Time                 `json:"occurred_at"`
	Amount        string                    `json:"amount"`
	Currency      string                    `json:"currency"`
	Counterparty  string                    `json:"counterparty"`
	Card          string                    `json:"card,omitempty"`
	Direction     domain.Direction          `json:"direction"`
	TxnType       string                    `json:"txn_type"`
	Category      domain.Category           `json:"category"`
	Subcategory   string                    `json:"subcategory"`
	Confidence    domain.Confidence         `json:"confidence"`
	Context       domain.TransactionContext `json:"context"`
	RawText       string                    `json:"raw_text"`
	Model         string                    `json:"model,omitempty"`
	Mode          string                    `json:"mode,omitempty"`
	// HomeAmount is set when the row's currency has a rate to HomeCurrency.
	HomeAmount   string `json:"home_amount,omitempty"`
	HomeCurrency string `json:"home_currency,omitempty"`
}

func newTransactionView(tx *domain.Transaction, fx *pipeline.FXTable) TransactionView {
	v := TransactionView{
		TransactionID: tx.TransactionID,
		OccurredAt:    tx.OccurredAt,
		Amount:        formatAmount(tx.Amount, tx.Currency),
		Currency:      tx.Currency,
		Counterparty:  tx.Counterparty,
		Card:          tx.Card,
		Direction:     tx.Direction,
		TxnType:       tx.TxnType,
		Category:      tx.Category,
		Subcategory:   tx.Subcategory,
		Confidence:    tx.Confidence,
		Context:       tx.Context,
		RawText:       tx.RawText,
		Model:         tx.Model,
		Mode:          tx.Mode,
	}
	if fx != nil {
		if home, ok := fx.Convert(tx.Amount, tx.Currency); ok {
			v.HomeAmount = formatAmount(home, fx.Home())
			v.HomeCurrency = fx.Home()
		}
	}
	return v
}

// formatAmount renders an amount with the currency's minor-unit digits,
// e.g. 7.00 QAR, 12.345 KWD, 500 JPY.
func formatAmount(amount decimal.Decimal, currency string) string {
	cur := money.GetCurrency(strings.ToUpper(strings.TrimSpace(currency)))
	if cur == nil {
		return amount.String()
	}
	return amount.StringFixed(int32(cur.Fraction))
}

// requireOwner writes 401 and returns false when no owner is authenticated.
func requireOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := middleware.OwnerFromContext(r.Context())
	if owner == "" {
		middleware.WriteError(w, http.StatusUnauthorized, "Not authenticated")
		return "", false
	}
	return owner, true
}
