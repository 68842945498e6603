package domain

import (
	"fmt"
	"time"
)

// FactType classifies a user context fact.
type FactType string

const (
	FactIncome     FactType = "income"
	FactPayee      FactType = "payee"
	FactCorrection FactType = "correction"
	FactPreference FactType = "preference"
	FactRule       FactType = "rule"
)

// ParseFactType validates a fact type name.
func ParseFactType(s string) (FactType, error) {
	switch t := FactType(s); t {
	case FactIncome, FactPayee, FactCorrection, FactPreference, FactRule:
		return t, nil
	default:
		return "", fmt.Errorf("unknown fact type %q", s)
	}
}

// Fact sources.
const (
	FactSourceUser       = "user"
	FactSourceCorrection = "correction"
)

// ContextFact is one entry of the append-only user context log.
type ContextFact struct {
	FactID    string
	OwnerID   string
	Type      FactType
	Key       string
	Value     string
	Details   string
	Source    string
	CreatedAt time.Time
}

// Credential is a revocable ingestion API key, stored only as a digest.
type Credential struct {
	CredentialID   string
	OwnerID        string
	KeyHash        string
	Label          string
	Timezone       string
	RevokedAt      *time.Time
	LastUsedAt     *time.Time
	LastUsedOrigin string
	CreatedAt      time.Time
}

// Active reports whether the credential has not been revoked.
func (c *Credential) Active() bool {
	return c.RevokedAt == nil
}
