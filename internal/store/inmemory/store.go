package inmemory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dvloznov/smsledger/internal/domain"
	"github.com/dvloznov/smsledger/internal/store"
	"github.com/google/uuid"
)

// Store is an in-memory implementation of store.Store.
// It is safe for concurrent use. Data is lost on restart.
type Store struct {
	mu sync.RWMutex

	credentials  map[string]*domain.Credential // by credential id
	transactions []*domain.Transaction
	keys         map[string]struct{} // owner + "\x00" + idempotency key
	patterns     []*domain.MerchantPattern
	facts        []*domain.ContextFact
	recipients   []*domain.Recipient
	rates        map[string]*domain.FXRate // owner + "\x00" + currency

	now func() time.Time
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		credentials: make(map[string]*domain.Credential),
		keys:        make(map[string]struct{}),
		rates:       make(map[string]*domain.FXRate),
		now:         time.Now,
	}
}

func ownerKey(ownerID, key string) string {
	return ownerID + "\x00" + key
}

// ResolveCredential implements store.CredentialRepository.
func (s *Store) ResolveCredential(ctx context.Context, keyHash string) (*domain.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.credentials {
		if c.KeyHash == keyHash && c.Active() {
			cp := *c
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

// TouchCredential implements store.CredentialRepository.
func (s *Store) TouchCredential(ctx context.Context, credentialID string, at time.Time, origin string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.credentials[credentialID]
	if !ok {
		return fmt.Errorf("TouchCredential: %s: %w", credentialID, store.ErrNotFound)
	}
	t := at
	c.LastUsedAt = &t
	c.LastUsedOrigin = origin
	return nil
}

// SaveCredential implements store.CredentialRepository.
func (s *Store) SaveCredential(ctx context.Context, c *domain.Credential) error {
	if c.CredentialID == "" {
		c.CredentialID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *c
	s.credentials[c.CredentialID] = &cp
	return nil
}

// HasIdempotencyKey implements store.TransactionRepository.
func (s *Store) HasIdempotencyKey(ctx context.Context, ownerID, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.keys[ownerKey(ownerID, key)]
	return ok, nil
}

// InsertTransaction implements store.TransactionRepository.
func (s *Store) InsertTransaction(ctx context.Context, tx *domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.IdempotencyKey != "" {
		k := ownerKey(tx.OwnerID, tx.IdempotencyKey)
		if _, ok := s.keys[k]; ok {
			return store.ErrDuplicate
		}
		s.keys[k] = struct{}{}
	}
	if tx.TransactionID == "" {
		tx.TransactionID = uuid.New().String()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = s.now()
	}

	cp := *tx
	s.transactions = append(s.transactions, &cp)
	return nil
}

// ListTransactions implements store.TransactionRepository.
func (s *Store) ListTransactions(ctx context.Context, ownerID string, from, to time.Time) ([]*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Transaction
	for _, tx := range s.transactions {
		if tx.OwnerID != ownerID {
			continue
		}
		if !from.IsZero() && tx.OccurredAt.Before(from) {
			continue
		}
		if !to.IsZero() && !tx.OccurredAt.Before(to) {
			continue
		}
		cp := *tx
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].OccurredAt.Before(out[j].OccurredAt)
	})
	return out, nil
}

// ListUncategorized implements store.TransactionRepository.
func (s *Store) ListUncategorized(ctx context.Context, ownerID string, limit int) ([]*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Transaction
	for _, tx := range s.transactions {
		if tx.OwnerID != ownerID || tx.Confidence == domain.ConfidenceCorrected || !tx.IsUncategorized() {
			continue
		}
		cp := *tx
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// CountCoverage implements store.TransactionRepository.
func (s *Store) CountCoverage(ctx context.Context, ownerID string) (int64, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total, uncategorized int64
	for _, tx := range s.transactions {
		if tx.OwnerID != ownerID {
			continue
		}
		total++
		if tx.IsUncategorized() {
			uncategorized++
		}
	}
	return total, uncategorized, nil
}

// UpdateCategory implements store.TransactionRepository.
func (s *Store) UpdateCategory(ctx context.Context, ownerID, transactionID string, category domain.Category, subcategory string, confidence domain.Confidence) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tx := range s.transactions {
		if tx.OwnerID == ownerID && tx.TransactionID == transactionID {
			s.setCategory(tx, category, subcategory, confidence)
			return nil
		}
	}
	return fmt.Errorf("UpdateCategory: %s: %w", transactionID, store.ErrNotFound)
}

// RecategorizeByCounterparty implements store.TransactionRepository.
func (s *Store) RecategorizeByCounterparty(ctx context.Context, ownerID, pattern string, category domain.Category, subcategory string, confidence domain.Confidence) (int64, error) {
	pat := domain.NormalizePattern(pattern)
	if pat == "" {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, tx := range s.transactions {
		if tx.OwnerID != ownerID || !strings.Contains(strings.ToLower(tx.Counterparty), pat) {
			continue
		}
		s.setCategory(tx, category, subcategory, confidence)
		n++
	}
	return n, nil
}

func (s *Store) setCategory(tx *domain.Transaction, category domain.Category, subcategory string, confidence domain.Confidence) {
	now := s.now()
	tx.Category = category
	tx.Subcategory = subcategory
	tx.Confidence = confidence
	tx.UpdatedAt = &now
}

// ListMerchantPatterns implements store.PatternRepository.
func (s *Store) ListMerchantPatterns(ctx context.Context, ownerID string) ([]*domain.MerchantPattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.MerchantPattern
	for _, p := range s.patterns {
		if p.OwnerID == ownerID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

// UpsertMerchantPattern implements store.PatternRepository.
// An existing pattern keeps its position and creation time.
func (s *Store) UpsertMerchantPattern(ctx context.Context, p *domain.MerchantPattern) error {
	p.Pattern = domain.NormalizePattern(p.Pattern)
	if p.Pattern == "" {
		return fmt.Errorf("UpsertMerchantPattern: empty pattern")
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.patterns {
		if existing.OwnerID == p.OwnerID && existing.Pattern == p.Pattern {
			p.PatternID = existing.PatternID
			p.CreatedAt = existing.CreatedAt
			p.UpdatedAt = now
			*existing = *p
			return nil
		}
	}

	if p.PatternID == "" {
		p.PatternID = uuid.New().String()
	}
	p.CreatedAt = now
	p.UpdatedAt = now
	cp := *p
	s.patterns = append(s.patterns, &cp)
	return nil
}

// ListRecentFacts implements store.FactRepository.
func (s *Store) ListRecentFacts(ctx context.Context, ownerID string, limit int) ([]*domain.ContextFact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var owned []*domain.ContextFact
	for _, f := range s.facts {
		if f.OwnerID == ownerID {
			owned = append(owned, f)
		}
	}
	if limit > 0 && len(owned) > limit {
		owned = owned[len(owned)-limit:]
	}

	out := make([]*domain.ContextFact, 0, len(owned))
	for _, f := range owned {
		cp := *f
		out = append(out, &cp)
	}
	return out, nil
}

// AppendFact implements store.FactRepository.
func (s *Store) AppendFact(ctx context.Context, f *domain.ContextFact) error {
	if f.FactID == "" {
		f.FactID = uuid.New().String()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *f
	s.facts = append(s.facts, &cp)
	return nil
}

// ListRecipients implements store.RecipientRepository.
func (s *Store) ListRecipients(ctx context.Context, ownerID string) ([]*domain.Recipient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Recipient
	for _, r := range s.recipients {
		if r.OwnerID == ownerID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

// SaveRecipient implements store.RecipientRepository.
func (s *Store) SaveRecipient(ctx context.Context, r *domain.Recipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *r
	s.recipients = append(s.recipients, &cp)
	return nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	return nil
}

// ListFXRates implements store.FXRateRepository.
func (s *Store) ListFXRates(ctx context.Context, ownerID string) ([]*domain.FXRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.FXRate
	for _, r := range s.rates {
		if r.OwnerID == ownerID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}

// UpsertFXRate implements store.FXRateRepository.
func (s *Store) UpsertFXRate(ctx context.Context, r *domain.FXRate) error {
	r.Currency = domain.NormalizeCurrency(r.Currency)
	if r.Currency == "" {
		return fmt.Errorf("UpsertFXRate: empty currency")
	}
	r.UpdatedAt = s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *r
	s.rates[ownerKey(r.OwnerID, r.Currency)] = &cp
	return nil
}

// Ensure Store implements store.Store.
var _ store.Store = (*Store)(nil)
