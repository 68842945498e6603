// Package archive keeps the raw responses of extraction models so a
// questionable categorization can be traced back to what the model said.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/dvloznov/smsledger/internal/extract"
)

// AttemptRecord is one archived model call.
type AttemptRecord struct {
	Model string `json:"model"`
	Raw   string `json:"raw"`
	Error string `json:"error,omitempty"`
}

// Record is the archived document for one ingested message.
type Record struct {
	OwnerID        string          `json:"owner_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	ArchivedAt     time.Time       `json:"archived_at"`
	Attempts       []AttemptRecord `json:"attempts"`
}

// Archiver writes one JSON object per message to a bucket. Re-archiving the
// same message overwrites the previous object.
type Archiver struct {
	storage StorageService
	bucket  string
	now     func() time.Time
}

// NewArchiver creates an archiver writing to bucket.
func NewArchiver(storage StorageService, bucket string) *Archiver {
	return &Archiver{storage: storage, bucket: bucket, now: time.Now}
}

// ObjectName returns the object path of a message's record.
func ObjectName(ownerID, idempotencyKey string) string {
	return path.Join("model-outputs", ownerID, idempotencyKey+".json")
}

// URI returns the gs:// location of a message's record.
func (a *Archiver) URI(ownerID, idempotencyKey string) string {
	return "gs://" + a.bucket + "/" + ObjectName(ownerID, idempotencyKey)
}

// Archive stores the attempts made for one message.
func (a *Archiver) Archive(ctx context.Context, ownerID, idempotencyKey string, attempts []extract.Attempt) error {
	if idempotencyKey == "" {
		return fmt.Errorf("Archive: missing idempotency key")
	}

	rec := Record{
		OwnerID:        ownerID,
		IdempotencyKey: idempotencyKey,
		ArchivedAt:     a.now().UTC(),
		Attempts:       make([]AttemptRecord, 0, len(attempts)),
	}
	for _, at := range attempts {
		r := AttemptRecord{Model: at.Model, Raw: at.Raw}
		if at.Err != nil {
			r.Error = at.Err.Error()
		}
		rec.Attempts = append(rec.Attempts, r)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("Archive: marshaling record: %w", err)
	}
	if err := a.storage.WriteObject(ctx, a.bucket, ObjectName(ownerID, idempotencyKey), data, "application/json"); err != nil {
		return fmt.Errorf("Archive: %w", err)
	}
	return nil
}

// Fetch reads back the record of one message.
func (a *Archiver) Fetch(ctx context.Context, ownerID, idempotencyKey string) (*Record, error) {
	data, err := a.storage.ReadObject(ctx, a.URI(ownerID, idempotencyKey))
	if err != nil {
		return nil, fmt.Errorf("Fetch: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("Fetch: decoding record: %w", err)
	}
	return &rec, nil
}
