package archive

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dvloznov/smsledger/internal/extract"
)

// MockStorageService is a mock implementation of StorageService for testing.
type MockStorageService struct {
	WriteObjectFunc func(ctx context.Context, bucket, object string, data []byte, contentType string) error
	ReadObjectFunc  func(ctx context.Context, uri string) ([]byte, error)
}

func (m *MockStorageService) WriteObject(ctx context.Context, bucket, object string, data []byte, contentType string) error {
	if m.WriteObjectFunc != nil {
		return m.WriteObjectFunc(ctx, bucket, object, data, contentType)
	}
	return nil
}

func (m *MockStorageService) ReadObject(ctx context.Context, uri string) ([]byte, error) {
	if m.ReadObjectFunc != nil {
		return m.ReadObjectFunc(ctx, uri)
	}
	return nil, errors.New("not implemented")
}

func (m *MockStorageService) Close() error { return nil }

func TestArchiveAndFetch(t *testing.T) {
	objects := map[string][]byte{}
	mock := &MockStorageService{
		WriteObjectFunc: func(ctx context.Context, bucket, object string, data []byte, contentType string) error {
			if contentType != "application/json" {
				t.Errorf("contentType = %s", contentType)
			}
			objects["gs://"+bucket+"/"+object] = data
			return nil
		},
		ReadObjectFunc: func(ctx context.Context, uri string) ([]byte, error) {
			data, ok := objects[uri]
			if !ok {
				return nil, errors.New("object not found")
			}
			return data, nil
		},
	}

	a := NewArchiver(mock, "sms-outputs")
	a.now = func() time.Time { return time.Date(2025, 3, 6, 8, 30, 0, 0, time.UTC) }

	attempts := []extract.Attempt{
		{Model: "fast", Raw: `{"confidence":"low"}`},
		{Model: "strong", Raw: "overloaded", Err: errors.New("invalid JSON")},
	}
	if err := a.Archive(context.Background(), "owner-1", "abc123", attempts); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if _, ok := objects["gs://sms-outputs/model-outputs/owner-1/abc123.json"]; !ok {
		t.Fatalf("unexpected objects: %v", objects)
	}

	rec, err := a.Fetch(context.Background(), "owner-1", "abc123")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(rec.Attempts) != 2 || rec.Attempts[1].Error != "invalid JSON" || rec.Attempts[0].Error != "" {
		t.Errorf("record = %+v", rec)
	}
	if !rec.ArchivedAt.Equal(a.now()) {
		t.Errorf("ArchivedAt = %v", rec.ArchivedAt)
	}
}

func TestArchive_Errors(t *testing.T) {
	a := NewArchiver(&MockStorageService{WriteObjectFunc: func(ctx context.Context, bucket, object string, data []byte, contentType string) error {
		return errors.New("permission denied")
	}}, "b")

	if err := a.Archive(context.Background(), "owner-1", "", nil); err == nil {
		t.Error("expected error for missing key")
	}
	err := a.Archive(context.Background(), "owner-1", "k", nil)
	if err == nil || !strings.Contains(err.Error(), "permission denied") {
		t.Errorf("expected wrapped storage error, got %v", err)
	}
}

func TestParseURI(t *testing.T) {
	tests := []struct {
		uri     string
		bucket  string
		object  string
		wantErr bool
	}{
		{"gs://bucket/a/b.json", "bucket", "a/b.json", false},
		{"gs://bucket", "", "", true},
		{"s3://bucket/a", "", "", true},
		{"gs:///a", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			b, o, err := ParseURI(tt.uri)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if b != tt.bucket || o != tt.object {
				t.Errorf("got %s, %s", b, o)
			}
		})
	}
}
