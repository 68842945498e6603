package pipeline

import "fmt"

// AuthenticationError fails a whole ingestion batch: the credential was
// missing, unknown or revoked.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return "authentication failed: " + e.Reason
}

// ValidationError reports a missing or malformed required field after extraction.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ExtractionError wraps an unreachable extraction service or unparseable output.
type ExtractionError struct {
	Err error
}

func (e *ExtractionError) Error() string {
	return "extraction failed: " + e.Err.Error()
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}
