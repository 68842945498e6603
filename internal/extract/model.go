package extract

import "context"

// Model is one extraction backend. Generate sends the prompt and returns the
// raw response text; transport failures and empty responses are errors.
type Model interface {
	Name() string
	Generate(ctx context.Context, prompt string) (string, error)
}
