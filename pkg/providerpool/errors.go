package providerpool

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoProviderAvailable means no healthy provider matched the
// selection criteria. Terminal for the current request.
var ErrNoProviderAvailable = errors.New("no provider available")

// AttemptError records one failed attempt against a named provider.
type AttemptError struct {
	Provider string
	Err      error
}

func (e AttemptError) Error() string {
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e AttemptError) Unwrap() error {
	return e.Err
}

// ExecuteError aggregates every attempt's failure after the retry budget
// is exhausted.
type ExecuteError struct {
	Attempts []AttemptError
}

func (e *ExecuteError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = a.Error()
	}
	return fmt.Sprintf("all %d provider attempts failed: %s", len(e.Attempts), strings.Join(parts, "; "))
}

// InvalidationError reports an invalidation broadcast that did not reach
// every healthy provider. The broadcast still counts as succeeded when
// at least one provider was invalidated.
type InvalidationError struct {
	Succeeded []string
	Failed    []AttemptError
}

func (e *InvalidationError) Error() string {
	parts := make([]string, len(e.Failed))
	for i, a := range e.Failed {
		parts[i] = a.Error()
	}
	return fmt.Sprintf("invalidation failed on %d of %d providers: %s",
		len(e.Failed), len(e.Failed)+len(e.Succeeded), strings.Join(parts, "; "))
}

// Partial reports whether the broadcast reached at least one provider.
func (e *InvalidationError) Partial() bool {
	return len(e.Succeeded) > 0
}
