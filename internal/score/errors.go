package score

import "fmt"

// ValidationError reports a score fault at the call that introduced it.
// Validation failures never corrupt running playback state - they are
// surfaced to the caller and logged.
type ValidationError struct {
	// Field names the offending field or path (e.g. "sections[2].start").
	Field string

	// Message is a human-readable description.
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid score: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("invalid score: %s", e.Message)
}

// Warning is a non-fatal diagnostic from validation, used for authoring
// mistakes the engine tolerates at runtime (overlapping section starts).
type Warning struct {
	Field   string
	Message string
}

// String formats the warning for CLI output.
func (w Warning) String() string {
	return fmt.Sprintf("%s: %s", w.Field, w.Message)
}
