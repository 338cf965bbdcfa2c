package multierror

import (
	"errors"
	"fmt"
	"strings"
)

// MultiError collects several independent errors and exposes them as one.
// It is handy in best-effort loops where processing should continue even
// when individual items fail, like configuration validation, so that users
// can see every problem at once.
//
// The optional context string is printed once at the top of the output.
type MultiError struct {
	context string
	errors  []error
}

// New creates an empty MultiError with an optional context label.
func New(context string) *MultiError {
	return &MultiError{context: context}
}

// Push adds an error to the collection. Nil errors are ignored.
func (m *MultiError) Push(err error) {
	if err == nil {
		return
	}
	m.errors = append(m.errors, err)
}

// HasErrors returns true when at least one error has been collected.
func (m *MultiError) HasErrors() bool {
	return len(m.errors) > 0
}

// Errors returns the errors collected, in insertion order.
func (m *MultiError) Errors() []error {
	return m.errors
}

// Context returns the context label (may be empty).
func (m *MultiError) Context() string {
	return m.context
}

// ErrorOrNil returns the MultiError itself when it contains errors, nil
// otherwise, so that callers can return it directly.
func (m *MultiError) ErrorOrNil() error {
	if m.HasErrors() {
		return m
	}
	return nil
}

func (m *MultiError) Error() string {
	var sb strings.Builder
	if m.context != "" {
		sb.WriteString(m.context)
		sb.WriteString(":\n")
	}
	for i, err := range m.errors {
		fmt.Fprintf(&sb, "  %2d. %s\n", i+1, err)
	}
	return sb.String()
}

// Unwrap makes the collected errors visible to errors.Is and errors.As.
func (m *MultiError) Unwrap() []error {
	return m.errors
}

// PrettyFormat returns a human-readable, depth-indented dump of the error
// provided, unfolding nested MultiErrors and printing the root cause of
// wrapped errors. The output is deterministic for the same input and is
// embedded verbatim in the feedback comments posted to pull requests.
func PrettyFormat(err error) string {
	var sb strings.Builder
	prettyFormat(&sb, err, 0)
	return sb.String()
}

func prettyFormat(sb *strings.Builder, err error, depth int) {
	indent := strings.Repeat("  ", depth)

	var merr *MultiError
	if errors.As(err, &merr) {
		if merr.context != "" {
			sb.WriteString(indent)
			sb.WriteString(merr.context)
			sb.WriteString("\n")
		}
		for _, sub := range merr.errors {
			prettyFormat(sb, sub, depth+1)
		}
		return
	}

	sb.WriteString(indent)
	sb.WriteString(err.Error())
	sb.WriteString("\n")

	// Walk the wrap chain to its root. Intermediate layers (like the stack
	// annotations pkg/errors adds) repeat the full message, so only a root
	// cause with a different message is worth printing.
	cause := err
	for {
		next := errors.Unwrap(cause)
		if next == nil {
			break
		}
		cause = next
	}
	if cause != err && cause.Error() != err.Error() {
		fmt.Fprintf(sb, "%s  = %s\n", indent, cause)
	}
}
