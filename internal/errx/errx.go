// Package errx composes sentinel errors with underlying causes so that callers
// can match on either side with errors.Is.
package errx

import "fmt"

// Wrap returns an error matching both sentinel and err.
// A nil err yields the sentinel itself.
func Wrap(sentinel, err error) error {
	if err == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

// With appends a formatted suffix to sentinel. The format is applied verbatim
// after the sentinel text, so it usually starts with ": " or " ".
func With(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w"+format, append([]any{sentinel}, args...)...)
}
