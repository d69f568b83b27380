// Package continuity chains the named, crash-sensitive steps of an
// archive write (encode, register in the index, flush) so that the
// first failing step stops every step after it and reports which named
// step broke, instead of a bare error with no indication of how far the
// write-register-flush ordering got before it failed.
package continuity

import (
	"fmt"
	"strings"
)

// Sequence runs a series of named steps in order, stopping at the first
// one that fails. It is used by archive.WriteAtomic, compact.Run, and
// fileindex.Index.Flush to keep the "write before register, register
// before flush, flush before mutating sources" ordering spec.md §5
// requires from silently running out of order.
type Sequence struct {
	failedAt StepErrors
}

// StepErrors collects the errors of every step that failed in a
// Sequence. In practice Thenf and Then both stop at the first failure,
// so this rarely holds more than one entry; Then can report several at
// once when a single step produces more than one error.
type StepErrors []error

func (e StepErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	errs := make([]string, len(e))
	for i, err := range e {
		errs[i] = err.Error()
	}
	return "multiple step failures: " + strings.Join(errs, ", ")
}

// New starts an empty Sequence.
func New() *Sequence {
	return new(Sequence)
}

// Thenf runs f as the step named name, unless an earlier step in the
// sequence already failed. A failing f's error is wrapped with name so
// Err reports which step broke.
func (s *Sequence) Thenf(name string, f func() error) *Sequence {
	if len(s.failedAt) > 0 {
		return s
	}
	if err := f(); err != nil {
		s.failedAt = append(s.failedAt, fmt.Errorf("%s: %w", name, err))
	}
	return s
}

// Then records errs as the step named name, unless an earlier step in
// the sequence already failed. Nil errors are discarded.
func (s *Sequence) Then(name string, errs ...error) *Sequence {
	if len(s.failedAt) > 0 {
		return s
	}
	nonNil := nonNilErrors(errs...)
	for _, err := range nonNil {
		s.failedAt = append(s.failedAt, fmt.Errorf("%s: %w", name, err))
	}
	return s
}

func nonNilErrors(errs ...error) []error {
	var out []error
	for _, err := range errs {
		if err != nil {
			out = append(out, err)
		}
	}
	return out
}

// Err returns nil if every step in the sequence succeeded, or the
// error(s) of the first step that failed.
func (s *Sequence) Err() error {
	if len(s.failedAt) == 0 {
		return nil
	}
	return s.failedAt
}
