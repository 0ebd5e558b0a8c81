package artifact

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrConversion             = errors.New("conversion_error")
	ErrInvalidPruningFraction = errors.New("invalid_pruning_fraction")
	ErrFormatMismatch         = errors.New("artifact_format_mismatch")
	ErrPersistence            = errors.New("persistence_error")
	ErrInvalidSpec            = errors.New("invalid_spec")
)

// ConversionError reports a layer or operation that cannot be exported, or
// a sample whose shape does not fit the model signature.
type ConversionError struct {
	Layer    string
	Op       string
	Expected []int
	Actual   []int
	Reason   string
}

func (e *ConversionError) Error() string {
	var b strings.Builder
	b.WriteString("conversion failed")
	if e.Layer != "" {
		fmt.Fprintf(&b, " at layer %s", e.Layer)
	}
	if e.Op != "" {
		fmt.Fprintf(&b, " (op %s)", e.Op)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Expected != nil || e.Actual != nil {
		fmt.Fprintf(&b, ": expected shape %v, got %v", e.Expected, e.Actual)
	}
	return b.String()
}

func (e *ConversionError) Unwrap() error { return ErrConversion }

// InvalidPruningFractionError reports a fraction outside [0, 1) or one that
// would leave a layer without heads. Layer is -1 when the fraction itself is
// out of range.
type InvalidPruningFractionError struct {
	Fraction float64
	Layer    int
	Heads    int
	Reason   string
}

func (e *InvalidPruningFractionError) Error() string {
	if e.Layer < 0 {
		return fmt.Sprintf("invalid pruning fraction %v: %s", e.Fraction, e.Reason)
	}
	return fmt.Sprintf("invalid pruning fraction %v for layer %d with %d heads: %s", e.Fraction, e.Layer, e.Heads, e.Reason)
}

func (e *InvalidPruningFractionError) Unwrap() error { return ErrInvalidPruningFraction }

// FormatMismatchError reports a stage given an input in a state it cannot
// consume.
type FormatMismatchError struct {
	Stage    string
	Path     string
	Expected []State
	Actual   State
}

func (e *FormatMismatchError) Error() string {
	want := make([]string, len(e.Expected))
	for i, s := range e.Expected {
		want[i] = string(s)
	}
	msg := fmt.Sprintf("%s: expected input %s, got %s", e.Stage, strings.Join(want, " or "), e.Actual)
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	return msg
}

func (e *FormatMismatchError) Unwrap() error { return ErrFormatMismatch }

// PersistenceError wraps a load or save failure. The underlying error stays
// reachable through errors.Is and errors.As.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// Persist wraps err as a PersistenceError unless it is nil or already one.
func Persist(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Path: path, Err: err}
}

// SpecError reports an unrecognised or out of range option.
type SpecError struct {
	Field      string
	Value      string
	Allowed    []string
	Suggestion string
}

func (e *SpecError) Error() string {
	msg := fmt.Sprintf("invalid %s %q", e.Field, e.Value)
	if len(e.Allowed) > 0 {
		msg += " (allowed: " + strings.Join(e.Allowed, ", ") + ")"
	}
	if e.Suggestion != "" {
		msg += fmt.Sprintf("; did you mean %q?", e.Suggestion)
	}
	return msg
}

func (e *SpecError) Unwrap() error { return ErrInvalidSpec }
