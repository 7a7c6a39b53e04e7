// Package errors implements the error taxonomy shared by the training and
// generation stages.
package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies an error by the handling policy it requires.
type Kind int

const (
	// KindInput indicates the training data could not be located or read.
	KindInput Kind = iota

	// KindVocabularyGap indicates a character outside the trained vocabulary.
	KindVocabularyGap

	// KindEmptyDataset indicates vectorization produced no complete window.
	KindEmptyDataset

	// KindNumericDegeneracy indicates a distribution that cannot be sampled.
	KindNumericDegeneracy

	// KindConfig indicates an invalid configuration value.
	KindConfig

	// KindCheckpoint indicates a checkpoint could not be written or read.
	KindCheckpoint
)

var kindNames = map[Kind]string{
	KindInput:             "input",
	KindVocabularyGap:     "vocabulary_gap",
	KindEmptyDataset:      "empty_dataset",
	KindNumericDegeneracy: "numeric_degeneracy",
	KindConfig:            "config",
	KindCheckpoint:        "checkpoint",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Fatal reports whether errors of this kind end the current run.
// Checkpoint failures are reported but training continues.
func (k Kind) Fatal() bool {
	return k != KindCheckpoint
}

// Error wraps an underlying error with a kind and diagnostic context.
type Error struct {
	Kind       Kind
	Op         string
	Message    string
	Underlying error
	Context    map[string]string
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(e.Kind.String())
	b.WriteString("] ")
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%s", k, e.Context[k])
		}
		b.WriteString(")")
	}
	if e.Underlying != nil {
		b.WriteString(": ")
		b.WriteString(e.Underlying.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Underlying
}

// Is matches any *Error of the same kind, so the sentinels below work with
// errors.Is regardless of message or context.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New creates an Error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{
		Kind:    kind,
		Op:      op,
		Message: message,
		Context: make(map[string]string),
	}
}

// Wrap creates an Error of the given kind around err. Returns nil if err is nil.
func Wrap(kind Kind, op, message string, err error) *Error {
	if err == nil {
		return nil
	}
	e := New(kind, op, message)
	e.Underlying = err
	return e
}

// With adds a context key-value pair to the error.
func (e *Error) With(key string, value any) *Error {
	e.Context[key] = fmt.Sprint(value)
	return e
}

// KindOf extracts the Kind from err, reporting false when err carries none.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsFatal reports whether err should end the run. Unclassified errors are fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	kind, ok := KindOf(err)
	if !ok {
		return true
	}
	return kind.Fatal()
}

// Sentinels for errors.Is checks.
var (
	ErrInput             = New(KindInput, "", "training data unavailable")
	ErrVocabularyGap     = New(KindVocabularyGap, "", "character not in vocabulary")
	ErrEmptyDataset      = New(KindEmptyDataset, "", "no complete training window")
	ErrNumericDegeneracy = New(KindNumericDegeneracy, "", "degenerate probability distribution")
	ErrConfig            = New(KindConfig, "", "invalid configuration")
	ErrCheckpoint        = New(KindCheckpoint, "", "checkpoint failure")
)

// VocabularyGap builds the diagnostic for a rune missing from the vocabulary.
// pos is the rune offset in the text being encoded.
func VocabularyGap(op string, r rune, pos int) *Error {
	return New(KindVocabularyGap, op, fmt.Sprintf("character %q not in vocabulary", r)).
		With("position", pos).
		With("codepoint", fmt.Sprintf("U+%04X", r))
}
