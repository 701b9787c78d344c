package ingestion

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is checks.
var (
	// ErrFormat matches every input that is not recognizable JSON or NDJSON.
	ErrFormat = errors.New("unrecognized input format")

	// ErrAmbiguousMultiObject matches back-to-back objects that are neither
	// wrapped in an array nor separated by newlines.
	ErrAmbiguousMultiObject = errors.New("multiple JSON objects without array or newline separation")
)

// FormatErrorKind says why an input was rejected.
type FormatErrorKind string

const (
	KindNotJSON              FormatErrorKind = "not_json"
	KindArraySyntax          FormatErrorKind = "array_syntax"
	KindNoObjects            FormatErrorKind = "no_objects"
	KindAmbiguousMultiObject FormatErrorKind = "ambiguous_multi_object"
	KindUnsupportedInput     FormatErrorKind = "unsupported_input"
)

const ambiguousGuidance = "found several JSON objects back to back; " +
	"wrap them in a JSON array ([{...}, {...}]) or put exactly one object per line (NDJSON)"

// FormatError is a batch-wide rejection of the input.
type FormatError struct {
	Kind   FormatErrorKind
	Detail string
	Err    error
}

func (e *FormatError) Error() string {
	msg := fmt.Sprintf("invalid input (%s): %s", e.Kind, e.Detail)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FormatError) Unwrap() error { return e.Err }

// Is makes every FormatError match ErrFormat, and the ambiguous kind also
// match ErrAmbiguousMultiObject.
func (e *FormatError) Is(target error) bool {
	switch target {
	case ErrFormat:
		return true
	case ErrAmbiguousMultiObject:
		return e.Kind == KindAmbiguousMultiObject
	default:
		return false
	}
}

func newFormatError(kind FormatErrorKind, detail string, err error) *FormatError {
	return &FormatError{Kind: kind, Detail: detail, Err: err}
}
