package billing

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every error produced by the engine matches exactly one of these through errors.Is.
var (
	ErrValidation      = errors.New("validation error")
	ErrNotFound        = errors.New("not found")
	ErrIntegrity       = errors.New("integrity error")
	ErrExternalService = errors.New("external service error")
	ErrConcurrency     = errors.New("concurrency conflict")
)

// Error carries an error kind together with the operation and entity it concerns
type Error struct {
	Kind   error
	Op     string
	Entity EntityType
	ID     int64
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Entity != "" {
		fmt.Fprintf(&b, "%s %d: ", e.Entity, e.ID)
	}
	switch {
	case e.Msg != "":
		b.WriteString(e.Msg)
	case e.Kind != nil:
		b.WriteString(e.Kind.Error())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the underlying cause to errors.Is/As
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Validation returns a ValidationError for malformed or missing input
func Validation(op, format string, args ...any) error {
	return &Error{Kind: ErrValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// NotFound returns a NotFoundError for a missing quote or invoice
func NotFound(op string, entity EntityType, id int64) error {
	return &Error{Kind: ErrNotFound, Op: op, Entity: entity, ID: id, Msg: "not found"}
}

// Integrity returns an IntegrityError for a violated invariant
func Integrity(op string, entity EntityType, id int64, format string, args ...any) error {
	return &Error{Kind: ErrIntegrity, Op: op, Entity: entity, ID: id, Msg: fmt.Sprintf(format, args...)}
}

// ExternalService wraps a failed call to a notifier or other collaborator
func ExternalService(op string, err error) error {
	return &Error{Kind: ErrExternalService, Op: op, Err: err}
}

// Concurrency returns a ConcurrencyError for a lost optimistic write
func Concurrency(op string, entity EntityType, id int64) error {
	return &Error{Kind: ErrConcurrency, Op: op, Entity: entity, ID: id, Msg: "row changed concurrently"}
}

// KindOf returns the sentinel kind of err, or nil if err carries none
func KindOf(err error) error {
	for _, kind := range []error{ErrValidation, ErrNotFound, ErrIntegrity, ErrExternalService, ErrConcurrency} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// KindName returns a short label for metrics and logs
func KindName(err error) string {
	switch KindOf(err) {
	case ErrValidation:
		return "validation"
	case ErrNotFound:
		return "not_found"
	case ErrIntegrity:
		return "integrity"
	case ErrExternalService:
		return "external_service"
	case ErrConcurrency:
		return "concurrency"
	default:
		return "internal"
	}
}
