package xerrors

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// ParsePGErrorCode extracts the Postgres error code, e.g. 23505 for unique_violation.
func ParsePGErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return "unknown"
}

// IsUniqueViolation reports whether err is a Postgres unique constraint violation.
func IsUniqueViolation(err error) bool {
	return ParsePGErrorCode(err) == "23505"
}

// Generic
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input provided")
	ErrInvalidState = errors.New("operation not allowed in current state")
)

// Tariff validation
var (
	ErrTariffTypeRequired    = errors.New("tariff type required")
	ErrUnknownTariffType     = errors.New("unknown tariff type")
	ErrUnknownPricingModel   = errors.New("unknown pricing model")
	ErrEffectiveDateRequired = errors.New("effective date required")
	ErrExpiryBeforeEffective = errors.New("expiry date must be after effective date")
	ErrQuantityNotPositive   = errors.New("quantity must be positive")
	ErrActorRequired         = errors.New("actor required for mutating operations")
	ErrReasonRequired        = errors.New("deactivation reason required")
)

// StateError is an ErrInvalidState carrying the tariff code the condition
// refers to, so callers can act on it (e.g. deactivate the conflicting tariff).
type StateError struct {
	Code   string // tariff code the violation names
	Detail string
}

func (e *StateError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Detail, e.Code)
	}
	return e.Detail
}

func (e *StateError) Unwrap() error { return ErrInvalidState }

// NewStateError builds a StateError naming the offending tariff code.
func NewStateError(code, detail string) *StateError {
	return &StateError{Code: code, Detail: detail}
}

// TransitionError is an ErrInvalidState for an illegal status transition.
type TransitionError struct {
	TariffCode string
	From, To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal status transition %s -> %s on tariff %s", e.From, e.To, e.TariffCode)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidState }

// ValidationError is an ErrInvalidInput with the offending field named.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Detail)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }
