package domain

import (
	"errors"
	"fmt"
)

// DomainError represents a domain-specific error with a code and message.
// Code is the coarse category used for transport mapping; Kind names the
// precise failure so callers can branch on it.
type DomainError struct {
	Code    string
	Kind    Kind
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is matches another DomainError by Kind, so sentinel comparisons work with
// errors.Is regardless of message.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	if t.Kind != "" {
		return e.Kind == t.Kind
	}
	return e.Code == t.Code
}

// Error codes
const (
	ErrCodeNotFound   = "NOT_FOUND"
	ErrCodeValidation = "VALIDATION_ERROR"
	ErrCodeConflict   = "CONFLICT"
	ErrCodeExternal   = "EXTERNAL_ERROR"
	ErrCodeInternal   = "INTERNAL_ERROR"
)

// Kind identifies a specific failure.
type Kind string

const (
	KindDuplicateCode       Kind = "DUPLICATE_CODE"
	KindGenerationExhausted Kind = "GENERATION_EXHAUSTED"
	KindCodeNotFound        Kind = "CODE_NOT_FOUND"
	KindCodeNotActive       Kind = "CODE_NOT_ACTIVE"
	KindCodeNotYetValid     Kind = "CODE_NOT_YET_VALID"
	KindCodeExpired         Kind = "CODE_EXPIRED"
	KindUsageLimitReached   Kind = "USAGE_LIMIT_REACHED"
	KindCodeInUse           Kind = "CODE_IN_USE"
	KindInvalidCode         Kind = "INVALID_CODE"

	KindUnknownUser     Kind = "UNKNOWN_USER"
	KindAlreadyRedeemed Kind = "ALREADY_REDEEMED"
	KindSelfRedemption  Kind = "SELF_REDEMPTION"
	KindInvalidAmount   Kind = "INVALID_AMOUNT"

	KindReferrerNotFound Kind = "REFERRER_NOT_FOUND"
	KindAccountMismatch  Kind = "ACCOUNT_MISMATCH"
	KindAccountNotReady  Kind = "ACCOUNT_NOT_READY"
	KindNoBalance        Kind = "NO_BALANCE"
	KindRequestNotFound  Kind = "REQUEST_NOT_FOUND"
	KindNotPending       Kind = "NOT_PENDING"
	KindPayoutInProgress Kind = "PAYOUT_IN_PROGRESS"
	KindBalanceChanged   Kind = "BALANCE_CHANGED"

	KindUserNotFound   Kind = "USER_NOT_FOUND"
	KindAlreadyApplied Kind = "ALREADY_APPLIED"
	KindInvalidRole    Kind = "INVALID_ROLE"
	KindInvalidInput   Kind = "INVALID_INPUT"

	KindTransferFailed   Kind = "TRANSFER_FAILED"
	KindTransferRejected Kind = "TRANSFER_REJECTED"
	KindStorage        Kind = "STORAGE"
)

// Sentinels for errors.Is comparisons.
var (
	ErrDuplicateCode       = &DomainError{Code: ErrCodeConflict, Kind: KindDuplicateCode}
	ErrGenerationExhausted = &DomainError{Code: ErrCodeConflict, Kind: KindGenerationExhausted}
	ErrNoSuchCode          = &DomainError{Code: ErrCodeNotFound, Kind: KindCodeNotFound}
	ErrCodeNotActive       = &DomainError{Code: ErrCodeValidation, Kind: KindCodeNotActive}
	ErrCodeNotYetValid     = &DomainError{Code: ErrCodeValidation, Kind: KindCodeNotYetValid}
	ErrCodeExpired         = &DomainError{Code: ErrCodeValidation, Kind: KindCodeExpired}
	ErrUsageLimitReached   = &DomainError{Code: ErrCodeValidation, Kind: KindUsageLimitReached}
	ErrCodeInUse           = &DomainError{Code: ErrCodeConflict, Kind: KindCodeInUse}
	ErrInvalidCode         = &DomainError{Code: ErrCodeValidation, Kind: KindInvalidCode}

	ErrUnknownUser     = &DomainError{Code: ErrCodeNotFound, Kind: KindUnknownUser}
	ErrAlreadyRedeemed = &DomainError{Code: ErrCodeConflict, Kind: KindAlreadyRedeemed}
	ErrSelfRedemption  = &DomainError{Code: ErrCodeValidation, Kind: KindSelfRedemption}
	ErrInvalidAmount   = &DomainError{Code: ErrCodeValidation, Kind: KindInvalidAmount}

	ErrReferrerNotFound = &DomainError{Code: ErrCodeNotFound, Kind: KindReferrerNotFound}
	ErrAccountMismatch  = &DomainError{Code: ErrCodeValidation, Kind: KindAccountMismatch}
	ErrAccountNotReady  = &DomainError{Code: ErrCodeValidation, Kind: KindAccountNotReady}
	ErrNoBalance        = &DomainError{Code: ErrCodeValidation, Kind: KindNoBalance}
	ErrRequestNotFound  = &DomainError{Code: ErrCodeNotFound, Kind: KindRequestNotFound}
	ErrNotPending       = &DomainError{Code: ErrCodeConflict, Kind: KindNotPending}
	ErrPayoutInProgress = &DomainError{Code: ErrCodeConflict, Kind: KindPayoutInProgress}
	ErrBalanceChanged   = &DomainError{Code: ErrCodeConflict, Kind: KindBalanceChanged}

	ErrUserNotFound   = &DomainError{Code: ErrCodeNotFound, Kind: KindUserNotFound}
	ErrAlreadyApplied = &DomainError{Code: ErrCodeConflict, Kind: KindAlreadyApplied}
	ErrInvalidRole    = &DomainError{Code: ErrCodeValidation, Kind: KindInvalidRole}

	ErrTransferFailed = &DomainError{Code: ErrCodeExternal, Kind: KindTransferFailed}

	// ErrTransferRejected means the processor refused the transfer outright
	// and no funds moved.
	ErrTransferRejected = &DomainError{Code: ErrCodeExternal, Kind: KindTransferRejected}
)

// New creates an error of the given kind, inheriting the code of its sentinel.
func New(sentinel *DomainError, msg string) error {
	return &DomainError{Code: sentinel.Code, Kind: sentinel.Kind, Message: msg}
}

// Wrap is New with an underlying cause.
func Wrap(sentinel *DomainError, msg string, err error) error {
	return &DomainError{Code: sentinel.Code, Kind: sentinel.Kind, Message: msg, Err: err}
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(resource string) error {
	return &DomainError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
	}
}

// NewValidationError creates a new validation error
func NewValidationError(msg string) error {
	return &DomainError{
		Code:    ErrCodeValidation,
		Kind:    KindInvalidInput,
		Message: msg,
	}
}

// NewConflictError creates a new conflict error
func NewConflictError(msg string) error {
	return &DomainError{
		Code:    ErrCodeConflict,
		Message: msg,
	}
}

// NewExternalError reports a failure of a third-party collaborator.
func NewExternalError(kind Kind, msg string, err error) error {
	return &DomainError{
		Code:    ErrCodeExternal,
		Kind:    kind,
		Message: msg,
		Err:     err,
	}
}

// NewStorageError wraps a persistence failure.
func NewStorageError(op string, err error) error {
	return &DomainError{
		Code:    ErrCodeInternal,
		Kind:    KindStorage,
		Message: op,
		Err:     err,
	}
}

// NewInternalError creates a new internal error
func NewInternalError(err error) error {
	return &DomainError{
		Code:    ErrCodeInternal,
		Message: "An internal error occurred",
		Err:     err,
	}
}

func asDomain(err error) (*DomainError, bool) {
	var de *DomainError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	de, ok := asDomain(err)
	return ok && de.Code == ErrCodeNotFound
}

// IsValidation checks if the error is a validation error
func IsValidation(err error) bool {
	de, ok := asDomain(err)
	return ok && de.Code == ErrCodeValidation
}

// IsConflict checks if the error is a conflict error
func IsConflict(err error) bool {
	de, ok := asDomain(err)
	return ok && de.Code == ErrCodeConflict
}

// IsExternal checks if the error came from an external collaborator
func IsExternal(err error) bool {
	de, ok := asDomain(err)
	return ok && de.Code == ErrCodeExternal
}

// GetErrorCode extracts the error code from a domain error
func GetErrorCode(err error) string {
	if de, ok := asDomain(err); ok {
		return de.Code
	}
	return ErrCodeInternal
}

// GetKind extracts the failure kind, empty for non-domain errors.
func GetKind(err error) Kind {
	if de, ok := asDomain(err); ok {
		return de.Kind
	}
	return ""
}
