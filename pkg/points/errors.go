package points

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the points service.
var (
	ErrInsufficientPoints       = errors.New("insufficient points")
	ErrVersionConflict          = errors.New("wallet version conflict")
	ErrIdempotencyConflict      = errors.New("idempotency key reused with different payload")
	ErrIdempotencyRace          = errors.New("idempotency record already created")
	ErrOperationInFlight        = errors.New("operation already in flight")
	ErrDuplicateExternalRef     = errors.New("external reference already used")
	ErrDuplicateEntry           = errors.New("duplicate ledger entry")
	ErrEscrowNotFound           = errors.New("unknown escrow")
	ErrReservationNotFound      = errors.New("unknown reservation")
	ErrReservationExists        = errors.New("reservation already exists")
	ErrAlreadyProcessed         = errors.New("already processed")
	ErrReservationExpired       = errors.New("reservation expired")
	ErrInvalidAuthorization     = errors.New("invalid authorization")
	ErrEventRejected            = errors.New("event rejected")
	ErrUnknownEventType         = errors.New("unknown event type")
	ErrIngestEventNotFound      = errors.New("unknown ingest event")
	ErrSettleAmountMismatch     = errors.New("settle amount does not match held amount")
	ErrPartialAmountMismatch    = errors.New("refund and settle amounts must sum to held amount")
	ErrWalletNotFound           = errors.New("unknown wallet")
	ErrInvalidPoints            = errors.New("invalid points amount")
	ErrInvalidOwnerID           = errors.New("invalid owner id")
	ErrInvalidOwnerType         = errors.New("invalid owner type")
	ErrInvalidIdempotencyKey    = errors.New("invalid idempotency key")
	ErrInvalidMetadataJSON      = errors.New("invalid metadata json")
	ErrInvalidBalanceState      = errors.New("invalid balance state")
	ErrInvalidStateTransition   = errors.New("invalid state transition")
	ErrInvalidReasonCode        = errors.New("invalid reason code")
	ErrInvalidEscrowStatus      = errors.New("invalid escrow status")
	ErrInvalidReservationStatus = errors.New("invalid reservation status")
	ErrInvalidReservationTTL    = errors.New("invalid reservation ttl")
	ErrInvalidEntry             = errors.New("invalid ledger entry")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
	ErrInvalidAuthorizerConfig  = errors.New("invalid authorizer config")
	ErrInvalidIngestorConfig    = errors.New("invalid ingestor config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// Retryable reports whether a caller may retry the failed operation later.
// Validation, balance, state-machine, and authorization failures are final.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrVersionConflict),
		errors.Is(err, ErrOperationInFlight),
		errors.Is(err, ErrIdempotencyRace):
		return true
	}
	return false
}
