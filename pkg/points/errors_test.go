package points

import (
	"errors"
	"testing"
)

func TestWrapErrorCarriesSegments(test *testing.T) {
	test.Parallel()
	wrapped := WrapError("store", "wallet", "version_conflict", ErrVersionConflict)

	var operationError OperationError
	if !errors.As(wrapped, &operationError) {
		test.Fatalf("expected an OperationError, got %T", wrapped)
	}
	if operationError.Operation() != "store" || operationError.Subject() != "wallet" || operationError.Code() != "version_conflict" {
		test.Fatalf("unexpected segments: %s %s %s", operationError.Operation(), operationError.Subject(), operationError.Code())
	}
	if !errors.Is(wrapped, ErrVersionConflict) {
		test.Fatalf("wrapping must preserve the sentinel")
	}
}

func TestWrapErrorNilPassesThrough(test *testing.T) {
	test.Parallel()
	if WrapError("store", "wallet", "ok", nil) != nil {
		test.Fatalf("wrapping nil must stay nil")
	}
}

func TestRetryable(test *testing.T) {
	test.Parallel()
	cases := []struct {
		name      string
		err       error
		retryable bool
	}{
		{name: "nil", err: nil, retryable: false},
		{name: "version conflict", err: ErrVersionConflict, retryable: true},
		{name: "operation in flight", err: ErrOperationInFlight, retryable: true},
		{name: "idempotency race", err: ErrIdempotencyRace, retryable: true},
		{name: "wrapped version conflict", err: WrapError("store", "wallet", "conflict", ErrVersionConflict), retryable: true},
		{name: "insufficient points", err: ErrInsufficientPoints, retryable: false},
		{name: "idempotency conflict", err: ErrIdempotencyConflict, retryable: false},
		{name: "invalid authorization", err: ErrInvalidAuthorization, retryable: false},
		{name: "already processed", err: ErrAlreadyProcessed, retryable: false},
	}
	for _, testCase := range cases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if Retryable(testCase.err) != testCase.retryable {
				test.Fatalf("Retryable(%v) = %v, want %v", testCase.err, !testCase.retryable, testCase.retryable)
			}
		})
	}
}
