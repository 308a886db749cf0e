package points

import "time"

const (
	operationHold          = "escrow_hold"
	operationSettle        = "escrow_settle"
	operationRefund        = "escrow_refund"
	operationPartialSettle = "escrow_partial_settle"
	operationReserve       = "reserve"
	operationCommit        = "commit"
	operationRelease       = "release"
	operationAdjust        = "adjust"
	operationExpire        = "expire"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	idempotencyKeyDelimiter = ":"
	idempotencySuffixDebit  = "debit"
	idempotencySuffixCredit = "credit"
	idempotencySuffixRefund = "refund"
	idempotencySuffixSettle = "settle"
	idempotencySuffixExpire = "expire"

	replayOutcomeSuccess = "success"
	replayOutcomeFailure = "failure"

	defaultCurrency = "PTS"

	defaultLockAttempts    = 4
	defaultLockBackoff     = 25 * time.Millisecond
	defaultRecordTTL       = 24 * time.Hour
	defaultMaxAttempts     = 3
	defaultIngestBackoff   = 30 * time.Second
	defaultClaimLimit      = 50
	defaultProcessingLease = 5 * time.Minute
	defaultTokenTTL        = 5 * time.Minute
)
