package points

import "context"

// Store is the persistence contract used by Service and Ingestor. The store
// is the sole source of truth; any in-process cache layered on top is a
// best-effort accelerator only.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	// Wallets. Created on first reference, never deleted, mutated only
	// through UpdateWalletBalances under a version check.
	GetOrCreateWallet(ctx context.Context, ownerID OwnerID, ownerType OwnerType) (Wallet, error)
	GetWallet(ctx context.Context, ownerID OwnerID, ownerType OwnerType) (Wallet, error)
	UpdateWalletBalances(ctx context.Context, walletID string, expectedVersion int64, available Points, escrow Points, earned Points) error
	ListWallets(ctx context.Context, limit int, offset int) ([]Wallet, error)

	// Ledger entries. Append-only; uniqueness on (idempotency key, operation type).
	InsertEntry(ctx context.Context, input EntryInput) (Entry, error)
	GetEntryByOperation(ctx context.Context, key IdempotencyKey, operationType OperationScope) (Entry, bool, error)
	ListEntries(ctx context.Context, filter EntryFilter) ([]Entry, error)
	ListWalletEntries(ctx context.Context, walletID string, asOfUnixUTC int64) ([]Entry, error)

	// Escrow items. One-way transitions enforced by compare-and-set closes.
	CreateEscrow(ctx context.Context, escrow EscrowItem) error
	GetEscrowForUpdate(ctx context.Context, escrowID string) (EscrowItem, error)
	CloseEscrow(ctx context.Context, escrowID string, from EscrowStatus, to EscrowStatus, processedUnixUTC int64) error

	// Reservations.
	CreateReservation(ctx context.Context, reservation Reservation) error
	GetReservationForUpdate(ctx context.Context, reservationID string) (Reservation, error)
	UpdateReservationStatus(ctx context.Context, reservationID string, from ReservationStatus, to ReservationStatus) error
	ListExpiredReservations(ctx context.Context, nowUnixUTC int64, limit int) ([]Reservation, error)

	// Idempotency records. A started record claims the (key, scope) pair;
	// UpdateIdempotencyRecord completes it and DeleteIdempotencyRecord
	// releases an aborted claim.
	GetIdempotencyRecord(ctx context.Context, key IdempotencyKey, scope OperationScope) (IdempotencyRecord, bool, error)
	CreateIdempotencyRecord(ctx context.Context, record IdempotencyRecord) error
	UpdateIdempotencyRecord(ctx context.Context, key IdempotencyKey, scope OperationScope, status IdempotencyStatus, responseBody []byte) error
	DeleteIdempotencyRecord(ctx context.Context, key IdempotencyKey, scope OperationScope) error
	PurgeExpiredIdempotencyRecords(ctx context.Context, nowUnixUTC int64, limit int) (int64, error)

	// Ingest events and dead letters. A claim flips a due queued event to
	// processing and restamps next_attempt_at with the claim time; processing
	// events whose stamp is at or before staleBeforeUnixUTC are abandoned
	// claims and get re-claimed.
	CreateIngestEvent(ctx context.Context, event IngestEvent) error
	GetIngestEvent(ctx context.Context, eventID string) (IngestEvent, error)
	ClaimDueIngestEvents(ctx context.Context, nowUnixUTC int64, staleBeforeUnixUTC int64, limit int) ([]IngestEvent, error)
	UpdateIngestEvent(ctx context.Context, eventID string, status IngestStatus, attempts int, nextAttemptUnixUTC int64, lastError string) error
	CreateDLQEntry(ctx context.Context, entry DLQEntry) error
	ListDLQEntries(ctx context.Context, eventType string, replayableOnly bool, limit int) ([]DLQEntry, error)
	RecordDLQReplay(ctx context.Context, dlqID string, outcome string, replayable bool, reason string, nowUnixUTC int64) error
}
