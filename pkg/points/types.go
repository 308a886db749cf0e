package points

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Points is an integer balance amount. Ledger entries store it signed;
// wallet balances and escrow amounts store it as a magnitude.
type Points int64

// Int64 returns the raw amount.
func (amount Points) Int64() int64 {
	return int64(amount)
}

// NewPositivePoints validates an amount and ensures it is strictly positive.
func NewPositivePoints(raw int64) (Points, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidPoints)
	}
	return Points(raw), nil
}

// OwnerID identifies a wallet owner.
type OwnerID struct {
	value string
}

// NewOwnerID validates and normalizes an owner id.
func NewOwnerID(raw string) (OwnerID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return OwnerID{}, fmt.Errorf("%w: empty value", ErrInvalidOwnerID)
	}
	return OwnerID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id OwnerID) String() string {
	return id.value
}

// MarshalJSON encodes the id as its raw string.
func (id OwnerID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.value)
}

// UnmarshalJSON restores an id persisted by MarshalJSON.
func (id *OwnerID) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	id.value = raw
	return nil
}

// IdempotencyKey scopes duplicate detection together with an OperationScope.
type IdempotencyKey struct {
	value string
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// MarshalJSON encodes the key as its raw string.
func (key IdempotencyKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(key.value)
}

// UnmarshalJSON restores a key persisted by MarshalJSON.
func (key *IdempotencyKey) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	key.value = raw
	return nil
}

// MetadataJSON stores arbitrary request metadata. Never personal data.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates a metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// MarshalJSON encodes the metadata as its raw string.
func (metadata MetadataJSON) MarshalJSON() ([]byte, error) {
	return json.Marshal(metadata.value)
}

// UnmarshalJSON restores metadata persisted by MarshalJSON.
func (metadata *MetadataJSON) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	metadata.value = raw
	return nil
}

// OwnerType distinguishes the two wallet populations.
type OwnerType string

const (
	OwnerTypeUser  OwnerType = "user"
	OwnerTypePayee OwnerType = "payee"
)

// ParseOwnerType validates an owner type.
func ParseOwnerType(raw string) (OwnerType, error) {
	switch OwnerType(raw) {
	case OwnerTypeUser, OwnerTypePayee:
		return OwnerType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidOwnerType, raw)
}

// String returns the stored representation.
func (ownerType OwnerType) String() string {
	return string(ownerType)
}

// BalanceState names the wallet balance an entry primarily applies to.
type BalanceState string

const (
	StateAvailable BalanceState = "available"
	StateEscrow    BalanceState = "escrow"
	StateEarned    BalanceState = "earned"
)

// ParseBalanceState validates a balance state.
func ParseBalanceState(raw string) (BalanceState, error) {
	switch BalanceState(raw) {
	case StateAvailable, StateEscrow, StateEarned:
		return BalanceState(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidBalanceState, raw)
}

// String returns the stored representation.
func (state BalanceState) String() string {
	return string(state)
}

// EntryDirection marks an entry as a credit or a debit of its primary state.
type EntryDirection string

const (
	DirectionCredit EntryDirection = "credit"
	DirectionDebit  EntryDirection = "debit"
)

// String returns the stored representation.
func (direction EntryDirection) String() string {
	return string(direction)
}

// StateTransition is a "from:to" label describing the balance movement an
// entry encodes. Endpoints outside the wallet (grants, settled funds, spent
// reservations) use the external/settled/committed pseudo-states; folding a
// wallet's entries over these labels reproduces its stored balances.
type StateTransition string

const (
	TransitionExternalToAvailable StateTransition = "external:available"
	TransitionAvailableToExternal StateTransition = "available:external"
	TransitionEarnedToExternal    StateTransition = "earned:external"
	TransitionExternalToEarned    StateTransition = "external:earned"
	TransitionAvailableToEscrow   StateTransition = "available:escrow"
	TransitionEscrowToAvailable   StateTransition = "escrow:available"
	TransitionEscrowToSettlement  StateTransition = "escrow:settlement"
	TransitionSettlementToEarned  StateTransition = "settlement:earned"
	TransitionEscrowToRefund      StateTransition = "escrow:refund"
	TransitionRefundToAvailable   StateTransition = "refund:available"
	TransitionEscrowToCommitted   StateTransition = "escrow:committed"
)

// Endpoints splits the label into its from/to states.
func (transition StateTransition) Endpoints() (string, string, error) {
	parts := strings.SplitN(string(transition), ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidStateTransition, string(transition))
	}
	return parts[0], parts[1], nil
}

// String returns the stored representation.
func (transition StateTransition) String() string {
	return string(transition)
}

// ReasonCode is the closed vocabulary for why an entry exists. Never free text.
type ReasonCode string

const (
	ReasonEscrowHold         ReasonCode = "escrow_hold"
	ReasonEscrowSettle       ReasonCode = "escrow_settle"
	ReasonEscrowRefund       ReasonCode = "escrow_refund"
	ReasonPartialSettle      ReasonCode = "partial_settle"
	ReasonReservationHold    ReasonCode = "reservation_hold"
	ReasonReservationCommit  ReasonCode = "reservation_commit"
	ReasonReservationRelease ReasonCode = "reservation_release"
	ReasonReservationExpired ReasonCode = "reservation_expired"
	ReasonGrant              ReasonCode = "grant"
	ReasonAdjustment         ReasonCode = "adjustment"
	ReasonReversal           ReasonCode = "reversal"
	ReasonChargeback         ReasonCode = "chargeback"
)

// ParseReasonCode validates a reason code.
func ParseReasonCode(raw string) (ReasonCode, error) {
	switch ReasonCode(raw) {
	case ReasonEscrowHold, ReasonEscrowSettle, ReasonEscrowRefund, ReasonPartialSettle,
		ReasonReservationHold, ReasonReservationCommit, ReasonReservationRelease, ReasonReservationExpired,
		ReasonGrant, ReasonAdjustment, ReasonReversal, ReasonChargeback:
		return ReasonCode(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidReasonCode, raw)
}

// String returns the stored representation.
func (reason ReasonCode) String() string {
	return string(reason)
}

// EscrowStatus defines the one-way escrow lifecycle.
type EscrowStatus string

const (
	EscrowStatusHeld     EscrowStatus = "held"
	EscrowStatusSettled  EscrowStatus = "settled"
	EscrowStatusRefunded EscrowStatus = "refunded"
)

// ParseEscrowStatus validates an escrow status.
func ParseEscrowStatus(raw string) (EscrowStatus, error) {
	switch EscrowStatus(raw) {
	case EscrowStatusHeld, EscrowStatusSettled, EscrowStatusRefunded:
		return EscrowStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEscrowStatus, raw)
}

// String returns the stored representation.
func (status EscrowStatus) String() string {
	return string(status)
}

// ReservationStatus defines the reservation lifecycle. Only the background
// sweep produces the expired state.
type ReservationStatus string

const (
	ReservationStatusActive    ReservationStatus = "active"
	ReservationStatusCommitted ReservationStatus = "committed"
	ReservationStatusReleased  ReservationStatus = "released"
	ReservationStatusExpired   ReservationStatus = "expired"
)

// ParseReservationStatus validates a reservation status.
func ParseReservationStatus(raw string) (ReservationStatus, error) {
	switch ReservationStatus(raw) {
	case ReservationStatusActive, ReservationStatusCommitted, ReservationStatusReleased, ReservationStatusExpired:
		return ReservationStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidReservationStatus, raw)
}

// String returns the stored representation.
func (status ReservationStatus) String() string {
	return string(status)
}

// OperationScope disambiguates idempotency keys across operations, so one
// caller key can legally span reserve/commit/release.
type OperationScope string

const (
	ScopeEscrowHold          OperationScope = "escrow.hold"
	ScopeEscrowSettle        OperationScope = "escrow.settle"
	ScopeEscrowRefund        OperationScope = "escrow.refund"
	ScopeEscrowPartialSettle OperationScope = "escrow.partial_settle"
	ScopeReserve             OperationScope = "reserve"
	ScopeCommit              OperationScope = "commit"
	ScopeRelease             OperationScope = "release"
	ScopeWalletAdjust        OperationScope = "wallet.adjust"
)

// String returns the stored representation.
func (scope OperationScope) String() string {
	return string(scope)
}

// IdempotencyStatus tracks an idempotency record's lifecycle.
type IdempotencyStatus string

const (
	IdempotencyStatusStarted   IdempotencyStatus = "started"
	IdempotencyStatusSucceeded IdempotencyStatus = "succeeded"
)

// IngestStatus drives the ingest event state machine.
type IngestStatus string

const (
	IngestStatusQueued     IngestStatus = "queued"
	IngestStatusProcessing IngestStatus = "processing"
	IngestStatusProcessed  IngestStatus = "processed"
	IngestStatusRejected   IngestStatus = "rejected"
	IngestStatusDLQ        IngestStatus = "dlq"
)

// String returns the stored representation.
func (status IngestStatus) String() string {
	return string(status)
}

// Wallet is the live balance record, one per (owner, ownerType). Mutated only
// through version-checked writes.
type Wallet struct {
	WalletID        string    `json:"wallet_id"`
	OwnerID         OwnerID   `json:"owner_id"`
	OwnerType       OwnerType `json:"owner_type"`
	AvailablePoints Points    `json:"available_points"`
	EscrowPoints    Points    `json:"escrow_points"`
	EarnedPoints    Points    `json:"earned_points"`
	Currency        string    `json:"currency"`
	Version         int64     `json:"version"`
}

// EntryInput carries the fields of a ledger entry before the store assigns an id.
type EntryInput struct {
	TransactionID   string          `json:"transaction_id"`
	WalletID        string          `json:"wallet_id"`
	OwnerType       OwnerType       `json:"owner_type"`
	Direction       EntryDirection  `json:"direction"`
	AmountPoints    Points          `json:"amount_points"`
	BalanceState    BalanceState    `json:"balance_state"`
	StateTransition StateTransition `json:"state_transition"`
	ReasonCode      ReasonCode      `json:"reason_code"`
	IdempotencyKey  IdempotencyKey  `json:"idempotency_key"`
	OperationType   OperationScope  `json:"operation_type"`
	RequestID       string          `json:"request_id,omitempty"`
	BalanceBefore   Points          `json:"balance_before"`
	BalanceAfter    Points          `json:"balance_after"`
	EscrowID        string          `json:"escrow_id,omitempty"`
	ReservationID   string          `json:"reservation_id,omitempty"`
	CorrelationID   string          `json:"correlation_id,omitempty"`
	PayloadHash     string          `json:"payload_hash"`
	Metadata        MetadataJSON    `json:"metadata"`
	CreatedUnixUTC  int64           `json:"created_unix_utc"`
}

// Validate checks the invariants every entry must satisfy before it is written.
func (input EntryInput) Validate() error {
	if input.TransactionID == "" {
		return fmt.Errorf("%w: missing transaction id", ErrInvalidEntry)
	}
	if input.WalletID == "" {
		return fmt.Errorf("%w: missing wallet id", ErrInvalidEntry)
	}
	if input.AmountPoints == 0 {
		return fmt.Errorf("%w: zero amount", ErrInvalidEntry)
	}
	if input.Direction == DirectionDebit && input.AmountPoints > 0 {
		return fmt.Errorf("%w: debit amount must be negative", ErrInvalidEntry)
	}
	if input.Direction == DirectionCredit && input.AmountPoints < 0 {
		return fmt.Errorf("%w: credit amount must be positive", ErrInvalidEntry)
	}
	if _, err := ParseBalanceState(input.BalanceState.String()); err != nil {
		return err
	}
	if _, _, err := input.StateTransition.Endpoints(); err != nil {
		return err
	}
	if _, err := ParseReasonCode(input.ReasonCode.String()); err != nil {
		return err
	}
	if input.IdempotencyKey.String() == "" {
		return fmt.Errorf("%w: missing idempotency key", ErrInvalidEntry)
	}
	if input.OperationType == "" {
		return fmt.Errorf("%w: missing operation type", ErrInvalidEntry)
	}
	return nil
}

// Entry is a single immutable line in the ledger.
type Entry struct {
	EntryID string `json:"entry_id"`
	EntryInput
}

// EntryFilter selects ledger entries for read-only queries.
type EntryFilter struct {
	WalletID      string
	ReasonCode    ReasonCode
	Direction     EntryDirection
	FromUnixUTC   int64
	ToUnixUTC     int64
	BeforeUnixUTC int64
	Limit         int
}

// BalanceSnapshot is a point-in-time fold of a wallet's ledger entries.
type BalanceSnapshot struct {
	WalletID        string `json:"wallet_id"`
	AvailablePoints Points `json:"available_points"`
	EscrowPoints    Points `json:"escrow_points"`
	EarnedPoints    Points `json:"earned_points"`
	EntryCount      int    `json:"entry_count"`
	AsOfUnixUTC     int64  `json:"as_of_unix_utc"`
}

// Discrepancy reports one state where the ledger fold and the stored wallet
// balance disagree. Reconciliation reports, never corrects.
type Discrepancy struct {
	WalletID         string       `json:"wallet_id"`
	OwnerID          OwnerID      `json:"owner_id"`
	OwnerType        OwnerType    `json:"owner_type"`
	State            BalanceState `json:"state"`
	LedgerPoints     Points       `json:"ledger_points"`
	WalletPoints     Points       `json:"wallet_points"`
	DifferencePoints Points       `json:"difference_points"`
}

// EscrowItem tracks one hold from creation to settle or refund.
type EscrowItem struct {
	EscrowID         string       `json:"escrow_id"`
	OwnerID          OwnerID      `json:"owner_id"`
	AmountPoints     Points       `json:"amount_points"`
	Status           EscrowStatus `json:"status"`
	ExternalRef      string       `json:"external_ref"`
	ReasonCode       ReasonCode   `json:"reason_code"`
	CreatedUnixUTC   int64        `json:"created_unix_utc"`
	ProcessedUnixUTC int64        `json:"processed_unix_utc,omitempty"`
}

// Reservation is a generalized, time-bounded two-phase hold.
type Reservation struct {
	ReservationID    string            `json:"reservation_id"`
	OwnerID          OwnerID           `json:"owner_id"`
	AmountPoints     Points            `json:"amount_points"`
	Status           ReservationStatus `json:"status"`
	ExpiresAtUnixUTC int64             `json:"expires_at_unix_utc"`
	IdempotencyKey   IdempotencyKey    `json:"idempotency_key"`
	EventScope       OperationScope    `json:"event_scope"`
	CreatedUnixUTC   int64             `json:"created_unix_utc"`
}

// IdempotencyRecord caches the outcome of a completed (key, scope) operation.
type IdempotencyRecord struct {
	Key              IdempotencyKey
	Scope            OperationScope
	RequestHash      string
	Status           IdempotencyStatus
	ResponseBody     []byte
	ExpiresAtUnixUTC int64
	CreatedUnixUTC   int64
}

// IngestEvent is one inbound fact-event moving through the intake state machine.
type IngestEvent struct {
	EventID            string          `json:"event_id"`
	EventType          string          `json:"event_type"`
	Payload            json.RawMessage `json:"payload"`
	Status             IngestStatus    `json:"status"`
	Attempts           int             `json:"attempts"`
	NextAttemptUnixUTC int64           `json:"next_attempt_unix_utc"`
	LastError          string          `json:"last_error,omitempty"`
	CreatedUnixUTC     int64           `json:"created_unix_utc"`
}

// DLQEntry records an event that exhausted its retries, pending inspection or replay.
type DLQEntry struct {
	DLQID             string `json:"dlq_id"`
	EventID           string `json:"event_id"`
	EventType         string `json:"event_type"`
	Reason            string `json:"reason"`
	Replayable        bool   `json:"replayable"`
	ReplayCount       int    `json:"replay_count"`
	LastReplayUnixUTC int64  `json:"last_replay_unix_utc,omitempty"`
	LastReplayOutcome string `json:"last_replay_outcome,omitempty"`
	CreatedUnixUTC    int64  `json:"created_unix_utc"`
}
