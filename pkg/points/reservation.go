package points

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ReserveParams describe a time-bounded two-phase hold.
type ReserveParams struct {
	OwnerID        OwnerID
	Amount         Points
	TTL            time.Duration
	IdempotencyKey IdempotencyKey
	RequestID      string
	Metadata       MetadataJSON
}

// CommitParams finalize a reservation, consuming the held amount.
type CommitParams struct {
	ReservationID  string
	IdempotencyKey IdempotencyKey
	RequestID      string
	Metadata       MetadataJSON
}

// ReleaseParams cancel a reservation, returning the held amount.
type ReleaseParams struct {
	ReservationID  string
	IdempotencyKey IdempotencyKey
	RequestID      string
	Metadata       MetadataJSON
}

// ReservationOutcome is the durable result of a reservation operation.
type ReservationOutcome struct {
	Reservation   Reservation `json:"reservation"`
	TransactionID string      `json:"transaction_id"`
	EntryID       string      `json:"entry_id"`
	Replayed      bool        `json:"-"`
}

// Reserve moves an amount from available into escrow under a deadline. The
// caller later commits or releases it; past the deadline the sweep returns it.
func (service *Service) Reserve(ctx context.Context, params ReserveParams) (ReservationOutcome, error) {
	outcome, operationError := service.reserve(ctx, params)
	service.logOperation(ctx, OperationLog{
		Operation:      operationReserve,
		OwnerID:        params.OwnerID,
		ReservationID:  outcome.Reservation.ReservationID,
		Amount:         params.Amount,
		IdempotencyKey: params.IdempotencyKey,
		Scope:          ScopeReserve,
		Replayed:       outcome.Replayed,
		Error:          operationError,
	})
	return outcome, operationError
}

func (service *Service) reserve(ctx context.Context, params ReserveParams) (ReservationOutcome, error) {
	if params.Amount <= 0 {
		return ReservationOutcome{}, fmt.Errorf("%w: reserve amount must be greater than zero", ErrInvalidPoints)
	}
	if params.TTL <= 0 {
		return ReservationOutcome{}, fmt.Errorf("%w: reservation ttl must be greater than zero", ErrInvalidReservationTTL)
	}
	payloadHash, err := HashPayload(struct {
		OwnerID    string `json:"owner_id"`
		Amount     int64  `json:"amount"`
		TTLSeconds int64  `json:"ttl_seconds"`
	}{params.OwnerID.String(), params.Amount.Int64(), int64(params.TTL.Seconds())})
	if err != nil {
		return ReservationOutcome{}, err
	}

	execute := func(ctx context.Context, txStore Store) ([]byte, error) {
		wallet, err := txStore.GetOrCreateWallet(ctx, params.OwnerID, OwnerTypeUser)
		if err != nil {
			return nil, err
		}
		if wallet.AvailablePoints < params.Amount {
			return nil, ErrInsufficientPoints
		}
		if err := txStore.UpdateWalletBalances(ctx, wallet.WalletID, wallet.Version,
			wallet.AvailablePoints-params.Amount, wallet.EscrowPoints+params.Amount, wallet.EarnedPoints); err != nil {
			return nil, err
		}
		nowUnixUTC := service.nowFn()
		reservation := Reservation{
			ReservationID:    uuid.NewString(),
			OwnerID:          params.OwnerID,
			AmountPoints:     params.Amount,
			Status:           ReservationStatusActive,
			ExpiresAtUnixUTC: nowUnixUTC + int64(params.TTL.Seconds()),
			IdempotencyKey:   params.IdempotencyKey,
			EventScope:       ScopeReserve,
			CreatedUnixUTC:   nowUnixUTC,
		}
		if err := txStore.CreateReservation(ctx, reservation); err != nil {
			return nil, err
		}
		transactionID := uuid.NewString()
		entry, err := service.createEntryTx(ctx, txStore, EntryInput{
			TransactionID:   transactionID,
			WalletID:        wallet.WalletID,
			OwnerType:       OwnerTypeUser,
			Direction:       DirectionDebit,
			AmountPoints:    -params.Amount,
			BalanceState:    StateAvailable,
			StateTransition: TransitionAvailableToEscrow,
			ReasonCode:      ReasonReservationHold,
			IdempotencyKey:  params.IdempotencyKey,
			OperationType:   ScopeReserve,
			RequestID:       params.RequestID,
			BalanceBefore:   wallet.AvailablePoints,
			BalanceAfter:    wallet.AvailablePoints - params.Amount,
			ReservationID:   reservation.ReservationID,
			Metadata:        params.Metadata,
			CreatedUnixUTC:  nowUnixUTC,
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(ReservationOutcome{Reservation: reservation, TransactionID: transactionID, EntryID: entry.EntryID})
	}

	body, replayed, err := service.runIdempotentGuarded(ctx, params.IdempotencyKey, ScopeReserve, payloadHash, execute)
	if err != nil {
		return ReservationOutcome{}, err
	}
	return decodeReservationOutcome(body, replayed)
}

// CommitReservation consumes an active reservation: the held amount leaves
// the wallet. Past the deadline commit fails even before the sweep runs.
func (service *Service) CommitReservation(ctx context.Context, params CommitParams) (ReservationOutcome, error) {
	outcome, operationError := service.commitReservation(ctx, params)
	service.logOperation(ctx, OperationLog{
		Operation:      operationCommit,
		OwnerID:        outcome.Reservation.OwnerID,
		ReservationID:  params.ReservationID,
		Amount:         outcome.Reservation.AmountPoints,
		IdempotencyKey: params.IdempotencyKey,
		Scope:          ScopeCommit,
		Replayed:       outcome.Replayed,
		Error:          operationError,
	})
	return outcome, operationError
}

func (service *Service) commitReservation(ctx context.Context, params CommitParams) (ReservationOutcome, error) {
	if params.ReservationID == "" {
		return ReservationOutcome{}, fmt.Errorf("%w: empty reservation id", ErrReservationNotFound)
	}
	payloadHash, err := HashPayload(struct {
		ReservationID string `json:"reservation_id"`
	}{params.ReservationID})
	if err != nil {
		return ReservationOutcome{}, err
	}

	execute := func(ctx context.Context, txStore Store) ([]byte, error) {
		reservation, err := txStore.GetReservationForUpdate(ctx, params.ReservationID)
		if err != nil {
			return nil, err
		}
		if reservation.Status != ReservationStatusActive {
			if reservation.Status == ReservationStatusExpired {
				return nil, ErrReservationExpired
			}
			return nil, fmt.Errorf("%w: reservation is %s", ErrAlreadyProcessed, reservation.Status)
		}
		nowUnixUTC := service.nowFn()
		if nowUnixUTC >= reservation.ExpiresAtUnixUTC {
			return nil, ErrReservationExpired
		}
		wallet, err := txStore.GetWallet(ctx, reservation.OwnerID, OwnerTypeUser)
		if err != nil {
			return nil, err
		}
		if err := txStore.UpdateWalletBalances(ctx, wallet.WalletID, wallet.Version,
			wallet.AvailablePoints, wallet.EscrowPoints-reservation.AmountPoints, wallet.EarnedPoints); err != nil {
			return nil, err
		}
		if err := txStore.UpdateReservationStatus(ctx, reservation.ReservationID, ReservationStatusActive, ReservationStatusCommitted); err != nil {
			return nil, err
		}
		transactionID := uuid.NewString()
		entry, err := service.createEntryTx(ctx, txStore, EntryInput{
			TransactionID:   transactionID,
			WalletID:        wallet.WalletID,
			OwnerType:       OwnerTypeUser,
			Direction:       DirectionDebit,
			AmountPoints:    -reservation.AmountPoints,
			BalanceState:    StateEscrow,
			StateTransition: TransitionEscrowToCommitted,
			ReasonCode:      ReasonReservationCommit,
			IdempotencyKey:  params.IdempotencyKey,
			OperationType:   ScopeCommit,
			RequestID:       params.RequestID,
			BalanceBefore:   wallet.EscrowPoints,
			BalanceAfter:    wallet.EscrowPoints - reservation.AmountPoints,
			ReservationID:   reservation.ReservationID,
			Metadata:        params.Metadata,
			CreatedUnixUTC:  nowUnixUTC,
		})
		if err != nil {
			return nil, err
		}
		reservation.Status = ReservationStatusCommitted
		return json.Marshal(ReservationOutcome{Reservation: reservation, TransactionID: transactionID, EntryID: entry.EntryID})
	}

	body, replayed, err := service.runIdempotentGuarded(ctx, params.IdempotencyKey, ScopeCommit, payloadHash, execute)
	if err != nil {
		return ReservationOutcome{}, err
	}
	return decodeReservationOutcome(body, replayed)
}

// ReleaseReservation cancels an active reservation and returns the held
// amount to available.
func (service *Service) ReleaseReservation(ctx context.Context, params ReleaseParams) (ReservationOutcome, error) {
	outcome, operationError := service.releaseReservation(ctx, params)
	service.logOperation(ctx, OperationLog{
		Operation:      operationRelease,
		OwnerID:        outcome.Reservation.OwnerID,
		ReservationID:  params.ReservationID,
		Amount:         outcome.Reservation.AmountPoints,
		IdempotencyKey: params.IdempotencyKey,
		Scope:          ScopeRelease,
		Replayed:       outcome.Replayed,
		Error:          operationError,
	})
	return outcome, operationError
}

func (service *Service) releaseReservation(ctx context.Context, params ReleaseParams) (ReservationOutcome, error) {
	if params.ReservationID == "" {
		return ReservationOutcome{}, fmt.Errorf("%w: empty reservation id", ErrReservationNotFound)
	}
	payloadHash, err := HashPayload(struct {
		ReservationID string `json:"reservation_id"`
	}{params.ReservationID})
	if err != nil {
		return ReservationOutcome{}, err
	}

	execute := func(ctx context.Context, txStore Store) ([]byte, error) {
		reservation, err := txStore.GetReservationForUpdate(ctx, params.ReservationID)
		if err != nil {
			return nil, err
		}
		if reservation.Status != ReservationStatusActive {
			if reservation.Status == ReservationStatusExpired {
				return nil, ErrReservationExpired
			}
			return nil, fmt.Errorf("%w: reservation is %s", ErrAlreadyProcessed, reservation.Status)
		}
		nowUnixUTC := service.nowFn()
		outcome, err := service.returnReservationTx(ctx, txStore, reservation, ReservationStatusReleased,
			ReasonReservationRelease, params.IdempotencyKey, ScopeRelease, params.RequestID, params.Metadata, nowUnixUTC)
		if err != nil {
			return nil, err
		}
		return json.Marshal(outcome)
	}

	body, replayed, err := service.runIdempotentGuarded(ctx, params.IdempotencyKey, ScopeRelease, payloadHash, execute)
	if err != nil {
		return ReservationOutcome{}, err
	}
	return decodeReservationOutcome(body, replayed)
}

// ExpireDueReservations transitions every past-deadline active reservation to
// expired and returns its amount to available. Run by the background sweep;
// safe to run concurrently, each reservation flips exactly once.
func (service *Service) ExpireDueReservations(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultClaimLimit
	}
	nowUnixUTC := service.nowFn()
	due, err := service.store.ListExpiredReservations(ctx, nowUnixUTC, limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, candidate := range due {
		candidate := candidate
		operationError := service.retryOnVersionConflict(ctx, func(ctx context.Context) error {
			return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
				reservation, err := txStore.GetReservationForUpdate(ctx, candidate.ReservationID)
				if err != nil {
					return err
				}
				if reservation.Status != ReservationStatusActive {
					return nil
				}
				expireKey, err := deriveIdempotencyKey(reservation.IdempotencyKey, idempotencySuffixExpire)
				if err != nil {
					return err
				}
				_, err = service.returnReservationTx(ctx, txStore, reservation, ReservationStatusExpired,
					ReasonReservationExpired, expireKey, ScopeRelease, "", MetadataJSON{}, service.nowFn())
				return err
			})
		})
		if operationError != nil {
			service.logOperation(ctx, OperationLog{
				Operation:     operationExpire,
				OwnerID:       candidate.OwnerID,
				ReservationID: candidate.ReservationID,
				Amount:        candidate.AmountPoints,
				Scope:         ScopeRelease,
				Error:         operationError,
			})
			continue
		}
		expired++
	}
	return expired, nil
}

// returnReservationTx is the shared release/expire path: escrow back to
// available, reservation flipped via compare-and-set, one ledger entry.
func (service *Service) returnReservationTx(ctx context.Context, txStore Store, reservation Reservation, to ReservationStatus, reason ReasonCode, key IdempotencyKey, operationType OperationScope, requestID string, metadata MetadataJSON, nowUnixUTC int64) (ReservationOutcome, error) {
	wallet, err := txStore.GetWallet(ctx, reservation.OwnerID, OwnerTypeUser)
	if err != nil {
		return ReservationOutcome{}, err
	}
	if err := txStore.UpdateWalletBalances(ctx, wallet.WalletID, wallet.Version,
		wallet.AvailablePoints+reservation.AmountPoints, wallet.EscrowPoints-reservation.AmountPoints, wallet.EarnedPoints); err != nil {
		return ReservationOutcome{}, err
	}
	if err := txStore.UpdateReservationStatus(ctx, reservation.ReservationID, ReservationStatusActive, to); err != nil {
		return ReservationOutcome{}, err
	}
	transactionID := uuid.NewString()
	entry, err := service.createEntryTx(ctx, txStore, EntryInput{
		TransactionID:   transactionID,
		WalletID:        wallet.WalletID,
		OwnerType:       OwnerTypeUser,
		Direction:       DirectionCredit,
		AmountPoints:    reservation.AmountPoints,
		BalanceState:    StateAvailable,
		StateTransition: TransitionEscrowToAvailable,
		ReasonCode:      reason,
		IdempotencyKey:  key,
		OperationType:   operationType,
		RequestID:       requestID,
		BalanceBefore:   wallet.AvailablePoints,
		BalanceAfter:    wallet.AvailablePoints + reservation.AmountPoints,
		ReservationID:   reservation.ReservationID,
		Metadata:        metadata,
		CreatedUnixUTC:  nowUnixUTC,
	})
	if err != nil {
		return ReservationOutcome{}, err
	}
	reservation.Status = to
	return ReservationOutcome{Reservation: reservation, TransactionID: transactionID, EntryID: entry.EntryID}, nil
}

func decodeReservationOutcome(body []byte, replayed bool) (ReservationOutcome, error) {
	var outcome ReservationOutcome
	if err := json.Unmarshal(body, &outcome); err != nil {
		return ReservationOutcome{}, fmt.Errorf("decode reservation outcome: %w", err)
	}
	outcome.Replayed = replayed
	return outcome, nil
}
