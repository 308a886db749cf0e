package points

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// HoldParams describe one escrow hold request.
type HoldParams struct {
	OwnerID        OwnerID
	Amount         Points
	Reason         ReasonCode
	ExternalRef    string
	IdempotencyKey IdempotencyKey
	RequestID      string
	Metadata       MetadataJSON
}

// SettleParams describe a full settlement of a held escrow.
type SettleParams struct {
	EscrowID       string
	RecipientID    OwnerID
	Amount         Points
	Authorization  string
	IdempotencyKey IdempotencyKey
	RequestID      string
	Metadata       MetadataJSON
}

// RefundParams describe a full refund of a held escrow.
type RefundParams struct {
	EscrowID       string
	Authorization  string
	IdempotencyKey IdempotencyKey
	RequestID      string
	Metadata       MetadataJSON
}

// PartialSettleParams split a held escrow into a refund part and a settle part.
type PartialSettleParams struct {
	EscrowID       string
	RefundAmount   Points
	SettleAmount   Points
	RecipientID    OwnerID
	Authorization  string
	IdempotencyKey IdempotencyKey
	RequestID      string
	Metadata       MetadataJSON
}

// EscrowOutcome is the durable result of an escrow operation. Replayed marks
// a response served from the idempotency layer rather than a fresh mutation.
type EscrowOutcome struct {
	Escrow        EscrowItem `json:"escrow"`
	TransactionID string     `json:"transaction_id"`
	EntryIDs      []string   `json:"entry_ids"`
	Replayed      bool       `json:"-"`
}

// HoldInEscrow debits the owner's available balance into escrow: one wallet
// mutation, one escrow item, one ledger entry, all in a single atomic unit.
func (service *Service) HoldInEscrow(ctx context.Context, params HoldParams) (EscrowOutcome, error) {
	outcome, operationError := service.holdInEscrow(ctx, params)
	service.logOperation(ctx, OperationLog{
		Operation:      operationHold,
		OwnerID:        params.OwnerID,
		EscrowID:       outcome.Escrow.EscrowID,
		Amount:         params.Amount,
		IdempotencyKey: params.IdempotencyKey,
		Scope:          ScopeEscrowHold,
		Replayed:       outcome.Replayed,
		Error:          operationError,
	})
	return outcome, operationError
}

func (service *Service) holdInEscrow(ctx context.Context, params HoldParams) (EscrowOutcome, error) {
	if params.Amount <= 0 {
		return EscrowOutcome{}, fmt.Errorf("%w: hold amount must be greater than zero", ErrInvalidPoints)
	}
	if params.ExternalRef == "" {
		return EscrowOutcome{}, fmt.Errorf("%w: missing external ref", ErrInvalidEntry)
	}
	if params.Reason == "" {
		params.Reason = ReasonEscrowHold
	}
	if _, err := ParseReasonCode(params.Reason.String()); err != nil {
		return EscrowOutcome{}, err
	}
	payloadHash, err := HashPayload(struct {
		OwnerID     string `json:"owner_id"`
		Amount      int64  `json:"amount"`
		Reason      string `json:"reason"`
		ExternalRef string `json:"external_ref"`
	}{params.OwnerID.String(), params.Amount.Int64(), params.Reason.String(), params.ExternalRef})
	if err != nil {
		return EscrowOutcome{}, err
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
		escrow := EscrowItem{
			EscrowID:       uuid.NewString(),
			OwnerID:        params.OwnerID,
			AmountPoints:   params.Amount,
			Status:         EscrowStatusHeld,
			ExternalRef:    params.ExternalRef,
			ReasonCode:     params.Reason,
			CreatedUnixUTC: nowUnixUTC,
		}
		if err := txStore.CreateEscrow(ctx, escrow); err != nil {
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
			ReasonCode:      params.Reason,
			IdempotencyKey:  params.IdempotencyKey,
			OperationType:   ScopeEscrowHold,
			RequestID:       params.RequestID,
			BalanceBefore:   wallet.AvailablePoints,
			BalanceAfter:    wallet.AvailablePoints - params.Amount,
			EscrowID:        escrow.EscrowID,
			Metadata:        params.Metadata,
			CreatedUnixUTC:  nowUnixUTC,
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(EscrowOutcome{
			Escrow:        escrow,
			TransactionID: transactionID,
			EntryIDs:      []string{entry.EntryID},
		})
	}

	body, replayed, err := service.runIdempotentGuarded(ctx, params.IdempotencyKey, ScopeEscrowHold, payloadHash, execute)
	if err != nil {
		return EscrowOutcome{}, err
	}
	return decodeEscrowOutcome(body, replayed)
}

// SettleEscrow moves a full held amount into the recipient's earned balance.
// Requires a settlement authorization token scoped to this escrow and amount.
func (service *Service) SettleEscrow(ctx context.Context, params SettleParams) (EscrowOutcome, error) {
	outcome, operationError := service.settleEscrow(ctx, params)
	service.logOperation(ctx, OperationLog{
		Operation:      operationSettle,
		OwnerID:        params.RecipientID,
		EscrowID:       params.EscrowID,
		Amount:         params.Amount,
		IdempotencyKey: params.IdempotencyKey,
		Scope:          ScopeEscrowSettle,
		Replayed:       outcome.Replayed,
		Error:          operationError,
	})
	return outcome, operationError
}

func (service *Service) settleEscrow(ctx context.Context, params SettleParams) (EscrowOutcome, error) {
	if params.EscrowID == "" {
		return EscrowOutcome{}, fmt.Errorf("%w: empty escrow id", ErrEscrowNotFound)
	}
	if params.Amount <= 0 {
		return EscrowOutcome{}, fmt.Errorf("%w: settle amount must be greater than zero", ErrInvalidPoints)
	}
	if err := service.authorizer.Verify(params.Authorization, params.EscrowID, params.Amount, ActionSettle); err != nil {
		return EscrowOutcome{}, err
	}
	// The authorization token is excluded from the fingerprint: a legitimate
	// retry may carry a freshly issued token for the same claims.
	payloadHash, err := HashPayload(struct {
		EscrowID    string `json:"escrow_id"`
		RecipientID string `json:"recipient_id"`
		Amount      int64  `json:"amount"`
	}{params.EscrowID, params.RecipientID.String(), params.Amount.Int64()})
	if err != nil {
		return EscrowOutcome{}, err
	}

	execute := func(ctx context.Context, txStore Store) ([]byte, error) {
		escrow, err := txStore.GetEscrowForUpdate(ctx, params.EscrowID)
		if err != nil {
			return nil, err
		}
		if escrow.Status != EscrowStatusHeld {
			return nil, fmt.Errorf("%w: escrow is %s", ErrAlreadyProcessed, escrow.Status)
		}
		if params.Amount != escrow.AmountPoints {
			return nil, ErrSettleAmountMismatch
		}
		nowUnixUTC := service.nowFn()
		transactionID := uuid.NewString()
		correlationID := uuid.NewString()
		entryIDs, err := service.settleLegsTx(ctx, txStore, escrow, params.RecipientID, escrow.AmountPoints,
			params.IdempotencyKey, ScopeEscrowSettle, ReasonEscrowSettle,
			transactionID, correlationID, params.RequestID, params.Metadata, nowUnixUTC)
		if err != nil {
			return nil, err
		}
		if err := txStore.CloseEscrow(ctx, escrow.EscrowID, EscrowStatusHeld, EscrowStatusSettled, nowUnixUTC); err != nil {
			return nil, err
		}
		escrow.Status = EscrowStatusSettled
		escrow.ProcessedUnixUTC = nowUnixUTC
		return json.Marshal(EscrowOutcome{Escrow: escrow, TransactionID: transactionID, EntryIDs: entryIDs})
	}

	body, replayed, err := service.runIdempotentGuarded(ctx, params.IdempotencyKey, ScopeEscrowSettle, payloadHash, execute)
	if err != nil {
		return EscrowOutcome{}, err
	}
	return decodeEscrowOutcome(body, replayed)
}

// RefundEscrow returns a full held amount to the owner's available balance.
func (service *Service) RefundEscrow(ctx context.Context, params RefundParams) (EscrowOutcome, error) {
	outcome, operationError := service.refundEscrow(ctx, params)
	service.logOperation(ctx, OperationLog{
		Operation:      operationRefund,
		OwnerID:        outcome.Escrow.OwnerID,
		EscrowID:       params.EscrowID,
		Amount:         outcome.Escrow.AmountPoints,
		IdempotencyKey: params.IdempotencyKey,
		Scope:          ScopeEscrowRefund,
		Replayed:       outcome.Replayed,
		Error:          operationError,
	})
	return outcome, operationError
}

func (service *Service) refundEscrow(ctx context.Context, params RefundParams) (EscrowOutcome, error) {
	if params.EscrowID == "" {
		return EscrowOutcome{}, fmt.Errorf("%w: empty escrow id", ErrEscrowNotFound)
	}
	// Verified before the idempotency gate so a replay cannot skip the
	// authorization check; the execute path re-verifies under the row lock.
	held, err := service.store.GetEscrowForUpdate(ctx, params.EscrowID)
	if err != nil {
		return EscrowOutcome{}, err
	}
	if err := service.authorizer.Verify(params.Authorization, params.EscrowID, held.AmountPoints, ActionRefund); err != nil {
		return EscrowOutcome{}, err
	}
	payloadHash, err := HashPayload(struct {
		EscrowID string `json:"escrow_id"`
	}{params.EscrowID})
	if err != nil {
		return EscrowOutcome{}, err
	}

	execute := func(ctx context.Context, txStore Store) ([]byte, error) {
		escrow, err := txStore.GetEscrowForUpdate(ctx, params.EscrowID)
		if err != nil {
			return nil, err
		}
		if escrow.Status != EscrowStatusHeld {
			return nil, fmt.Errorf("%w: escrow is %s", ErrAlreadyProcessed, escrow.Status)
		}
		if err := service.authorizer.Verify(params.Authorization, escrow.EscrowID, escrow.AmountPoints, ActionRefund); err != nil {
			return nil, err
		}
		nowUnixUTC := service.nowFn()
		transactionID := uuid.NewString()
		correlationID := uuid.NewString()
		entryIDs, err := service.refundLegsTx(ctx, txStore, escrow, escrow.AmountPoints,
			params.IdempotencyKey, ScopeEscrowRefund, ReasonEscrowRefund,
			transactionID, correlationID, params.RequestID, params.Metadata, nowUnixUTC)
		if err != nil {
			return nil, err
		}
		if err := txStore.CloseEscrow(ctx, escrow.EscrowID, EscrowStatusHeld, EscrowStatusRefunded, nowUnixUTC); err != nil {
			return nil, err
		}
		escrow.Status = EscrowStatusRefunded
		escrow.ProcessedUnixUTC = nowUnixUTC
		return json.Marshal(EscrowOutcome{Escrow: escrow, TransactionID: transactionID, EntryIDs: entryIDs})
	}

	body, replayed, err := service.runIdempotentGuarded(ctx, params.IdempotencyKey, ScopeEscrowRefund, payloadHash, execute)
	if err != nil {
		return EscrowOutcome{}, err
	}
	return decodeEscrowOutcome(body, replayed)
}

// PartialSettleEscrow resolves one hold into a refund part and a settle part.
// refund + settle must equal the held amount exactly; both pairs land in one
// atomic unit under a shared transaction id.
func (service *Service) PartialSettleEscrow(ctx context.Context, params PartialSettleParams) (EscrowOutcome, error) {
	outcome, operationError := service.partialSettleEscrow(ctx, params)
	service.logOperation(ctx, OperationLog{
		Operation:      operationPartialSettle,
		OwnerID:        params.RecipientID,
		EscrowID:       params.EscrowID,
		Amount:         params.SettleAmount,
		IdempotencyKey: params.IdempotencyKey,
		Scope:          ScopeEscrowPartialSettle,
		Replayed:       outcome.Replayed,
		Error:          operationError,
	})
	return outcome, operationError
}

func (service *Service) partialSettleEscrow(ctx context.Context, params PartialSettleParams) (EscrowOutcome, error) {
	if params.EscrowID == "" {
		return EscrowOutcome{}, fmt.Errorf("%w: empty escrow id", ErrEscrowNotFound)
	}
	if params.RefundAmount <= 0 || params.SettleAmount <= 0 {
		return EscrowOutcome{}, fmt.Errorf("%w: partial amounts must be greater than zero", ErrInvalidPoints)
	}
	// Verified before the idempotency gate so a replay cannot skip the
	// authorization check; the execute path re-verifies under the row lock.
	held, err := service.store.GetEscrowForUpdate(ctx, params.EscrowID)
	if err != nil {
		return EscrowOutcome{}, err
	}
	if params.RefundAmount+params.SettleAmount != held.AmountPoints {
		return EscrowOutcome{}, ErrPartialAmountMismatch
	}
	if err := service.authorizer.Verify(params.Authorization, params.EscrowID, held.AmountPoints, ActionPartialSettle); err != nil {
		return EscrowOutcome{}, err
	}
	payloadHash, err := HashPayload(struct {
		EscrowID     string `json:"escrow_id"`
		RefundAmount int64  `json:"refund_amount"`
		SettleAmount int64  `json:"settle_amount"`
		RecipientID  string `json:"recipient_id"`
	}{params.EscrowID, params.RefundAmount.Int64(), params.SettleAmount.Int64(), params.RecipientID.String()})
	if err != nil {
		return EscrowOutcome{}, err
	}

	execute := func(ctx context.Context, txStore Store) ([]byte, error) {
		escrow, err := txStore.GetEscrowForUpdate(ctx, params.EscrowID)
		if err != nil {
			return nil, err
		}
		if escrow.Status != EscrowStatusHeld {
			return nil, fmt.Errorf("%w: escrow is %s", ErrAlreadyProcessed, escrow.Status)
		}
		if params.RefundAmount+params.SettleAmount != escrow.AmountPoints {
			return nil, ErrPartialAmountMismatch
		}
		if err := service.authorizer.Verify(params.Authorization, escrow.EscrowID, escrow.AmountPoints, ActionPartialSettle); err != nil {
			return nil, err
		}
		nowUnixUTC := service.nowFn()
		transactionID := uuid.NewString()
		refundKey, err := deriveIdempotencyKey(params.IdempotencyKey, idempotencySuffixRefund)
		if err != nil {
			return nil, err
		}
		settleKey, err := deriveIdempotencyKey(params.IdempotencyKey, idempotencySuffixSettle)
		if err != nil {
			return nil, err
		}
		refundEntryIDs, err := service.refundLegsTx(ctx, txStore, escrow, params.RefundAmount,
			refundKey, ScopeEscrowPartialSettle, ReasonPartialSettle,
			transactionID, uuid.NewString(), params.RequestID, params.Metadata, nowUnixUTC)
		if err != nil {
			return nil, err
		}
		settleEntryIDs, err := service.settleLegsTx(ctx, txStore, escrow, params.RecipientID, params.SettleAmount,
			settleKey, ScopeEscrowPartialSettle, ReasonPartialSettle,
			transactionID, uuid.NewString(), params.RequestID, params.Metadata, nowUnixUTC)
		if err != nil {
			return nil, err
		}
		if err := txStore.CloseEscrow(ctx, escrow.EscrowID, EscrowStatusHeld, EscrowStatusSettled, nowUnixUTC); err != nil {
			return nil, err
		}
		escrow.Status = EscrowStatusSettled
		escrow.ProcessedUnixUTC = nowUnixUTC
		return json.Marshal(EscrowOutcome{
			Escrow:        escrow,
			TransactionID: transactionID,
			EntryIDs:      append(refundEntryIDs, settleEntryIDs...),
		})
	}

	body, replayed, err := service.runIdempotentGuarded(ctx, params.IdempotencyKey, ScopeEscrowPartialSettle, payloadHash, execute)
	if err != nil {
		return EscrowOutcome{}, err
	}
	return decodeEscrowOutcome(body, replayed)
}

// settleLegsTx debits the owner's escrow and credits the recipient's earned
// balance, writing the debit/credit entry pair under one correlation id.
func (service *Service) settleLegsTx(ctx context.Context, txStore Store, escrow EscrowItem, recipientID OwnerID, amount Points, baseKey IdempotencyKey, operationType OperationScope, reason ReasonCode, transactionID string, correlationID string, requestID string, metadata MetadataJSON, nowUnixUTC int64) ([]string, error) {
	ownerWallet, err := txStore.GetWallet(ctx, escrow.OwnerID, OwnerTypeUser)
	if err != nil {
		return nil, err
	}
	if err := txStore.UpdateWalletBalances(ctx, ownerWallet.WalletID, ownerWallet.Version,
		ownerWallet.AvailablePoints, ownerWallet.EscrowPoints-amount, ownerWallet.EarnedPoints); err != nil {
		return nil, err
	}
	recipientWallet, err := txStore.GetOrCreateWallet(ctx, recipientID, OwnerTypePayee)
	if err != nil {
		return nil, err
	}
	if err := txStore.UpdateWalletBalances(ctx, recipientWallet.WalletID, recipientWallet.Version,
		recipientWallet.AvailablePoints, recipientWallet.EscrowPoints, recipientWallet.EarnedPoints+amount); err != nil {
		return nil, err
	}
	debitKey, err := deriveIdempotencyKey(baseKey, idempotencySuffixDebit)
	if err != nil {
		return nil, err
	}
	creditKey, err := deriveIdempotencyKey(baseKey, idempotencySuffixCredit)
	if err != nil {
		return nil, err
	}
	debit, err := service.createEntryTx(ctx, txStore, EntryInput{
		TransactionID:   transactionID,
		WalletID:        ownerWallet.WalletID,
		OwnerType:       OwnerTypeUser,
		Direction:       DirectionDebit,
		AmountPoints:    -amount,
		BalanceState:    StateEscrow,
		StateTransition: TransitionEscrowToSettlement,
		ReasonCode:      reason,
		IdempotencyKey:  debitKey,
		OperationType:   operationType,
		RequestID:       requestID,
		BalanceBefore:   ownerWallet.EscrowPoints,
		BalanceAfter:    ownerWallet.EscrowPoints - amount,
		EscrowID:        escrow.EscrowID,
		CorrelationID:   correlationID,
		Metadata:        metadata,
		CreatedUnixUTC:  nowUnixUTC,
	})
	if err != nil {
		return nil, err
	}
	credit, err := service.createEntryTx(ctx, txStore, EntryInput{
		TransactionID:   transactionID,
		WalletID:        recipientWallet.WalletID,
		OwnerType:       OwnerTypePayee,
		Direction:       DirectionCredit,
		AmountPoints:    amount,
		BalanceState:    StateEarned,
		StateTransition: TransitionSettlementToEarned,
		ReasonCode:      reason,
		IdempotencyKey:  creditKey,
		OperationType:   operationType,
		RequestID:       requestID,
		BalanceBefore:   recipientWallet.EarnedPoints,
		BalanceAfter:    recipientWallet.EarnedPoints + amount,
		EscrowID:        escrow.EscrowID,
		CorrelationID:   correlationID,
		Metadata:        metadata,
		CreatedUnixUTC:  nowUnixUTC,
	})
	if err != nil {
		return nil, err
	}
	return []string{debit.EntryID, credit.EntryID}, nil
}

// refundLegsTx debits the owner's escrow back into available, writing the
// debit/credit entry pair under one correlation id.
func (service *Service) refundLegsTx(ctx context.Context, txStore Store, escrow EscrowItem, amount Points, baseKey IdempotencyKey, operationType OperationScope, reason ReasonCode, transactionID string, correlationID string, requestID string, metadata MetadataJSON, nowUnixUTC int64) ([]string, error) {
	ownerWallet, err := txStore.GetWallet(ctx, escrow.OwnerID, OwnerTypeUser)
	if err != nil {
		return nil, err
	}
	if err := txStore.UpdateWalletBalances(ctx, ownerWallet.WalletID, ownerWallet.Version,
		ownerWallet.AvailablePoints+amount, ownerWallet.EscrowPoints-amount, ownerWallet.EarnedPoints); err != nil {
		return nil, err
	}
	debitKey, err := deriveIdempotencyKey(baseKey, idempotencySuffixDebit)
	if err != nil {
		return nil, err
	}
	creditKey, err := deriveIdempotencyKey(baseKey, idempotencySuffixCredit)
	if err != nil {
		return nil, err
	}
	debit, err := service.createEntryTx(ctx, txStore, EntryInput{
		TransactionID:   transactionID,
		WalletID:        ownerWallet.WalletID,
		OwnerType:       OwnerTypeUser,
		Direction:       DirectionDebit,
		AmountPoints:    -amount,
		BalanceState:    StateEscrow,
		StateTransition: TransitionEscrowToRefund,
		ReasonCode:      reason,
		IdempotencyKey:  debitKey,
		OperationType:   operationType,
		RequestID:       requestID,
		BalanceBefore:   ownerWallet.EscrowPoints,
		BalanceAfter:    ownerWallet.EscrowPoints - amount,
		EscrowID:        escrow.EscrowID,
		CorrelationID:   correlationID,
		Metadata:        metadata,
		CreatedUnixUTC:  nowUnixUTC,
	})
	if err != nil {
		return nil, err
	}
	credit, err := service.createEntryTx(ctx, txStore, EntryInput{
		TransactionID:   transactionID,
		WalletID:        ownerWallet.WalletID,
		OwnerType:       OwnerTypeUser,
		Direction:       DirectionCredit,
		AmountPoints:    amount,
		BalanceState:    StateAvailable,
		StateTransition: TransitionRefundToAvailable,
		ReasonCode:      reason,
		IdempotencyKey:  creditKey,
		OperationType:   operationType,
		RequestID:       requestID,
		BalanceBefore:   ownerWallet.AvailablePoints,
		BalanceAfter:    ownerWallet.AvailablePoints + amount,
		EscrowID:        escrow.EscrowID,
		CorrelationID:   correlationID,
		Metadata:        metadata,
		CreatedUnixUTC:  nowUnixUTC,
	})
	if err != nil {
		return nil, err
	}
	return []string{debit.EntryID, credit.EntryID}, nil
}

func decodeEscrowOutcome(body []byte, replayed bool) (EscrowOutcome, error) {
	var outcome EscrowOutcome
	if err := json.Unmarshal(body, &outcome); err != nil {
		return EscrowOutcome{}, fmt.Errorf("decode escrow outcome: %w", err)
	}
	outcome.Replayed = replayed
	return outcome, nil
}
