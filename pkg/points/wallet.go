package points

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// AdjustParams describe one signed balance adjustment: grants, promotional
// credits, operator corrections, reversals, chargebacks.
type AdjustParams struct {
	OwnerID        OwnerID
	OwnerType      OwnerType
	Amount         Points
	State          BalanceState
	Reason         ReasonCode
	IdempotencyKey IdempotencyKey
	RequestID      string
	Metadata       MetadataJSON
}

// AdjustOutcome is the durable result of a wallet adjustment.
type AdjustOutcome struct {
	Wallet        Wallet `json:"wallet"`
	TransactionID string `json:"transaction_id"`
	EntryID       string `json:"entry_id"`
	Replayed      bool   `json:"-"`
}

// Adjust credits or debits a wallet's available or earned balance against an
// external counterpart. Reversals and chargebacks may drive a balance
// negative; every other reason is bounded at zero.
func (service *Service) Adjust(ctx context.Context, params AdjustParams) (AdjustOutcome, error) {
	outcome, operationError := service.adjust(ctx, params)
	service.logOperation(ctx, OperationLog{
		Operation:      operationAdjust,
		OwnerID:        params.OwnerID,
		Amount:         params.Amount,
		IdempotencyKey: params.IdempotencyKey,
		Scope:          ScopeWalletAdjust,
		Replayed:       outcome.Replayed,
		Error:          operationError,
	})
	return outcome, operationError
}

func (service *Service) adjust(ctx context.Context, params AdjustParams) (AdjustOutcome, error) {
	if params.Amount == 0 {
		return AdjustOutcome{}, fmt.Errorf("%w: zero adjustment", ErrInvalidPoints)
	}
	if params.OwnerType == "" {
		params.OwnerType = OwnerTypeUser
	}
	if _, err := ParseOwnerType(params.OwnerType.String()); err != nil {
		return AdjustOutcome{}, err
	}
	if params.State != StateAvailable && params.State != StateEarned {
		return AdjustOutcome{}, fmt.Errorf("%w: adjustments target available or earned, got %q", ErrInvalidBalanceState, params.State)
	}
	if _, err := ParseReasonCode(params.Reason.String()); err != nil {
		return AdjustOutcome{}, err
	}
	transition, direction := adjustmentTransition(params.State, params.Amount)
	payloadHash, err := HashPayload(struct {
		OwnerID   string `json:"owner_id"`
		OwnerType string `json:"owner_type"`
		Amount    int64  `json:"amount"`
		State     string `json:"state"`
		Reason    string `json:"reason"`
	}{params.OwnerID.String(), params.OwnerType.String(), params.Amount.Int64(), params.State.String(), params.Reason.String()})
	if err != nil {
		return AdjustOutcome{}, err
	}

	execute := func(ctx context.Context, txStore Store) ([]byte, error) {
		wallet, err := txStore.GetOrCreateWallet(ctx, params.OwnerID, params.OwnerType)
		if err != nil {
			return nil, err
		}
		available, earned := wallet.AvailablePoints, wallet.EarnedPoints
		var balanceBefore Points
		switch params.State {
		case StateAvailable:
			balanceBefore = available
			available += params.Amount
			if available < 0 && !allowsNegativeBalance(params.Reason) {
				return nil, ErrInsufficientPoints
			}
		case StateEarned:
			balanceBefore = earned
			earned += params.Amount
			if earned < 0 && !allowsNegativeBalance(params.Reason) {
				return nil, ErrInsufficientPoints
			}
		}
		if err := txStore.UpdateWalletBalances(ctx, wallet.WalletID, wallet.Version, available, wallet.EscrowPoints, earned); err != nil {
			return nil, err
		}
		nowUnixUTC := service.nowFn()
		transactionID := uuid.NewString()
		entry, err := service.createEntryTx(ctx, txStore, EntryInput{
			TransactionID:   transactionID,
			WalletID:        wallet.WalletID,
			OwnerType:       params.OwnerType,
			Direction:       direction,
			AmountPoints:    params.Amount,
			BalanceState:    params.State,
			StateTransition: transition,
			ReasonCode:      params.Reason,
			IdempotencyKey:  params.IdempotencyKey,
			OperationType:   ScopeWalletAdjust,
			RequestID:       params.RequestID,
			BalanceBefore:   balanceBefore,
			BalanceAfter:    balanceBefore + params.Amount,
			Metadata:        params.Metadata,
			CreatedUnixUTC:  nowUnixUTC,
		})
		if err != nil {
			return nil, err
		}
		wallet.AvailablePoints, wallet.EarnedPoints = available, earned
		wallet.Version++
		return json.Marshal(AdjustOutcome{Wallet: wallet, TransactionID: transactionID, EntryID: entry.EntryID})
	}

	body, replayed, err := service.runIdempotentGuarded(ctx, params.IdempotencyKey, ScopeWalletAdjust, payloadHash, execute)
	if err != nil {
		return AdjustOutcome{}, err
	}
	var outcome AdjustOutcome
	if err := json.Unmarshal(body, &outcome); err != nil {
		return AdjustOutcome{}, fmt.Errorf("decode adjust outcome: %w", err)
	}
	outcome.Replayed = replayed
	return outcome, nil
}

func adjustmentTransition(state BalanceState, amount Points) (StateTransition, EntryDirection) {
	if state == StateEarned {
		if amount >= 0 {
			return TransitionExternalToEarned, DirectionCredit
		}
		return TransitionEarnedToExternal, DirectionDebit
	}
	if amount >= 0 {
		return TransitionExternalToAvailable, DirectionCredit
	}
	return TransitionAvailableToExternal, DirectionDebit
}

func allowsNegativeBalance(reason ReasonCode) bool {
	return reason == ReasonReversal || reason == ReasonChargeback
}
