package points

import (
	"context"
	"fmt"
)

const (
	defaultQueryLimit   = 100
	maxQueryLimit       = 500
	reconcilePageSize   = 200
)

// CreateEntry validates and appends one immutable ledger row. A reused
// (idempotency key, operation type) pair returns the original entry when the
// payload is identical and fails hard when it differs. Corrections are new
// entries; nothing is ever updated or deleted.
func (service *Service) CreateEntry(ctx context.Context, input EntryInput) (Entry, error) {
	var entry Entry
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		created, err := service.createEntryTx(ctx, txStore, input)
		if err != nil {
			return err
		}
		entry = created
		return nil
	})
	return entry, operationError
}

// createEntryTx is the shared write primitive every balance mutation goes
// through. It must run inside the caller's transaction.
func (service *Service) createEntryTx(ctx context.Context, txStore Store, input EntryInput) (Entry, error) {
	if input.CreatedUnixUTC == 0 {
		input.CreatedUnixUTC = service.nowFn()
	}
	if input.PayloadHash == "" {
		hash, err := entryPayloadHash(input)
		if err != nil {
			return Entry{}, err
		}
		input.PayloadHash = hash
	}
	if err := input.Validate(); err != nil {
		return Entry{}, err
	}
	existing, found, err := txStore.GetEntryByOperation(ctx, input.IdempotencyKey, input.OperationType)
	if err != nil {
		return Entry{}, err
	}
	if found {
		if existing.PayloadHash != input.PayloadHash {
			return Entry{}, fmt.Errorf("%w: operation %s", ErrIdempotencyConflict, input.OperationType)
		}
		return existing, nil
	}
	return txStore.InsertEntry(ctx, input)
}

// QueryEntries filters ledger entries. Read-only, no side effects.
func (service *Service) QueryEntries(ctx context.Context, filter EntryFilter) ([]Entry, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultQueryLimit
	}
	if filter.Limit > maxQueryLimit {
		filter.Limit = maxQueryLimit
	}
	return service.store.ListEntries(ctx, filter)
}

// BalanceSnapshot folds a wallet's entries up to a timestamp. Used for audits
// and dispute resolution; live balances come from the wallet row.
func (service *Service) BalanceSnapshot(ctx context.Context, walletID string, asOfUnixUTC int64) (BalanceSnapshot, error) {
	if walletID == "" {
		return BalanceSnapshot{}, fmt.Errorf("%w: empty wallet id", ErrWalletNotFound)
	}
	if asOfUnixUTC == 0 {
		asOfUnixUTC = service.nowFn()
	}
	entries, err := service.store.ListWalletEntries(ctx, walletID, asOfUnixUTC)
	if err != nil {
		return BalanceSnapshot{}, err
	}
	snapshot := BalanceSnapshot{WalletID: walletID, AsOfUnixUTC: asOfUnixUTC}
	for _, entry := range entries {
		if err := applyTransition(&snapshot, entry); err != nil {
			return BalanceSnapshot{}, err
		}
		snapshot.EntryCount++
	}
	return snapshot, nil
}

// Reconcile folds every wallet's entries and compares the result to the
// stored balances. Mismatches are reported, never auto-healed.
func (service *Service) Reconcile(ctx context.Context, asOfUnixUTC int64) ([]Discrepancy, error) {
	if asOfUnixUTC == 0 {
		asOfUnixUTC = service.nowFn()
	}
	discrepancies := []Discrepancy{}
	offset := 0
	for {
		wallets, err := service.store.ListWallets(ctx, reconcilePageSize, offset)
		if err != nil {
			return nil, err
		}
		for _, wallet := range wallets {
			snapshot, err := service.BalanceSnapshot(ctx, wallet.WalletID, asOfUnixUTC)
			if err != nil {
				return nil, err
			}
			discrepancies = append(discrepancies, walletDiscrepancies(wallet, snapshot)...)
		}
		if len(wallets) < reconcilePageSize {
			return discrepancies, nil
		}
		offset += len(wallets)
	}
}

func walletDiscrepancies(wallet Wallet, snapshot BalanceSnapshot) []Discrepancy {
	type comparison struct {
		state  BalanceState
		ledger Points
		stored Points
	}
	comparisons := []comparison{
		{StateAvailable, snapshot.AvailablePoints, wallet.AvailablePoints},
		{StateEscrow, snapshot.EscrowPoints, wallet.EscrowPoints},
		{StateEarned, snapshot.EarnedPoints, wallet.EarnedPoints},
	}
	var out []Discrepancy
	for _, compared := range comparisons {
		if compared.ledger == compared.stored {
			continue
		}
		out = append(out, Discrepancy{
			WalletID:         wallet.WalletID,
			OwnerID:          wallet.OwnerID,
			OwnerType:        wallet.OwnerType,
			State:            compared.state,
			LedgerPoints:     compared.ledger,
			WalletPoints:     compared.stored,
			DifferencePoints: compared.ledger - compared.stored,
		})
	}
	return out
}

// applyTransition folds one entry into a snapshot: the magnitude leaves the
// transition's from-state and arrives at its to-state; endpoints outside the
// wallet (external, settled, committed) fall off the fold.
func applyTransition(snapshot *BalanceSnapshot, entry Entry) error {
	from, to, err := entry.StateTransition.Endpoints()
	if err != nil {
		return err
	}
	magnitude := entry.AmountPoints
	if magnitude < 0 {
		magnitude = -magnitude
	}
	switch BalanceState(from) {
	case StateAvailable:
		snapshot.AvailablePoints -= magnitude
	case StateEscrow:
		snapshot.EscrowPoints -= magnitude
	case StateEarned:
		snapshot.EarnedPoints -= magnitude
	}
	switch BalanceState(to) {
	case StateAvailable:
		snapshot.AvailablePoints += magnitude
	case StateEscrow:
		snapshot.EscrowPoints += magnitude
	case StateEarned:
		snapshot.EarnedPoints += magnitude
	}
	return nil
}

func entryPayloadHash(input EntryInput) (string, error) {
	return HashPayload(struct {
		WalletID      string `json:"wallet_id"`
		Direction     string `json:"direction"`
		Amount        int64  `json:"amount"`
		State         string `json:"state"`
		Transition    string `json:"transition"`
		Reason        string `json:"reason"`
		EscrowID      string `json:"escrow_id"`
		ReservationID string `json:"reservation_id"`
	}{
		WalletID:      input.WalletID,
		Direction:     input.Direction.String(),
		Amount:        input.AmountPoints.Int64(),
		State:         input.BalanceState.String(),
		Transition:    input.StateTransition.String(),
		Reason:        input.ReasonCode.String(),
		EscrowID:      input.EscrowID,
		ReservationID: input.ReservationID,
	})
}
