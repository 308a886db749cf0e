package points

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"
)

// stubStore is an honest in-memory Store: version checks, uniqueness
// constraints, and compare-and-set transitions all behave like the real
// database so the service paths that depend on them can be exercised.
type stubStore struct {
	wallets         map[string]*Wallet
	walletIDs       map[string]string
	entries         []Entry
	entryIndex      map[string]int
	escrows         map[string]EscrowItem
	externalRefs    map[string]string
	reservations    map[string]Reservation
	reservationKeys map[string]struct{}
	records         map[string]IdempotencyRecord
	ingestEvents    map[string]*IngestEvent
	ingestOrder     []string
	deadLetters     map[string]*DLQEntry
	dlqOrder        []string
	walletSeq       int
	entrySeq        int
}

func newStubStore() *stubStore {
	return &stubStore{
		wallets:         map[string]*Wallet{},
		walletIDs:       map[string]string{},
		entryIndex:      map[string]int{},
		escrows:         map[string]EscrowItem{},
		externalRefs:    map[string]string{},
		reservations:    map[string]Reservation{},
		reservationKeys: map[string]struct{}{},
		records:         map[string]IdempotencyRecord{},
		ingestEvents:    map[string]*IngestEvent{},
		deadLetters:     map[string]*DLQEntry{},
	}
}

func ownerKey(ownerID OwnerID, ownerType OwnerType) string {
	return ownerID.String() + "|" + ownerType.String()
}

func operationKey(key IdempotencyKey, operationType OperationScope) string {
	return key.String() + "|" + operationType.String()
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) GetOrCreateWallet(ctx context.Context, ownerID OwnerID, ownerType OwnerType) (Wallet, error) {
	if walletID, ok := store.walletIDs[ownerKey(ownerID, ownerType)]; ok {
		return *store.wallets[walletID], nil
	}
	store.walletSeq++
	wallet := &Wallet{
		WalletID:  fmt.Sprintf("wallet-%d", store.walletSeq),
		OwnerID:   ownerID,
		OwnerType: ownerType,
		Currency:  defaultCurrency,
		Version:   1,
	}
	store.wallets[wallet.WalletID] = wallet
	store.walletIDs[ownerKey(ownerID, ownerType)] = wallet.WalletID
	return *wallet, nil
}

func (store *stubStore) GetWallet(ctx context.Context, ownerID OwnerID, ownerType OwnerType) (Wallet, error) {
	walletID, ok := store.walletIDs[ownerKey(ownerID, ownerType)]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	return *store.wallets[walletID], nil
}

func (store *stubStore) UpdateWalletBalances(ctx context.Context, walletID string, expectedVersion int64, available Points, escrow Points, earned Points) error {
	wallet, ok := store.wallets[walletID]
	if !ok {
		return ErrWalletNotFound
	}
	if wallet.Version != expectedVersion {
		return ErrVersionConflict
	}
	wallet.AvailablePoints = available
	wallet.EscrowPoints = escrow
	wallet.EarnedPoints = earned
	wallet.Version++
	return nil
}

func (store *stubStore) ListWallets(ctx context.Context, limit int, offset int) ([]Wallet, error) {
	ids := make([]string, 0, len(store.wallets))
	for id := range store.wallets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := []Wallet{}
	for index := offset; index < len(ids) && len(out) < limit; index++ {
		out = append(out, *store.wallets[ids[index]])
	}
	return out, nil
}

func (store *stubStore) InsertEntry(ctx context.Context, input EntryInput) (Entry, error) {
	opKey := operationKey(input.IdempotencyKey, input.OperationType)
	if _, exists := store.entryIndex[opKey]; exists {
		return Entry{}, ErrDuplicateEntry
	}
	store.entrySeq++
	entry := Entry{EntryID: fmt.Sprintf("entry-%d", store.entrySeq), EntryInput: input}
	store.entryIndex[opKey] = len(store.entries)
	store.entries = append(store.entries, entry)
	return entry, nil
}

func (store *stubStore) GetEntryByOperation(ctx context.Context, key IdempotencyKey, operationType OperationScope) (Entry, bool, error) {
	index, ok := store.entryIndex[operationKey(key, operationType)]
	if !ok {
		return Entry{}, false, nil
	}
	return store.entries[index], true, nil
}

func (store *stubStore) ListEntries(ctx context.Context, filter EntryFilter) ([]Entry, error) {
	out := []Entry{}
	for index := len(store.entries) - 1; index >= 0 && len(out) < filter.Limit; index-- {
		entry := store.entries[index]
		if filter.WalletID != "" && entry.WalletID != filter.WalletID {
			continue
		}
		if filter.ReasonCode != "" && entry.ReasonCode != filter.ReasonCode {
			continue
		}
		if filter.Direction != "" && entry.Direction != filter.Direction {
			continue
		}
		if filter.FromUnixUTC != 0 && entry.CreatedUnixUTC < filter.FromUnixUTC {
			continue
		}
		if filter.ToUnixUTC != 0 && entry.CreatedUnixUTC > filter.ToUnixUTC {
			continue
		}
		if filter.BeforeUnixUTC != 0 && entry.CreatedUnixUTC >= filter.BeforeUnixUTC {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (store *stubStore) ListWalletEntries(ctx context.Context, walletID string, asOfUnixUTC int64) ([]Entry, error) {
	out := []Entry{}
	for _, entry := range store.entries {
		if entry.WalletID == walletID && entry.CreatedUnixUTC <= asOfUnixUTC {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (store *stubStore) CreateEscrow(ctx context.Context, escrow EscrowItem) error {
	if _, exists := store.externalRefs[escrow.ExternalRef]; exists {
		return ErrDuplicateExternalRef
	}
	store.escrows[escrow.EscrowID] = escrow
	store.externalRefs[escrow.ExternalRef] = escrow.EscrowID
	return nil
}

func (store *stubStore) GetEscrowForUpdate(ctx context.Context, escrowID string) (EscrowItem, error) {
	escrow, ok := store.escrows[escrowID]
	if !ok {
		return EscrowItem{}, ErrEscrowNotFound
	}
	return escrow, nil
}

func (store *stubStore) CloseEscrow(ctx context.Context, escrowID string, from EscrowStatus, to EscrowStatus, processedUnixUTC int64) error {
	escrow, ok := store.escrows[escrowID]
	if !ok {
		return ErrEscrowNotFound
	}
	if escrow.Status != from {
		return ErrAlreadyProcessed
	}
	escrow.Status = to
	escrow.ProcessedUnixUTC = processedUnixUTC
	store.escrows[escrowID] = escrow
	return nil
}

func (store *stubStore) CreateReservation(ctx context.Context, reservation Reservation) error {
	reservationKey := operationKey(reservation.IdempotencyKey, reservation.EventScope)
	if _, exists := store.reservationKeys[reservationKey]; exists {
		return ErrReservationExists
	}
	store.reservations[reservation.ReservationID] = reservation
	store.reservationKeys[reservationKey] = struct{}{}
	return nil
}

func (store *stubStore) GetReservationForUpdate(ctx context.Context, reservationID string) (Reservation, error) {
	reservation, ok := store.reservations[reservationID]
	if !ok {
		return Reservation{}, ErrReservationNotFound
	}
	return reservation, nil
}

func (store *stubStore) UpdateReservationStatus(ctx context.Context, reservationID string, from ReservationStatus, to ReservationStatus) error {
	reservation, ok := store.reservations[reservationID]
	if !ok {
		return ErrReservationNotFound
	}
	if reservation.Status != from {
		return ErrAlreadyProcessed
	}
	reservation.Status = to
	store.reservations[reservationID] = reservation
	return nil
}

func (store *stubStore) ListExpiredReservations(ctx context.Context, nowUnixUTC int64, limit int) ([]Reservation, error) {
	out := []Reservation{}
	ids := make([]string, 0, len(store.reservations))
	for id := range store.reservations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		reservation := store.reservations[id]
		if reservation.Status == ReservationStatusActive && reservation.ExpiresAtUnixUTC <= nowUnixUTC {
			out = append(out, reservation)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (store *stubStore) GetIdempotencyRecord(ctx context.Context, key IdempotencyKey, scope OperationScope) (IdempotencyRecord, bool, error) {
	record, ok := store.records[operationKey(key, scope)]
	return record, ok, nil
}

func (store *stubStore) CreateIdempotencyRecord(ctx context.Context, record IdempotencyRecord) error {
	recordKey := operationKey(record.Key, record.Scope)
	if _, exists := store.records[recordKey]; exists {
		return ErrIdempotencyRace
	}
	store.records[recordKey] = record
	return nil
}

func (store *stubStore) UpdateIdempotencyRecord(ctx context.Context, key IdempotencyKey, scope OperationScope, status IdempotencyStatus, responseBody []byte) error {
	recordKey := operationKey(key, scope)
	record, ok := store.records[recordKey]
	if !ok {
		return fmt.Errorf("idempotency record %s not found", recordKey)
	}
	record.Status = status
	record.ResponseBody = responseBody
	store.records[recordKey] = record
	return nil
}

func (store *stubStore) DeleteIdempotencyRecord(ctx context.Context, key IdempotencyKey, scope OperationScope) error {
	delete(store.records, operationKey(key, scope))
	return nil
}

func (store *stubStore) PurgeExpiredIdempotencyRecords(ctx context.Context, nowUnixUTC int64, limit int) (int64, error) {
	var purged int64
	for recordKey, record := range store.records {
		if record.ExpiresAtUnixUTC <= nowUnixUTC {
			delete(store.records, recordKey)
			purged++
			if int(purged) == limit {
				break
			}
		}
	}
	return purged, nil
}

func (store *stubStore) CreateIngestEvent(ctx context.Context, event IngestEvent) error {
	copied := event
	store.ingestEvents[event.EventID] = &copied
	store.ingestOrder = append(store.ingestOrder, event.EventID)
	return nil
}

func (store *stubStore) GetIngestEvent(ctx context.Context, eventID string) (IngestEvent, error) {
	event, ok := store.ingestEvents[eventID]
	if !ok {
		return IngestEvent{}, ErrIngestEventNotFound
	}
	return *event, nil
}

func (store *stubStore) ClaimDueIngestEvents(ctx context.Context, nowUnixUTC int64, staleBeforeUnixUTC int64, limit int) ([]IngestEvent, error) {
	claimed := []IngestEvent{}
	for _, eventID := range store.ingestOrder {
		event := store.ingestEvents[eventID]
		queuedDue := event.Status == IngestStatusQueued && event.NextAttemptUnixUTC <= nowUnixUTC
		staleClaim := event.Status == IngestStatusProcessing && event.NextAttemptUnixUTC <= staleBeforeUnixUTC
		if !queuedDue && !staleClaim {
			continue
		}
		event.Status = IngestStatusProcessing
		event.NextAttemptUnixUTC = nowUnixUTC
		claimed = append(claimed, *event)
		if len(claimed) == limit {
			break
		}
	}
	return claimed, nil
}

func (store *stubStore) UpdateIngestEvent(ctx context.Context, eventID string, status IngestStatus, attempts int, nextAttemptUnixUTC int64, lastError string) error {
	event, ok := store.ingestEvents[eventID]
	if !ok {
		return ErrIngestEventNotFound
	}
	event.Status = status
	event.Attempts = attempts
	event.NextAttemptUnixUTC = nextAttemptUnixUTC
	event.LastError = lastError
	return nil
}

func (store *stubStore) CreateDLQEntry(ctx context.Context, entry DLQEntry) error {
	copied := entry
	store.deadLetters[entry.DLQID] = &copied
	store.dlqOrder = append(store.dlqOrder, entry.DLQID)
	return nil
}

func (store *stubStore) ListDLQEntries(ctx context.Context, eventType string, replayableOnly bool, limit int) ([]DLQEntry, error) {
	out := []DLQEntry{}
	for _, dlqID := range store.dlqOrder {
		entry := store.deadLetters[dlqID]
		if eventType != "" && entry.EventType != eventType {
			continue
		}
		if replayableOnly && !entry.Replayable {
			continue
		}
		out = append(out, *entry)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (store *stubStore) RecordDLQReplay(ctx context.Context, dlqID string, outcome string, replayable bool, reason string, nowUnixUTC int64) error {
	entry, ok := store.deadLetters[dlqID]
	if !ok {
		return ErrIngestEventNotFound
	}
	entry.ReplayCount++
	entry.LastReplayUnixUTC = nowUnixUTC
	entry.LastReplayOutcome = outcome
	entry.Replayable = replayable
	if reason != "" {
		entry.Reason = reason
	}
	return nil
}

func (store *stubStore) mustWallet(test *testing.T, ownerID OwnerID, ownerType OwnerType) Wallet {
	test.Helper()
	wallet, err := store.GetWallet(context.Background(), ownerID, ownerType)
	if err != nil {
		test.Fatalf("wallet for %s: %v", ownerID.String(), err)
	}
	return wallet
}

func (store *stubStore) mustEscrow(test *testing.T, escrowID string) EscrowItem {
	test.Helper()
	escrow, ok := store.escrows[escrowID]
	if !ok {
		test.Fatalf("escrow %s not found", escrowID)
	}
	return escrow
}

func (store *stubStore) mustReservation(test *testing.T, reservationID string) Reservation {
	test.Helper()
	reservation, ok := store.reservations[reservationID]
	if !ok {
		test.Fatalf("reservation %s not found", reservationID)
	}
	return reservation
}

// conflictingStore fails the first wallet update with a version conflict to
// exercise the retry loop.
type conflictingStore struct {
	*stubStore
	conflicts int
}

func (store *conflictingStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *conflictingStore) UpdateWalletBalances(ctx context.Context, walletID string, expectedVersion int64, available Points, escrow Points, earned Points) error {
	if store.conflicts > 0 {
		store.conflicts--
		return ErrVersionConflict
	}
	return store.stubStore.UpdateWalletBalances(ctx, walletID, expectedVersion, available, escrow, earned)
}

// preemptingStore models a concurrent writer winning the race for the same
// wallet: the first update both applies the competing hold to the underlying
// wallet and fails with a version conflict, so the retry re-reads a balance
// the winner already drained.
type preemptingStore struct {
	*stubStore
	amount    Points
	preempted bool
}

func (store *preemptingStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *preemptingStore) UpdateWalletBalances(ctx context.Context, walletID string, expectedVersion int64, available Points, escrow Points, earned Points) error {
	if !store.preempted {
		store.preempted = true
		wallet := store.stubStore.wallets[walletID]
		wallet.AvailablePoints -= store.amount
		wallet.EscrowPoints += store.amount
		wallet.Version++
		return ErrVersionConflict
	}
	return store.stubStore.UpdateWalletBalances(ctx, walletID, expectedVersion, available, escrow, earned)
}

const harnessEpoch = int64(1_700_000_000)

type serviceHarness struct {
	store      *stubStore
	service    *Service
	authorizer *SettlementAuthorizer
	now        int64
}

func newServiceHarness(test *testing.T, options ...ServiceOption) *serviceHarness {
	test.Helper()
	harness := &serviceHarness{store: newStubStore(), now: harnessEpoch}
	authorizer, err := NewSettlementAuthorizer([]byte("harness-secret"), "points-test",
		WithAuthorizerClock(func() time.Time { return time.Unix(harness.now, 0).UTC() }),
	)
	if err != nil {
		test.Fatalf("authorizer: %v", err)
	}
	harness.authorizer = authorizer
	options = append([]ServiceOption{WithLockRetry(4, time.Millisecond)}, options...)
	service, err := NewService(harness.store, func() int64 { return harness.now }, authorizer, options...)
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	harness.service = service
	return harness
}

func (harness *serviceHarness) advance(seconds int64) {
	harness.now += seconds
}

func (harness *serviceHarness) seedWallet(test *testing.T, ownerID OwnerID, ownerType OwnerType, available int64) Wallet {
	test.Helper()
	wallet, err := harness.store.GetOrCreateWallet(context.Background(), ownerID, ownerType)
	if err != nil {
		test.Fatalf("seed wallet: %v", err)
	}
	if err := harness.store.UpdateWalletBalances(context.Background(), wallet.WalletID, wallet.Version, Points(available), 0, 0); err != nil {
		test.Fatalf("seed balance: %v", err)
	}
	return harness.store.mustWallet(test, ownerID, ownerType)
}

func (harness *serviceHarness) mustToken(test *testing.T, escrowID string, amount Points, action SettlementAction) string {
	test.Helper()
	token, err := harness.authorizer.Issue(escrowID, amount, action)
	if err != nil {
		test.Fatalf("issue token: %v", err)
	}
	return token
}

func mustOwnerID(test *testing.T, raw string) OwnerID {
	test.Helper()
	value, err := NewOwnerID(raw)
	if err != nil {
		test.Fatalf("owner id: %v", err)
	}
	return value
}

func mustKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	value, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return value
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	value, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return value
}

func mustPositivePoints(test *testing.T, raw int64) Points {
	test.Helper()
	value, err := NewPositivePoints(raw)
	if err != nil {
		test.Fatalf("points: %v", err)
	}
	return value
}
