package gormstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/MarkoPoloResearchLab/points/pkg/points"
)

const testEpoch = int64(1_700_000_000)

func newTestStore(test *testing.T) *Store {
	test.Helper()
	databasePath := filepath.Join(test.TempDir(), "points.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		test.Fatalf("open database: %v", err)
	}
	store := New(database)
	if err := store.Migrate(); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return store
}

func mustStoreOwnerID(test *testing.T, raw string) points.OwnerID {
	test.Helper()
	ownerID, err := points.NewOwnerID(raw)
	if err != nil {
		test.Fatalf("owner id: %v", err)
	}
	return ownerID
}

func mustStoreKey(test *testing.T, raw string) points.IdempotencyKey {
	test.Helper()
	key, err := points.NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return key
}

func mustStoreMetadata(test *testing.T) points.MetadataJSON {
	test.Helper()
	metadata, err := points.NewMetadataJSON("")
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}

func testEntryInput(test *testing.T, walletID string, key string) points.EntryInput {
	test.Helper()
	return points.EntryInput{
		TransactionID:   "txn-1",
		WalletID:        walletID,
		OwnerType:       points.OwnerTypeUser,
		Direction:       points.DirectionCredit,
		AmountPoints:    100,
		BalanceState:    points.StateAvailable,
		StateTransition: points.TransitionExternalToAvailable,
		ReasonCode:      points.ReasonGrant,
		IdempotencyKey:  mustStoreKey(test, key),
		OperationType:   points.ScopeWalletAdjust,
		PayloadHash:     "hash-a",
		Metadata:        mustStoreMetadata(test),
		CreatedUnixUTC:  testEpoch,
	}
}

func TestGetOrCreateWalletIsStable(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ownerID := mustStoreOwnerID(test, "user-1")

	first, err := store.GetOrCreateWallet(context.Background(), ownerID, points.OwnerTypeUser)
	if err != nil {
		test.Fatalf("create wallet: %v", err)
	}
	if first.Version != 1 || first.Currency != "PTS" {
		test.Fatalf("unexpected new wallet %+v", first)
	}
	second, err := store.GetOrCreateWallet(context.Background(), ownerID, points.OwnerTypeUser)
	if err != nil {
		test.Fatalf("reread wallet: %v", err)
	}
	if second.WalletID != first.WalletID {
		test.Fatalf("same owner must map to one wallet")
	}
}

func TestUpdateWalletBalancesChecksVersion(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	wallet, err := store.GetOrCreateWallet(context.Background(), mustStoreOwnerID(test, "user-1"), points.OwnerTypeUser)
	if err != nil {
		test.Fatalf("create wallet: %v", err)
	}

	if err := store.UpdateWalletBalances(context.Background(), wallet.WalletID, wallet.Version+7, 100, 0, 0); !errors.Is(err, points.ErrVersionConflict) {
		test.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	if err := store.UpdateWalletBalances(context.Background(), wallet.WalletID, wallet.Version, 100, 0, 0); err != nil {
		test.Fatalf("update: %v", err)
	}
	updated, err := store.GetWallet(context.Background(), wallet.OwnerID, wallet.OwnerType)
	if err != nil {
		test.Fatalf("reread wallet: %v", err)
	}
	if updated.AvailablePoints != 100 || updated.Version != wallet.Version+1 {
		test.Fatalf("unexpected wallet after update %+v", updated)
	}
}

func TestInsertEntryRejectsDuplicateKeyOperation(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	wallet, err := store.GetOrCreateWallet(context.Background(), mustStoreOwnerID(test, "user-1"), points.OwnerTypeUser)
	if err != nil {
		test.Fatalf("create wallet: %v", err)
	}

	if _, err := store.InsertEntry(context.Background(), testEntryInput(test, wallet.WalletID, "entry-1")); err != nil {
		test.Fatalf("insert: %v", err)
	}
	if _, err := store.InsertEntry(context.Background(), testEntryInput(test, wallet.WalletID, "entry-1")); !errors.Is(err, points.ErrDuplicateEntry) {
		test.Fatalf("expected ErrDuplicateEntry, got %v", err)
	}

	entry, found, err := store.GetEntryByOperation(context.Background(), mustStoreKey(test, "entry-1"), points.ScopeWalletAdjust)
	if err != nil || !found {
		test.Fatalf("expected stored entry, found=%v err=%v", found, err)
	}
	if entry.AmountPoints != 100 || entry.Metadata.String() != "{}" {
		test.Fatalf("unexpected entry %+v", entry)
	}
}

func TestCreateEscrowRejectsDuplicateExternalRef(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	escrow := points.EscrowItem{
		EscrowID:       "escrow-1",
		OwnerID:        mustStoreOwnerID(test, "user-1"),
		AmountPoints:   100,
		Status:         points.EscrowStatusHeld,
		ExternalRef:    "order-1",
		ReasonCode:     points.ReasonEscrowHold,
		CreatedUnixUTC: testEpoch,
	}
	if err := store.CreateEscrow(context.Background(), escrow); err != nil {
		test.Fatalf("create escrow: %v", err)
	}
	escrow.EscrowID = "escrow-2"
	if err := store.CreateEscrow(context.Background(), escrow); !errors.Is(err, points.ErrDuplicateExternalRef) {
		test.Fatalf("expected ErrDuplicateExternalRef, got %v", err)
	}
}

func TestCloseEscrowIsOneWay(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	escrow := points.EscrowItem{
		EscrowID:       "escrow-1",
		OwnerID:        mustStoreOwnerID(test, "user-1"),
		AmountPoints:   100,
		Status:         points.EscrowStatusHeld,
		ExternalRef:    "order-1",
		ReasonCode:     points.ReasonEscrowHold,
		CreatedUnixUTC: testEpoch,
	}
	if err := store.CreateEscrow(context.Background(), escrow); err != nil {
		test.Fatalf("create escrow: %v", err)
	}
	if err := store.CloseEscrow(context.Background(), "escrow-1", points.EscrowStatusHeld, points.EscrowStatusSettled, testEpoch+10); err != nil {
		test.Fatalf("close: %v", err)
	}
	if err := store.CloseEscrow(context.Background(), "escrow-1", points.EscrowStatusHeld, points.EscrowStatusRefunded, testEpoch+20); !errors.Is(err, points.ErrAlreadyProcessed) {
		test.Fatalf("expected ErrAlreadyProcessed, got %v", err)
	}
	closed, err := store.GetEscrowForUpdate(context.Background(), "escrow-1")
	if err != nil {
		test.Fatalf("reread escrow: %v", err)
	}
	if closed.Status != points.EscrowStatusSettled || closed.ProcessedUnixUTC != testEpoch+10 {
		test.Fatalf("unexpected escrow %+v", closed)
	}
}

func TestReservationStatusCompareAndSet(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	reservation := points.Reservation{
		ReservationID:    "reservation-1",
		OwnerID:          mustStoreOwnerID(test, "user-1"),
		AmountPoints:     120,
		Status:           points.ReservationStatusActive,
		ExpiresAtUnixUTC: testEpoch + 60,
		IdempotencyKey:   mustStoreKey(test, "reserve-1"),
		EventScope:       points.ScopeReserve,
		CreatedUnixUTC:   testEpoch,
	}
	if err := store.CreateReservation(context.Background(), reservation); err != nil {
		test.Fatalf("create reservation: %v", err)
	}
	if err := store.CreateReservation(context.Background(), reservation); !errors.Is(err, points.ErrReservationExists) {
		test.Fatalf("expected ErrReservationExists, got %v", err)
	}
	if err := store.UpdateReservationStatus(context.Background(), "reservation-1", points.ReservationStatusActive, points.ReservationStatusCommitted); err != nil {
		test.Fatalf("commit flip: %v", err)
	}
	if err := store.UpdateReservationStatus(context.Background(), "reservation-1", points.ReservationStatusActive, points.ReservationStatusReleased); !errors.Is(err, points.ErrAlreadyProcessed) {
		test.Fatalf("expected ErrAlreadyProcessed, got %v", err)
	}
}

func TestListExpiredReservationsFindsOnlyDueActive(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	seed := func(id string, key string, expiresAt int64, status points.ReservationStatus) {
		if err := store.CreateReservation(context.Background(), points.Reservation{
			ReservationID:    id,
			OwnerID:          mustStoreOwnerID(test, "user-1"),
			AmountPoints:     10,
			Status:           status,
			ExpiresAtUnixUTC: expiresAt,
			IdempotencyKey:   mustStoreKey(test, key),
			EventScope:       points.ScopeReserve,
			CreatedUnixUTC:   testEpoch,
		}); err != nil {
			test.Fatalf("seed %s: %v", id, err)
		}
	}
	seed("overdue", "reserve-1", testEpoch+10, points.ReservationStatusActive)
	seed("future", "reserve-2", testEpoch+900, points.ReservationStatusActive)
	seed("released", "reserve-3", testEpoch+10, points.ReservationStatusReleased)

	due, err := store.ListExpiredReservations(context.Background(), testEpoch+60, 10)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(due) != 1 || due[0].ReservationID != "overdue" {
		test.Fatalf("expected only the overdue active reservation, got %+v", due)
	}
}

func TestCreateIdempotencyRecordDetectsRace(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	record := points.IdempotencyRecord{
		Key:              mustStoreKey(test, "op-1"),
		Scope:            points.ScopeWalletAdjust,
		RequestHash:      "hash-a",
		Status:           points.IdempotencyStatusSucceeded,
		ResponseBody:     []byte(`{}`),
		ExpiresAtUnixUTC: testEpoch + 3600,
		CreatedUnixUTC:   testEpoch,
	}
	if err := store.CreateIdempotencyRecord(context.Background(), record); err != nil {
		test.Fatalf("create record: %v", err)
	}
	if err := store.CreateIdempotencyRecord(context.Background(), record); !errors.Is(err, points.ErrIdempotencyRace) {
		test.Fatalf("expected ErrIdempotencyRace, got %v", err)
	}

	stored, found, err := store.GetIdempotencyRecord(context.Background(), record.Key, record.Scope)
	if err != nil || !found {
		test.Fatalf("expected stored record, found=%v err=%v", found, err)
	}
	if stored.RequestHash != "hash-a" || string(stored.ResponseBody) != `{}` {
		test.Fatalf("unexpected record %+v", stored)
	}
}

func TestPurgeExpiredIdempotencyRecords(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	seed := func(key string, expiresAt int64) {
		if err := store.CreateIdempotencyRecord(context.Background(), points.IdempotencyRecord{
			Key:              mustStoreKey(test, key),
			Scope:            points.ScopeWalletAdjust,
			RequestHash:      "hash-a",
			Status:           points.IdempotencyStatusSucceeded,
			ExpiresAtUnixUTC: expiresAt,
			CreatedUnixUTC:   testEpoch,
		}); err != nil {
			test.Fatalf("seed %s: %v", key, err)
		}
	}
	seed("aged", testEpoch+10)
	seed("fresh", testEpoch+3600)

	purged, err := store.PurgeExpiredIdempotencyRecords(context.Background(), testEpoch+60, 10)
	if err != nil {
		test.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		test.Fatalf("expected 1 purged record, got %d", purged)
	}
	if _, found, _ := store.GetIdempotencyRecord(context.Background(), mustStoreKey(test, "fresh"), points.ScopeWalletAdjust); !found {
		test.Fatalf("fresh record must survive the purge")
	}
}

func TestIdempotencyRecordClaimLifecycle(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	key := mustStoreKey(test, "op-1")
	if err := store.CreateIdempotencyRecord(context.Background(), points.IdempotencyRecord{
		Key:              key,
		Scope:            points.ScopeWalletAdjust,
		RequestHash:      "hash-a",
		Status:           points.IdempotencyStatusStarted,
		ExpiresAtUnixUTC: testEpoch + 3600,
		CreatedUnixUTC:   testEpoch,
	}); err != nil {
		test.Fatalf("claim: %v", err)
	}

	if err := store.UpdateIdempotencyRecord(context.Background(), key, points.ScopeWalletAdjust,
		points.IdempotencyStatusSucceeded, []byte(`{"ok":true}`)); err != nil {
		test.Fatalf("complete: %v", err)
	}
	record, found, err := store.GetIdempotencyRecord(context.Background(), key, points.ScopeWalletAdjust)
	if err != nil || !found {
		test.Fatalf("get record: found=%v err=%v", found, err)
	}
	if record.Status != points.IdempotencyStatusSucceeded || string(record.ResponseBody) != `{"ok":true}` {
		test.Fatalf("expected completed record, got status=%s body=%s", record.Status, record.ResponseBody)
	}

	if err := store.DeleteIdempotencyRecord(context.Background(), key, points.ScopeWalletAdjust); err != nil {
		test.Fatalf("delete: %v", err)
	}
	if _, found, _ := store.GetIdempotencyRecord(context.Background(), key, points.ScopeWalletAdjust); found {
		test.Fatalf("deleted record must not be readable")
	}
}

func TestClaimDueIngestEventsFlipsOnce(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	if err := store.CreateIngestEvent(context.Background(), points.IngestEvent{
		EventID:            "event-1",
		EventType:          "wallet.grant",
		Payload:            []byte(`{"owner_id":"user-1","amount":100}`),
		Status:             points.IngestStatusQueued,
		NextAttemptUnixUTC: testEpoch,
		CreatedUnixUTC:     testEpoch,
	}); err != nil {
		test.Fatalf("create event: %v", err)
	}

	claimed, err := store.ClaimDueIngestEvents(context.Background(), testEpoch+1, testEpoch-300, 10)
	if err != nil {
		test.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].Status != points.IngestStatusProcessing {
		test.Fatalf("expected one processing claim, got %+v", claimed)
	}
	again, err := store.ClaimDueIngestEvents(context.Background(), testEpoch+1, testEpoch-300, 10)
	if err != nil {
		test.Fatalf("second claim: %v", err)
	}
	if len(again) != 0 {
		test.Fatalf("claimed event must not be claimable twice")
	}
}

func TestClaimDueIngestEventsReclaimsStaleClaim(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	if err := store.CreateIngestEvent(context.Background(), points.IngestEvent{
		EventID:            "event-1",
		EventType:          "wallet.grant",
		Payload:            []byte(`{"owner_id":"user-1","amount":100}`),
		Status:             points.IngestStatusQueued,
		NextAttemptUnixUTC: testEpoch,
		CreatedUnixUTC:     testEpoch,
	}); err != nil {
		test.Fatalf("create event: %v", err)
	}

	// First claimer takes the event and dies; the claim is stamped testEpoch.
	claimed, err := store.ClaimDueIngestEvents(context.Background(), testEpoch, testEpoch-300, 10)
	if err != nil || len(claimed) != 1 {
		test.Fatalf("expected one claim, got %d (%v)", len(claimed), err)
	}

	// Within the lease the processing row stays off limits.
	held, err := store.ClaimDueIngestEvents(context.Background(), testEpoch+60, testEpoch-240, 10)
	if err != nil {
		test.Fatalf("leased claim: %v", err)
	}
	if len(held) != 0 {
		test.Fatalf("leased event must not be reclaimed, got %+v", held)
	}

	// Past the lease the row is claimed again.
	reclaimed, err := store.ClaimDueIngestEvents(context.Background(), testEpoch+400, testEpoch+100, 10)
	if err != nil {
		test.Fatalf("stale claim: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].Status != points.IngestStatusProcessing {
		test.Fatalf("expected the stale claim back, got %+v", reclaimed)
	}
}

func TestGetIngestEventUnknownID(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	if _, err := store.GetIngestEvent(context.Background(), "missing"); !errors.Is(err, points.ErrIngestEventNotFound) {
		test.Fatalf("expected ErrIngestEventNotFound, got %v", err)
	}
	err := store.UpdateIngestEvent(context.Background(), "missing", points.IngestStatusProcessed, 1, 0, "")
	if !errors.Is(err, points.ErrIngestEventNotFound) {
		test.Fatalf("expected ErrIngestEventNotFound on update, got %v", err)
	}
}

func TestRecordDLQReplayAccumulates(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	if err := store.CreateDLQEntry(context.Background(), points.DLQEntry{
		DLQID:          "dlq-1",
		EventID:        "event-1",
		EventType:      "wallet.grant",
		Reason:         "downstream unavailable",
		Replayable:     true,
		CreatedUnixUTC: testEpoch,
	}); err != nil {
		test.Fatalf("create dlq entry: %v", err)
	}

	if err := store.RecordDLQReplay(context.Background(), "dlq-1", "failure", true, "still failing", testEpoch+10); err != nil {
		test.Fatalf("record failure: %v", err)
	}
	if err := store.RecordDLQReplay(context.Background(), "dlq-1", "success", false, "", testEpoch+20); err != nil {
		test.Fatalf("record success: %v", err)
	}
	entries, err := store.ListDLQEntries(context.Background(), "wallet.grant", false, 10)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		test.Fatalf("expected one dlq entry, got %d", len(entries))
	}
	retired := entries[0]
	if retired.ReplayCount != 2 || retired.Replayable || retired.LastReplayOutcome != "success" {
		test.Fatalf("unexpected dlq entry %+v", retired)
	}
	replayable, err := store.ListDLQEntries(context.Background(), "", true, 10)
	if err != nil {
		test.Fatalf("list replayable: %v", err)
	}
	if len(replayable) != 0 {
		test.Fatalf("retired entry must not list as replayable")
	}
}

func TestWithTxRollsBackOnError(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ownerID := mustStoreOwnerID(test, "user-1")

	sentinel := fmt.Errorf("abort")
	err := store.WithTx(context.Background(), func(ctx context.Context, txStore points.Store) error {
		if _, err := txStore.GetOrCreateWallet(ctx, ownerID, points.OwnerTypeUser); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		test.Fatalf("expected the sentinel to surface, got %v", err)
	}
	if _, err := store.GetWallet(context.Background(), ownerID, points.OwnerTypeUser); !errors.Is(err, points.ErrWalletNotFound) {
		test.Fatalf("rolled-back wallet must not exist, got %v", err)
	}
}

func TestListEntriesFilters(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	wallet, err := store.GetOrCreateWallet(context.Background(), mustStoreOwnerID(test, "user-1"), points.OwnerTypeUser)
	if err != nil {
		test.Fatalf("create wallet: %v", err)
	}
	first := testEntryInput(test, wallet.WalletID, "entry-1")
	if _, err := store.InsertEntry(context.Background(), first); err != nil {
		test.Fatalf("insert: %v", err)
	}
	second := testEntryInput(test, wallet.WalletID, "entry-2")
	second.Direction = points.DirectionDebit
	second.AmountPoints = -40
	second.StateTransition = points.TransitionAvailableToEscrow
	second.ReasonCode = points.ReasonEscrowHold
	second.OperationType = points.ScopeEscrowHold
	if _, err := store.InsertEntry(context.Background(), second); err != nil {
		test.Fatalf("insert: %v", err)
	}

	holds, err := store.ListEntries(context.Background(), points.EntryFilter{
		WalletID:   wallet.WalletID,
		ReasonCode: points.ReasonEscrowHold,
		Limit:      10,
	})
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(holds) != 1 || holds[0].AmountPoints != -40 {
		test.Fatalf("expected the hold entry, got %+v", holds)
	}
	all, err := store.ListWalletEntries(context.Background(), wallet.WalletID, testEpoch+60)
	if err != nil {
		test.Fatalf("list wallet entries: %v", err)
	}
	if len(all) != 2 {
		test.Fatalf("expected 2 wallet entries, got %d", len(all))
	}
}
