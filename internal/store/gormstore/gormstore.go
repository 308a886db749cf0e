package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/points/pkg/points"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintEntryKeyOperation   = "uniq_entries_key_operation"
	constraintEscrowExternalRef   = "uniq_escrow_external_ref"
	constraintReservationKeyScope = "uniq_reservations_key_scope"
	constraintIdempotencyPrimary  = "idempotency_records_pkey"
	defaultMetadataJSON           = "{}"
	pgUniqueViolationCode         = "23505"
	sqliteConstraintCode          = 19
	dialectPostgres               = "postgres"
	errorOperationStore           = "store"
	errorSubjectWallet            = "wallet"
	errorSubjectEntry             = "entry"
	errorSubjectEscrow            = "escrow"
	errorSubjectReservation       = "reservation"
	errorSubjectIdempotency       = "idempotency"
	errorSubjectIngest            = "ingest"
	errorSubjectDLQ               = "dlq"
	errorCodeCreate               = "create"
	errorCodeDelete               = "delete"
	errorCodeDuplicate            = "duplicate"
	errorCodeGet                  = "get"
	errorCodeInsert               = "insert"
	errorCodeInvalid              = "invalid"
	errorCodeList                 = "list"
	errorCodeLookup               = "lookup"
	errorCodePurge                = "purge"
	errorCodeUpdate               = "update"
	errorCodeUpdateStatus         = "update_status"
)

// Store implements points.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates every table.
func (store *Store) Migrate() error {
	return store.db.AutoMigrate(Models()...)
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore points.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetOrCreateWallet(ctx context.Context, ownerID points.OwnerID, ownerType points.OwnerType) (points.Wallet, error) {
	var model Wallet
	err := store.db.WithContext(ctx).
		Where("owner_id = ? AND owner_type = ?", ownerID.String(), ownerType.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		model = Wallet{
			OwnerID:   ownerID.String(),
			OwnerType: ownerType.String(),
			Currency:  "PTS",
			Version:   1,
		}
		err = store.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "owner_id"}, {Name: "owner_type"}},
				DoNothing: true,
			}).
			Create(&model).Error
		if err == nil {
			// A concurrent creator may have won the conflict; read back.
			err = store.db.WithContext(ctx).
				Where("owner_id = ? AND owner_type = ?", ownerID.String(), ownerType.String()).
				Take(&model).Error
		}
	}
	if err != nil {
		return points.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeLookup, err)
	}
	return mapWallet(model)
}

func (store *Store) GetWallet(ctx context.Context, ownerID points.OwnerID, ownerType points.OwnerType) (points.Wallet, error) {
	var model Wallet
	err := store.db.WithContext(ctx).
		Where("owner_id = ? AND owner_type = ?", ownerID.String(), ownerType.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return points.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, points.ErrWalletNotFound)
	}
	if err != nil {
		return points.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, err)
	}
	return mapWallet(model)
}

func (store *Store) UpdateWalletBalances(ctx context.Context, walletID string, expectedVersion int64, available points.Points, escrow points.Points, earned points.Points) error {
	result := store.db.WithContext(ctx).
		Model(&Wallet{}).
		Where("wallet_id = ? AND version = ?", walletID, expectedVersion).
		Updates(map[string]interface{}{
			"available_points": available.Int64(),
			"escrow_points":    escrow.Int64(),
			"earned_points":    earned.Int64(),
			"version":          expectedVersion + 1,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, points.ErrVersionConflict)
	}
	return nil
}

func (store *Store) ListWallets(ctx context.Context, limit int, offset int) ([]points.Wallet, error) {
	var rows []Wallet
	err := store.db.WithContext(ctx).
		Order("wallet_id ASC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectWallet, errorCodeList, err)
	}
	wallets := make([]points.Wallet, 0, len(rows))
	for _, row := range rows {
		wallet, err := mapWallet(row)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, wallet)
	}
	return wallets, nil
}

func (store *Store) InsertEntry(ctx context.Context, input points.EntryInput) (points.Entry, error) {
	model := LedgerEntry{
		TransactionID:   input.TransactionID,
		WalletID:        input.WalletID,
		OwnerType:       input.OwnerType.String(),
		Direction:       input.Direction.String(),
		AmountPoints:    input.AmountPoints.Int64(),
		BalanceState:    input.BalanceState.String(),
		StateTransition: input.StateTransition.String(),
		ReasonCode:      input.ReasonCode.String(),
		IdempotencyKey:  input.IdempotencyKey.String(),
		OperationType:   input.OperationType.String(),
		RequestID:       input.RequestID,
		BalanceBefore:   input.BalanceBefore.Int64(),
		BalanceAfter:    input.BalanceAfter.Int64(),
		EscrowID:        optionalString(input.EscrowID),
		ReservationID:   optionalString(input.ReservationID),
		CorrelationID:   input.CorrelationID,
		PayloadHash:     input.PayloadHash,
		Metadata:        datatypesJSON(input.Metadata.String()),
		CreatedAt:       time.Unix(input.CreatedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintEntryKeyOperation) {
		return points.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, points.ErrDuplicateEntry)
	}
	if err != nil {
		return points.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return mapLedgerEntry(model)
}

func (store *Store) GetEntryByOperation(ctx context.Context, key points.IdempotencyKey, operationType points.OperationScope) (points.Entry, bool, error) {
	var model LedgerEntry
	err := store.db.WithContext(ctx).
		Where("idempotency_key = ? AND operation_type = ?", key.String(), operationType.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return points.Entry{}, false, nil
	}
	if err != nil {
		return points.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	entry, mapErr := mapLedgerEntry(model)
	if mapErr != nil {
		return points.Entry{}, false, mapErr
	}
	return entry, true, nil
}

func (store *Store) ListEntries(ctx context.Context, filter points.EntryFilter) ([]points.Entry, error) {
	query := store.db.WithContext(ctx).Model(&LedgerEntry{})
	if filter.WalletID != "" {
		query = query.Where("wallet_id = ?", filter.WalletID)
	}
	if filter.ReasonCode != "" {
		query = query.Where("reason_code = ?", filter.ReasonCode.String())
	}
	if filter.Direction != "" {
		query = query.Where("direction = ?", filter.Direction.String())
	}
	if filter.FromUnixUTC != 0 {
		query = query.Where("created_at >= ?", time.Unix(filter.FromUnixUTC, 0).UTC())
	}
	if filter.ToUnixUTC != 0 {
		query = query.Where("created_at <= ?", time.Unix(filter.ToUnixUTC, 0).UTC())
	}
	if filter.BeforeUnixUTC != 0 {
		query = query.Where("created_at < ?", time.Unix(filter.BeforeUnixUTC, 0).UTC())
	}
	var rows []LedgerEntry
	err := query.Order("created_at DESC, entry_id DESC").Limit(filter.Limit).Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return mapLedgerEntries(rows)
}

func (store *Store) ListWalletEntries(ctx context.Context, walletID string, asOfUnixUTC int64) ([]points.Entry, error) {
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("wallet_id = ? AND created_at <= ?", walletID, time.Unix(asOfUnixUTC, 0).UTC()).
		Order("created_at ASC, entry_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return mapLedgerEntries(rows)
}

func (store *Store) CreateEscrow(ctx context.Context, escrow points.EscrowItem) error {
	model := EscrowItem{
		EscrowID:     escrow.EscrowID,
		OwnerID:      escrow.OwnerID.String(),
		AmountPoints: escrow.AmountPoints.Int64(),
		Status:       escrow.Status.String(),
		ExternalRef:  escrow.ExternalRef,
		ReasonCode:   escrow.ReasonCode.String(),
		CreatedAt:    time.Unix(escrow.CreatedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintEscrowExternalRef) {
		return wrapStoreError(errorSubjectEscrow, errorCodeDuplicate, points.ErrDuplicateExternalRef)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEscrow, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetEscrowForUpdate(ctx context.Context, escrowID string) (points.EscrowItem, error) {
	var model EscrowItem
	query := store.db.WithContext(ctx)
	if store.db.Dialector.Name() == dialectPostgres {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := query.Where("escrow_id = ?", escrowID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return points.EscrowItem{}, wrapStoreError(errorSubjectEscrow, errorCodeGet, points.ErrEscrowNotFound)
	}
	if err != nil {
		return points.EscrowItem{}, wrapStoreError(errorSubjectEscrow, errorCodeGet, err)
	}
	return mapEscrowItem(model)
}

func (store *Store) CloseEscrow(ctx context.Context, escrowID string, from points.EscrowStatus, to points.EscrowStatus, processedUnixUTC int64) error {
	processedAt := time.Unix(processedUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Model(&EscrowItem{}).
		Where("escrow_id = ? AND status = ?", escrowID, from.String()).
		Updates(map[string]interface{}{
			"status":       to.String(),
			"processed_at": processedAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectEscrow, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectEscrow, errorCodeUpdateStatus, points.ErrAlreadyProcessed)
	}
	return nil
}

func (store *Store) CreateReservation(ctx context.Context, reservation points.Reservation) error {
	model := Reservation{
		ReservationID:  reservation.ReservationID,
		OwnerID:        reservation.OwnerID.String(),
		AmountPoints:   reservation.AmountPoints.Int64(),
		Status:         reservation.Status.String(),
		ExpiresAt:      time.Unix(reservation.ExpiresAtUnixUTC, 0).UTC(),
		IdempotencyKey: reservation.IdempotencyKey.String(),
		EventScope:     reservation.EventScope.String(),
		CreatedAt:      time.Unix(reservation.CreatedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintReservationKeyScope) {
		return wrapStoreError(errorSubjectReservation, errorCodeDuplicate, points.ErrReservationExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetReservationForUpdate(ctx context.Context, reservationID string) (points.Reservation, error) {
	var model Reservation
	query := store.db.WithContext(ctx)
	if store.db.Dialector.Name() == dialectPostgres {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := query.Where("reservation_id = ?", reservationID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return points.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, points.ErrReservationNotFound)
	}
	if err != nil {
		return points.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	return mapReservation(model)
}

func (store *Store) UpdateReservationStatus(ctx context.Context, reservationID string, from points.ReservationStatus, to points.ReservationStatus) error {
	result := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Where("reservation_id = ? AND status = ?", reservationID, from.String()).
		Update("status", to.String())
	if result.Error != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, points.ErrAlreadyProcessed)
	}
	return nil
}

func (store *Store) ListExpiredReservations(ctx context.Context, nowUnixUTC int64, limit int) ([]points.Reservation, error) {
	var rows []Reservation
	err := store.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", points.ReservationStatusActive.String(), time.Unix(nowUnixUTC, 0).UTC()).
		Order("expires_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	reservations := make([]points.Reservation, 0, len(rows))
	for _, row := range rows {
		reservation, err := mapReservation(row)
		if err != nil {
			return nil, err
		}
		reservations = append(reservations, reservation)
	}
	return reservations, nil
}

func (store *Store) GetIdempotencyRecord(ctx context.Context, key points.IdempotencyKey, scope points.OperationScope) (points.IdempotencyRecord, bool, error) {
	var model IdempotencyRecord
	err := store.db.WithContext(ctx).
		Where("idempotency_key = ? AND scope = ?", key.String(), scope.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return points.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return points.IdempotencyRecord{}, false, wrapStoreError(errorSubjectIdempotency, errorCodeGet, err)
	}
	record, mapErr := mapIdempotencyRecord(model)
	if mapErr != nil {
		return points.IdempotencyRecord{}, false, mapErr
	}
	return record, true, nil
}

func (store *Store) CreateIdempotencyRecord(ctx context.Context, record points.IdempotencyRecord) error {
	model := IdempotencyRecord{
		IdempotencyKey: record.Key.String(),
		Scope:          record.Scope.String(),
		RequestHash:    record.RequestHash,
		Status:         string(record.Status),
		ResponseBody:   record.ResponseBody,
		ExpiresAt:      time.Unix(record.ExpiresAtUnixUTC, 0).UTC(),
		CreatedAt:      time.Unix(record.CreatedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintIdempotencyPrimary) {
		return wrapStoreError(errorSubjectIdempotency, errorCodeDuplicate, points.ErrIdempotencyRace)
	}
	if err != nil {
		return wrapStoreError(errorSubjectIdempotency, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) UpdateIdempotencyRecord(ctx context.Context, key points.IdempotencyKey, scope points.OperationScope, status points.IdempotencyStatus, responseBody []byte) error {
	result := store.db.WithContext(ctx).
		Model(&IdempotencyRecord{}).
		Where("idempotency_key = ? AND scope = ?", key.String(), scope.String()).
		Updates(map[string]interface{}{
			"status":        string(status),
			"response_body": responseBody,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectIdempotency, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectIdempotency, errorCodeUpdate, gorm.ErrRecordNotFound)
	}
	return nil
}

func (store *Store) DeleteIdempotencyRecord(ctx context.Context, key points.IdempotencyKey, scope points.OperationScope) error {
	result := store.db.WithContext(ctx).
		Where("idempotency_key = ? AND scope = ?", key.String(), scope.String()).
		Delete(&IdempotencyRecord{})
	if result.Error != nil {
		return wrapStoreError(errorSubjectIdempotency, errorCodeDelete, result.Error)
	}
	return nil
}

func (store *Store) PurgeExpiredIdempotencyRecords(ctx context.Context, nowUnixUTC int64, limit int) (int64, error) {
	var rows []IdempotencyRecord
	err := store.db.WithContext(ctx).
		Select("idempotency_key", "scope").
		Where("expires_at <= ?", time.Unix(nowUnixUTC, 0).UTC()).
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectIdempotency, errorCodePurge, err)
	}
	var purged int64
	for _, row := range rows {
		result := store.db.WithContext(ctx).
			Where("idempotency_key = ? AND scope = ?", row.IdempotencyKey, row.Scope).
			Delete(&IdempotencyRecord{})
		if result.Error != nil {
			return purged, wrapStoreError(errorSubjectIdempotency, errorCodePurge, result.Error)
		}
		purged += result.RowsAffected
	}
	return purged, nil
}

func (store *Store) CreateIngestEvent(ctx context.Context, event points.IngestEvent) error {
	model := IngestEvent{
		EventID:       event.EventID,
		EventType:     event.EventType,
		Payload:       datatypesJSON(string(event.Payload)),
		Status:        event.Status.String(),
		Attempts:      event.Attempts,
		NextAttemptAt: time.Unix(event.NextAttemptUnixUTC, 0).UTC(),
		LastError:     event.LastError,
		CreatedAt:     time.Unix(event.CreatedUnixUTC, 0).UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectIngest, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetIngestEvent(ctx context.Context, eventID string) (points.IngestEvent, error) {
	var model IngestEvent
	err := store.db.WithContext(ctx).Where("event_id = ?", eventID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return points.IngestEvent{}, wrapStoreError(errorSubjectIngest, errorCodeGet, points.ErrIngestEventNotFound)
	}
	if err != nil {
		return points.IngestEvent{}, wrapStoreError(errorSubjectIngest, errorCodeGet, err)
	}
	return mapIngestEvent(model), nil
}

// ClaimDueIngestEvents flips one batch of due queued events to processing and
// returns them, restamping next_attempt_at with the claim time so the claim
// carries a visible lease. Processing rows stamped at or before
// staleBeforeUnixUTC were abandoned by a dead claimer and are claimed again.
// The flip is guarded per row so concurrent claimers never process the same
// event twice.
func (store *Store) ClaimDueIngestEvents(ctx context.Context, nowUnixUTC int64, staleBeforeUnixUTC int64, limit int) ([]points.IngestEvent, error) {
	now := time.Unix(nowUnixUTC, 0).UTC()
	staleBefore := time.Unix(staleBeforeUnixUTC, 0).UTC()
	var rows []IngestEvent
	err := store.db.WithContext(ctx).
		Where("(status = ? AND next_attempt_at <= ?) OR (status = ? AND next_attempt_at <= ?)",
			points.IngestStatusQueued.String(), now,
			points.IngestStatusProcessing.String(), staleBefore).
		Order("next_attempt_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectIngest, errorCodeList, err)
	}
	claimed := make([]points.IngestEvent, 0, len(rows))
	for _, row := range rows {
		result := store.db.WithContext(ctx).
			Model(&IngestEvent{}).
			Where("event_id = ? AND status = ? AND next_attempt_at = ?", row.EventID, row.Status, row.NextAttemptAt).
			Updates(map[string]interface{}{
				"status":          points.IngestStatusProcessing.String(),
				"next_attempt_at": now,
			})
		if result.Error != nil {
			return claimed, wrapStoreError(errorSubjectIngest, errorCodeUpdateStatus, result.Error)
		}
		if result.RowsAffected == 0 {
			continue
		}
		row.Status = points.IngestStatusProcessing.String()
		row.NextAttemptAt = now
		claimed = append(claimed, mapIngestEvent(row))
	}
	return claimed, nil
}

func (store *Store) UpdateIngestEvent(ctx context.Context, eventID string, status points.IngestStatus, attempts int, nextAttemptUnixUTC int64, lastError string) error {
	result := store.db.WithContext(ctx).
		Model(&IngestEvent{}).
		Where("event_id = ?", eventID).
		Updates(map[string]interface{}{
			"status":          status.String(),
			"attempts":        attempts,
			"next_attempt_at": time.Unix(nextAttemptUnixUTC, 0).UTC(),
			"last_error":      lastError,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectIngest, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectIngest, errorCodeUpdate, points.ErrIngestEventNotFound)
	}
	return nil
}

func (store *Store) CreateDLQEntry(ctx context.Context, entry points.DLQEntry) error {
	model := DLQEntry{
		DLQID:       entry.DLQID,
		EventID:     entry.EventID,
		EventType:   entry.EventType,
		Reason:      entry.Reason,
		Replayable:  entry.Replayable,
		ReplayCount: entry.ReplayCount,
		CreatedAt:   time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectDLQ, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) ListDLQEntries(ctx context.Context, eventType string, replayableOnly bool, limit int) ([]points.DLQEntry, error) {
	query := store.db.WithContext(ctx).Model(&DLQEntry{})
	if eventType != "" {
		query = query.Where("event_type = ?", eventType)
	}
	if replayableOnly {
		query = query.Where("replayable = ?", true)
	}
	var rows []DLQEntry
	err := query.Order("created_at ASC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectDLQ, errorCodeList, err)
	}
	entries := make([]points.DLQEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, mapDLQEntry(row))
	}
	return entries, nil
}

func (store *Store) RecordDLQReplay(ctx context.Context, dlqID string, outcome string, replayable bool, reason string, nowUnixUTC int64) error {
	updates := map[string]interface{}{
		"replay_count":        gorm.Expr("replay_count + 1"),
		"last_replay_at":      time.Unix(nowUnixUTC, 0).UTC(),
		"last_replay_outcome": outcome,
		"replayable":          replayable,
	}
	if reason != "" {
		updates["reason"] = reason
	}
	result := store.db.WithContext(ctx).
		Model(&DLQEntry{}).
		Where("dlq_id = ?", dlqID).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectDLQ, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectDLQ, errorCodeUpdate, points.ErrIngestEventNotFound)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return points.WrapError(errorOperationStore, subject, code, err)
}

func mapWallet(model Wallet) (points.Wallet, error) {
	ownerID, err := points.NewOwnerID(model.OwnerID)
	if err != nil {
		return points.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	ownerType, err := points.ParseOwnerType(model.OwnerType)
	if err != nil {
		return points.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	return points.Wallet{
		WalletID:        model.WalletID,
		OwnerID:         ownerID,
		OwnerType:       ownerType,
		AvailablePoints: points.Points(model.AvailablePoints),
		EscrowPoints:    points.Points(model.EscrowPoints),
		EarnedPoints:    points.Points(model.EarnedPoints),
		Currency:        model.Currency,
		Version:         model.Version,
	}, nil
}

func mapLedgerEntries(rows []LedgerEntry) ([]points.Entry, error) {
	entries := make([]points.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func mapLedgerEntry(model LedgerEntry) (points.Entry, error) {
	ownerType, err := points.ParseOwnerType(model.OwnerType)
	if err != nil {
		return points.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	reasonCode, err := points.ParseReasonCode(model.ReasonCode)
	if err != nil {
		return points.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	balanceState, err := points.ParseBalanceState(model.BalanceState)
	if err != nil {
		return points.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	idempotencyKey, err := points.NewIdempotencyKey(model.IdempotencyKey)
	if err != nil {
		return points.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	metadata, err := points.NewMetadataJSON(string(model.Metadata))
	if err != nil {
		return points.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return points.Entry{
		EntryID: model.EntryID,
		EntryInput: points.EntryInput{
			TransactionID:   model.TransactionID,
			WalletID:        model.WalletID,
			OwnerType:       ownerType,
			Direction:       points.EntryDirection(model.Direction),
			AmountPoints:    points.Points(model.AmountPoints),
			BalanceState:    balanceState,
			StateTransition: points.StateTransition(model.StateTransition),
			ReasonCode:      reasonCode,
			IdempotencyKey:  idempotencyKey,
			OperationType:   points.OperationScope(model.OperationType),
			RequestID:       model.RequestID,
			BalanceBefore:   points.Points(model.BalanceBefore),
			BalanceAfter:    points.Points(model.BalanceAfter),
			EscrowID:        stringOrEmpty(model.EscrowID),
			ReservationID:   stringOrEmpty(model.ReservationID),
			CorrelationID:   model.CorrelationID,
			PayloadHash:     model.PayloadHash,
			Metadata:        metadata,
			CreatedUnixUTC:  model.CreatedAt.Unix(),
		},
	}, nil
}

func mapEscrowItem(model EscrowItem) (points.EscrowItem, error) {
	ownerID, err := points.NewOwnerID(model.OwnerID)
	if err != nil {
		return points.EscrowItem{}, wrapStoreError(errorSubjectEscrow, errorCodeInvalid, err)
	}
	status, err := points.ParseEscrowStatus(model.Status)
	if err != nil {
		return points.EscrowItem{}, wrapStoreError(errorSubjectEscrow, errorCodeInvalid, err)
	}
	reasonCode, err := points.ParseReasonCode(model.ReasonCode)
	if err != nil {
		return points.EscrowItem{}, wrapStoreError(errorSubjectEscrow, errorCodeInvalid, err)
	}
	return points.EscrowItem{
		EscrowID:         model.EscrowID,
		OwnerID:          ownerID,
		AmountPoints:     points.Points(model.AmountPoints),
		Status:           status,
		ExternalRef:      model.ExternalRef,
		ReasonCode:       reasonCode,
		CreatedUnixUTC:   model.CreatedAt.Unix(),
		ProcessedUnixUTC: timeOrZero(model.ProcessedAt),
	}, nil
}

func mapReservation(model Reservation) (points.Reservation, error) {
	ownerID, err := points.NewOwnerID(model.OwnerID)
	if err != nil {
		return points.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	status, err := points.ParseReservationStatus(model.Status)
	if err != nil {
		return points.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	idempotencyKey, err := points.NewIdempotencyKey(model.IdempotencyKey)
	if err != nil {
		return points.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	return points.Reservation{
		ReservationID:    model.ReservationID,
		OwnerID:          ownerID,
		AmountPoints:     points.Points(model.AmountPoints),
		Status:           status,
		ExpiresAtUnixUTC: model.ExpiresAt.Unix(),
		IdempotencyKey:   idempotencyKey,
		EventScope:       points.OperationScope(model.EventScope),
		CreatedUnixUTC:   model.CreatedAt.Unix(),
	}, nil
}

func mapIdempotencyRecord(model IdempotencyRecord) (points.IdempotencyRecord, error) {
	key, err := points.NewIdempotencyKey(model.IdempotencyKey)
	if err != nil {
		return points.IdempotencyRecord{}, wrapStoreError(errorSubjectIdempotency, errorCodeInvalid, err)
	}
	return points.IdempotencyRecord{
		Key:              key,
		Scope:            points.OperationScope(model.Scope),
		RequestHash:      model.RequestHash,
		Status:           points.IdempotencyStatus(model.Status),
		ResponseBody:     model.ResponseBody,
		ExpiresAtUnixUTC: model.ExpiresAt.Unix(),
		CreatedUnixUTC:   model.CreatedAt.Unix(),
	}, nil
}

func mapIngestEvent(model IngestEvent) points.IngestEvent {
	return points.IngestEvent{
		EventID:            model.EventID,
		EventType:          model.EventType,
		Payload:            []byte(model.Payload),
		Status:             points.IngestStatus(model.Status),
		Attempts:           model.Attempts,
		NextAttemptUnixUTC: model.NextAttemptAt.Unix(),
		LastError:          model.LastError,
		CreatedUnixUTC:     model.CreatedAt.Unix(),
	}
}

func mapDLQEntry(model DLQEntry) points.DLQEntry {
	return points.DLQEntry{
		DLQID:             model.DLQID,
		EventID:           model.EventID,
		EventType:         model.EventType,
		Reason:            model.Reason,
		Replayable:        model.Replayable,
		ReplayCount:       model.ReplayCount,
		LastReplayUnixUTC: timeOrZero(model.LastReplayAt),
		LastReplayOutcome: model.LastReplayOutcome,
		CreatedUnixUTC:    model.CreatedAt.Unix(),
	}
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
