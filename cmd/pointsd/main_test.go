package main

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/MarkoPoloResearchLab/points/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/points/pkg/points"
)

func newTestIngestor(test *testing.T) *points.Ingestor {
	test.Helper()
	databasePath := filepath.Join(test.TempDir(), "points.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		test.Fatalf("open database: %v", err)
	}
	store := gormstore.New(database)
	if err := store.Migrate(); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	clock := func() int64 { return time.Now().UTC().Unix() }
	authorizer, err := points.NewSettlementAuthorizer([]byte("test-secret"), "points-test")
	if err != nil {
		test.Fatalf("authorizer: %v", err)
	}
	service, err := points.NewService(store, clock, authorizer)
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	ingestor, err := points.NewIngestor(store, clock)
	if err != nil {
		test.Fatalf("ingestor: %v", err)
	}
	if err := registerEventHandlers(ingestor, service); err != nil {
		test.Fatalf("register handlers: %v", err)
	}
	return ingestor
}

func TestEventValidatorsRejectUnknownFields(test *testing.T) {
	test.Parallel()
	ingestor := newTestIngestor(test)
	cases := []struct {
		name      string
		eventType string
		payload   string
	}{
		{
			name:      "grant with stray field",
			eventType: "wallet.grant",
			payload:   `{"owner_id":"user-1","amount_points":10,"idempotency_key":"grant-1","amout_points":99}`,
		},
		{
			name:      "hold with stray field",
			eventType: "escrow.hold",
			payload:   `{"owner_id":"user-1","amount_points":10,"external_ref":"order-1","idempotency_key":"hold-1","extra":true}`,
		},
	}
	for _, testCase := range cases {
		test.Run(testCase.name, func(test *testing.T) {
			event, err := ingestor.Submit(context.Background(), testCase.eventType, json.RawMessage(testCase.payload))
			if !errors.Is(err, points.ErrEventRejected) {
				test.Fatalf("expected ErrEventRejected, got %v", err)
			}
			if event.Status != points.IngestStatusRejected {
				test.Fatalf("expected rejected event, got %s", event.Status)
			}
		})
	}
}

func TestEventValidatorsAcceptDeclaredFields(test *testing.T) {
	test.Parallel()
	ingestor := newTestIngestor(test)
	event, err := ingestor.Submit(context.Background(), "wallet.grant",
		json.RawMessage(`{"owner_id":"user-1","amount_points":10,"reason_code":"grant","idempotency_key":"grant-1"}`))
	if err != nil {
		test.Fatalf("submit: %v", err)
	}
	if event.Status != points.IngestStatusQueued {
		test.Fatalf("expected queued event, got %s", event.Status)
	}
}
