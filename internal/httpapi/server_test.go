package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/MarkoPoloResearchLab/points/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/points/pkg/points"
)

type apiHarness struct {
	router     *gin.Engine
	authorizer *points.SettlementAuthorizer
}

func newAPIHarness(test *testing.T) *apiHarness {
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
	authorizer, err := points.NewSettlementAuthorizer([]byte("api-test-secret"), "points-test")
	if err != nil {
		test.Fatalf("authorizer: %v", err)
	}
	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := points.NewService(store, clock, authorizer)
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	ingestor, err := points.NewIngestor(store, clock)
	if err != nil {
		test.Fatalf("ingestor: %v", err)
	}
	if err := ingestor.Register("wallet.grant",
		func(payload json.RawMessage) error {
			var body struct {
				OwnerID string `json:"owner_id"`
				Amount  int64  `json:"amount_points"`
			}
			if err := json.Unmarshal(payload, &body); err != nil {
				return err
			}
			if body.OwnerID == "" || body.Amount <= 0 {
				return fmt.Errorf("owner_id and a positive amount_points are required")
			}
			return nil
		},
		func(ctx context.Context, payload json.RawMessage) error { return nil },
	); err != nil {
		test.Fatalf("register handler: %v", err)
	}
	server := New(Config{ListenAddr: "127.0.0.1:0"}, service, ingestor, zap.NewNop())
	return &apiHarness{router: server.Router(), authorizer: authorizer}
}

func (harness *apiHarness) do(test *testing.T, method string, path string, body string, idempotencyKey string) *httptest.ResponseRecorder {
	test.Helper()
	var reader *bytes.Buffer
	if body == "" {
		reader = bytes.NewBuffer(nil)
	} else {
		reader = bytes.NewBufferString(body)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		request.Header.Set("Idempotency-Key", idempotencyKey)
	}
	recorder := httptest.NewRecorder()
	harness.router.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(test *testing.T, recorder *httptest.ResponseRecorder, target any) {
	test.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		test.Fatalf("decode response %s: %v", recorder.Body.String(), err)
	}
}

func TestHealthz(test *testing.T) {
	test.Parallel()
	harness := newAPIHarness(test)
	recorder := harness.do(test, http.MethodGet, "/healthz", "", "")
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestEscrowLifecycleOverHTTP(test *testing.T) {
	test.Parallel()
	harness := newAPIHarness(test)

	grant := harness.do(test, http.MethodPost, "/api/v1/wallets/adjust",
		`{"owner_id":"user-1","amount_points":500,"balance_state":"available","reason_code":"grant"}`,
		"grant-1")
	if grant.Code != http.StatusCreated {
		test.Fatalf("grant: expected 201, got %d body=%s", grant.Code, grant.Body.String())
	}

	hold := harness.do(test, http.MethodPost, "/api/v1/escrows",
		`{"owner_id":"user-1","amount_points":100,"external_ref":"order-1"}`,
		"hold-1")
	if hold.Code != http.StatusCreated {
		test.Fatalf("hold: expected 201, got %d body=%s", hold.Code, hold.Body.String())
	}
	var holdOutcome points.EscrowOutcome
	decodeBody(test, hold, &holdOutcome)
	if holdOutcome.Escrow.EscrowID == "" || holdOutcome.Escrow.Status != points.EscrowStatusHeld {
		test.Fatalf("unexpected hold outcome %+v", holdOutcome)
	}

	replay := harness.do(test, http.MethodPost, "/api/v1/escrows",
		`{"owner_id":"user-1","amount_points":100,"external_ref":"order-1"}`,
		"hold-1")
	if replay.Code != http.StatusOK {
		test.Fatalf("replayed hold: expected 200, got %d body=%s", replay.Code, replay.Body.String())
	}

	token, err := harness.authorizer.Issue(holdOutcome.Escrow.EscrowID, 100, points.ActionSettle)
	if err != nil {
		test.Fatalf("issue token: %v", err)
	}
	settle := harness.do(test, http.MethodPost, "/api/v1/escrows/"+holdOutcome.Escrow.EscrowID+"/settle",
		fmt.Sprintf(`{"recipient_id":"merchant-1","amount_points":100,"authorization_token":%q}`, token),
		"settle-1")
	if settle.Code != http.StatusCreated {
		test.Fatalf("settle: expected 201, got %d body=%s", settle.Code, settle.Body.String())
	}

	wallet := harness.do(test, http.MethodGet, "/api/v1/wallets/merchant-1?owner_type=payee", "", "")
	if wallet.Code != http.StatusOK {
		test.Fatalf("get wallet: expected 200, got %d", wallet.Code)
	}
	var walletResponse struct {
		Wallet points.Wallet `json:"wallet"`
	}
	decodeBody(test, wallet, &walletResponse)
	if walletResponse.Wallet.EarnedPoints != 100 {
		test.Fatalf("expected recipient earned 100, got %d", walletResponse.Wallet.EarnedPoints)
	}
}

func TestHoldRequiresIdempotencyKeyHeader(test *testing.T) {
	test.Parallel()
	harness := newAPIHarness(test)
	recorder := harness.do(test, http.MethodPost, "/api/v1/escrows",
		`{"owner_id":"user-1","amount_points":100,"external_ref":"order-1"}`,
		"")
	if recorder.Code != http.StatusBadRequest {
		test.Fatalf("expected 400 without Idempotency-Key, got %d", recorder.Code)
	}
}

func TestHoldWithInsufficientFundsConflicts(test *testing.T) {
	test.Parallel()
	harness := newAPIHarness(test)
	recorder := harness.do(test, http.MethodPost, "/api/v1/escrows",
		`{"owner_id":"user-1","amount_points":100,"external_ref":"order-1"}`,
		"hold-1")
	if recorder.Code != http.StatusConflict {
		test.Fatalf("expected 409 for insufficient funds, got %d body=%s", recorder.Code, recorder.Body.String())
	}
}

func TestSettleWithBadTokenForbidden(test *testing.T) {
	test.Parallel()
	harness := newAPIHarness(test)
	harness.do(test, http.MethodPost, "/api/v1/wallets/adjust",
		`{"owner_id":"user-1","amount_points":500,"balance_state":"available","reason_code":"grant"}`,
		"grant-1")
	hold := harness.do(test, http.MethodPost, "/api/v1/escrows",
		`{"owner_id":"user-1","amount_points":100,"external_ref":"order-1"}`,
		"hold-1")
	var holdOutcome points.EscrowOutcome
	decodeBody(test, hold, &holdOutcome)

	recorder := harness.do(test, http.MethodPost, "/api/v1/escrows/"+holdOutcome.Escrow.EscrowID+"/settle",
		`{"recipient_id":"merchant-1","amount_points":100,"authorization_token":"not-a-token"}`,
		"settle-1")
	if recorder.Code != http.StatusForbidden {
		test.Fatalf("expected 403 for bad token, got %d body=%s", recorder.Code, recorder.Body.String())
	}
}

func TestReservationLifecycleOverHTTP(test *testing.T) {
	test.Parallel()
	harness := newAPIHarness(test)
	harness.do(test, http.MethodPost, "/api/v1/wallets/adjust",
		`{"owner_id":"user-1","amount_points":300,"balance_state":"available","reason_code":"grant"}`,
		"grant-1")

	reserve := harness.do(test, http.MethodPost, "/api/v1/reservations",
		`{"owner_id":"user-1","amount_points":120,"ttl_seconds":600}`,
		"reserve-1")
	if reserve.Code != http.StatusCreated {
		test.Fatalf("reserve: expected 201, got %d body=%s", reserve.Code, reserve.Body.String())
	}
	var reserveOutcome points.ReservationOutcome
	decodeBody(test, reserve, &reserveOutcome)

	commit := harness.do(test, http.MethodPost,
		"/api/v1/reservations/"+reserveOutcome.Reservation.ReservationID+"/commit", "{}", "commit-1")
	if commit.Code != http.StatusCreated {
		test.Fatalf("commit: expected 201, got %d body=%s", commit.Code, commit.Body.String())
	}

	release := harness.do(test, http.MethodPost,
		"/api/v1/reservations/"+reserveOutcome.Reservation.ReservationID+"/release", "{}", "release-1")
	if release.Code != http.StatusConflict {
		test.Fatalf("release after commit: expected 409, got %d body=%s", release.Code, release.Body.String())
	}
}

func TestUnknownReservationNotFound(test *testing.T) {
	test.Parallel()
	harness := newAPIHarness(test)
	recorder := harness.do(test, http.MethodPost, "/api/v1/reservations/no-such-id/commit", "{}", "commit-1")
	if recorder.Code != http.StatusNotFound {
		test.Fatalf("expected 404, got %d body=%s", recorder.Code, recorder.Body.String())
	}
}

func TestLedgerEndpoints(test *testing.T) {
	test.Parallel()
	harness := newAPIHarness(test)
	grant := harness.do(test, http.MethodPost, "/api/v1/wallets/adjust",
		`{"owner_id":"user-1","amount_points":500,"balance_state":"available","reason_code":"grant"}`,
		"grant-1")
	var grantOutcome points.AdjustOutcome
	decodeBody(test, grant, &grantOutcome)

	entries := harness.do(test, http.MethodGet, "/api/v1/ledger/entries?reason_code=grant", "", "")
	if entries.Code != http.StatusOK {
		test.Fatalf("list entries: expected 200, got %d", entries.Code)
	}
	var entriesResponse struct {
		Entries []points.Entry `json:"entries"`
	}
	decodeBody(test, entries, &entriesResponse)
	if len(entriesResponse.Entries) != 1 {
		test.Fatalf("expected 1 grant entry, got %d", len(entriesResponse.Entries))
	}

	snapshot := harness.do(test, http.MethodGet,
		"/api/v1/ledger/wallets/"+grantOutcome.Wallet.WalletID+"/snapshot", "", "")
	if snapshot.Code != http.StatusOK {
		test.Fatalf("snapshot: expected 200, got %d", snapshot.Code)
	}
	var snapshotResponse struct {
		Snapshot points.BalanceSnapshot `json:"snapshot"`
	}
	decodeBody(test, snapshot, &snapshotResponse)
	if snapshotResponse.Snapshot.AvailablePoints != 500 {
		test.Fatalf("expected ledger available 500, got %d", snapshotResponse.Snapshot.AvailablePoints)
	}

	reconcile := harness.do(test, http.MethodGet, "/api/v1/admin/reconciliation", "", "")
	if reconcile.Code != http.StatusOK {
		test.Fatalf("reconcile: expected 200, got %d", reconcile.Code)
	}
	var reconcileResponse struct {
		Clean bool `json:"clean"`
	}
	decodeBody(test, reconcile, &reconcileResponse)
	if !reconcileResponse.Clean {
		test.Fatalf("expected a clean reconciliation")
	}
}

func TestIngestEndpointsOverHTTP(test *testing.T) {
	test.Parallel()
	harness := newAPIHarness(test)

	accepted := harness.do(test, http.MethodPost, "/api/v1/ingest/events",
		`{"event_type":"wallet.grant","payload":{"owner_id":"user-1","amount_points":100}}`, "")
	if accepted.Code != http.StatusAccepted {
		test.Fatalf("submit: expected 202, got %d body=%s", accepted.Code, accepted.Body.String())
	}

	rejected := harness.do(test, http.MethodPost, "/api/v1/ingest/events",
		`{"event_type":"unknown.type","payload":{}}`, "")
	if rejected.Code != http.StatusUnprocessableEntity {
		test.Fatalf("unknown type: expected 422, got %d body=%s", rejected.Code, rejected.Body.String())
	}

	dlq := harness.do(test, http.MethodGet, "/api/v1/admin/dlq", "", "")
	if dlq.Code != http.StatusOK {
		test.Fatalf("dlq list: expected 200, got %d", dlq.Code)
	}

	replay := harness.do(test, http.MethodPost, "/api/v1/admin/dlq/replay", "{}", "")
	if replay.Code != http.StatusOK {
		test.Fatalf("replay: expected 200, got %d body=%s", replay.Code, replay.Body.String())
	}
	var replayResponse struct {
		Report points.ReplayReport `json:"report"`
	}
	decodeBody(test, replay, &replayResponse)
	if replayResponse.Report.Attempted != 0 {
		test.Fatalf("expected an empty replay pass, got %+v", replayResponse.Report)
	}
}

func TestStatusForErrorMapping(test *testing.T) {
	test.Parallel()
	cases := []struct {
		err    error
		status int
	}{
		{err: points.ErrWalletNotFound, status: http.StatusNotFound},
		{err: points.ErrIngestEventNotFound, status: http.StatusNotFound},
		{err: points.ErrInvalidAuthorization, status: http.StatusForbidden},
		{err: points.ErrReservationExpired, status: http.StatusGone},
		{err: points.ErrInsufficientPoints, status: http.StatusConflict},
		{err: points.ErrVersionConflict, status: http.StatusConflict},
		{err: points.ErrSettleAmountMismatch, status: http.StatusUnprocessableEntity},
		{err: points.ErrInvalidIdempotencyKey, status: http.StatusBadRequest},
		{err: points.WrapError("store", "wallet", "update", points.ErrVersionConflict), status: http.StatusConflict},
		{err: fmt.Errorf("boom"), status: http.StatusInternalServerError},
	}
	for _, testCase := range cases {
		if got := statusForError(testCase.err); got != testCase.status {
			test.Fatalf("statusForError(%v) = %d, want %d", testCase.err, got, testCase.status)
		}
	}
}
