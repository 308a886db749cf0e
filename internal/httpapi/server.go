// Package httpapi exposes the points engine over HTTP. Handlers translate
// between the wire shapes and the domain operations; all invariants live in
// the service layer.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/points/pkg/points"
)

const headerIdempotencyKey = "Idempotency-Key"

// Config describes the HTTP listener.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// Server wires the gin router over the domain services.
type Server struct {
	config   Config
	logger   *zap.Logger
	service  *points.Service
	ingestor *points.Ingestor
}

// New builds a Server. The ingestor may be nil when intake runs elsewhere.
func New(config Config, service *points.Service, ingestor *points.Ingestor, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 10 * time.Second
	}
	return &Server{config: config, logger: logger, service: service, ingestor: ingestor}
}

// Router assembles the route table.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.config.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization", headerIdempotencyKey},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api/v1")

	api.POST("/escrows", server.handleHold)
	api.POST("/escrows/:escrow_id/settle", server.handleSettle)
	api.POST("/escrows/:escrow_id/refund", server.handleRefund)
	api.POST("/escrows/:escrow_id/partial-settle", server.handlePartialSettle)

	api.POST("/reservations", server.handleReserve)
	api.POST("/reservations/:reservation_id/commit", server.handleCommit)
	api.POST("/reservations/:reservation_id/release", server.handleRelease)

	api.GET("/wallets/:owner_id", server.handleGetWallet)
	api.POST("/wallets/adjust", server.handleAdjust)

	api.GET("/ledger/entries", server.handleListEntries)
	api.GET("/ledger/wallets/:wallet_id/snapshot", server.handleSnapshot)

	admin := api.Group("/admin")
	admin.GET("/reconciliation", server.handleReconcile)
	if server.ingestor != nil {
		api.POST("/ingest/events", server.handleIngestSubmit)
		admin.GET("/dlq", server.handleListDLQ)
		admin.POST("/dlq/replay", server.handleReplayDLQ)
	}

	return router
}

// Run serves until the context ends, then drains in-flight requests.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.config.ListenAddr,
		Handler: server.Router(),
	}
	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("points api listening", zap.String("addr", server.config.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type holdRequest struct {
	OwnerID     string `json:"owner_id"`
	Amount      int64  `json:"amount_points"`
	Reason      string `json:"reason_code"`
	ExternalRef string `json:"external_ref"`
	RequestID   string `json:"request_id"`
	Metadata    string `json:"metadata"`
}

func (server *Server) handleHold(ctx *gin.Context) {
	var request holdRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	ownerID, err := points.NewOwnerID(request.OwnerID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	amount, err := points.NewPositivePoints(request.Amount)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	key, err := requestIdempotencyKey(ctx)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	metadata, err := points.NewMetadataJSON(request.Metadata)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.config.RequestTimeout)
	defer cancel()
	outcome, err := server.service.HoldInEscrow(requestCtx, points.HoldParams{
		OwnerID:        ownerID,
		Amount:         amount,
		Reason:         points.ReasonCode(request.Reason),
		ExternalRef:    request.ExternalRef,
		IdempotencyKey: key,
		RequestID:      request.RequestID,
		Metadata:       metadata,
	})
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(statusForOutcome(outcome.Replayed), outcome)
}

type settleRequest struct {
	RecipientID   string `json:"recipient_id"`
	Amount        int64  `json:"amount_points"`
	Authorization string `json:"authorization_token"`
	RequestID     string `json:"request_id"`
	Metadata      string `json:"metadata"`
}

func (server *Server) handleSettle(ctx *gin.Context) {
	var request settleRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	recipientID, err := points.NewOwnerID(request.RecipientID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	key, err := requestIdempotencyKey(ctx)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	metadata, err := points.NewMetadataJSON(request.Metadata)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.config.RequestTimeout)
	defer cancel()
	outcome, err := server.service.SettleEscrow(requestCtx, points.SettleParams{
		EscrowID:       ctx.Param("escrow_id"),
		RecipientID:    recipientID,
		Amount:         points.Points(request.Amount),
		Authorization:  request.Authorization,
		IdempotencyKey: key,
		RequestID:      request.RequestID,
		Metadata:       metadata,
	})
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(statusForOutcome(outcome.Replayed), outcome)
}

type refundRequest struct {
	Authorization string `json:"authorization_token"`
	RequestID     string `json:"request_id"`
	Metadata      string `json:"metadata"`
}

func (server *Server) handleRefund(ctx *gin.Context) {
	var request refundRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	key, err := requestIdempotencyKey(ctx)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	metadata, err := points.NewMetadataJSON(request.Metadata)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.config.RequestTimeout)
	defer cancel()
	outcome, err := server.service.RefundEscrow(requestCtx, points.RefundParams{
		EscrowID:       ctx.Param("escrow_id"),
		Authorization:  request.Authorization,
		IdempotencyKey: key,
		RequestID:      request.RequestID,
		Metadata:       metadata,
	})
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(statusForOutcome(outcome.Replayed), outcome)
}

type partialSettleRequest struct {
	RecipientID   string `json:"recipient_id"`
	RefundAmount  int64  `json:"refund_points"`
	SettleAmount  int64  `json:"settle_points"`
	Authorization string `json:"authorization_token"`
	RequestID     string `json:"request_id"`
	Metadata      string `json:"metadata"`
}

func (server *Server) handlePartialSettle(ctx *gin.Context) {
	var request partialSettleRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	recipientID, err := points.NewOwnerID(request.RecipientID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	key, err := requestIdempotencyKey(ctx)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	metadata, err := points.NewMetadataJSON(request.Metadata)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.config.RequestTimeout)
	defer cancel()
	outcome, err := server.service.PartialSettleEscrow(requestCtx, points.PartialSettleParams{
		EscrowID:       ctx.Param("escrow_id"),
		RefundAmount:   points.Points(request.RefundAmount),
		SettleAmount:   points.Points(request.SettleAmount),
		RecipientID:    recipientID,
		Authorization:  request.Authorization,
		IdempotencyKey: key,
		RequestID:      request.RequestID,
		Metadata:       metadata,
	})
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(statusForOutcome(outcome.Replayed), outcome)
}

type reserveRequest struct {
	OwnerID    string `json:"owner_id"`
	Amount     int64  `json:"amount_points"`
	TTLSeconds int64  `json:"ttl_seconds"`
	RequestID  string `json:"request_id"`
	Metadata   string `json:"metadata"`
}

func (server *Server) handleReserve(ctx *gin.Context) {
	var request reserveRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	ownerID, err := points.NewOwnerID(request.OwnerID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	amount, err := points.NewPositivePoints(request.Amount)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	key, err := requestIdempotencyKey(ctx)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	metadata, err := points.NewMetadataJSON(request.Metadata)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.config.RequestTimeout)
	defer cancel()
	outcome, err := server.service.Reserve(requestCtx, points.ReserveParams{
		OwnerID:        ownerID,
		Amount:         amount,
		TTL:            time.Duration(request.TTLSeconds) * time.Second,
		IdempotencyKey: key,
		RequestID:      request.RequestID,
		Metadata:       metadata,
	})
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(statusForOutcome(outcome.Replayed), outcome)
}

type reservationActionRequest struct {
	RequestID string `json:"request_id"`
	Metadata  string `json:"metadata"`
}

func (server *Server) handleCommit(ctx *gin.Context) {
	server.handleReservationAction(ctx, func(requestCtx context.Context, key points.IdempotencyKey, request reservationActionRequest, metadata points.MetadataJSON) (points.ReservationOutcome, error) {
		return server.service.CommitReservation(requestCtx, points.CommitParams{
			ReservationID:  ctx.Param("reservation_id"),
			IdempotencyKey: key,
			RequestID:      request.RequestID,
			Metadata:       metadata,
		})
	})
}

func (server *Server) handleRelease(ctx *gin.Context) {
	server.handleReservationAction(ctx, func(requestCtx context.Context, key points.IdempotencyKey, request reservationActionRequest, metadata points.MetadataJSON) (points.ReservationOutcome, error) {
		return server.service.ReleaseReservation(requestCtx, points.ReleaseParams{
			ReservationID:  ctx.Param("reservation_id"),
			IdempotencyKey: key,
			RequestID:      request.RequestID,
			Metadata:       metadata,
		})
	})
}

func (server *Server) handleReservationAction(ctx *gin.Context, action func(context.Context, points.IdempotencyKey, reservationActionRequest, points.MetadataJSON) (points.ReservationOutcome, error)) {
	var request reservationActionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && ctx.Request.ContentLength > 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	key, err := requestIdempotencyKey(ctx)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	metadata, err := points.NewMetadataJSON(request.Metadata)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.config.RequestTimeout)
	defer cancel()
	outcome, err := action(requestCtx, key, request, metadata)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(statusForOutcome(outcome.Replayed), outcome)
}

func (server *Server) handleGetWallet(ctx *gin.Context) {
	ownerID, err := points.NewOwnerID(ctx.Param("owner_id"))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ownerType := points.OwnerTypeUser
	if raw := ctx.Query("owner_type"); raw != "" {
		ownerType, err = points.ParseOwnerType(raw)
		if err != nil {
			server.respondError(ctx, err)
			return
		}
	}
	wallet, err := server.service.GetWallet(ctx.Request.Context(), ownerID, ownerType)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": wallet})
}

type adjustRequest struct {
	OwnerID   string `json:"owner_id"`
	OwnerType string `json:"owner_type"`
	Amount    int64  `json:"amount_points"`
	State     string `json:"balance_state"`
	Reason    string `json:"reason_code"`
	RequestID string `json:"request_id"`
	Metadata  string `json:"metadata"`
}

func (server *Server) handleAdjust(ctx *gin.Context) {
	var request adjustRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	ownerID, err := points.NewOwnerID(request.OwnerID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	key, err := requestIdempotencyKey(ctx)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	metadata, err := points.NewMetadataJSON(request.Metadata)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.config.RequestTimeout)
	defer cancel()
	outcome, err := server.service.Adjust(requestCtx, points.AdjustParams{
		OwnerID:        ownerID,
		OwnerType:      points.OwnerType(request.OwnerType),
		Amount:         points.Points(request.Amount),
		State:          points.BalanceState(request.State),
		Reason:         points.ReasonCode(request.Reason),
		IdempotencyKey: key,
		RequestID:      request.RequestID,
		Metadata:       metadata,
	})
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(statusForOutcome(outcome.Replayed), outcome)
}

type entriesQuery struct {
	WalletID      string `form:"wallet_id"`
	ReasonCode    string `form:"reason_code"`
	Direction     string `form:"direction"`
	FromUnixUTC   int64  `form:"from_unix_utc"`
	ToUnixUTC     int64  `form:"to_unix_utc"`
	BeforeUnixUTC int64  `form:"before_unix_utc"`
	Limit         int    `form:"limit"`
}

func (server *Server) handleListEntries(ctx *gin.Context) {
	var query entriesQuery
	if err := ctx.ShouldBindQuery(&query); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_query", "bad query parameters"))
		return
	}
	entries, err := server.service.QueryEntries(ctx.Request.Context(), points.EntryFilter{
		WalletID:      query.WalletID,
		ReasonCode:    points.ReasonCode(query.ReasonCode),
		Direction:     points.EntryDirection(query.Direction),
		FromUnixUTC:   query.FromUnixUTC,
		ToUnixUTC:     query.ToUnixUTC,
		BeforeUnixUTC: query.BeforeUnixUTC,
		Limit:         query.Limit,
	})
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": entries})
}

type snapshotQuery struct {
	AsOfUnixUTC int64 `form:"as_of_unix_utc"`
}

func (server *Server) handleSnapshot(ctx *gin.Context) {
	var query snapshotQuery
	if err := ctx.ShouldBindQuery(&query); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_query", "bad query parameters"))
		return
	}
	snapshot, err := server.service.BalanceSnapshot(ctx.Request.Context(), ctx.Param("wallet_id"), query.AsOfUnixUTC)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"snapshot": snapshot})
}

func (server *Server) handleReconcile(ctx *gin.Context) {
	var query snapshotQuery
	if err := ctx.ShouldBindQuery(&query); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_query", "bad query parameters"))
		return
	}
	discrepancies, err := server.service.Reconcile(ctx.Request.Context(), query.AsOfUnixUTC)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"discrepancies": discrepancies,
		"clean":         len(discrepancies) == 0,
	})
}

type ingestRequest struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

func (server *Server) handleIngestSubmit(ctx *gin.Context) {
	var request ingestRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	event, err := server.ingestor.Submit(ctx.Request.Context(), request.EventType, request.Payload)
	if err != nil {
		// The rejected event is persisted; return it alongside the error.
		status := statusForError(err)
		ctx.JSON(status, gin.H{
			"event": event,
			"error": gin.H{"code": "event_rejected", "message": err.Error()},
		})
		return
	}
	ctx.JSON(http.StatusAccepted, gin.H{"event": event})
}

type dlqQuery struct {
	EventType string `form:"event_type"`
	Limit     int    `form:"limit"`
}

func (server *Server) handleListDLQ(ctx *gin.Context) {
	var query dlqQuery
	if err := ctx.ShouldBindQuery(&query); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_query", "bad query parameters"))
		return
	}
	if query.Limit <= 0 {
		query.Limit = 100
	}
	entries, err := server.ingestor.ListDeadLetters(ctx.Request.Context(), query.EventType, query.Limit)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"dead_letters": entries})
}

type replayRequest struct {
	EventType string `json:"event_type"`
	MaxEvents int    `json:"max_events"`
}

func (server *Server) handleReplayDLQ(ctx *gin.Context) {
	var request replayRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && ctx.Request.ContentLength > 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	report, err := server.ingestor.Replay(ctx.Request.Context(), points.ReplayParams{
		EventType: request.EventType,
		MaxEvents: request.MaxEvents,
	})
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"report": report})
}

func (server *Server) respondError(ctx *gin.Context, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		server.logger.Error("request failed", zap.String("path", ctx.FullPath()), zap.Error(err))
	}
	ctx.JSON(status, errorResponse(codeForError(err), err.Error()))
}

func requestIdempotencyKey(ctx *gin.Context) (points.IdempotencyKey, error) {
	return points.NewIdempotencyKey(ctx.GetHeader(headerIdempotencyKey))
}

func statusForOutcome(replayed bool) int {
	if replayed {
		return http.StatusOK
	}
	return http.StatusCreated
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, points.ErrWalletNotFound),
		errors.Is(err, points.ErrEscrowNotFound),
		errors.Is(err, points.ErrReservationNotFound),
		errors.Is(err, points.ErrIngestEventNotFound):
		return http.StatusNotFound
	case errors.Is(err, points.ErrInvalidAuthorization):
		return http.StatusForbidden
	case errors.Is(err, points.ErrReservationExpired):
		return http.StatusGone
	case errors.Is(err, points.ErrInsufficientPoints),
		errors.Is(err, points.ErrIdempotencyConflict),
		errors.Is(err, points.ErrOperationInFlight),
		errors.Is(err, points.ErrVersionConflict),
		errors.Is(err, points.ErrDuplicateExternalRef),
		errors.Is(err, points.ErrDuplicateEntry),
		errors.Is(err, points.ErrReservationExists),
		errors.Is(err, points.ErrAlreadyProcessed):
		return http.StatusConflict
	case errors.Is(err, points.ErrSettleAmountMismatch),
		errors.Is(err, points.ErrPartialAmountMismatch),
		errors.Is(err, points.ErrEventRejected),
		errors.Is(err, points.ErrUnknownEventType):
		return http.StatusUnprocessableEntity
	case errors.Is(err, points.ErrInvalidPoints),
		errors.Is(err, points.ErrInvalidOwnerID),
		errors.Is(err, points.ErrInvalidOwnerType),
		errors.Is(err, points.ErrInvalidIdempotencyKey),
		errors.Is(err, points.ErrInvalidMetadataJSON),
		errors.Is(err, points.ErrInvalidBalanceState),
		errors.Is(err, points.ErrInvalidReasonCode),
		errors.Is(err, points.ErrInvalidReservationTTL),
		errors.Is(err, points.ErrInvalidEntry):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func codeForError(err error) string {
	var operationError points.OperationError
	if errors.As(err, &operationError) {
		return operationError.Code()
	}
	switch {
	case errors.Is(err, points.ErrInsufficientPoints):
		return "insufficient_points"
	case errors.Is(err, points.ErrInvalidAuthorization):
		return "invalid_authorization"
	case errors.Is(err, points.ErrIdempotencyConflict):
		return "idempotency_conflict"
	case errors.Is(err, points.ErrReservationExpired):
		return "reservation_expired"
	case errors.Is(err, points.ErrAlreadyProcessed):
		return "already_processed"
	}
	return "request_failed"
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
