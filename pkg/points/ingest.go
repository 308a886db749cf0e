package points

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventValidator checks an inbound payload before it is accepted. Failures
// reject the event permanently at intake.
type EventValidator func(payload json.RawMessage) error

// EventHandler applies one accepted event to the ledger. Handlers must be
// idempotent; retries and replays re-run them.
type EventHandler func(ctx context.Context, payload json.RawMessage) error

type eventRegistration struct {
	validate EventValidator
	handle   EventHandler
}

// Ingestor accepts external fact-events, validates strictly at intake, and
// drives each accepted event through queued/processing to processed, with a
// bounded retry ladder ending in the dead letter queue.
type Ingestor struct {
	store           Store
	nowFn           func() int64
	logger          *zap.Logger
	handlers        map[string]eventRegistration
	maxAttempts     int
	baseBackoff     time.Duration
	claimLimit      int
	processingLease time.Duration
}

// IngestorOption configures an Ingestor.
type IngestorOption func(*Ingestor)

// WithIngestLogger attaches a structured logger.
func WithIngestLogger(logger *zap.Logger) IngestorOption {
	return func(ingestor *Ingestor) {
		ingestor.logger = logger
	}
}

// WithRetryPolicy overrides the attempt ceiling and base backoff.
func WithRetryPolicy(maxAttempts int, baseBackoff time.Duration) IngestorOption {
	return func(ingestor *Ingestor) {
		if maxAttempts > 0 {
			ingestor.maxAttempts = maxAttempts
		}
		if baseBackoff > 0 {
			ingestor.baseBackoff = baseBackoff
		}
	}
}

// WithClaimLimit caps how many due events one processing pass picks up.
func WithClaimLimit(limit int) IngestorOption {
	return func(ingestor *Ingestor) {
		if limit > 0 {
			ingestor.claimLimit = limit
		}
	}
}

// WithProcessingLease overrides how long a claimed event stays reserved for
// the claiming worker. A processing event older than the lease is treated as
// abandoned and claimed again on a later pass.
func WithProcessingLease(lease time.Duration) IngestorOption {
	return func(ingestor *Ingestor) {
		if lease > 0 {
			ingestor.processingLease = lease
		}
	}
}

// NewIngestor wires an Ingestor over the shared store.
func NewIngestor(store Store, now func() int64, options ...IngestorOption) (*Ingestor, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidIngestorConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidIngestorConfig)
	}
	ingestor := &Ingestor{
		store:           store,
		nowFn:           now,
		logger:          zap.NewNop(),
		handlers:        map[string]eventRegistration{},
		maxAttempts:     defaultMaxAttempts,
		baseBackoff:     defaultIngestBackoff,
		claimLimit:      defaultClaimLimit,
		processingLease: defaultProcessingLease,
	}
	for _, option := range options {
		if option != nil {
			option(ingestor)
		}
	}
	return ingestor, nil
}

// Register binds a validator and handler to an event type. Must be called
// before Submit or Run sees events of that type.
func (ingestor *Ingestor) Register(eventType string, validate EventValidator, handle EventHandler) error {
	if eventType == "" || validate == nil || handle == nil {
		return fmt.Errorf("%w: event type, validator, and handler are all required", ErrInvalidIngestorConfig)
	}
	ingestor.handlers[eventType] = eventRegistration{validate: validate, handle: handle}
	return nil
}

// Submit accepts one inbound event. Unknown types and invalid payloads are
// persisted as rejected with the failure reason and never retried; accepted
// events enter the queue for asynchronous processing.
func (ingestor *Ingestor) Submit(ctx context.Context, eventType string, payload json.RawMessage) (IngestEvent, error) {
	nowUnixUTC := ingestor.nowFn()
	event := IngestEvent{
		EventID:        uuid.NewString(),
		EventType:      eventType,
		Payload:        payload,
		Status:         IngestStatusQueued,
		CreatedUnixUTC: nowUnixUTC,
	}
	registration, known := ingestor.handlers[eventType]
	var rejection error
	switch {
	case !known:
		rejection = fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	case len(payload) == 0 || !json.Valid(payload):
		rejection = fmt.Errorf("%w: payload is not valid json", ErrEventRejected)
	default:
		if err := registration.validate(payload); err != nil {
			rejection = fmt.Errorf("%w: %v", ErrEventRejected, err)
		}
	}
	if rejection != nil {
		event.Status = IngestStatusRejected
		event.LastError = rejection.Error()
	} else {
		event.NextAttemptUnixUTC = nowUnixUTC
	}
	if err := ingestor.store.CreateIngestEvent(ctx, event); err != nil {
		return IngestEvent{}, err
	}
	if rejection != nil {
		ingestor.logger.Warn("ingest event rejected",
			zap.String("event_id", event.EventID),
			zap.String("event_type", eventType),
			zap.String("reason", event.LastError),
		)
		return event, rejection
	}
	ingestor.logger.Info("ingest event queued",
		zap.String("event_id", event.EventID),
		zap.String("event_type", eventType),
	)
	return event, nil
}

// ProcessDue claims and processes one batch of due events. Returns how many
// reached a terminal or rescheduled state this pass. Events a crashed worker
// left in processing are claimed again once their lease runs out.
func (ingestor *Ingestor) ProcessDue(ctx context.Context) (int, error) {
	nowUnixUTC := ingestor.nowFn()
	staleBeforeUnixUTC := nowUnixUTC - int64(ingestor.processingLease.Seconds())
	claimed, err := ingestor.store.ClaimDueIngestEvents(ctx, nowUnixUTC, staleBeforeUnixUTC, ingestor.claimLimit)
	if err != nil {
		return 0, err
	}
	for _, event := range claimed {
		ingestor.processOne(ctx, event)
	}
	return len(claimed), nil
}

// Run processes due events on a fixed interval until the context ends.
func (ingestor *Ingestor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: processing interval must be greater than zero", ErrInvalidIngestorConfig)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := ingestor.ProcessDue(ctx); err != nil {
				ingestor.logger.Error("ingest processing pass failed", zap.Error(err))
			}
		}
	}
}

func (ingestor *Ingestor) processOne(ctx context.Context, event IngestEvent) {
	registration, known := ingestor.handlers[event.EventType]
	if !known {
		// Registration changed since intake; dead-letter rather than spin.
		ingestor.deadLetter(ctx, event, fmt.Sprintf("no handler for %q", event.EventType))
		return
	}
	handlerErr := registration.handle(ctx, event.Payload)
	if handlerErr == nil {
		if err := ingestor.store.UpdateIngestEvent(ctx, event.EventID, IngestStatusProcessed, event.Attempts+1, 0, ""); err != nil {
			ingestor.logger.Error("mark event processed failed", zap.String("event_id", event.EventID), zap.Error(err))
		}
		ingestor.logger.Info("ingest event processed",
			zap.String("event_id", event.EventID),
			zap.String("event_type", event.EventType),
			zap.Int("attempts", event.Attempts+1),
		)
		return
	}
	attempts := event.Attempts + 1
	if attempts >= ingestor.maxAttempts {
		ingestor.deadLetter(ctx, event, handlerErr.Error())
		return
	}
	// Attempt N waits base * 2^(N-1) before the next try.
	backoff := ingestor.baseBackoff << (attempts - 1)
	nextAttemptUnixUTC := ingestor.nowFn() + int64(backoff.Seconds())
	if err := ingestor.store.UpdateIngestEvent(ctx, event.EventID, IngestStatusQueued, attempts, nextAttemptUnixUTC, handlerErr.Error()); err != nil {
		ingestor.logger.Error("reschedule event failed", zap.String("event_id", event.EventID), zap.Error(err))
		return
	}
	ingestor.logger.Warn("ingest event retry scheduled",
		zap.String("event_id", event.EventID),
		zap.String("event_type", event.EventType),
		zap.Int("attempts", attempts),
		zap.Int64("next_attempt_unix_utc", nextAttemptUnixUTC),
		zap.Error(handlerErr),
	)
}

func (ingestor *Ingestor) deadLetter(ctx context.Context, event IngestEvent, reason string) {
	nowUnixUTC := ingestor.nowFn()
	if err := ingestor.store.UpdateIngestEvent(ctx, event.EventID, IngestStatusDLQ, event.Attempts+1, 0, reason); err != nil {
		ingestor.logger.Error("mark event dead-lettered failed", zap.String("event_id", event.EventID), zap.Error(err))
		return
	}
	entry := DLQEntry{
		DLQID:          uuid.NewString(),
		EventID:        event.EventID,
		EventType:      event.EventType,
		Reason:         reason,
		Replayable:     true,
		CreatedUnixUTC: nowUnixUTC,
	}
	if err := ingestor.store.CreateDLQEntry(ctx, entry); err != nil {
		ingestor.logger.Error("create dlq entry failed", zap.String("event_id", event.EventID), zap.Error(err))
		return
	}
	ingestor.logger.Warn("ingest event dead-lettered",
		zap.String("event_id", event.EventID),
		zap.String("event_type", event.EventType),
		zap.String("reason", reason),
	)
}

// ListDeadLetters returns dead letters for inspection, newest batches first
// by creation order.
func (ingestor *Ingestor) ListDeadLetters(ctx context.Context, eventType string, limit int) ([]DLQEntry, error) {
	if limit <= 0 {
		limit = defaultClaimLimit
	}
	return ingestor.store.ListDLQEntries(ctx, eventType, false, limit)
}

// ReplayParams select which dead letters one replay pass attempts.
type ReplayParams struct {
	EventType string
	MaxEvents int
}

// ReplayReport summarizes one replay pass.
type ReplayReport struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Replay re-runs replayable dead letters through validation and handling.
// Success retires the dead letter; failure records the outcome and leaves it
// replayable for the next operator pass.
func (ingestor *Ingestor) Replay(ctx context.Context, params ReplayParams) (ReplayReport, error) {
	limit := params.MaxEvents
	if limit <= 0 {
		limit = defaultClaimLimit
	}
	deadLetters, err := ingestor.store.ListDLQEntries(ctx, params.EventType, true, limit)
	if err != nil {
		return ReplayReport{}, err
	}
	report := ReplayReport{}
	for _, deadLetter := range deadLetters {
		report.Attempted++
		replayErr := ingestor.replayOne(ctx, deadLetter)
		nowUnixUTC := ingestor.nowFn()
		if replayErr == nil {
			report.Succeeded++
			if err := ingestor.store.RecordDLQReplay(ctx, deadLetter.DLQID, replayOutcomeSuccess, false, "", nowUnixUTC); err != nil {
				ingestor.logger.Error("record replay outcome failed", zap.String("dlq_id", deadLetter.DLQID), zap.Error(err))
			}
			continue
		}
		report.Failed++
		if err := ingestor.store.RecordDLQReplay(ctx, deadLetter.DLQID, replayOutcomeFailure, true, replayErr.Error(), nowUnixUTC); err != nil {
			ingestor.logger.Error("record replay outcome failed", zap.String("dlq_id", deadLetter.DLQID), zap.Error(err))
		}
	}
	ingestor.logger.Info("dlq replay pass finished",
		zap.String("event_type", params.EventType),
		zap.Int("attempted", report.Attempted),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

func (ingestor *Ingestor) replayOne(ctx context.Context, deadLetter DLQEntry) error {
	event, err := ingestor.store.GetIngestEvent(ctx, deadLetter.EventID)
	if err != nil {
		return err
	}
	registration, known := ingestor.handlers[event.EventType]
	if !known {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, event.EventType)
	}
	if err := registration.validate(event.Payload); err != nil {
		return fmt.Errorf("%w: %v", ErrEventRejected, err)
	}
	if err := registration.handle(ctx, event.Payload); err != nil {
		return err
	}
	return ingestor.store.UpdateIngestEvent(ctx, event.EventID, IngestStatusProcessed, event.Attempts, 0, "")
}
