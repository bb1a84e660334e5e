package events

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/promptmarket/economy/libs/kafka"
	"github.com/promptmarket/economy/services/economy/internal/storage"
)

const (
	TransactionPostedType = "credits.transaction_posted"
	ActivityRecordedType  = "fraud.activity_recorded"
	AccountFlaggedType    = "fraud.account_flagged"
	DeviceNewType         = "sessions.device_new"
	DeviceReturningType   = "sessions.device_returning"
	DeviceLoggedOutType   = "sessions.device_logged_out"
)

type correlationKey struct{}

func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

type TransactionPostedEvent struct {
	kafka.Envelope
	TransactionID string           `json:"transaction_id"`
	UserID        string           `json:"user_id"`
	Type          string           `json:"type"`
	Amount        int64            `json:"amount"`
	BalanceBefore int64            `json:"balance_before"`
	BalanceAfter  int64            `json:"balance_after"`
	Metadata      storage.Metadata `json:"metadata"`
	CreatedAt     string           `json:"created_at"`
}

type ActivityRecordedEvent struct {
	kafka.Envelope
	UserID       string `json:"user_id"`
	ActivityType string `json:"activity_type"`
	Description  string `json:"description"`
	Severity     string `json:"severity"`
	RiskScore    int    `json:"risk_score"`
	RecordedAt   string `json:"recorded_at"`
}

type AccountFlaggedEvent struct {
	kafka.Envelope
	UserID    string `json:"user_id"`
	Reason    string `json:"reason"`
	RiskScore int    `json:"risk_score"`
}

type DeviceEvent struct {
	kafka.Envelope
	UserID     string `json:"user_id"`
	DeviceID   string `json:"device_id"`
	IP         string `json:"ip"`
	OS         string `json:"os"`
	Browser    string `json:"browser"`
	Location   string `json:"location,omitempty"`
	LoginCount int    `json:"login_count"`
	Reason     string `json:"reason,omitempty"`
	LastActive string `json:"last_active"`
}

// Emitter publishes audit events. Failures are logged and never reach the
// caller; the wrapped publisher is expected to forward them to a DLQ.
type Emitter struct {
	producer kafka.Publisher
	topic    string
	source   string
	logger   *slog.Logger
}

func NewEmitter(producer kafka.Publisher, topic, source string, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{producer: producer, topic: topic, source: source, logger: logger}
}

func (e *Emitter) TransactionPosted(ctx context.Context, tx storage.CreditTransaction) {
	env, ok := e.envelope(ctx, TransactionPostedType, tx.ID.String())
	if !ok {
		return
	}
	e.publish(ctx, tx.UserID, TransactionPostedEvent{
		Envelope:      env,
		TransactionID: tx.ID.String(),
		UserID:        tx.UserID.String(),
		Type:          string(tx.Type),
		Amount:        tx.Amount,
		BalanceBefore: tx.BalanceBefore,
		BalanceAfter:  tx.BalanceAfter,
		Metadata:      tx.Metadata,
		CreatedAt:     tx.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func (e *Emitter) ActivityRecorded(ctx context.Context, userID uuid.UUID, activity storage.SuspiciousActivity, riskScore int) {
	env, ok := e.envelope(ctx, ActivityRecordedType, userID.String(), activity.Type, activity.Timestamp.UTC().Format(time.RFC3339Nano))
	if !ok {
		return
	}
	e.publish(ctx, userID, ActivityRecordedEvent{
		Envelope:     env,
		UserID:       userID.String(),
		ActivityType: activity.Type,
		Description:  activity.Description,
		Severity:     string(activity.Severity),
		RiskScore:    riskScore,
		RecordedAt:   activity.Timestamp.UTC().Format(time.RFC3339),
	})
}

func (e *Emitter) AccountFlagged(ctx context.Context, userID uuid.UUID, reason string, riskScore int) {
	env, ok := e.envelope(ctx, AccountFlaggedType, "")
	if !ok {
		return
	}
	e.publish(ctx, userID, AccountFlaggedEvent{
		Envelope:  env,
		UserID:    userID.String(),
		Reason:    reason,
		RiskScore: riskScore,
	})
}

func (e *Emitter) DeviceLoggedIn(ctx context.Context, device storage.ConnectedDevice, returning bool) {
	eventType := DeviceNewType
	if returning {
		eventType = DeviceReturningType
	}
	env, ok := e.envelope(ctx, eventType, device.ID.String(), strconv.Itoa(device.LoginCount))
	if !ok {
		return
	}
	e.publish(ctx, device.UserID, deviceEvent(env, device, ""))
}

func (e *Emitter) DeviceLoggedOut(ctx context.Context, device storage.ConnectedDevice, reason string) {
	env, ok := e.envelope(ctx, DeviceLoggedOutType, "")
	if !ok {
		return
	}
	e.publish(ctx, device.UserID, deviceEvent(env, device, reason))
}

func deviceEvent(env kafka.Envelope, d storage.ConnectedDevice, reason string) DeviceEvent {
	return DeviceEvent{
		Envelope:   env,
		UserID:     d.UserID.String(),
		DeviceID:   d.ID.String(),
		IP:         d.IP,
		OS:         d.OS,
		Browser:    d.Browser,
		Location:   d.Location,
		LoginCount: d.LoginCount,
		Reason:     reason,
		LastActive: d.LastActive.UTC().Format(time.RFC3339),
	}
}

// envelope builds a deterministic id from idParts when given, so replays of
// the same fact keep their event id.
func (e *Emitter) envelope(ctx context.Context, eventType string, idParts ...string) (kafka.Envelope, bool) {
	if e == nil || e.producer == nil {
		return kafka.Envelope{}, false
	}
	eventID := uuid.NewString()
	if len(idParts) > 0 && idParts[0] != "" {
		eventID = kafka.DeterministicEventID(append([]string{eventType}, idParts...)...)
	}
	env, err := kafka.NewEnvelopeWithID(eventID, eventType, 1, CorrelationID(ctx))
	if err != nil {
		e.logger.Error("build event envelope failed", "event_type", eventType, "error", err)
		return kafka.Envelope{}, false
	}
	env.Source = e.source
	return env, true
}

func (e *Emitter) publish(ctx context.Context, userID uuid.UUID, payload any) {
	if _, _, err := e.producer.PublishJSON(ctx, e.topic, userID.String(), payload); err != nil {
		e.logger.Error("publish audit event failed", "topic", e.topic, "user_id", userID, "error", err)
	}
}
