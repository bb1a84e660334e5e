package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/promptmarket/economy/libs/kafka"
	"github.com/promptmarket/economy/services/economy/internal/events"
	"github.com/promptmarket/economy/services/economy/internal/fingerprint"
	"github.com/promptmarket/economy/services/economy/internal/ledger"
	"github.com/promptmarket/economy/services/economy/internal/storage"
)

const UserRegisteredEventType = "users.registered"

type UserRegisteredEvent struct {
	kafka.Envelope
	UserID     string `json:"user_id"`
	IP         string `json:"ip"`
	UserAgent  string `json:"user_agent"`
	Location   string `json:"location,omitempty"`
	ReferrerID string `json:"referrer_id,omitempty"`
}

type AccountOpener interface {
	OpenAccount(ctx context.Context, userID uuid.UUID) (storage.CreditAccount, error)
}

type ProfileInitializer interface {
	Initialize(ctx context.Context, userID uuid.UUID, rc fingerprint.RequestContext) (*storage.FraudProfile, error)
}

type BonusGranter interface {
	GrantSignupBonus(ctx context.Context, userID uuid.UUID) (ledger.Result, error)
	GrantReferralBonus(ctx context.Context, referrer, referred uuid.UUID) (ledger.Result, error)
}

// RegistrationConsumer prepares the economy side of a newly registered user.
type RegistrationConsumer struct {
	accounts AccountOpener
	profiles ProfileInitializer
	rewards  BonusGranter
	logger   *slog.Logger
}

func NewRegistrationConsumer(accounts AccountOpener, profiles ProfileInitializer, rewards BonusGranter, logger *slog.Logger) *RegistrationConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &RegistrationConsumer{
		accounts: accounts,
		profiles: profiles,
		rewards:  rewards,
		logger:   logger,
	}
}

// HandleMessage is safe to replay: every step is idempotent, and the signup
// bonus is refused once a signup_bonus row exists for the user.
func (c *RegistrationConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil || len(msg.Value) == 0 {
		return kafka.DLQ(fmt.Errorf("empty kafka message"), "empty_message")
	}
	var event UserRegisteredEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return kafka.DLQ(fmt.Errorf("decode %s: %w", UserRegisteredEventType, err), "decode_failed")
	}
	if err := event.Validate(); err != nil {
		return kafka.DLQ(err, "invalid_event")
	}

	userID, _ := uuid.Parse(strings.TrimSpace(event.UserID))
	ctx = events.WithCorrelationID(ctx, correlationID(event))
	rc := fingerprint.RequestContext{
		IP:        strings.TrimSpace(event.IP),
		UserAgent: event.UserAgent,
		Location:  event.Location,
	}

	if _, err := c.accounts.OpenAccount(ctx, userID); err != nil {
		return fmt.Errorf("open credit account: %w", err)
	}
	if _, err := c.profiles.Initialize(ctx, userID, rc); err != nil {
		return fmt.Errorf("initialize fraud profile: %w", err)
	}

	granted, err := c.grantSignup(ctx, userID)
	if err != nil {
		return err
	}

	referrer := strings.TrimSpace(event.ReferrerID)
	if referrer == "" {
		return nil
	}
	if !granted {
		c.logger.Info("referral bonus skipped", "user_id", userID, "referrer_id", referrer, "event_id", event.EventID)
		return nil
	}
	referrerID, _ := uuid.Parse(referrer)
	if _, err := c.rewards.GrantReferralBonus(ctx, referrerID, userID); err != nil {
		// The signup claim is recorded now, so a retry would skip this step anyway.
		c.logger.Warn("referral bonus not granted", "user_id", userID, "referrer_id", referrerID, "event_id", event.EventID, "error", err)
	}
	return nil
}

func (c *RegistrationConsumer) grantSignup(ctx context.Context, userID uuid.UUID) (bool, error) {
	_, err := c.rewards.GrantSignupBonus(ctx, userID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrForbidden):
		c.logger.Info("signup bonus denied", "user_id", userID, "error", err)
		return false, nil
	case errors.Is(err, storage.ErrInvalidInput):
		c.logger.Warn("signup bonus not granted", "user_id", userID, "error", err)
		return false, nil
	default:
		return false, fmt.Errorf("grant signup bonus: %w", err)
	}
}

func (e *UserRegisteredEvent) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	if e.EventType != UserRegisteredEventType {
		return fmt.Errorf("unexpected event_type: %s", e.EventType)
	}
	userID, err := uuid.Parse(strings.TrimSpace(e.UserID))
	if err != nil || userID == uuid.Nil {
		return fmt.Errorf("user_id must be a uuid")
	}
	if strings.TrimSpace(e.IP) == "" {
		return fmt.Errorf("ip is required")
	}
	if ref := strings.TrimSpace(e.ReferrerID); ref != "" {
		referrerID, err := uuid.Parse(ref)
		if err != nil || referrerID == uuid.Nil {
			return fmt.Errorf("referrer_id must be a uuid")
		}
		if referrerID == userID {
			return fmt.Errorf("referrer_id must differ from user_id")
		}
	}
	return nil
}

func correlationID(e UserRegisteredEvent) string {
	if id := strings.TrimSpace(e.CorrelationID); id != "" {
		return id
	}
	return e.EventID
}
