package rewards

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/promptmarket/economy/services/economy/internal/fraud"
	"github.com/promptmarket/economy/services/economy/internal/ledger"
	"github.com/promptmarket/economy/services/economy/internal/storage"
)

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

type Gate interface {
	CanClaimBonus(ctx context.Context, userID uuid.UUID, bonusType string) (fraud.Decision, error)
	RecordBonusClaim(ctx context.Context, userID uuid.UUID, bonusType string) error
}

type Ledger interface {
	HasTransaction(ctx context.Context, userID uuid.UUID, txType storage.TransactionType) (bool, error)
	Add(ctx context.Context, userID uuid.UUID, amount int64, txType storage.TransactionType, description string, meta storage.Metadata, expiresAt *time.Time) (ledger.Result, error)
}

type Config struct {
	SignupAmount   int64
	ReferralAmount int64
	// BonusTTL expires granted bonus credits; zero keeps them forever.
	BonusTTL time.Duration
}

type Service struct {
	gate   Gate
	ledger Ledger
	cfg    Config
	clock  Clock
	logger *slog.Logger
}

func NewService(gate Gate, l Ledger, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{gate: gate, ledger: l, cfg: cfg, clock: systemClock{}, logger: logger}
}

func (s *Service) WithClock(clock Clock) *Service {
	if clock != nil {
		s.clock = clock
	}
	return s
}

func (s *Service) GrantSignupBonus(ctx context.Context, userID uuid.UUID) (ledger.Result, error) {
	if s.cfg.SignupAmount > 0 {
		granted, err := s.ledger.HasTransaction(ctx, userID, storage.TxSignupBonus)
		if err != nil {
			return ledger.Result{}, fmt.Errorf("signup bonus lookup: %w", err)
		}
		if granted {
			return ledger.Result{}, storage.Denied("signup bonus already granted")
		}
	}
	return s.grant(ctx, userID, fraud.BonusSignup, s.cfg.SignupAmount, storage.TxSignupBonus, "Signup bonus", storage.Metadata{})
}

// GrantReferralBonus credits the referrer for bringing in referred.
func (s *Service) GrantReferralBonus(ctx context.Context, referrer, referred uuid.UUID) (ledger.Result, error) {
	if referrer == uuid.Nil || referred == uuid.Nil || referrer == referred {
		return ledger.Result{}, fmt.Errorf("%w: invalid referral pair", storage.ErrInvalidInput)
	}
	meta := storage.Metadata{Referral: &storage.ReferralMeta{ReferrerID: referrer, ReferredID: referred}}
	return s.grant(ctx, referrer, fraud.BonusReferral, s.cfg.ReferralAmount, storage.TxReferralBonus, "Referral bonus", meta)
}

func (s *Service) grant(ctx context.Context, userID uuid.UUID, bonusType string, amount int64, txType storage.TransactionType, description string, meta storage.Metadata) (ledger.Result, error) {
	if amount <= 0 {
		return ledger.Result{}, fmt.Errorf("%w: %s bonus disabled", storage.ErrInvalidInput, bonusType)
	}

	decision, err := s.gate.CanClaimBonus(ctx, userID, bonusType)
	if err != nil {
		return ledger.Result{}, fmt.Errorf("bonus check: %w", err)
	}
	if !decision.Allowed {
		s.logger.Info("bonus denied", "user_id", userID, "bonus_type", bonusType, "reason", decision.Reason)
		return ledger.Result{}, storage.Denied(decision.Reason)
	}

	var expiresAt *time.Time
	if s.cfg.BonusTTL > 0 {
		at := s.clock.Now().Add(s.cfg.BonusTTL)
		expiresAt = &at
	}
	res, err := s.ledger.Add(ctx, userID, amount, txType, description, meta, expiresAt)
	if err != nil {
		return ledger.Result{}, fmt.Errorf("credit %s bonus: %w", bonusType, err)
	}

	// The credit is committed at this point; a retry would double it.
	if err := s.gate.RecordBonusClaim(ctx, userID, bonusType); err != nil {
		s.logger.Error("bonus claim not recorded", "user_id", userID, "bonus_type", bonusType, "transaction_id", res.Transaction.ID, "error", err)
	}
	s.logger.Info("bonus granted", "user_id", userID, "bonus_type", bonusType, "amount", amount)
	return res, nil
}
