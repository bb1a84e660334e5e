package fraud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/promptmarket/economy/services/economy/internal/fingerprint"
	"github.com/promptmarket/economy/services/economy/internal/storage"
)

const (
	BonusSignup   = "signup"
	BonusReferral = "referral"

	VerificationEmail = "email"

	maxScore               = 100
	flagThreshold          = 80
	registrationFlagScore  = 60
	bonusVerifyScore       = 40
	signupRelatedScore     = 50
	unflagCeiling          = 30
	relatedAccountWeight   = 25
	registrationBurstBoost = 40
	registrationBurstCount = 3
	registrationWindow     = 24 * time.Hour
	purchaseVelocityLimit  = 10
	purchaseWindow         = time.Hour
	reportWindow           = 30 * 24 * time.Hour

	ActivitySharedSignals    = "shared_signals_transfer"
	ActivityPurchaseVelocity = "purchase_velocity"
)

var severityWeights = map[storage.Severity]int{
	storage.SeverityHigh:   20,
	storage.SeverityMedium: 10,
	storage.SeverityLow:    5,
}

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

type Store interface {
	CreateProfile(ctx context.Context, profile *storage.FraudProfile) error
	GetProfile(ctx context.Context, userID uuid.UUID) (*storage.FraudProfile, error)
	GetProfiles(ctx context.Context, userIDs []uuid.UUID) ([]*storage.FraudProfile, error)
	UpdateProfile(ctx context.Context, userID uuid.UUID, fn func(p *storage.FraudProfile) error) (*storage.FraudProfile, error)
	FindRelated(ctx context.Context, ip, fingerprint string, exclude uuid.UUID) ([]uuid.UUID, error)
	CountRegistrationsSince(ctx context.Context, ip string, since time.Time) (int, error)
}

// TransactionReader is the read-only slice of the ledger the engine needs.
type TransactionReader interface {
	CountTransactionsSince(ctx context.Context, userID uuid.UUID, types []storage.TransactionType, since time.Time) (int, error)
	ListTransactionsSince(ctx context.Context, userID uuid.UUID, since time.Time) ([]storage.CreditTransaction, error)
}

type EventSink interface {
	ActivityRecorded(ctx context.Context, userID uuid.UUID, activity storage.SuspiciousActivity, riskScore int)
	AccountFlagged(ctx context.Context, userID uuid.UUID, reason string, riskScore int)
}

type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason string) Decision { return Decision{Allowed: false, Reason: reason} }

type Report struct {
	Profile      *storage.FraudProfile       `json:"profile"`
	Transactions []storage.CreditTransaction `json:"transactions"`
	RiskLevel    string                      `json:"risk_level"`
	State        string                      `json:"state"`
}

type Service struct {
	store        Store
	transactions TransactionReader
	events       EventSink
	clock        Clock
	logger       *slog.Logger
	metrics      *Metrics
}

func NewService(store Store, transactions TransactionReader, events EventSink, logger *slog.Logger, metrics *Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:        store,
		transactions: transactions,
		events:       events,
		clock:        systemClock{},
		logger:       logger,
		metrics:      metrics,
	}
}

func (s *Service) WithClock(clock Clock) *Service {
	if clock != nil {
		s.clock = clock
	}
	return s
}

// Initialize creates the profile for a newly registered user. Calling it again
// for the same user returns the existing profile unchanged.
func (s *Service) Initialize(ctx context.Context, userID uuid.UUID, rc fingerprint.RequestContext) (*storage.FraudProfile, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("%w: user id required", storage.ErrInvalidInput)
	}
	existing, err := s.store.GetProfile(ctx, userID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load fraud profile: %w", err)
	}

	now := s.clock.Now()
	ip := strings.TrimSpace(rc.IP)
	fp := fingerprint.Compute(rc)

	related, err := s.store.FindRelated(ctx, ip, fp, userID)
	if err != nil {
		return nil, fmt.Errorf("find related accounts: %w", err)
	}
	score := capScore(relatedAccountWeight * len(related))

	if ip != "" {
		recent, err := s.store.CountRegistrationsSince(ctx, ip, now.Add(-registrationWindow))
		if err != nil {
			return nil, fmt.Errorf("count registrations: %w", err)
		}
		if recent+1 >= registrationBurstCount {
			score = capScore(score + registrationBurstBoost)
		}
	}

	profile := &storage.FraudProfile{
		UserID:            userID,
		RegistrationIP:    ip,
		RiskScore:         score,
		BonusClaims:       map[string]int{},
		RelatedAccounts:   related,
		VerificationLevel: VerificationEmail,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	profile.AddLoginIP(ip)
	profile.AddFingerprint(fp)
	if score >= registrationFlagScore {
		profile.IsFlagged = true
		profile.FlaggedReason = fmt.Sprintf("multiple accounts detected from the same IP or device (%d related)", len(related))
	}

	if err := s.store.CreateProfile(ctx, profile); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return s.store.GetProfile(ctx, userID)
		}
		return nil, fmt.Errorf("create fraud profile: %w", err)
	}

	s.metrics.observeInitialScore(score)
	if profile.IsFlagged {
		s.metrics.observeFlag("registration")
		s.emitFlagged(ctx, userID, profile.FlaggedReason, score)
		s.logger.Warn("account flagged at registration", "user_id", userID, "risk_score", score, "related", len(related))
	}
	return profile, nil
}

func (s *Service) UpdateOnLogin(ctx context.Context, userID uuid.UUID, rc fingerprint.RequestContext) (*storage.FraudProfile, error) {
	ip := strings.TrimSpace(rc.IP)
	fp := fingerprint.Compute(rc)
	now := s.clock.Now()
	p, err := s.store.UpdateProfile(ctx, userID, func(p *storage.FraudProfile) error {
		p.AddLoginIP(ip)
		p.AddFingerprint(fp)
		p.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update fraud profile on login: %w", err)
	}
	return p, nil
}

// CanClaimBonus fails closed: any lookup error or a missing profile denies.
func (s *Service) CanClaimBonus(ctx context.Context, userID uuid.UUID, bonusType string) (Decision, error) {
	bonusType = strings.TrimSpace(bonusType)
	if bonusType == "" {
		return deny("bonus type required"), fmt.Errorf("%w: bonus type required", storage.ErrInvalidInput)
	}
	d, err := s.canClaimBonus(ctx, userID, bonusType)
	s.metrics.observeCheck("bonus", d)
	return d, err
}

func (s *Service) canClaimBonus(ctx context.Context, userID uuid.UUID, bonusType string) (Decision, error) {
	p, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return deny("fraud profile not found"), nil
		}
		return deny("fraud profile unavailable"), fmt.Errorf("load fraud profile: %w", err)
	}

	if p.IsFlagged {
		return deny("account is flagged"), nil
	}
	if p.RiskScore >= bonusVerifyScore && p.VerificationLevel == VerificationEmail {
		return deny("additional verification required"), nil
	}
	if bonusType != BonusSignup {
		return allow(), nil
	}
	if p.RiskScore >= signupRelatedScore && len(p.RelatedAccounts) > 0 {
		related, err := s.store.GetProfiles(ctx, p.RelatedAccounts)
		if err != nil {
			return deny("fraud profile unavailable"), fmt.Errorf("load related profiles: %w", err)
		}
		for _, r := range related {
			if r.BonusClaims[BonusSignup] > 0 {
				return deny("related account already claimed signup bonus"), nil
			}
		}
	}
	return allow(), nil
}

func (s *Service) RecordBonusClaim(ctx context.Context, userID uuid.UUID, bonusType string) error {
	now := s.clock.Now()
	_, err := s.store.UpdateProfile(ctx, userID, func(p *storage.FraudProfile) error {
		p.BonusClaimCount++
		if p.BonusClaims == nil {
			p.BonusClaims = map[string]int{}
		}
		p.BonusClaims[bonusType]++
		p.UpdatedAt = now
		return nil
	})
	if err != nil {
		return fmt.Errorf("record bonus claim: %w", err)
	}
	return nil
}

func (s *Service) CheckSuspiciousTransfer(ctx context.Context, from, to uuid.UUID, amount int64) (Decision, error) {
	d, err := s.checkSuspiciousTransfer(ctx, from, to, amount)
	s.metrics.observeCheck("transfer", d)
	return d, err
}

func (s *Service) checkSuspiciousTransfer(ctx context.Context, from, to uuid.UUID, amount int64) (Decision, error) {
	sender, err := s.optionalProfile(ctx, from)
	if err != nil {
		return deny("fraud profile unavailable"), err
	}
	recipient, err := s.optionalProfile(ctx, to)
	if err != nil {
		return deny("fraud profile unavailable"), err
	}

	if sender != nil && sender.IsFlagged {
		return deny("sender account is flagged"), nil
	}
	if recipient != nil && recipient.IsFlagged {
		return deny("recipient account is flagged"), nil
	}

	if sender != nil && recipient != nil && sharesSignals(sender, recipient) {
		desc := fmt.Sprintf("transfer of %d credits between accounts sharing an IP or device (%s -> %s)", amount, from, to)
		for _, id := range []uuid.UUID{from, to} {
			if _, err := s.RecordSuspiciousActivity(ctx, id, ActivitySharedSignals, desc, storage.SeverityHigh); err != nil {
				s.logger.Error("record suspicious activity failed", "user_id", id, "error", err)
			}
		}
		return deny("sender and recipient share an IP address or device"), nil
	}

	since := s.clock.Now().Add(-purchaseWindow)
	count, err := s.transactions.CountTransactionsSince(ctx, from, storage.PurchaseTypes, since)
	if err != nil {
		return deny("transaction history unavailable"), fmt.Errorf("count recent purchases: %w", err)
	}
	if count >= purchaseVelocityLimit {
		desc := fmt.Sprintf("%d purchases in the last hour", count)
		if sender != nil {
			if _, err := s.RecordSuspiciousActivity(ctx, from, ActivityPurchaseVelocity, desc, storage.SeverityMedium); err != nil {
				s.logger.Error("record suspicious activity failed", "user_id", from, "error", err)
			}
		}
		return deny("too many purchases in the last hour"), nil
	}

	return allow(), nil
}

// RecordSuspiciousActivity applies the score increment and the flag check in
// one locked read-modify-write.
func (s *Service) RecordSuspiciousActivity(ctx context.Context, userID uuid.UUID, activityType, description string, severity storage.Severity) (*storage.FraudProfile, error) {
	weight, ok := severityWeights[severity]
	if !ok {
		return nil, fmt.Errorf("%w: unknown severity %q", storage.ErrInvalidInput, severity)
	}
	activityType = strings.TrimSpace(activityType)
	if activityType == "" {
		return nil, fmt.Errorf("%w: activity type required", storage.ErrInvalidInput)
	}

	now := s.clock.Now()
	activity := storage.SuspiciousActivity{
		Type:        activityType,
		Description: description,
		Severity:    severity,
		Timestamp:   now,
	}
	flagged := false
	p, err := s.store.UpdateProfile(ctx, userID, func(p *storage.FraudProfile) error {
		flagged = false
		p.SuspiciousActivities = append(p.SuspiciousActivities, activity)
		p.RiskScore = capScore(p.RiskScore + weight)
		if !p.IsFlagged && p.RiskScore >= flagThreshold {
			p.IsFlagged = true
			p.FlaggedReason = fmt.Sprintf("risk score reached %d", p.RiskScore)
			flagged = true
		}
		p.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record suspicious activity: %w", err)
	}

	s.metrics.observeActivity(activityType, string(severity))
	if s.events != nil {
		s.events.ActivityRecorded(ctx, userID, activity, p.RiskScore)
	}
	if flagged {
		s.metrics.observeFlag("score")
		s.emitFlagged(ctx, userID, p.FlaggedReason, p.RiskScore)
		s.logger.Warn("account auto-flagged", "user_id", userID, "risk_score", p.RiskScore)
	}
	return p, nil
}

func (s *Service) Report(ctx context.Context, userID uuid.UUID) (Report, error) {
	p, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return Report{}, fmt.Errorf("load fraud profile: %w", err)
	}
	txs, err := s.transactions.ListTransactionsSince(ctx, userID, s.clock.Now().Add(-reportWindow))
	if err != nil {
		return Report{}, fmt.Errorf("load recent transactions: %w", err)
	}
	if txs == nil {
		txs = []storage.CreditTransaction{}
	}
	return Report{
		Profile:      p,
		Transactions: txs,
		RiskLevel:    RiskLevel(p.RiskScore),
		State:        State(p),
	}, nil
}

// SetFlag is the admin override and the only way to move a profile back to a
// lower state.
func (s *Service) SetFlag(ctx context.Context, userID uuid.UUID, flagged bool, reason string) (*storage.FraudProfile, error) {
	now := s.clock.Now()
	reason = strings.TrimSpace(reason)
	p, err := s.store.UpdateProfile(ctx, userID, func(p *storage.FraudProfile) error {
		if flagged {
			if reason == "" {
				reason = "flagged by administrator"
			}
			p.IsFlagged = true
			p.FlaggedReason = reason
			if p.RiskScore < flagThreshold {
				p.RiskScore = flagThreshold
			}
		} else {
			p.IsFlagged = false
			p.FlaggedReason = ""
			if p.RiskScore > unflagCeiling {
				p.RiskScore = unflagCeiling
			}
		}
		p.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("set flag: %w", err)
	}

	if flagged {
		s.metrics.observeFlag("admin")
		s.emitFlagged(ctx, userID, p.FlaggedReason, p.RiskScore)
	} else {
		s.metrics.observeFlag("admin_clear")
	}
	s.logger.Info("fraud flag set by admin", "user_id", userID, "flagged", flagged)
	return p, nil
}

func (s *Service) optionalProfile(ctx context.Context, userID uuid.UUID) (*storage.FraudProfile, error) {
	p, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load fraud profile: %w", err)
	}
	return p, nil
}

func (s *Service) emitFlagged(ctx context.Context, userID uuid.UUID, reason string, score int) {
	if s.events != nil {
		s.events.AccountFlagged(ctx, userID, reason, score)
	}
}

func RiskLevel(score int) string {
	switch {
	case score >= flagThreshold:
		return "high"
	case score >= bonusVerifyScore:
		return "medium"
	default:
		return "low"
	}
}

// State is clean, elevated or flagged. A manual flag wins over the score.
func State(p *storage.FraudProfile) string {
	switch {
	case p.IsFlagged || p.RiskScore >= flagThreshold:
		return "flagged"
	case p.RiskScore >= bonusVerifyScore:
		return "elevated"
	default:
		return "clean"
	}
}

func sharesSignals(a, b *storage.FraudProfile) bool {
	ips := map[string]bool{}
	for _, ip := range a.IPs() {
		ips[ip] = true
	}
	for _, ip := range b.IPs() {
		if ips[ip] {
			return true
		}
	}
	fps := map[string]bool{}
	for _, fp := range a.DeviceFingerprints {
		fps[fp] = true
	}
	for _, fp := range b.DeviceFingerprints {
		if fps[fp] {
			return true
		}
	}
	return false
}

func capScore(score int) int {
	if score > maxScore {
		return maxScore
	}
	if score < 0 {
		return 0
	}
	return score
}
