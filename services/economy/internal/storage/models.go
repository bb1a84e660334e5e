package storage

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type TransactionType string

const (
	TxPurchasePrompt  TransactionType = "purchase_prompt"
	TxSellPrompt      TransactionType = "sell_prompt"
	TxBuyCredits      TransactionType = "buy_credits"
	TxReferralBonus   TransactionType = "referral_bonus"
	TxSignupBonus     TransactionType = "signup_bonus"
	TxAdminAdjustment TransactionType = "admin_adjustment"
	TxRefund          TransactionType = "refund"
	TxWithdrawal      TransactionType = "withdrawal"
	TxExpired         TransactionType = "expired"
)

var transactionTypes = []TransactionType{
	TxPurchasePrompt,
	TxSellPrompt,
	TxBuyCredits,
	TxReferralBonus,
	TxSignupBonus,
	TxAdminAdjustment,
	TxRefund,
	TxWithdrawal,
	TxExpired,
}

// PurchaseTypes count toward the hourly purchase velocity limit.
var PurchaseTypes = []TransactionType{TxPurchasePrompt, TxBuyCredits}

func (t TransactionType) Valid() bool {
	for _, known := range transactionTypes {
		if t == known {
			return true
		}
	}
	return false
}

func ParseTransactionType(raw string) (TransactionType, error) {
	t := TransactionType(raw)
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown transaction type %q", ErrInvalidInput, raw)
	}
	return t, nil
}

type TransactionStatus string

const (
	StatusCompleted TransactionStatus = "completed"
)

type CreditAccount struct {
	UserID    uuid.UUID `json:"user_id"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type CreditTransaction struct {
	ID            uuid.UUID         `json:"id"`
	UserID        uuid.UUID         `json:"user_id"`
	Type          TransactionType   `json:"type"`
	Amount        int64             `json:"amount"`
	BalanceBefore int64             `json:"balance_before"`
	BalanceAfter  int64             `json:"balance_after"`
	Status        TransactionStatus `json:"status"`
	Description   string            `json:"description"`
	Metadata      Metadata          `json:"metadata"`
	ExpiresAt     *time.Time        `json:"expires_at,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

type TransactionFilter struct {
	UserID uuid.UUID
	Type   TransactionType
	Offset int
	Limit  int
}

type TypeStat struct {
	Type  TransactionType `json:"type"`
	Sum   int64           `json:"sum"`
	Count int64           `json:"count"`
}

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

func (s Severity) Valid() bool {
	return s == SeverityLow || s == SeverityMedium || s == SeverityHigh
}

type SuspiciousActivity struct {
	Type        string    `json:"type"`
	Description string    `json:"description"`
	Severity    Severity  `json:"severity"`
	Timestamp   time.Time `json:"timestamp"`
}

type FraudProfile struct {
	UserID               uuid.UUID            `json:"user_id"`
	RegistrationIP       string               `json:"registration_ip"`
	LoginIPs             []string             `json:"login_ips"`
	DeviceFingerprints   []string             `json:"device_fingerprints"`
	RiskScore            int                  `json:"risk_score"`
	IsFlagged            bool                 `json:"is_flagged"`
	FlaggedReason        string               `json:"flagged_reason,omitempty"`
	BonusClaimCount      int                  `json:"bonus_claim_count"`
	BonusClaims          map[string]int       `json:"bonus_claims"`
	SuspiciousActivities []SuspiciousActivity `json:"suspicious_activities"`
	RelatedAccounts      []uuid.UUID          `json:"related_accounts"`
	VerificationLevel    string               `json:"verification_level"`
	CreatedAt            time.Time            `json:"created_at"`
	UpdatedAt            time.Time            `json:"updated_at"`
}

// AddLoginIP reports whether ip was new to the set.
func (p *FraudProfile) AddLoginIP(ip string) bool {
	if ip == "" || contains(p.LoginIPs, ip) {
		return false
	}
	p.LoginIPs = append(p.LoginIPs, ip)
	return true
}

func (p *FraudProfile) AddFingerprint(fp string) bool {
	if fp == "" || contains(p.DeviceFingerprints, fp) {
		return false
	}
	p.DeviceFingerprints = append(p.DeviceFingerprints, fp)
	return true
}

// IPs is the registration IP plus every login IP.
func (p *FraudProfile) IPs() []string {
	out := make([]string, 0, len(p.LoginIPs)+1)
	if p.RegistrationIP != "" {
		out = append(out, p.RegistrationIP)
	}
	for _, ip := range p.LoginIPs {
		if !contains(out, ip) {
			out = append(out, ip)
		}
	}
	return out
}

func (p *FraudProfile) Clone() *FraudProfile {
	if p == nil {
		return nil
	}
	c := *p
	c.LoginIPs = append([]string(nil), p.LoginIPs...)
	c.DeviceFingerprints = append([]string(nil), p.DeviceFingerprints...)
	c.SuspiciousActivities = append([]SuspiciousActivity(nil), p.SuspiciousActivities...)
	c.RelatedAccounts = append([]uuid.UUID(nil), p.RelatedAccounts...)
	c.BonusClaims = make(map[string]int, len(p.BonusClaims))
	for k, v := range p.BonusClaims {
		c.BonusClaims[k] = v
	}
	return &c
}

type ConnectedDevice struct {
	ID                uuid.UUID `json:"id"`
	UserID            uuid.UUID `json:"user_id"`
	DeviceFingerprint string    `json:"device_fingerprint"`
	IP                string    `json:"ip"`
	OS                string    `json:"os"`
	Browser           string    `json:"browser"`
	Location          string    `json:"location,omitempty"`
	IsActive          bool      `json:"is_active"`
	IsCurrent         bool      `json:"is_current"`
	SessionTokenHash  string    `json:"-"`
	LastActive        time.Time `json:"last_active"`
	LoginCount        int       `json:"login_count"`
	CreatedAt         time.Time `json:"created_at"`
}

func contains(values []string, v string) bool {
	for _, existing := range values {
		if existing == v {
			return true
		}
	}
	return false
}
