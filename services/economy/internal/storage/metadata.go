package storage

import (
	"fmt"

	"github.com/google/uuid"
)

// Metadata carries one optional section per transaction kind. Validate pins
// which sections a given transaction type may carry.
type Metadata struct {
	Transfer *TransferMeta `json:"transfer,omitempty"`
	Purchase *PurchaseMeta `json:"purchase,omitempty"`
	Package  *PackageMeta  `json:"package,omitempty"`
	Referral *ReferralMeta `json:"referral,omitempty"`
	Admin    *AdminMeta    `json:"admin,omitempty"`
	Expiry   *ExpiryMeta   `json:"expiry,omitempty"`
	Refund   *RefundMeta   `json:"refund,omitempty"`
}

// TransferMeta is shared by both legs of a transfer.
type TransferMeta struct {
	ID           uuid.UUID `json:"id"`
	Counterparty uuid.UUID `json:"counterparty"`
	Direction    string    `json:"direction"`
}

const (
	DirectionOut = "out"
	DirectionIn  = "in"
)

type PurchaseMeta struct {
	PromptID string `json:"prompt_id"`
}

type PackageMeta struct {
	PackageID  string `json:"package_id"`
	PriceCents int64  `json:"price_cents"`
}

type ReferralMeta struct {
	ReferrerID uuid.UUID `json:"referrer_id"`
	ReferredID uuid.UUID `json:"referred_id"`
}

type AdminMeta struct {
	AdminID string `json:"admin_id"`
	Reason  string `json:"reason"`
}

type ExpiryMeta struct {
	SourceTransactionID uuid.UUID `json:"source_transaction_id"`
	OriginalAmount      int64     `json:"original_amount"`
}

type RefundMeta struct {
	SourceTransactionID uuid.UUID `json:"source_transaction_id"`
	Reason              string    `json:"reason"`
}

func (m Metadata) Validate(t TransactionType) error {
	var allowed, required []string
	switch t {
	case TxPurchasePrompt, TxSellPrompt:
		allowed = []string{"transfer", "purchase"}
	case TxBuyCredits:
		allowed, required = []string{"package"}, []string{"package"}
	case TxReferralBonus:
		allowed, required = []string{"referral"}, []string{"referral"}
	case TxSignupBonus, TxWithdrawal:
	case TxAdminAdjustment:
		allowed, required = []string{"admin"}, []string{"admin"}
	case TxRefund:
		allowed, required = []string{"refund"}, []string{"refund"}
	case TxExpired:
		allowed, required = []string{"expiry"}, []string{"expiry"}
	default:
		return fmt.Errorf("%w: unknown transaction type %q", ErrInvalidInput, t)
	}

	present := m.sections()
	for _, name := range present {
		if !contains(allowed, name) {
			return fmt.Errorf("%w: %s metadata not allowed on %s", ErrInvalidInput, name, t)
		}
	}
	for _, name := range required {
		if !contains(present, name) {
			return fmt.Errorf("%w: %s requires %s metadata", ErrInvalidInput, t, name)
		}
	}
	if m.Transfer != nil {
		if m.Transfer.ID == uuid.Nil || m.Transfer.Counterparty == uuid.Nil {
			return fmt.Errorf("%w: transfer metadata incomplete", ErrInvalidInput)
		}
		if m.Transfer.Direction != DirectionOut && m.Transfer.Direction != DirectionIn {
			return fmt.Errorf("%w: transfer direction %q", ErrInvalidInput, m.Transfer.Direction)
		}
	}
	return nil
}

func (m Metadata) sections() []string {
	var out []string
	if m.Transfer != nil {
		out = append(out, "transfer")
	}
	if m.Purchase != nil {
		out = append(out, "purchase")
	}
	if m.Package != nil {
		out = append(out, "package")
	}
	if m.Referral != nil {
		out = append(out, "referral")
	}
	if m.Admin != nil {
		out = append(out, "admin")
	}
	if m.Expiry != nil {
		out = append(out, "expiry")
	}
	if m.Refund != nil {
		out = append(out, "refund")
	}
	return out
}
