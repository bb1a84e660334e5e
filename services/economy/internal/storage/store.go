package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// LedgerTx is the view of one locked ledger unit. Every account passed to
// LedgerStore.InTx is locked before fn runs.
type LedgerTx interface {
	GetAccountForUpdate(ctx context.Context, userID uuid.UUID) (CreditAccount, error)
	SetBalance(ctx context.Context, userID uuid.UUID, balance int64, now time.Time) error
	InsertTransaction(ctx context.Context, tx *CreditTransaction) error
	// ClaimExpiry returns false when the source row was already processed.
	ClaimExpiry(ctx context.Context, sourceID uuid.UUID, now time.Time) (bool, error)
}

type LedgerStore interface {
	CreateAccount(ctx context.Context, userID uuid.UUID, now time.Time) (CreditAccount, bool, error)
	GetAccount(ctx context.Context, userID uuid.UUID) (CreditAccount, error)
	InTx(ctx context.Context, userIDs []uuid.UUID, fn func(tx LedgerTx) error) error
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]CreditTransaction, int, error)
	TransactionStats(ctx context.Context, userID uuid.UUID) ([]TypeStat, error)
	CountTransactionsSince(ctx context.Context, userID uuid.UUID, types []TransactionType, since time.Time) (int, error)
	ListTransactionsSince(ctx context.Context, userID uuid.UUID, since time.Time) ([]CreditTransaction, error)
	ListDueExpiries(ctx context.Context, now time.Time, limit int) ([]CreditTransaction, error)
}

type FraudStore interface {
	CreateProfile(ctx context.Context, profile *FraudProfile) error
	GetProfile(ctx context.Context, userID uuid.UUID) (*FraudProfile, error)
	GetProfiles(ctx context.Context, userIDs []uuid.UUID) ([]*FraudProfile, error)
	// UpdateProfile runs fn on the locked profile and persists it when fn
	// returns nil.
	UpdateProfile(ctx context.Context, userID uuid.UUID, fn func(p *FraudProfile) error) (*FraudProfile, error)
	FindRelated(ctx context.Context, ip, fingerprint string, exclude uuid.UUID) ([]uuid.UUID, error)
	CountRegistrationsSince(ctx context.Context, ip string, since time.Time) (int, error)
}

// DeviceTx operates on the devices of one user while that user is locked.
type DeviceTx interface {
	ListDevices(ctx context.Context) ([]ConnectedDevice, error)
	InsertDevice(ctx context.Context, device *ConnectedDevice) error
	UpdateDevice(ctx context.Context, device *ConnectedDevice) error
	DeleteDevice(ctx context.Context, deviceID uuid.UUID) error
}

type DeviceStore interface {
	WithUserDevices(ctx context.Context, userID uuid.UUID, fn func(tx DeviceTx) error) error
	ListDevices(ctx context.Context, userID uuid.UUID) ([]ConnectedDevice, error)
	ListStaleDevices(ctx context.Context, before time.Time) ([]ConnectedDevice, error)
}
