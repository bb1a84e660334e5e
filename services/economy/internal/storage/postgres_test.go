package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/promptmarket/economy/services/testutil"
)

func setupPostgres(t *testing.T) (*Postgres, *pgxpool.Pool) {
	t.Helper()
	if !testutil.IntegrationEnabled() {
		t.Skip("set RUN_DB_INTEGRATION=1 to run")
	}

	pool, err := testutil.SetupTestDB()
	if err != nil {
		t.Skipf("db connection failed: %v", err)
	}
	store := NewPostgres(pool, nil)
	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		t.Fatalf("migrate: %v", err)
	}
	if err := testutil.CleanupTestData(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("cleanup: %v", err)
	}
	t.Cleanup(pool.Close)
	return store, pool
}

func deduct(ctx context.Context, store LedgerStore, userID uuid.UUID, amount int64) error {
	return store.InTx(ctx, []uuid.UUID{userID}, func(tx LedgerTx) error {
		acct, err := tx.GetAccountForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if acct.Balance < amount {
			return ErrInsufficientCredits
		}
		now := time.Now().UTC()
		if err := tx.SetBalance(ctx, userID, acct.Balance-amount, now); err != nil {
			return err
		}
		return tx.InsertTransaction(ctx, &CreditTransaction{
			ID: uuid.New(), UserID: userID, Type: TxWithdrawal, Amount: -amount,
			BalanceBefore: acct.Balance, BalanceAfter: acct.Balance - amount,
			Status: StatusCompleted, CreatedAt: now,
		})
	})
}

func TestPostgresConcurrentDeductions(t *testing.T) {
	store, _ := setupPostgres(t)
	ctx := context.Background()
	userID := uuid.New()
	now := time.Now().UTC()

	if _, _, err := store.CreateAccount(ctx, userID, now); err != nil {
		t.Fatalf("create account: %v", err)
	}
	err := store.InTx(ctx, []uuid.UUID{userID}, func(tx LedgerTx) error {
		if err := tx.SetBalance(ctx, userID, 100, now); err != nil {
			return err
		}
		return tx.InsertTransaction(ctx, &CreditTransaction{
			ID: uuid.New(), UserID: userID, Type: TxSignupBonus, Amount: 100,
			BalanceAfter: 100, Status: StatusCompleted, CreatedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("seed balance: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = deduct(ctx, store, userID, 60)
		}(i)
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if errors.Is(err, ErrInsufficientCredits) {
			failures++
		} else if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if failures != 1 {
		t.Fatalf("expected exactly one failure, got %d", failures)
	}

	acct, err := store.GetAccount(ctx, userID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acct.Balance != 40 {
		t.Fatalf("expected balance 40, got %d", acct.Balance)
	}

	txs, total, err := store.ListTransactions(ctx, TransactionFilter{UserID: userID, Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var sum int64
	for _, tx := range txs {
		sum += tx.Amount
	}
	if total != 2 || sum != acct.Balance {
		t.Fatalf("expected conservation, total=%d sum=%d balance=%d", total, sum, acct.Balance)
	}
}

func TestPostgresNegativeBalanceRejected(t *testing.T) {
	store, _ := setupPostgres(t)
	ctx := context.Background()
	userID := uuid.New()
	_, _, _ = store.CreateAccount(ctx, userID, time.Now().UTC())

	err := store.InTx(ctx, []uuid.UUID{userID}, func(tx LedgerTx) error {
		return tx.SetBalance(ctx, userID, -5, time.Now().UTC())
	})
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
}

func TestPostgresProfileRoundTrip(t *testing.T) {
	store, _ := setupPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	related := uuid.New()
	profile := &FraudProfile{
		UserID:             uuid.New(),
		RegistrationIP:     "203.0.113.9",
		LoginIPs:           []string{"203.0.113.9"},
		DeviceFingerprints: []string{"fp-a"},
		RiskScore:          25,
		BonusClaims:        map[string]int{},
		RelatedAccounts:    []uuid.UUID{related},
		VerificationLevel:  "email",
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := store.CreateProfile(ctx, profile); err != nil {
		t.Fatalf("create profile: %v", err)
	}
	if err := store.CreateProfile(ctx, profile); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	updated, err := store.UpdateProfile(ctx, profile.UserID, func(p *FraudProfile) error {
		p.AddLoginIP("198.51.100.1")
		p.BonusClaims["signup"]++
		p.SuspiciousActivities = append(p.SuspiciousActivities, SuspiciousActivity{
			Type: "test", Severity: SeverityLow, Timestamp: now,
		})
		return nil
	})
	if err != nil {
		t.Fatalf("update profile: %v", err)
	}
	if len(updated.LoginIPs) != 2 {
		t.Fatalf("expected 2 login ips, got %v", updated.LoginIPs)
	}

	got, err := store.GetProfile(ctx, profile.UserID)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if got.BonusClaims["signup"] != 1 || len(got.SuspiciousActivities) != 1 || len(got.RelatedAccounts) != 1 || got.RelatedAccounts[0] != related {
		t.Fatalf("unexpected profile %+v", got)
	}

	ids, err := store.FindRelated(ctx, "198.51.100.1", "", uuid.New())
	if err != nil || len(ids) != 1 {
		t.Fatalf("expected related match, got %v err=%v", ids, err)
	}
	count, err := store.CountRegistrationsSince(ctx, "203.0.113.9", now.Add(-time.Hour))
	if err != nil || count != 1 {
		t.Fatalf("expected one registration, got %d err=%v", count, err)
	}
}

func TestPostgresDevicesLifecycle(t *testing.T) {
	store, _ := setupPostgres(t)
	ctx := context.Background()
	userID := uuid.New()
	old := time.Now().UTC().Add(-40 * 24 * time.Hour)
	device := &ConnectedDevice{
		ID: uuid.New(), UserID: userID, DeviceFingerprint: "fp-1",
		IsActive: false, LastActive: old, CreatedAt: old,
	}

	err := store.WithUserDevices(ctx, userID, func(tx DeviceTx) error {
		return tx.InsertDevice(ctx, device)
	})
	if err != nil {
		t.Fatalf("insert device: %v", err)
	}
	err = store.WithUserDevices(ctx, userID, func(tx DeviceTx) error {
		dup := *device
		dup.ID = uuid.New()
		return tx.InsertDevice(ctx, &dup)
	})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	stale, err := store.ListStaleDevices(ctx, time.Now().UTC().Add(-30*24*time.Hour))
	if err != nil || len(stale) != 1 {
		t.Fatalf("expected one stale device, got %d err=%v", len(stale), err)
	}
	deleteDevice := func() error {
		return store.WithUserDevices(ctx, userID, func(tx DeviceTx) error {
			return tx.DeleteDevice(ctx, device.ID)
		})
	}
	if err := deleteDevice(); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := deleteDevice(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
