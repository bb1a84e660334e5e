package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/promptmarket/economy/services/economy/internal/fingerprint"
	"github.com/promptmarket/economy/services/economy/internal/storage"
)

var (
	flaggedUserID = uuid.MustParse("00000000-0000-0000-0000-000000000003")
	expiringUser  = uuid.MustParse("00000000-0000-0000-0000-000000000004")
)

// seedTestData adds fixtures for manual testing: a completed prompt sale, a
// flagged account and a bonus that has already expired.
func seedTestData(ctx context.Context, svc seedServices) error {
	if stats, err := svc.ledger.Stats(ctx, expiringUser); err == nil && stats.TransactionCount > 0 {
		return nil
	} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	if _, err := svc.ledger.PurchasePrompt(ctx, demoUserID, sellerUserID, "seed-prompt-1", 40); err != nil {
		return fmt.Errorf("purchase prompt: %w", err)
	}

	for id, rc := range map[uuid.UUID]fingerprint.RequestContext{
		flaggedUserID: {IP: "192.0.2.50", UserAgent: "seed/flagged"},
		expiringUser:  {IP: "192.0.2.60", UserAgent: "seed/expiring"},
	} {
		if _, err := svc.ledger.OpenAccount(ctx, id); err != nil {
			return err
		}
		if _, err := svc.fraud.Initialize(ctx, id, rc); err != nil {
			return err
		}
	}

	if _, err := svc.fraud.SetFlag(ctx, flaggedUserID, true, "seeded for testing"); err != nil {
		return fmt.Errorf("flag user: %w", err)
	}

	expired := time.Now().UTC().Add(-time.Hour)
	_, err := svc.ledger.Add(ctx, expiringUser, 30, storage.TxSignupBonus, "Seed expiring bonus", storage.Metadata{}, &expired)
	if err != nil {
		return fmt.Errorf("expiring bonus: %w", err)
	}
	return nil
}
