package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/promptmarket/economy/libs/apikey"
	"github.com/promptmarket/economy/libs/auth"
	"github.com/promptmarket/economy/services/economy/internal/fingerprint"
	"github.com/promptmarket/economy/services/economy/internal/fraud"
	"github.com/promptmarket/economy/services/economy/internal/ledger"
	"github.com/promptmarket/economy/services/economy/internal/rewards"
	"github.com/promptmarket/economy/services/economy/internal/storage"
)

const (
	adminKeyPrefix = "admin0001"
	adminKeySecret = "adminsecret0001"
)

var (
	demoUserID   = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	sellerUserID = uuid.MustParse("00000000-0000-0000-0000-000000000002")
)

type seedServices struct {
	store   *storage.Postgres
	fraud   *fraud.Service
	ledger  *ledger.Service
	rewards *rewards.Service
}

func main() {
	env := getEnv("ECON_ENV", "dev")
	if env != "dev" && env != "test" {
		log.Fatalf("refusing to seed: ECON_ENV must be 'dev' or 'test' (got '%s')", env)
	}

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		getEnv("POSTGRES_USER", "economy"),
		getEnv("POSTGRES_PASSWORD", "economy"),
		getEnv("POSTGRES_HOST", "localhost"),
		getEnv("POSTGRES_PORT", "5432"),
		getEnv("POSTGRES_DB", "economy"),
		getEnv("POSTGRES_SSLMODE", "disable"),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	svc := newSeedServices(pool)

	fmt.Println("Seeding database...")

	if err := svc.store.Migrate(ctx); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	fmt.Println("✓ Schema migrated")

	if err := seedUsers(ctx, svc); err != nil {
		log.Fatalf("seed users: %v", err)
	}
	fmt.Println("✓ Accounts and fraud profiles seeded")

	if err := seedCredits(ctx, svc); err != nil {
		log.Fatalf("seed credits: %v", err)
	}
	fmt.Println("✓ Credits seeded")

	if os.Getenv("SEED_TESTDATA") == "1" {
		if err := seedTestData(ctx, svc); err != nil {
			log.Fatalf("seed test data: %v", err)
		}
		fmt.Println("✓ Test data seeded")
	}

	fmt.Println("\n=== Seed Complete ===")

	if env == "dev" {
		secret := []byte(getEnv("ECON_JWT_SECRET", "dev-secret"))
		fmt.Println("\nDemo Tokens (DEV ONLY, 24h):")
		for name, id := range map[string]uuid.UUID{"buyer": demoUserID, "seller": sellerUserID} {
			token, err := auth.Issue(id.String(), secret, 24*time.Hour, time.Now())
			if err != nil {
				log.Fatalf("issue token: %v", err)
			}
			fmt.Printf("  %s (%s): %s\n", name, id, token)
		}

		fmt.Println("\nAdmin API Key (DEV ONLY):")
		fmt.Printf("  key:  %s\n", fmt.Sprintf("ek_%s_%s.%s", env, adminKeyPrefix, adminKeySecret))
		fmt.Printf("  ECON_ADMIN_KEY_HASH=%s\n", apikey.Hash(adminKeyPrefix, adminKeySecret))
	}
}

func newSeedServices(pool *pgxpool.Pool) seedServices {
	store := storage.NewPostgres(pool, nil)
	fraudSvc := fraud.NewService(store, store, nil, nil, nil)
	ledgerSvc := ledger.NewService(store, fraudSvc, nil, []ledger.Package{
		{ID: "starter", Name: "Starter", Credits: 100, PriceCents: 499},
	}, nil, nil)
	rewardSvc := rewards.NewService(fraudSvc, ledgerSvc, rewards.Config{SignupAmount: 50, ReferralAmount: 25}, nil)
	return seedServices{store: store, fraud: fraudSvc, ledger: ledgerSvc, rewards: rewardSvc}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func seedUsers(ctx context.Context, svc seedServices) error {
	users := map[uuid.UUID]fingerprint.RequestContext{
		demoUserID:   {IP: "203.0.113.10", UserAgent: "seed/buyer"},
		sellerUserID: {IP: "198.51.100.20", UserAgent: "seed/seller"},
	}
	for id, rc := range users {
		if _, err := svc.ledger.OpenAccount(ctx, id); err != nil {
			return fmt.Errorf("open account %s: %w", id, err)
		}
		if _, err := svc.fraud.Initialize(ctx, id, rc); err != nil {
			return fmt.Errorf("initialize profile %s: %w", id, err)
		}
	}
	return nil
}

// seedCredits grants the signup bonus once and tops the buyer up to at least
// 500 credits.
func seedCredits(ctx context.Context, svc seedServices) error {
	for _, id := range []uuid.UUID{demoUserID, sellerUserID} {
		if _, err := svc.rewards.GrantSignupBonus(ctx, id); err != nil && !errors.Is(err, storage.ErrForbidden) {
			return fmt.Errorf("signup bonus %s: %w", id, err)
		}
	}

	balance, err := svc.ledger.Balance(ctx, demoUserID)
	if err != nil {
		return err
	}
	if balance >= 500 {
		return nil
	}
	_, err = svc.ledger.Add(ctx, demoUserID, 500-balance, storage.TxBuyCredits, "Seed top-up", storage.Metadata{}, nil)
	return err
}
