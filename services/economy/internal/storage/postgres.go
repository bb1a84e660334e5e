package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"
)

var (
	_ LedgerStore = (*Postgres)(nil)
	_ FraudStore  = (*Postgres)(nil)
	_ DeviceStore = (*Postgres)(nil)
)

type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgres(pool *pgxpool.Pool, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{pool: pool, logger: logger}
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate creates the economy tables. Statements are idempotent.
func (s *Postgres) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS credit_balances (
			user_id UUID PRIMARY KEY,
			balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`CREATE TABLE IF NOT EXISTS credit_transactions (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL REFERENCES credit_balances (user_id),
			type TEXT NOT NULL,
			amount BIGINT NOT NULL,
			balance_before BIGINT NOT NULL,
			balance_after BIGINT NOT NULL,
			status TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			expires_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CHECK (balance_after = balance_before + amount)
		);`,
		`CREATE INDEX IF NOT EXISTS credit_transactions_user_created_idx ON credit_transactions (user_id, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS credit_transactions_expires_idx ON credit_transactions (expires_at) WHERE expires_at IS NOT NULL;`,
		`CREATE TABLE IF NOT EXISTS credit_expiry_processed (
			source_tx_id UUID PRIMARY KEY REFERENCES credit_transactions (id),
			processed_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS fraud_profiles (
			user_id UUID PRIMARY KEY,
			registration_ip TEXT NOT NULL DEFAULT '',
			login_ips TEXT[] NOT NULL DEFAULT '{}',
			device_fingerprints TEXT[] NOT NULL DEFAULT '{}',
			risk_score INT NOT NULL DEFAULT 0 CHECK (risk_score BETWEEN 0 AND 100),
			is_flagged BOOLEAN NOT NULL DEFAULT FALSE,
			flagged_reason TEXT NOT NULL DEFAULT '',
			bonus_claim_count INT NOT NULL DEFAULT 0,
			bonus_claims JSONB NOT NULL DEFAULT '{}'::jsonb,
			suspicious_activities JSONB NOT NULL DEFAULT '[]'::jsonb,
			related_accounts TEXT[] NOT NULL DEFAULT '{}',
			verification_level TEXT NOT NULL DEFAULT 'email',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`CREATE INDEX IF NOT EXISTS fraud_profiles_registration_idx ON fraud_profiles (registration_ip, created_at);`,
		`CREATE INDEX IF NOT EXISTS fraud_profiles_login_ips_idx ON fraud_profiles USING GIN (login_ips);`,
		`CREATE INDEX IF NOT EXISTS fraud_profiles_fingerprints_idx ON fraud_profiles USING GIN (device_fingerprints);`,
		`CREATE TABLE IF NOT EXISTS device_sessions (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL,
			device_fingerprint TEXT NOT NULL,
			ip TEXT NOT NULL DEFAULT '',
			os TEXT NOT NULL DEFAULT '',
			browser TEXT NOT NULL DEFAULT '',
			location TEXT NOT NULL DEFAULT '',
			is_active BOOLEAN NOT NULL DEFAULT FALSE,
			is_current BOOLEAN NOT NULL DEFAULT FALSE,
			session_token_hash TEXT NOT NULL DEFAULT '',
			last_active TIMESTAMPTZ NOT NULL,
			login_count INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (user_id, device_fingerprint)
		);`,
		`CREATE INDEX IF NOT EXISTS device_sessions_last_active_idx ON device_sessions (last_active);`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
	}
	return nil
}

func (s *Postgres) CreateAccount(ctx context.Context, userID uuid.UUID, now time.Time) (CreditAccount, bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO credit_balances (user_id, balance, created_at, updated_at)
		VALUES ($1, 0, $2, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, now)
	if err != nil {
		return CreditAccount{}, false, err
	}
	acct, err := s.GetAccount(ctx, userID)
	if err != nil {
		return CreditAccount{}, false, err
	}
	return acct, tag.RowsAffected() == 1, nil
}

func (s *Postgres) GetAccount(ctx context.Context, userID uuid.UUID) (CreditAccount, error) {
	return scanAccount(s.pool.QueryRow(ctx, `
		SELECT user_id, balance, created_at, updated_at
		FROM credit_balances
		WHERE user_id = $1
	`, userID))
}

func (s *Postgres) InTx(ctx context.Context, userIDs []uuid.UUID, fn func(tx LedgerTx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	for _, id := range SortedUnique(userIDs) {
		if _, err := tx.Exec(ctx, `SELECT 1 FROM credit_balances WHERE user_id = $1 FOR UPDATE`, id); err != nil {
			return fmt.Errorf("lock account %s: %w", id, err)
		}
	}

	if err := fn(&pgLedgerTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

type pgLedgerTx struct {
	tx pgx.Tx
}

func (t *pgLedgerTx) GetAccountForUpdate(ctx context.Context, userID uuid.UUID) (CreditAccount, error) {
	return scanAccount(t.tx.QueryRow(ctx, `
		SELECT user_id, balance, created_at, updated_at
		FROM credit_balances
		WHERE user_id = $1
		FOR UPDATE
	`, userID))
}

func (t *pgLedgerTx) SetBalance(ctx context.Context, userID uuid.UUID, balance int64, now time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE credit_balances SET balance = $2, updated_at = $3 WHERE user_id = $1
	`, userID, balance, now)
	if err != nil {
		if isPgCode(err, pgCheckViolation) {
			return fmt.Errorf("set balance %d: %w", balance, ErrInsufficientCredits)
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgLedgerTx) InsertTransaction(ctx context.Context, ct *CreditTransaction) error {
	meta, err := json.Marshal(ct.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO credit_transactions
			(id, user_id, type, amount, balance_before, balance_after, status, description, metadata, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, ct.ID, ct.UserID, string(ct.Type), ct.Amount, ct.BalanceBefore, ct.BalanceAfter, string(ct.Status), ct.Description, meta, ct.ExpiresAt, ct.CreatedAt)
	if err != nil {
		if isPgCode(err, pgCheckViolation) {
			return fmt.Errorf("%w: transaction balance mismatch", ErrInvalidInput)
		}
		return err
	}
	return nil
}

func (t *pgLedgerTx) ClaimExpiry(ctx context.Context, sourceID uuid.UUID, now time.Time) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO credit_expiry_processed (source_tx_id, processed_at)
		VALUES ($1, $2)
		ON CONFLICT (source_tx_id) DO NOTHING
	`, sourceID, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

const transactionColumns = `id, user_id, type, amount, balance_before, balance_after, status, description, metadata, expires_at, created_at`

func (s *Postgres) ListTransactions(ctx context.Context, filter TransactionFilter) ([]CreditTransaction, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM credit_transactions
		WHERE user_id = $1 AND ($2::text = '' OR type = $2::text)
	`, filter.UserID, string(filter.Type)).Scan(&total); err != nil {
		return nil, 0, err
	}

	var limit any
	if filter.Limit > 0 {
		limit = filter.Limit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM credit_transactions
		WHERE user_id = $1 AND ($2::text = '' OR type = $2::text)
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4
	`, filter.UserID, string(filter.Type), limit, filter.Offset)
	if err != nil {
		return nil, 0, err
	}
	txs, err := collectTransactions(rows)
	if err != nil {
		return nil, 0, err
	}
	return txs, total, nil
}

func (s *Postgres) TransactionStats(ctx context.Context, userID uuid.UUID) ([]TypeStat, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT type, COALESCE(SUM(amount), 0), COUNT(*)
		FROM credit_transactions
		WHERE user_id = $1
		GROUP BY type
		ORDER BY type
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TypeStat
	for rows.Next() {
		var st TypeStat
		var t string
		if err := rows.Scan(&t, &st.Sum, &st.Count); err != nil {
			return nil, err
		}
		st.Type = TransactionType(t)
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Postgres) CountTransactionsSince(ctx context.Context, userID uuid.UUID, types []TransactionType, since time.Time) (int, error) {
	names := make([]string, 0, len(types))
	for _, t := range types {
		names = append(names, string(t))
	}
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM credit_transactions
		WHERE user_id = $1 AND type = ANY($2) AND created_at >= $3
	`, userID, names, since).Scan(&count)
	return count, err
}

func (s *Postgres) ListTransactionsSince(ctx context.Context, userID uuid.UUID, since time.Time) ([]CreditTransaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM credit_transactions
		WHERE user_id = $1 AND created_at >= $2
		ORDER BY created_at DESC, id DESC
	`, userID, since)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

func (s *Postgres) ListDueExpiries(ctx context.Context, now time.Time, limit int) ([]CreditTransaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM credit_transactions t
		WHERE t.expires_at IS NOT NULL
		  AND t.expires_at <= $1
		  AND t.amount > 0
		  AND NOT EXISTS (SELECT 1 FROM credit_expiry_processed p WHERE p.source_tx_id = t.id)
		ORDER BY t.expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

const profileColumns = `user_id, registration_ip, login_ips, device_fingerprints, risk_score, is_flagged, flagged_reason,
	bonus_claim_count, bonus_claims, suspicious_activities, related_accounts, verification_level, created_at, updated_at`

func (s *Postgres) CreateProfile(ctx context.Context, p *FraudProfile) error {
	claims, activities, err := marshalProfileJSON(p)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO fraud_profiles (`+profileColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, p.UserID, p.RegistrationIP, nonNil(p.LoginIPs), nonNil(p.DeviceFingerprints), p.RiskScore, p.IsFlagged, p.FlaggedReason,
		p.BonusClaimCount, claims, activities, uuidStrings(p.RelatedAccounts), p.VerificationLevel, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isPgCode(err, pgUniqueViolation) {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (s *Postgres) GetProfile(ctx context.Context, userID uuid.UUID) (*FraudProfile, error) {
	return scanProfile(s.pool.QueryRow(ctx, `SELECT `+profileColumns+` FROM fraud_profiles WHERE user_id = $1`, userID))
}

func (s *Postgres) GetProfiles(ctx context.Context, userIDs []uuid.UUID) ([]*FraudProfile, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT `+profileColumns+` FROM fraud_profiles WHERE user_id = ANY($1::uuid[])`, uuidStrings(userIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*FraudProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Postgres) UpdateProfile(ctx context.Context, userID uuid.UUID, fn func(p *FraudProfile) error) (*FraudProfile, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	p, err := scanProfile(tx.QueryRow(ctx, `SELECT `+profileColumns+` FROM fraud_profiles WHERE user_id = $1 FOR UPDATE`, userID))
	if err != nil {
		return nil, err
	}
	if err := fn(p); err != nil {
		return nil, err
	}

	claims, activities, err := marshalProfileJSON(p)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE fraud_profiles SET
			login_ips = $2,
			device_fingerprints = $3,
			risk_score = $4,
			is_flagged = $5,
			flagged_reason = $6,
			bonus_claim_count = $7,
			bonus_claims = $8,
			suspicious_activities = $9,
			related_accounts = $10,
			verification_level = $11,
			updated_at = $12
		WHERE user_id = $1
	`, userID, nonNil(p.LoginIPs), nonNil(p.DeviceFingerprints), p.RiskScore, p.IsFlagged, p.FlaggedReason,
		p.BonusClaimCount, claims, activities, uuidStrings(p.RelatedAccounts), p.VerificationLevel, p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	committed = true
	return p, nil
}

func (s *Postgres) FindRelated(ctx context.Context, ip, fingerprint string, exclude uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id FROM fraud_profiles
		WHERE user_id <> $3
		  AND (
			($1::text <> '' AND (registration_ip = $1::text OR $1::text = ANY(login_ips)))
			OR ($2::text <> '' AND $2::text = ANY(device_fingerprints))
		  )
		ORDER BY created_at
	`, ip, fingerprint, exclude)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Postgres) CountRegistrationsSince(ctx context.Context, ip string, since time.Time) (int, error) {
	if ip == "" {
		return 0, nil
	}
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM fraud_profiles WHERE registration_ip = $1 AND created_at >= $2
	`, ip, since).Scan(&count)
	return count, err
}

func (s *Postgres) WithUserDevices(ctx context.Context, userID uuid.UUID, fn func(tx DeviceTx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "devices:"+userID.String()); err != nil {
		return err
	}

	if err := fn(&pgDeviceTx{tx: tx, userID: userID}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

const deviceColumns = `id, user_id, device_fingerprint, ip, os, browser, location, is_active, is_current,
	session_token_hash, last_active, login_count, created_at`

type pgDeviceTx struct {
	tx     pgx.Tx
	userID uuid.UUID
}

func (t *pgDeviceTx) ListDevices(ctx context.Context) ([]ConnectedDevice, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+deviceColumns+` FROM device_sessions WHERE user_id = $1 ORDER BY created_at`, t.userID)
	if err != nil {
		return nil, err
	}
	return collectDevices(rows)
}

func (t *pgDeviceTx) InsertDevice(ctx context.Context, d *ConnectedDevice) error {
	if d.UserID != t.userID {
		return fmt.Errorf("%w: device belongs to another user", ErrInvalidInput)
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO device_sessions (`+deviceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, d.ID, d.UserID, d.DeviceFingerprint, d.IP, d.OS, d.Browser, d.Location, d.IsActive, d.IsCurrent,
		d.SessionTokenHash, d.LastActive, d.LoginCount, d.CreatedAt)
	if err != nil {
		if isPgCode(err, pgUniqueViolation) {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (t *pgDeviceTx) UpdateDevice(ctx context.Context, d *ConnectedDevice) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE device_sessions SET
			ip = $3, os = $4, browser = $5, location = $6,
			is_active = $7, is_current = $8, session_token_hash = $9,
			last_active = $10, login_count = $11
		WHERE id = $1 AND user_id = $2
	`, d.ID, t.userID, d.IP, d.OS, d.Browser, d.Location, d.IsActive, d.IsCurrent,
		d.SessionTokenHash, d.LastActive, d.LoginCount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgDeviceTx) DeleteDevice(ctx context.Context, deviceID uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM device_sessions WHERE id = $1 AND user_id = $2`, deviceID, t.userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) ListDevices(ctx context.Context, userID uuid.UUID) ([]ConnectedDevice, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+deviceColumns+` FROM device_sessions WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	return collectDevices(rows)
}

func (s *Postgres) ListStaleDevices(ctx context.Context, before time.Time) ([]ConnectedDevice, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+deviceColumns+` FROM device_sessions WHERE last_active < $1 ORDER BY last_active`, before)
	if err != nil {
		return nil, err
	}
	return collectDevices(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (CreditAccount, error) {
	var acct CreditAccount
	if err := row.Scan(&acct.UserID, &acct.Balance, &acct.CreatedAt, &acct.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CreditAccount{}, ErrNotFound
		}
		return CreditAccount{}, err
	}
	return acct, nil
}

func scanTransaction(row rowScanner) (CreditTransaction, error) {
	var ct CreditTransaction
	var txType, status string
	var meta []byte
	if err := row.Scan(&ct.ID, &ct.UserID, &txType, &ct.Amount, &ct.BalanceBefore, &ct.BalanceAfter,
		&status, &ct.Description, &meta, &ct.ExpiresAt, &ct.CreatedAt); err != nil {
		return CreditTransaction{}, err
	}
	ct.Type = TransactionType(txType)
	ct.Status = TransactionStatus(status)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &ct.Metadata); err != nil {
			return CreditTransaction{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return ct, nil
}

func collectTransactions(rows pgx.Rows) ([]CreditTransaction, error) {
	defer rows.Close()
	out := []CreditTransaction{}
	for rows.Next() {
		ct, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ct)
	}
	return out, rows.Err()
}

func scanProfile(row rowScanner) (*FraudProfile, error) {
	var p FraudProfile
	var claims, activities []byte
	var related []string
	if err := row.Scan(&p.UserID, &p.RegistrationIP, &p.LoginIPs, &p.DeviceFingerprints, &p.RiskScore, &p.IsFlagged,
		&p.FlaggedReason, &p.BonusClaimCount, &claims, &activities, &related, &p.VerificationLevel,
		&p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.BonusClaims = map[string]int{}
	if len(claims) > 0 {
		if err := json.Unmarshal(claims, &p.BonusClaims); err != nil {
			return nil, fmt.Errorf("decode bonus claims: %w", err)
		}
	}
	if len(activities) > 0 {
		if err := json.Unmarshal(activities, &p.SuspiciousActivities); err != nil {
			return nil, fmt.Errorf("decode activities: %w", err)
		}
	}
	for _, raw := range related {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("decode related account: %w", err)
		}
		p.RelatedAccounts = append(p.RelatedAccounts, id)
	}
	return &p, nil
}

func marshalProfileJSON(p *FraudProfile) ([]byte, []byte, error) {
	claims := p.BonusClaims
	if claims == nil {
		claims = map[string]int{}
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal bonus claims: %w", err)
	}
	activities := p.SuspiciousActivities
	if activities == nil {
		activities = []SuspiciousActivity{}
	}
	activitiesJSON, err := json.Marshal(activities)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal activities: %w", err)
	}
	return claimsJSON, activitiesJSON, nil
}

func collectDevices(rows pgx.Rows) ([]ConnectedDevice, error) {
	defer rows.Close()
	var out []ConnectedDevice
	for rows.Next() {
		var d ConnectedDevice
		if err := rows.Scan(&d.ID, &d.UserID, &d.DeviceFingerprint, &d.IP, &d.OS, &d.Browser, &d.Location,
			&d.IsActive, &d.IsCurrent, &d.SessionTokenHash, &d.LastActive, &d.LoginCount, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
