package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/promptmarket/economy/services/economy/internal/fraud"
	"github.com/promptmarket/economy/services/economy/internal/storage"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	expiryBatchSize = 200
)

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

type Store interface {
	CreateAccount(ctx context.Context, userID uuid.UUID, now time.Time) (storage.CreditAccount, bool, error)
	GetAccount(ctx context.Context, userID uuid.UUID) (storage.CreditAccount, error)
	InTx(ctx context.Context, userIDs []uuid.UUID, fn func(tx storage.LedgerTx) error) error
	ListTransactions(ctx context.Context, filter storage.TransactionFilter) ([]storage.CreditTransaction, int, error)
	TransactionStats(ctx context.Context, userID uuid.UUID) ([]storage.TypeStat, error)
	ListDueExpiries(ctx context.Context, now time.Time, limit int) ([]storage.CreditTransaction, error)
}

type TransferChecker interface {
	CheckSuspiciousTransfer(ctx context.Context, from, to uuid.UUID, amount int64) (fraud.Decision, error)
}

type EventSink interface {
	TransactionPosted(ctx context.Context, tx storage.CreditTransaction)
}

// Package is a purchasable bundle of credits.
type Package struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Credits    int64  `json:"credits"`
	PriceCents int64  `json:"price_cents"`
}

type Result struct {
	Balance     int64                     `json:"balance"`
	Transaction storage.CreditTransaction `json:"transaction"`
}

type TransferResult struct {
	TransferID  uuid.UUID                 `json:"transfer_id"`
	Debit       storage.CreditTransaction `json:"debit"`
	Credit      storage.CreditTransaction `json:"credit"`
	FromBalance int64                     `json:"from_balance"`
	ToBalance   int64                     `json:"to_balance"`
}

type HistoryPage struct {
	Transactions []storage.CreditTransaction `json:"transactions"`
	Page         int                         `json:"page"`
	Limit        int                         `json:"limit"`
	Total        int                         `json:"total"`
	Pages        int                         `json:"pages"`
}

type Stats struct {
	Balance          int64              `json:"balance"`
	TransactionCount int64              `json:"transaction_count"`
	ByType           []storage.TypeStat `json:"by_type"`
}

type ExpiryResult struct {
	Processed int   `json:"processed"`
	Expired   int64 `json:"expired_credits"`
	Failed    int   `json:"failed"`
}

type Service struct {
	store    Store
	fraud    TransferChecker
	events   EventSink
	packages map[string]Package
	clock    Clock
	logger   *slog.Logger
	metrics  *Metrics
}

func NewService(store Store, fraud TransferChecker, events EventSink, packages []Package, logger *slog.Logger, metrics *Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	byID := make(map[string]Package, len(packages))
	for _, p := range packages {
		byID[p.ID] = p
	}
	return &Service{
		store:    store,
		fraud:    fraud,
		events:   events,
		packages: byID,
		clock:    systemClock{},
		logger:   logger,
		metrics:  metrics,
	}
}

func (s *Service) WithClock(clock Clock) *Service {
	if clock != nil {
		s.clock = clock
	}
	return s
}

func (s *Service) Packages() []Package {
	out := make([]Package, 0, len(s.packages))
	for _, p := range s.packages {
		out = append(out, p)
	}
	return out
}

// OpenAccount creates an empty credit account. It is safe to call repeatedly.
func (s *Service) OpenAccount(ctx context.Context, userID uuid.UUID) (storage.CreditAccount, error) {
	if userID == uuid.Nil {
		return storage.CreditAccount{}, fmt.Errorf("%w: user id required", storage.ErrInvalidInput)
	}
	acct, created, err := s.store.CreateAccount(ctx, userID, s.clock.Now())
	if err != nil {
		return storage.CreditAccount{}, fmt.Errorf("open account: %w", err)
	}
	if created {
		s.logger.Info("credit account opened", "user_id", userID)
	}
	return acct, nil
}

func (s *Service) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	acct, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// HasTransaction reports whether the user has at least one row of txType.
func (s *Service) HasTransaction(ctx context.Context, userID uuid.UUID, txType storage.TransactionType) (bool, error) {
	_, total, err := s.store.ListTransactions(ctx, storage.TransactionFilter{UserID: userID, Type: txType, Limit: 1})
	if err != nil {
		return false, fmt.Errorf("list transactions: %w", err)
	}
	return total > 0, nil
}

func (s *Service) Add(ctx context.Context, userID uuid.UUID, amount int64, txType storage.TransactionType, description string, meta storage.Metadata, expiresAt *time.Time) (Result, error) {
	if amount <= 0 {
		return Result{}, fmt.Errorf("%w: amount must be positive", storage.ErrInvalidInput)
	}
	posted, err := s.apply(ctx, "add", posting{
		userID:      userID,
		amount:      amount,
		txType:      txType,
		description: description,
		meta:        meta,
		expiresAt:   expiresAt,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Balance: posted[0].BalanceAfter, Transaction: posted[0]}, nil
}

func (s *Service) Deduct(ctx context.Context, userID uuid.UUID, amount int64, txType storage.TransactionType, description string, meta storage.Metadata) (Result, error) {
	if amount <= 0 {
		return Result{}, fmt.Errorf("%w: amount must be positive", storage.ErrInvalidInput)
	}
	posted, err := s.apply(ctx, "deduct", posting{
		userID:      userID,
		amount:      -amount,
		txType:      txType,
		description: description,
		meta:        meta,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Balance: posted[0].BalanceAfter, Transaction: posted[0]}, nil
}

// Transfer moves credits between users after the fraud check allows it. The
// sender leg is recorded as purchase_prompt and the receiver leg as
// sell_prompt.
func (s *Service) Transfer(ctx context.Context, from, to uuid.UUID, amount int64, description string, meta storage.Metadata) (TransferResult, error) {
	return s.transfer(ctx, "transfer", transferSpec{
		from:       from,
		to:         to,
		amount:     amount,
		debitDesc:  description,
		creditDesc: description,
		meta:       meta,
	})
}

func (s *Service) PurchasePrompt(ctx context.Context, buyer, seller uuid.UUID, promptID string, price int64) (TransferResult, error) {
	promptID = strings.TrimSpace(promptID)
	if promptID == "" {
		return TransferResult{}, fmt.Errorf("%w: prompt id required", storage.ErrInvalidInput)
	}
	return s.transfer(ctx, "purchase_prompt", transferSpec{
		from:       buyer,
		to:         seller,
		amount:     price,
		debitDesc:  fmt.Sprintf("Purchased prompt %s", promptID),
		creditDesc: fmt.Sprintf("Sold prompt %s", promptID),
		meta:       storage.Metadata{Purchase: &storage.PurchaseMeta{PromptID: promptID}},
	})
}

// BuyPackage credits a configured package. Payment capture happens upstream.
func (s *Service) BuyPackage(ctx context.Context, userID uuid.UUID, packageID string) (Result, error) {
	pkg, ok := s.packages[strings.TrimSpace(packageID)]
	if !ok {
		return Result{}, fmt.Errorf("%w: unknown credit package %q", storage.ErrInvalidInput, packageID)
	}
	return s.Add(ctx, userID, pkg.Credits, storage.TxBuyCredits,
		fmt.Sprintf("Purchased %s package", pkg.Name),
		storage.Metadata{Package: &storage.PackageMeta{PackageID: pkg.ID, PriceCents: pkg.PriceCents}},
		nil,
	)
}

func (s *Service) Refund(ctx context.Context, userID uuid.UUID, amount int64, sourceTxID uuid.UUID, reason string) (Result, error) {
	if sourceTxID == uuid.Nil {
		return Result{}, fmt.Errorf("%w: source transaction required", storage.ErrInvalidInput)
	}
	return s.Add(ctx, userID, amount, storage.TxRefund, "Refund: "+reason,
		storage.Metadata{Refund: &storage.RefundMeta{SourceTransactionID: sourceTxID, Reason: reason}},
		nil,
	)
}

// AdminAdjust applies a signed correction. Negative adjustments cannot take
// the balance below zero.
func (s *Service) AdminAdjust(ctx context.Context, userID uuid.UUID, amount int64, adminID, reason string) (Result, error) {
	if amount == 0 {
		return Result{}, fmt.Errorf("%w: amount must be non-zero", storage.ErrInvalidInput)
	}
	if strings.TrimSpace(reason) == "" {
		return Result{}, fmt.Errorf("%w: reason required", storage.ErrInvalidInput)
	}
	posted, err := s.apply(ctx, "admin_adjust", posting{
		userID:      userID,
		amount:      amount,
		txType:      storage.TxAdminAdjustment,
		description: "Admin adjustment: " + reason,
		meta:        storage.Metadata{Admin: &storage.AdminMeta{AdminID: adminID, Reason: reason}},
	})
	if err != nil {
		return Result{}, err
	}
	s.logger.Info("admin credit adjustment", "user_id", userID, "amount", amount, "admin_id", adminID)
	return Result{Balance: posted[0].BalanceAfter, Transaction: posted[0]}, nil
}

func (s *Service) Withdraw(ctx context.Context, userID uuid.UUID, amount int64) (Result, error) {
	return s.Deduct(ctx, userID, amount, storage.TxWithdrawal, "Withdrawal", storage.Metadata{})
}

func (s *Service) History(ctx context.Context, userID uuid.UUID, page, limit int, txType string) (HistoryPage, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	filter := storage.TransactionFilter{UserID: userID, Offset: (page - 1) * limit, Limit: limit}
	if txType = strings.TrimSpace(txType); txType != "" {
		t, err := storage.ParseTransactionType(txType)
		if err != nil {
			return HistoryPage{}, err
		}
		filter.Type = t
	}
	if _, err := s.store.GetAccount(ctx, userID); err != nil {
		return HistoryPage{}, err
	}

	txs, total, err := s.store.ListTransactions(ctx, filter)
	if err != nil {
		return HistoryPage{}, fmt.Errorf("list transactions: %w", err)
	}
	pages := (total + limit - 1) / limit
	return HistoryPage{Transactions: txs, Page: page, Limit: limit, Total: total, Pages: pages}, nil
}

func (s *Service) Stats(ctx context.Context, userID uuid.UUID) (Stats, error) {
	acct, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		return Stats{}, err
	}
	byType, err := s.store.TransactionStats(ctx, userID)
	if err != nil {
		return Stats{}, fmt.Errorf("transaction stats: %w", err)
	}
	if byType == nil {
		byType = []storage.TypeStat{}
	}
	var count int64
	for _, st := range byType {
		count += st.Count
	}
	return Stats{Balance: acct.Balance, TransactionCount: count, ByType: byType}, nil
}

// ExpireDue posts an expired deduction for every credit row whose expiry has
// passed. The deduction is capped at the current balance. Failures on one row
// are logged and the sweep continues.
func (s *Service) ExpireDue(ctx context.Context) (ExpiryResult, error) {
	var result ExpiryResult
	for {
		now := s.clock.Now()
		due, err := s.store.ListDueExpiries(ctx, now, expiryBatchSize)
		if err != nil {
			return result, fmt.Errorf("list due expiries: %w", err)
		}
		progressed := false
		for _, src := range due {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			amount, err := s.expireOne(ctx, src, now)
			if err != nil {
				result.Failed++
				s.logger.Error("credit expiry failed", "transaction_id", src.ID, "user_id", src.UserID, "error", err)
				continue
			}
			progressed = true
			result.Processed++
			result.Expired += amount
		}
		if len(due) < expiryBatchSize || !progressed {
			break
		}
	}
	if result.Processed > 0 || result.Failed > 0 {
		s.logger.Info("credit expiry sweep finished", "processed", result.Processed, "expired_credits", result.Expired, "failed", result.Failed)
	}
	return result, nil
}

func (s *Service) expireOne(ctx context.Context, src storage.CreditTransaction, now time.Time) (int64, error) {
	start := time.Now()
	var posted *storage.CreditTransaction
	err := s.store.InTx(ctx, []uuid.UUID{src.UserID}, func(tx storage.LedgerTx) error {
		posted = nil
		claimed, err := tx.ClaimExpiry(ctx, src.ID, now)
		if err != nil || !claimed {
			return err
		}
		acct, err := tx.GetAccountForUpdate(ctx, src.UserID)
		if err != nil {
			return err
		}
		amount := src.Amount
		if acct.Balance < amount {
			amount = acct.Balance
		}
		if amount <= 0 {
			return nil
		}
		ct, err := s.post(ctx, tx, posting{
			userID:      src.UserID,
			amount:      -amount,
			txType:      storage.TxExpired,
			description: "Credits expired",
			meta: storage.Metadata{Expiry: &storage.ExpiryMeta{
				SourceTransactionID: src.ID,
				OriginalAmount:      src.Amount,
			}},
		}, now)
		if err != nil {
			return err
		}
		posted = &ct
		return nil
	})
	if err != nil {
		s.metrics.observeMutation("expire", "error", start)
		return 0, err
	}
	s.metrics.observeMutation("expire", "success", start)
	if posted == nil {
		return 0, nil
	}
	s.metrics.observeExpired(-posted.Amount)
	s.publish(ctx, *posted)
	return -posted.Amount, nil
}

type transferSpec struct {
	from       uuid.UUID
	to         uuid.UUID
	amount     int64
	debitDesc  string
	creditDesc string
	meta       storage.Metadata
}

func (s *Service) transfer(ctx context.Context, operation string, spec transferSpec) (TransferResult, error) {
	if spec.amount <= 0 {
		return TransferResult{}, fmt.Errorf("%w: amount must be positive", storage.ErrInvalidInput)
	}
	if spec.from == uuid.Nil || spec.to == uuid.Nil {
		return TransferResult{}, fmt.Errorf("%w: sender and recipient required", storage.ErrInvalidInput)
	}
	if spec.from == spec.to {
		return TransferResult{}, fmt.Errorf("%w: cannot transfer to self", storage.ErrInvalidInput)
	}

	if s.fraud != nil {
		decision, err := s.fraud.CheckSuspiciousTransfer(ctx, spec.from, spec.to, spec.amount)
		if err != nil {
			s.metrics.observeMutation(operation, "error", time.Now())
			return TransferResult{}, fmt.Errorf("transfer check: %w", err)
		}
		if !decision.Allowed {
			s.metrics.observeMutation(operation, "denied", time.Now())
			s.logger.Warn("transfer denied", "from", spec.from, "to", spec.to, "amount", spec.amount, "reason", decision.Reason)
			return TransferResult{}, storage.Denied(decision.Reason)
		}
	}

	transferID := uuid.New()
	debitMeta := spec.meta
	debitMeta.Transfer = &storage.TransferMeta{ID: transferID, Counterparty: spec.to, Direction: storage.DirectionOut}
	creditMeta := spec.meta
	creditMeta.Transfer = &storage.TransferMeta{ID: transferID, Counterparty: spec.from, Direction: storage.DirectionIn}

	posted, err := s.apply(ctx, operation,
		posting{userID: spec.from, amount: -spec.amount, txType: storage.TxPurchasePrompt, description: spec.debitDesc, meta: debitMeta},
		posting{userID: spec.to, amount: spec.amount, txType: storage.TxSellPrompt, description: spec.creditDesc, meta: creditMeta},
	)
	if err != nil {
		return TransferResult{}, err
	}
	return TransferResult{
		TransferID:  transferID,
		Debit:       posted[0],
		Credit:      posted[1],
		FromBalance: posted[0].BalanceAfter,
		ToBalance:   posted[1].BalanceAfter,
	}, nil
}

type posting struct {
	userID      uuid.UUID
	amount      int64
	txType      storage.TransactionType
	description string
	meta        storage.Metadata
	expiresAt   *time.Time
}

func (p posting) validate() error {
	if p.userID == uuid.Nil {
		return fmt.Errorf("%w: user id required", storage.ErrInvalidInput)
	}
	if p.amount == 0 {
		return fmt.Errorf("%w: amount must be non-zero", storage.ErrInvalidInput)
	}
	if !p.txType.Valid() {
		return fmt.Errorf("%w: unknown transaction type %q", storage.ErrInvalidInput, p.txType)
	}
	if p.expiresAt != nil && p.amount < 0 {
		return fmt.Errorf("%w: only credits can expire", storage.ErrInvalidInput)
	}
	return p.meta.Validate(p.txType)
}

// apply runs every posting in one store unit. All touched accounts are locked
// before any balance is read.
func (s *Service) apply(ctx context.Context, operation string, postings ...posting) ([]storage.CreditTransaction, error) {
	start := time.Now()
	userIDs := make([]uuid.UUID, 0, len(postings))
	for _, p := range postings {
		if err := p.validate(); err != nil {
			s.metrics.observeMutation(operation, "invalid", start)
			return nil, err
		}
		userIDs = append(userIDs, p.userID)
	}

	now := s.clock.Now()
	var posted []storage.CreditTransaction
	err := s.store.InTx(ctx, userIDs, func(tx storage.LedgerTx) error {
		posted = posted[:0]
		for _, p := range postings {
			ct, err := s.post(ctx, tx, p, now)
			if err != nil {
				return err
			}
			posted = append(posted, ct)
		}
		return nil
	})
	if err != nil {
		status := "error"
		switch {
		case errors.Is(err, storage.ErrInsufficientCredits):
			status = "insufficient"
		case errors.Is(err, storage.ErrNotFound):
			status = "not_found"
		}
		s.metrics.observeMutation(operation, status, start)
		return nil, err
	}

	s.metrics.observeMutation(operation, "success", start)
	for _, ct := range posted {
		s.metrics.observePosted(string(ct.Type), ct.Amount)
		s.publish(ctx, ct)
	}
	return posted, nil
}

func (s *Service) post(ctx context.Context, tx storage.LedgerTx, p posting, now time.Time) (storage.CreditTransaction, error) {
	acct, err := tx.GetAccountForUpdate(ctx, p.userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.CreditTransaction{}, fmt.Errorf("credit account %s: %w", p.userID, storage.ErrNotFound)
		}
		return storage.CreditTransaction{}, err
	}
	if p.amount > 0 && acct.Balance > math.MaxInt64-p.amount {
		return storage.CreditTransaction{}, fmt.Errorf("%w: credit of %d would overflow balance", storage.ErrInvalidInput, p.amount)
	}
	after := acct.Balance + p.amount
	if after < 0 {
		return storage.CreditTransaction{}, fmt.Errorf("balance %d, need %d: %w", acct.Balance, -p.amount, storage.ErrInsufficientCredits)
	}
	if err := tx.SetBalance(ctx, p.userID, after, now); err != nil {
		return storage.CreditTransaction{}, err
	}
	ct := storage.CreditTransaction{
		ID:            uuid.New(),
		UserID:        p.userID,
		Type:          p.txType,
		Amount:        p.amount,
		BalanceBefore: acct.Balance,
		BalanceAfter:  after,
		Status:        storage.StatusCompleted,
		Description:   p.description,
		Metadata:      p.meta,
		ExpiresAt:     p.expiresAt,
		CreatedAt:     now,
	}
	if err := tx.InsertTransaction(ctx, &ct); err != nil {
		return storage.CreditTransaction{}, err
	}
	return ct, nil
}

func (s *Service) publish(ctx context.Context, ct storage.CreditTransaction) {
	if s.events != nil {
		s.events.TransactionPosted(ctx, ct)
	}
}
