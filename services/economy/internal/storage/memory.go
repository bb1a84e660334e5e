package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process store used by tests and local development. Each
// unit of work holds a per-user mutex and stages its writes, applying them
// only when the callback returns nil.
type Memory struct {
	mu       sync.RWMutex
	accounts map[uuid.UUID]CreditAccount
	txs      []CreditTransaction
	expiries map[uuid.UUID]time.Time
	profiles map[uuid.UUID]*FraudProfile
	devices  map[uuid.UUID]ConnectedDevice

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

var (
	_ LedgerStore = (*Memory)(nil)
	_ FraudStore  = (*Memory)(nil)
	_ DeviceStore = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		accounts: map[uuid.UUID]CreditAccount{},
		expiries: map[uuid.UUID]time.Time{},
		profiles: map[uuid.UUID]*FraudProfile{},
		devices:  map[uuid.UUID]ConnectedDevice{},
		locks:    map[string]*sync.Mutex{},
	}
}

func (s *Memory) lockFor(kind string, id uuid.UUID) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	key := kind + ":" + id.String()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

func (s *Memory) CreateAccount(_ context.Context, userID uuid.UUID, now time.Time) (CreditAccount, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acct, ok := s.accounts[userID]; ok {
		return acct, false, nil
	}
	acct := CreditAccount{UserID: userID, CreatedAt: now, UpdatedAt: now}
	s.accounts[userID] = acct
	return acct, true, nil
}

func (s *Memory) GetAccount(_ context.Context, userID uuid.UUID) (CreditAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[userID]
	if !ok {
		return CreditAccount{}, ErrNotFound
	}
	return acct, nil
}

func (s *Memory) InTx(ctx context.Context, userIDs []uuid.UUID, fn func(tx LedgerTx) error) error {
	for _, id := range SortedUnique(userIDs) {
		l := s.lockFor("ledger", id)
		l.Lock()
		defer l.Unlock()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memLedgerTx{
		store:    s,
		balances: map[uuid.UUID]CreditAccount{},
		expiries: map[uuid.UUID]time.Time{},
	}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, acct := range tx.balances {
		s.accounts[id] = acct
	}
	s.txs = append(s.txs, tx.txs...)
	for id, at := range tx.expiries {
		s.expiries[id] = at
	}
	return nil
}

type memLedgerTx struct {
	store    *Memory
	balances map[uuid.UUID]CreditAccount
	txs      []CreditTransaction
	expiries map[uuid.UUID]time.Time
}

func (t *memLedgerTx) GetAccountForUpdate(ctx context.Context, userID uuid.UUID) (CreditAccount, error) {
	if acct, ok := t.balances[userID]; ok {
		return acct, nil
	}
	return t.store.GetAccount(ctx, userID)
}

func (t *memLedgerTx) SetBalance(ctx context.Context, userID uuid.UUID, balance int64, now time.Time) error {
	if balance < 0 {
		return fmt.Errorf("set balance %d: %w", balance, ErrInsufficientCredits)
	}
	acct, err := t.GetAccountForUpdate(ctx, userID)
	if err != nil {
		return err
	}
	acct.Balance = balance
	acct.UpdatedAt = now
	t.balances[userID] = acct
	return nil
}

func (t *memLedgerTx) InsertTransaction(_ context.Context, tx *CreditTransaction) error {
	if tx.BalanceBefore+tx.Amount != tx.BalanceAfter {
		return fmt.Errorf("%w: transaction balance mismatch", ErrInvalidInput)
	}
	t.txs = append(t.txs, *tx)
	return nil
}

func (t *memLedgerTx) ClaimExpiry(_ context.Context, sourceID uuid.UUID, now time.Time) (bool, error) {
	if _, ok := t.expiries[sourceID]; ok {
		return false, nil
	}
	t.store.mu.RLock()
	_, done := t.store.expiries[sourceID]
	t.store.mu.RUnlock()
	if done {
		return false, nil
	}
	t.expiries[sourceID] = now
	return true, nil
}

func (s *Memory) ListTransactions(_ context.Context, filter TransactionFilter) ([]CreditTransaction, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []CreditTransaction
	for i := len(s.txs) - 1; i >= 0; i-- {
		tx := s.txs[i]
		if tx.UserID != filter.UserID {
			continue
		}
		if filter.Type != "" && tx.Type != filter.Type {
			continue
		}
		matched = append(matched, tx)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if filter.Offset >= total {
		return []CreditTransaction{}, total, nil
	}
	end := total
	if filter.Limit > 0 && filter.Offset+filter.Limit < end {
		end = filter.Offset + filter.Limit
	}
	return matched[filter.Offset:end], total, nil
}

func (s *Memory) TransactionStats(_ context.Context, userID uuid.UUID) ([]TypeStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byType := map[TransactionType]*TypeStat{}
	for _, tx := range s.txs {
		if tx.UserID != userID {
			continue
		}
		st, ok := byType[tx.Type]
		if !ok {
			st = &TypeStat{Type: tx.Type}
			byType[tx.Type] = st
		}
		st.Sum += tx.Amount
		st.Count++
	}
	out := make([]TypeStat, 0, len(byType))
	for _, t := range transactionTypes {
		if st, ok := byType[t]; ok {
			out = append(out, *st)
		}
	}
	return out, nil
}

func (s *Memory) CountTransactionsSince(_ context.Context, userID uuid.UUID, types []TransactionType, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, tx := range s.txs {
		if tx.UserID != userID || tx.CreatedAt.Before(since) {
			continue
		}
		for _, t := range types {
			if tx.Type == t {
				count++
				break
			}
		}
	}
	return count, nil
}

func (s *Memory) ListTransactionsSince(_ context.Context, userID uuid.UUID, since time.Time) ([]CreditTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []CreditTransaction
	for i := len(s.txs) - 1; i >= 0; i-- {
		tx := s.txs[i]
		if tx.UserID == userID && !tx.CreatedAt.Before(since) {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (s *Memory) ListDueExpiries(_ context.Context, now time.Time, limit int) ([]CreditTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []CreditTransaction
	for _, tx := range s.txs {
		if tx.ExpiresAt == nil || tx.ExpiresAt.After(now) || tx.Amount <= 0 {
			continue
		}
		if _, done := s.expiries[tx.ID]; done {
			continue
		}
		out = append(out, tx)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ExpiresAt.Before(*out[j].ExpiresAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Sum is the running total of a user's transaction amounts.
func (s *Memory) Sum(userID uuid.UUID) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, tx := range s.txs {
		if tx.UserID == userID {
			total += tx.Amount
		}
	}
	return total
}

func (s *Memory) CreateProfile(_ context.Context, profile *FraudProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[profile.UserID]; ok {
		return ErrAlreadyExists
	}
	s.profiles[profile.UserID] = profile.Clone()
	return nil
}

func (s *Memory) GetProfile(_ context.Context, userID uuid.UUID) (*FraudProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (s *Memory) GetProfiles(_ context.Context, userIDs []uuid.UUID) ([]*FraudProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*FraudProfile, 0, len(userIDs))
	for _, id := range userIDs {
		if p, ok := s.profiles[id]; ok {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

func (s *Memory) UpdateProfile(_ context.Context, userID uuid.UUID, fn func(p *FraudProfile) error) (*FraudProfile, error) {
	l := s.lockFor("fraud", userID)
	l.Lock()
	defer l.Unlock()

	s.mu.RLock()
	current, ok := s.profiles[userID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	staged := current.Clone()
	if err := fn(staged); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.profiles[userID] = staged.Clone()
	s.mu.Unlock()
	return staged, nil
}

func (s *Memory) FindRelated(_ context.Context, ip, fingerprint string, exclude uuid.UUID) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*FraudProfile
	for id, p := range s.profiles {
		if id == exclude {
			continue
		}
		ipMatch := ip != "" && (p.RegistrationIP == ip || contains(p.LoginIPs, ip))
		fpMatch := fingerprint != "" && contains(p.DeviceFingerprints, fingerprint)
		if ipMatch || fpMatch {
			matched = append(matched, p)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	out := make([]uuid.UUID, 0, len(matched))
	for _, p := range matched {
		out = append(out, p.UserID)
	}
	return out, nil
}

func (s *Memory) CountRegistrationsSince(_ context.Context, ip string, since time.Time) (int, error) {
	if ip == "" {
		return 0, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, p := range s.profiles {
		if p.RegistrationIP == ip && !p.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *Memory) WithUserDevices(ctx context.Context, userID uuid.UUID, fn func(tx DeviceTx) error) error {
	l := s.lockFor("device", userID)
	l.Lock()
	defer l.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memDeviceTx{store: s, userID: userID, staged: map[uuid.UUID]ConnectedDevice{}, deleted: map[uuid.UUID]bool{}}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, d := range tx.staged {
		s.devices[id] = d
	}
	for id := range tx.deleted {
		delete(s.devices, id)
	}
	return nil
}

type memDeviceTx struct {
	store   *Memory
	userID  uuid.UUID
	staged  map[uuid.UUID]ConnectedDevice
	deleted map[uuid.UUID]bool
}

func (t *memDeviceTx) ListDevices(ctx context.Context) ([]ConnectedDevice, error) {
	stored, err := t.store.ListDevices(ctx, t.userID)
	if err != nil {
		return nil, err
	}
	seen := map[uuid.UUID]bool{}
	out := make([]ConnectedDevice, 0, len(stored)+len(t.staged))
	for _, d := range stored {
		if t.deleted[d.ID] {
			continue
		}
		if staged, ok := t.staged[d.ID]; ok {
			d = staged
		}
		seen[d.ID] = true
		out = append(out, d)
	}
	for id, d := range t.staged {
		if !seen[id] {
			out = append(out, d)
		}
	}
	return out, nil
}

func (t *memDeviceTx) InsertDevice(ctx context.Context, device *ConnectedDevice) error {
	if device.UserID != t.userID {
		return fmt.Errorf("%w: device belongs to another user", ErrInvalidInput)
	}
	existing, err := t.ListDevices(ctx)
	if err != nil {
		return err
	}
	for _, d := range existing {
		if d.DeviceFingerprint == device.DeviceFingerprint {
			return ErrAlreadyExists
		}
	}
	t.staged[device.ID] = *device
	return nil
}

func (t *memDeviceTx) UpdateDevice(ctx context.Context, device *ConnectedDevice) error {
	if device.UserID != t.userID {
		return fmt.Errorf("%w: device belongs to another user", ErrInvalidInput)
	}
	if t.deleted[device.ID] {
		return ErrNotFound
	}
	if _, ok := t.staged[device.ID]; !ok {
		t.store.mu.RLock()
		_, ok := t.store.devices[device.ID]
		t.store.mu.RUnlock()
		if !ok {
			return ErrNotFound
		}
	}
	t.staged[device.ID] = *device
	return nil
}

func (t *memDeviceTx) DeleteDevice(ctx context.Context, deviceID uuid.UUID) error {
	devices, err := t.ListDevices(ctx)
	if err != nil {
		return err
	}
	for _, d := range devices {
		if d.ID == deviceID {
			delete(t.staged, deviceID)
			t.deleted[deviceID] = true
			return nil
		}
	}
	return ErrNotFound
}

func (s *Memory) ListDevices(_ context.Context, userID uuid.UUID) ([]ConnectedDevice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ConnectedDevice
	for _, d := range s.devices {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Memory) ListStaleDevices(_ context.Context, before time.Time) ([]ConnectedDevice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ConnectedDevice
	for _, d := range s.devices {
		if d.LastActive.Before(before) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActive.Before(out[j].LastActive)
	})
	return out, nil
}

// SortedUnique orders ids so that multi-account units always lock in the
// same sequence.
func SortedUnique(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].String() < out[j].String()
	})
	return out
}
