package fraud

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/promptmarket/economy/services/economy/internal/fingerprint"
	"github.com/promptmarket/economy/services/economy/internal/storage"
)

const testUA = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingSink struct {
	mu         sync.Mutex
	activities int
	flags      []uuid.UUID
}

func (r *recordingSink) ActivityRecorded(_ context.Context, _ uuid.UUID, _ storage.SuspiciousActivity, _ int) {
	r.mu.Lock()
	r.activities++
	r.mu.Unlock()
}

func (r *recordingSink) AccountFlagged(_ context.Context, userID uuid.UUID, _ string, _ int) {
	r.mu.Lock()
	r.flags = append(r.flags, userID)
	r.mu.Unlock()
}

func newTestService(t *testing.T) (*Service, *storage.Memory, *fakeClock, *recordingSink) {
	t.Helper()
	store := storage.NewMemory()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	sink := &recordingSink{}
	svc := NewService(store, store, sink, nil, NewMetrics(nil)).WithClock(clock)
	return svc, store, clock, sink
}

func rc(ip string) fingerprint.RequestContext {
	return fingerprint.RequestContext{IP: ip, UserAgent: testUA}
}

func TestInitializeFraudRing(t *testing.T) {
	svc, _, clock, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Initialize(ctx, uuid.New(), rc("198.51.100.10"))
	if err != nil {
		t.Fatalf("initialize first: %v", err)
	}
	if first.RiskScore != 0 || first.IsFlagged {
		t.Fatalf("expected clean first account, got score %d", first.RiskScore)
	}
	if first.VerificationLevel != VerificationEmail {
		t.Fatalf("expected email verification, got %q", first.VerificationLevel)
	}

	clock.Advance(time.Hour)
	second, err := svc.Initialize(ctx, uuid.New(), rc("198.51.100.10"))
	if err != nil {
		t.Fatalf("initialize second: %v", err)
	}
	if second.RiskScore != 25 || second.IsFlagged {
		t.Fatalf("expected score 25 unflagged, got %d flagged=%v", second.RiskScore, second.IsFlagged)
	}

	clock.Advance(time.Hour)
	third, err := svc.Initialize(ctx, uuid.New(), rc("198.51.100.10"))
	if err != nil {
		t.Fatalf("initialize third: %v", err)
	}
	if third.RiskScore != 90 {
		t.Fatalf("expected score 90, got %d", third.RiskScore)
	}
	if !third.IsFlagged || third.FlaggedReason == "" {
		t.Fatalf("expected third account flagged with reason")
	}
	if len(third.RelatedAccounts) != 2 {
		t.Fatalf("expected 2 related accounts, got %d", len(third.RelatedAccounts))
	}
}

func TestInitializeBurstWindowIsTrailing24h(t *testing.T) {
	svc, _, clock, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := svc.Initialize(ctx, uuid.New(), rc("198.51.100.20")); err != nil {
			t.Fatalf("initialize: %v", err)
		}
		clock.Advance(25 * time.Hour)
	}
	p, err := svc.Initialize(ctx, uuid.New(), rc("198.51.100.20"))
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if p.RiskScore != 50 || p.IsFlagged {
		t.Fatalf("expected score 50 unflagged, got %d flagged=%v", p.RiskScore, p.IsFlagged)
	}
}

func TestInitializeIdempotent(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	first, err := svc.Initialize(ctx, userID, rc("198.51.100.30"))
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	again, err := svc.Initialize(ctx, userID, rc("203.0.113.1"))
	if err != nil {
		t.Fatalf("initialize again: %v", err)
	}
	if again.RegistrationIP != first.RegistrationIP {
		t.Fatalf("expected existing profile to be returned")
	}
}

func TestSeverityIncrementsAndFlip(t *testing.T) {
	svc, _, _, sink := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()
	if _, err := svc.Initialize(ctx, userID, rc("192.0.2.1")); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	steps := []struct {
		severity storage.Severity
		score    int
		flagged  bool
	}{
		{storage.SeverityHigh, 20, false},
		{storage.SeverityMedium, 30, false},
		{storage.SeverityLow, 35, false},
		{storage.SeverityHigh, 55, false},
		{storage.SeverityHigh, 75, false},
		{storage.SeverityLow, 80, true},
		{storage.SeverityHigh, 100, true},
		{storage.SeverityHigh, 100, true},
	}
	for i, step := range steps {
		p, err := svc.RecordSuspiciousActivity(ctx, userID, "test", "step", step.severity)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if p.RiskScore != step.score || p.IsFlagged != step.flagged {
			t.Fatalf("step %d: expected score %d flagged=%v, got %d flagged=%v", i, step.score, step.flagged, p.RiskScore, p.IsFlagged)
		}
	}
	if len(sink.flags) != 1 {
		t.Fatalf("expected exactly one flag event, got %d", len(sink.flags))
	}
	if sink.activities != len(steps) {
		t.Fatalf("expected %d activity events, got %d", len(steps), sink.activities)
	}
}

func TestRecordSuspiciousActivityRejectsUnknownSeverity(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	_, err := svc.RecordSuspiciousActivity(context.Background(), uuid.New(), "test", "x", storage.Severity("critical"))
	if !errors.Is(err, storage.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestConcurrentActivitiesFlagOnce(t *testing.T) {
	svc, _, _, sink := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()
	if _, err := svc.Initialize(ctx, userID, rc("192.0.2.2")); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.RecordSuspiciousActivity(ctx, userID, "burst", "concurrent", storage.SeverityMedium); err != nil {
				t.Errorf("record: %v", err)
			}
		}()
	}
	wg.Wait()

	report, err := svc.Report(ctx, userID)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.Profile.RiskScore != 80 || !report.Profile.IsFlagged {
		t.Fatalf("expected score 80 flagged, got %d flagged=%v", report.Profile.RiskScore, report.Profile.IsFlagged)
	}
	if len(report.Profile.SuspiciousActivities) != 8 {
		t.Fatalf("expected 8 activities, got %d", len(report.Profile.SuspiciousActivities))
	}
	if len(sink.flags) != 1 {
		t.Fatalf("expected one flag event, got %d", len(sink.flags))
	}
}

func TestCanClaimBonus(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()

	d, err := svc.CanClaimBonus(ctx, uuid.New(), BonusSignup)
	if err != nil || d.Allowed {
		t.Fatalf("expected missing profile to deny, got %+v err=%v", d, err)
	}

	clean := uuid.New()
	if _, err := svc.Initialize(ctx, clean, rc("192.0.2.10")); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	d, err = svc.CanClaimBonus(ctx, clean, BonusSignup)
	if err != nil || !d.Allowed {
		t.Fatalf("expected clean profile allowed, got %+v err=%v", d, err)
	}
	if err := svc.RecordBonusClaim(ctx, clean, BonusSignup); err != nil {
		t.Fatalf("record claim: %v", err)
	}
	// A recorded claim alone is not a denial reason; repeat grants are
	// refused by the rewards coordinator.
	d, err = svc.CanClaimBonus(ctx, clean, BonusSignup)
	if err != nil || !d.Allowed {
		t.Fatalf("expected clean profile still allowed after its own claim, got %+v err=%v", d, err)
	}
	p, _ := store.GetProfile(ctx, clean)
	if p.BonusClaimCount != 1 || p.BonusClaims[BonusSignup] != 1 {
		t.Fatalf("expected claim counted, got %+v", p.BonusClaims)
	}

	if _, err := svc.SetFlag(ctx, clean, true, "manual review"); err != nil {
		t.Fatalf("set flag: %v", err)
	}
	for _, bonus := range []string{BonusSignup, BonusReferral, "daily_login"} {
		d, err := svc.CanClaimBonus(ctx, clean, bonus)
		if err != nil || d.Allowed {
			t.Fatalf("expected flagged profile denied for %s, got %+v", bonus, d)
		}
	}

	elevated := uuid.New()
	if _, err := svc.Initialize(ctx, elevated, rc("192.0.2.11")); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	_, _ = store.UpdateProfile(ctx, elevated, func(p *storage.FraudProfile) error {
		p.RiskScore = 40
		return nil
	})
	d, _ = svc.CanClaimBonus(ctx, elevated, BonusReferral)
	if d.Allowed || d.Reason != "additional verification required" {
		t.Fatalf("expected verification demand, got %+v", d)
	}
}

func TestCanClaimSignupDeniedWhenRelatedAccountClaimed(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()

	original := uuid.New()
	if _, err := svc.Initialize(ctx, original, rc("192.0.2.20")); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := svc.RecordBonusClaim(ctx, original, BonusSignup); err != nil {
		t.Fatalf("record claim: %v", err)
	}

	sibling := uuid.New()
	if _, err := svc.Initialize(ctx, sibling, rc("192.0.2.20")); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	_, _ = store.UpdateProfile(ctx, sibling, func(p *storage.FraudProfile) error {
		p.RiskScore = 55
		p.VerificationLevel = "phone"
		return nil
	})

	d, err := svc.CanClaimBonus(ctx, sibling, BonusSignup)
	if err != nil || d.Allowed || d.Reason != "related account already claimed signup bonus" {
		t.Fatalf("expected related-claim denial, got %+v err=%v", d, err)
	}
	d, _ = svc.CanClaimBonus(ctx, sibling, BonusReferral)
	if !d.Allowed {
		t.Fatalf("expected referral allowed for verified profile, got %+v", d)
	}
}

func TestCheckSuspiciousTransferCollusion(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	if _, err := svc.Initialize(ctx, a, rc("192.0.2.30")); err != nil {
		t.Fatalf("initialize a: %v", err)
	}
	if _, err := svc.Initialize(ctx, b, fingerprint.RequestContext{IP: "192.0.2.31", UserAgent: "curl/8.0"}); err != nil {
		t.Fatalf("initialize b: %v", err)
	}
	if _, err := svc.UpdateOnLogin(ctx, b, rc("192.0.2.30")); err != nil {
		t.Fatalf("update on login: %v", err)
	}

	d, err := svc.CheckSuspiciousTransfer(ctx, a, b, 50)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Allowed {
		t.Fatalf("expected shared ip transfer denied")
	}
	for _, id := range []uuid.UUID{a, b} {
		p, _ := store.GetProfile(ctx, id)
		if len(p.SuspiciousActivities) != 1 || p.SuspiciousActivities[0].Severity != storage.SeverityHigh {
			t.Fatalf("expected one high activity on %s, got %+v", id, p.SuspiciousActivities)
		}
	}
}

func TestCheckSuspiciousTransferFlaggedParty(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	_, _ = svc.Initialize(ctx, a, rc("192.0.2.40"))
	_, _ = svc.Initialize(ctx, b, fingerprint.RequestContext{IP: "192.0.2.41", UserAgent: "curl/8.0"})

	d, err := svc.CheckSuspiciousTransfer(ctx, a, b, 10)
	if err != nil || !d.Allowed {
		t.Fatalf("expected unrelated transfer allowed, got %+v err=%v", d, err)
	}

	_, _ = svc.SetFlag(ctx, b, true, "")
	d, _ = svc.CheckSuspiciousTransfer(ctx, a, b, 10)
	if d.Allowed || d.Reason != "recipient account is flagged" {
		t.Fatalf("expected recipient flag denial, got %+v", d)
	}
}

func TestCheckSuspiciousTransferPurchaseVelocity(t *testing.T) {
	svc, store, clock, _ := newTestService(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	_, _ = svc.Initialize(ctx, a, rc("192.0.2.50"))
	_, _ = svc.Initialize(ctx, b, fingerprint.RequestContext{IP: "192.0.2.51", UserAgent: "curl/8.0"})
	_, _, _ = store.CreateAccount(ctx, a, clock.Now())

	for i := 0; i < purchaseVelocityLimit; i++ {
		err := store.InTx(ctx, []uuid.UUID{a}, func(tx storage.LedgerTx) error {
			return tx.InsertTransaction(ctx, &storage.CreditTransaction{
				ID: uuid.New(), UserID: a, Type: storage.TxBuyCredits, Amount: 1,
				BalanceBefore: int64(i), BalanceAfter: int64(i + 1), CreatedAt: clock.Now(),
			})
		})
		if err != nil {
			t.Fatalf("seed tx: %v", err)
		}
	}

	d, err := svc.CheckSuspiciousTransfer(ctx, a, b, 5)
	if err != nil || d.Allowed {
		t.Fatalf("expected velocity denial, got %+v err=%v", d, err)
	}
	p, _ := store.GetProfile(ctx, a)
	if p.RiskScore != 10 || p.SuspiciousActivities[0].Severity != storage.SeverityMedium {
		t.Fatalf("expected medium activity on sender, got score %d", p.RiskScore)
	}

	clock.Advance(2 * time.Hour)
	d, _ = svc.CheckSuspiciousTransfer(ctx, a, b, 5)
	if !d.Allowed {
		t.Fatalf("expected allow once window passed, got %+v", d)
	}
}

func TestSetFlagAdjustsScore(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()
	_, _ = svc.Initialize(ctx, userID, rc("192.0.2.60"))

	p, err := svc.SetFlag(ctx, userID, true, "chargeback")
	if err != nil {
		t.Fatalf("flag: %v", err)
	}
	if !p.IsFlagged || p.RiskScore != 80 || p.FlaggedReason != "chargeback" {
		t.Fatalf("unexpected flagged profile %+v", p)
	}
	if State(p) != "flagged" || RiskLevel(p.RiskScore) != "high" {
		t.Fatalf("expected flagged/high")
	}

	p, err = svc.SetFlag(ctx, userID, false, "")
	if err != nil {
		t.Fatalf("unflag: %v", err)
	}
	if p.IsFlagged || p.RiskScore != 30 || p.FlaggedReason != "" {
		t.Fatalf("unexpected unflagged profile %+v", p)
	}
	if State(p) != "clean" {
		t.Fatalf("expected clean state, got %s", State(p))
	}

	if _, err := svc.SetFlag(ctx, uuid.New(), true, ""); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateOnLoginSetUnion(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()
	_, _ = svc.Initialize(ctx, userID, rc("192.0.2.70"))

	for i := 0; i < 3; i++ {
		if _, err := svc.UpdateOnLogin(ctx, userID, rc("192.0.2.71")); err != nil {
			t.Fatalf("update: %v", err)
		}
	}
	p, err := svc.UpdateOnLogin(ctx, userID, rc("192.0.2.70"))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(p.LoginIPs) != 2 || len(p.DeviceFingerprints) != 2 {
		t.Fatalf("expected 2 ips and 2 fingerprints, got %v %v", p.LoginIPs, p.DeviceFingerprints)
	}
	if p.RiskScore != 0 {
		t.Fatalf("expected score unchanged, got %d", p.RiskScore)
	}

	if _, err := svc.UpdateOnLogin(ctx, uuid.New(), rc("192.0.2.70")); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReportRiskLevel(t *testing.T) {
	cases := map[int]string{0: "low", 39: "low", 40: "medium", 79: "medium", 80: "high", 100: "high"}
	for score, want := range cases {
		if got := RiskLevel(score); got != want {
			t.Fatalf("score %d: expected %s, got %s", score, want, got)
		}
	}
}
