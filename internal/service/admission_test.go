package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"creditgate/internal/config"
	"creditgate/internal/ratelimit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAccounts struct {
	calls  int
	result EnsureResult
	err    error
}

func (s *stubAccounts) EnsureAccount(context.Context, int64) (EnsureResult, error) {
	s.calls++
	return s.result, s.err
}

type stubTrials struct {
	calls   int
	trialed bool
	err     error
}

func (s *stubTrials) HasTrialed(context.Context, int64, int64) (bool, error) {
	s.calls++
	return s.trialed, s.err
}

var gateNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestLimiter(t *testing.T, cfg config.RateLimitConfig) *ratelimit.TieredLimiter {
	t.Helper()
	for name, tier := range cfg.Tiers {
		tier.Backend = ""
		cfg.Tiers[name] = tier
	}
	l, err := ratelimit.NewFromConfig(cfg, nil, ratelimit.WithClock(func() time.Time { return gateNow }))
	require.NoError(t, err)
	return l
}

func newStubGate(t *testing.T, accounts AccountEnsurer, trials TrialChecker) *AdmissionGate {
	t.Helper()
	cfg := config.Default().RateLimit
	g := NewAdmissionGate(newTestLimiter(t, cfg), accounts, trials, cfg, nil, nil)
	g.now = func() time.Time { return gateNow }
	return g
}

func TestGateAllowsNewAccount(t *testing.T) {
	accounts := &stubAccounts{result: EnsureResult{Created: true, Balance: Balance{Free: 5, Total: 5}}}
	g := newStubGate(t, accounts, &stubTrials{})

	d, err := g.CanProceed(context.Background(), ActionContext{UserID: 1, ChatType: ChatPrivate})
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.False(t, d.IsTrial)
	assert.Equal(t, ReasonSignupGrant, d.Reason)
}

func TestGateBalanceDecisions(t *testing.T) {
	cases := []struct {
		name     string
		total    int64
		chat     ChatType
		trialed  bool
		allow    bool
		isTrial  bool
		purchase bool
		reason   string
	}{
		{"has credits", 3, ChatPrivate, false, true, false, false, ReasonOK},
		{"has credits in group", 3, ChatGroup, true, true, false, false, ReasonOK},
		{"empty private", 0, ChatPrivate, false, false, false, true, ReasonInsufficientCredits},
		{"empty group first trial", 0, ChatGroup, false, true, true, false, ReasonTrial},
		{"empty supergroup first trial", 0, ChatSupergroup, false, true, true, false, ReasonTrial},
		{"empty group trial used", 0, ChatGroup, true, false, false, true, ReasonTrialUsed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			accounts := &stubAccounts{result: EnsureResult{Balance: Balance{Total: tc.total}}}
			trials := &stubTrials{trialed: tc.trialed}
			g := newStubGate(t, accounts, trials)

			d, err := g.CanProceed(context.Background(), ActionContext{UserID: 1, ChatID: -100, ChatType: tc.chat, Command: "draw"})
			require.NoError(t, err)
			assert.Equal(t, tc.allow, d.Allow)
			assert.Equal(t, tc.isTrial, d.IsTrial)
			assert.Equal(t, tc.purchase, d.ShowPurchaseOptions)
			assert.Equal(t, tc.reason, d.Reason)
			if !d.Allow {
				assert.NotEmpty(t, d.UserMessage)
			}
			if tc.total > 0 || !tc.chat.Shared() {
				assert.Zero(t, trials.calls)
			}
		})
	}
}

func TestGateRateLimitSkipsLedger(t *testing.T) {
	accounts := &stubAccounts{result: EnsureResult{Balance: Balance{Total: 100}}}
	g := newStubGate(t, accounts, &stubTrials{})
	action := ActionContext{UserID: 42, ChatType: ChatPrivate, Command: "summary"}

	for i := 0; i < 3; i++ {
		d, err := g.CanProceed(context.Background(), action)
		require.NoError(t, err)
		require.True(t, d.Allow, "call %d", i)
	}

	d, err := g.CanProceed(context.Background(), action)
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, ReasonRateLimited, d.Reason)
	assert.Equal(t, "Summaries are limited in this chat. Try again later.", d.UserMessage)
	assert.Equal(t, 5*time.Minute, d.RetryAfter)
	assert.Equal(t, 3, accounts.calls)
}

func TestGateCommandTierSharedAcrossGroup(t *testing.T) {
	accounts := &stubAccounts{result: EnsureResult{Balance: Balance{Total: 100}}}
	g := newStubGate(t, accounts, &stubTrials{})

	for user := int64(1); user <= 3; user++ {
		d, err := g.CanProceed(context.Background(), ActionContext{UserID: user, ChatID: -7, ChatType: ChatGroup, Command: "summary"})
		require.NoError(t, err)
		require.True(t, d.Allow)
	}
	d, err := g.CanProceed(context.Background(), ActionContext{UserID: 4, ChatID: -7, ChatType: ChatGroup, Command: "summary"})
	require.NoError(t, err)
	assert.Equal(t, ReasonRateLimited, d.Reason)

	d, err = g.CanProceed(context.Background(), ActionContext{UserID: 4, ChatID: -8, ChatType: ChatGroup, Command: "summary"})
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestGatePerUserCommandLimit(t *testing.T) {
	accounts := &stubAccounts{result: EnsureResult{Balance: Balance{Total: 100}}}
	g := newStubGate(t, accounts, &stubTrials{})
	action := ActionContext{UserID: 42, ChatType: ChatPrivate, Command: "draw"}

	for i := 0; i < 5; i++ {
		d, err := g.CanProceed(context.Background(), action)
		require.NoError(t, err)
		require.True(t, d.Allow)
	}
	d, err := g.CanProceed(context.Background(), action)
	require.NoError(t, err)
	assert.Equal(t, ReasonRateLimited, d.Reason)

	action.Command = "help"
	d, err = g.CanProceed(context.Background(), action)
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestGateStoreFailureDenies(t *testing.T) {
	accounts := &stubAccounts{err: fmt.Errorf("ensure: %w", ErrStoreUnavailable)}
	g := newStubGate(t, accounts, &stubTrials{})

	d, err := g.CanProceed(context.Background(), ActionContext{UserID: 1, ChatType: ChatPrivate})
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, ReasonStoreUnavailable, d.Reason)

	trials := &stubTrials{err: context.DeadlineExceeded}
	g = newStubGate(t, &stubAccounts{}, trials)
	d, err = g.CanProceed(context.Background(), ActionContext{UserID: 1, ChatID: -1, ChatType: ChatGroup})
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.False(t, d.IsTrial)
	assert.Equal(t, ReasonStoreUnavailable, d.Reason)
}

func TestGateValidation(t *testing.T) {
	g := newStubGate(t, &stubAccounts{}, &stubTrials{})

	_, err := g.CanProceed(context.Background(), ActionContext{ChatType: ChatPrivate})
	assert.True(t, IsValidation(err))
	_, err = g.CanProceed(context.Background(), ActionContext{UserID: 1, ChatType: ChatGroup})
	assert.True(t, IsValidation(err))
}

func TestGateUnknownCommandTierIsConfigError(t *testing.T) {
	cfg := config.Default().RateLimit
	limiter := newTestLimiter(t, cfg)
	cfg.CommandTiers = map[string]string{"video": "missing"}
	g := NewAdmissionGate(limiter, &stubAccounts{}, &stubTrials{}, cfg, nil, nil)

	_, err := g.CanProceed(context.Background(), ActionContext{UserID: 1, ChatType: ChatPrivate, Command: "video"})
	assert.ErrorIs(t, err, ratelimit.ErrUnknownTier)
}

// 完整链路：真实账本 + 试用登记
func TestGateEndToEndTrialFlow(t *testing.T) {
	db := newTestDB(t)
	cfg := testConfig()
	cfg.Ledger.SignupGrant = 1
	ledger := newTestLedger(t, db, cfg)
	trials := NewTrialService(db, cfg, nil)
	trials.reads = noRetry()
	g := NewAdmissionGate(newTestLimiter(t, cfg.RateLimit), ledger, trials, cfg.RateLimit, nil, nil)
	ctx := context.Background()
	action := ActionContext{UserID: 77, ChatID: -500, ChatType: ChatGroup, Command: "draw"}

	d, err := g.CanProceed(ctx, action)
	require.NoError(t, err)
	require.Equal(t, ReasonSignupGrant, d.Reason)
	res, err := ledger.Debit(ctx, 77, 1, DebitMeta{})
	require.NoError(t, err)
	require.True(t, res.OK)

	d, err = g.CanProceed(ctx, action)
	require.NoError(t, err)
	require.True(t, d.IsTrial)
	outcome, err := trials.RecordTrial(ctx, 77, -500, TrialMeta{})
	require.NoError(t, err)
	require.Equal(t, TrialRecorded, outcome)

	d, err = g.CanProceed(ctx, action)
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.True(t, d.ShowPurchaseOptions)
	assert.Equal(t, ReasonTrialUsed, d.Reason)

	action.ChatType = ChatPrivate
	d, err = g.CanProceed(ctx, action)
	require.NoError(t, err)
	assert.Equal(t, ReasonInsufficientCredits, d.Reason)
}
