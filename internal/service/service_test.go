package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/mmeshcher/gophermart-rewards/internal/apperr"
	"github.com/mmeshcher/gophermart-rewards/internal/fraud"
	"github.com/mmeshcher/gophermart-rewards/internal/ledger"
	"github.com/mmeshcher/gophermart-rewards/internal/model"
	"github.com/mmeshcher/gophermart-rewards/internal/referral"
	"github.com/mmeshcher/gophermart-rewards/internal/repository"
	"github.com/mmeshcher/gophermart-rewards/internal/reward"
)

type fixture struct {
	repo   *repository.MemoryRepository
	engine *reward.Engine
	svc    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := repository.NewMemoryRepository()
	logger := zap.NewNop()

	engine := reward.NewEngine(repo, nil, nil, logger, reward.Options{ReferrerReward: 1000})
	tracker := referral.NewTracker(repo, engine, logger, referral.Options{MinQualifyingOrder: 1000, TTL: 30 * 24 * time.Hour})
	scanner := fraud.NewScanner(repo, nil, nil, logger, fraud.ScanOptions{BatchSize: 10})
	review := fraud.NewReview(repo, engine, logger)

	svc := NewService(repo, Components{
		Ledger:  ledger.New(repo, time.Second),
		Tracker: tracker,
		Scanner: scanner,
		Review:  review,
	}, logger, Options{AdminEmails: []string{"Admin@Example.com"}, PasswordCost: bcrypt.MinCost})

	t.Cleanup(engine.Wait)
	return &fixture{repo: repo, engine: engine, svc: svc}
}

func (f *fixture) register(t *testing.T, email, code, device string) *model.Account {
	t.Helper()
	a, err := f.svc.Register(context.Background(), Registration{
		Email:             email,
		Password:          "secret-password",
		ReferralCode:      code,
		SignupIP:          "203.0.113.10",
		DeviceFingerprint: device,
	})
	require.NoError(t, err)
	return a
}

func TestRegisterAndLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.register(t, " User@Example.com ", "", "")
	assert.Equal(t, "user@example.com", a.Email)
	assert.Equal(t, model.RoleCustomer, a.Role)
	assert.True(t, referral.ValidCode(a.ReferralCode))

	admin := f.register(t, "admin@example.com", "", "")
	assert.Equal(t, model.RoleAdmin, admin.Role)

	got, err := f.svc.Login(ctx, "USER@example.com", "secret-password")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	_, err = f.svc.Login(ctx, "user@example.com", "wrong")
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))

	_, err = f.svc.Login(ctx, "nobody@example.com", "secret-password")
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))

	_, err = f.svc.Register(ctx, Registration{Email: "user@example.com", Password: "x"})
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	_, err = f.svc.Register(ctx, Registration{Email: "", Password: "x"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestRegisterWithUnknownCodeCreatesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Register(ctx, Registration{Email: "new@example.com", Password: "pw", ReferralCode: "ZZZZ9999"})
	assert.ErrorIs(t, err, referral.ErrInvalidCode)

	_, err = f.repo.GetAccountByEmail(ctx, "new@example.com")
	assert.ErrorIs(t, err, repository.ErrUserNotFound)
}

func TestReferralRewardedOnceOnPaidOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	referrer := f.register(t, "alice@example.com", "", "dev-alice")
	referred := f.register(t, "bob@example.com", referrer.ReferralCode, "dev-bob")

	overview, err := f.svc.ReferralOverview(ctx, referred.ID)
	require.NoError(t, err)
	require.NotNil(t, overview.ReferredBy)
	assert.Equal(t, referrer.ID, overview.ReferredBy.ReferrerID)

	// Заказ ниже порога не квалифицирует реферал.
	ref, err := f.svc.OrderPaid(ctx, referred.ID, "79927398713", 500)
	require.NoError(t, err)
	assert.Nil(t, ref)

	for i := 0; i < 3; i++ {
		ref, err = f.svc.OrderPaid(ctx, referred.ID, "12345678903", 5000)
		require.NoError(t, err)
		require.NotNil(t, ref)
		assert.Equal(t, model.ReferralRewarded, ref.State)
	}

	balance, err := f.svc.GetBalance(ctx, referrer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance.Current)

	overview, err = f.svc.ReferralOverview(ctx, referrer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), overview.Count)
	assert.Equal(t, int64(1000), overview.Earnings)
}

func TestWithdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.register(t, "carol@example.com", "", "")
	_, err := f.repo.AppendEntry(ctx, a.ID, 1000, model.ReasonAdjustment, "welcome")
	require.NoError(t, err)

	_, err = f.svc.Withdraw(ctx, a.ID, "12345678900", 100)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = f.svc.Withdraw(ctx, a.ID, "12345678903", 0)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = f.svc.Withdraw(ctx, a.ID, "12345678903", 1500)
	assert.Equal(t, apperr.KindInsufficientBalance, apperr.KindOf(err))

	entry, err := f.svc.Withdraw(ctx, a.ID, "12345678903", 300)
	require.NoError(t, err)
	assert.Equal(t, int64(-300), entry.Delta)
	assert.Equal(t, int64(700), entry.BalanceAfter)

	balance, err := f.svc.GetBalance(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Balance{Current: 700, Withdrawn: 300}, *balance)

	withdrawals, err := f.svc.Withdrawals(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, withdrawals, 1)
	assert.Equal(t, "12345678903", withdrawals[0].Reference)

	history, err := f.svc.LedgerHistory(ctx, a.ID, model.LedgerFilter{})
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestAddOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.register(t, "dave@example.com", "", "")
	b := f.register(t, "erin@example.com", "", "")

	_, err := f.svc.AddOrder(ctx, a.ID, "12345678900")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	exists, err := f.svc.AddOrder(ctx, a.ID, "12345678903")
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = f.svc.AddOrder(ctx, a.ID, "12345678903")
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = f.svc.AddOrder(ctx, b.ID, "12345678903")
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	_, err = f.svc.OrderPaid(ctx, b.ID, "12345678903", 5000)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	orders, err := f.svc.GetOrdersByUser(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestFraudScanAndConfirm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	admin := f.register(t, "admin@example.com", "", "")
	referrer := f.register(t, "frank@example.com", "", "shared-device")
	referred := f.register(t, "grace@example.com", referrer.ReferralCode, "shared-device")

	_, err := f.svc.OrderPaid(ctx, referred.ID, "12345678903", 2000)
	require.NoError(t, err)

	res, err := f.svc.RunFraudScan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.FlagsCreated)
	assert.Equal(t, 1, res.ByRule[model.RuleSharedFingerprint])

	flags, err := f.svc.FraudFlags(ctx, model.FlagFilter{Status: model.FlagPendingReview})
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, referrer.ID, flags[0].AccountID)

	resolution, err := f.svc.ResolveFraudFlag(ctx, flags[0].ID, fraud.OutcomeConfirm, admin.ID, "same device")
	require.NoError(t, err)
	assert.Equal(t, model.FlagConfirmed, resolution.Flag.Status)
	assert.Len(t, resolution.Reversals, 1)

	balance, err := f.svc.GetBalance(ctx, referrer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.Current)

	stats, err := f.svc.FraudStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.FlagsByStatus[model.FlagConfirmed])
	assert.Equal(t, int64(1), stats.RewardsReversed)
}
