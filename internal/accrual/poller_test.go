package accrual

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/gophermart-rewards/internal/model"
	"github.com/mmeshcher/gophermart-rewards/internal/repository"
	"github.com/mmeshcher/gophermart-rewards/internal/reward"
)

type stubFetcher struct {
	responses map[string]*OrderAccrual
	err       error
	calls     int
}

func (s *stubFetcher) GetOrderAccrual(ctx context.Context, number string) (*OrderAccrual, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.responses[number], nil
}

func setupPoller(t *testing.T, fetcher Fetcher) (*Poller, *repository.MemoryRepository, int64) {
	t.Helper()
	repo := repository.NewMemoryRepository()
	a, err := repo.CreateAccount(context.Background(), model.NewAccount{Email: "a@example.com", ReferralCode: "AAAA1111", Role: model.RoleCustomer})
	require.NoError(t, err)

	engine := reward.NewEngine(repo, nil, nil, zap.NewNop(), reward.Options{})
	return NewPoller(fetcher, repo, engine, zap.NewNop()), repo, a.ID
}

func TestPollCreditsProcessedOrderOnce(t *testing.T) {
	fetcher := &stubFetcher{responses: map[string]*OrderAccrual{
		"12345678903":      {Order: "12345678903", Status: StatusProcessed, Accrual: ptrFloat(729.98)},
		"4561261212345467": {Order: "4561261212345467", Status: StatusProcessing},
	}}
	p, repo, userID := setupPoller(t, fetcher)
	ctx := context.Background()

	_, err := repo.AddOrder(ctx, userID, "12345678903")
	require.NoError(t, err)
	_, err = repo.AddOrder(ctx, userID, "4561261212345467")
	require.NoError(t, err)

	require.NoError(t, p.Poll(ctx))

	balance, err := repo.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(730), balance)

	orders, err := repo.GetOrdersByUser(ctx, userID)
	require.NoError(t, err)
	statuses := map[string]model.OrderStatus{}
	for _, o := range orders {
		statuses[o.Number] = o.Status
	}
	assert.Equal(t, model.OrderStatusProcessed, statuses["12345678903"])
	assert.Equal(t, model.OrderStatusProcessing, statuses["4561261212345467"])

	// Повторная обработка того же заказа (например, после сбоя обновления статуса) не задваивает баллы.
	require.NoError(t, p.apply(ctx, repository.OrderForAccrual{Number: "12345678903", AccountID: userID}, fetcher.responses["12345678903"]))
	balance, err = repo.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(730), balance)
}

func TestPollPausesOnRateLimit(t *testing.T) {
	fetcher := &stubFetcher{err: &RateLimitError{RetryAfter: time.Minute}}
	p, repo, userID := setupPoller(t, fetcher)
	ctx := context.Background()

	_, err := repo.AddOrder(ctx, userID, "12345678903")
	require.NoError(t, err)
	_, err = repo.AddOrder(ctx, userID, "4561261212345467")
	require.NoError(t, err)

	require.NoError(t, p.Poll(ctx))
	assert.Equal(t, 1, fetcher.calls)

	require.NoError(t, p.Poll(ctx))
	assert.Equal(t, 1, fetcher.calls)

	p.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	fetcher.err = nil
	require.NoError(t, p.Poll(ctx))
	assert.Equal(t, 3, fetcher.calls)
}

func TestPollSkipsFetchErrors(t *testing.T) {
	fetcher := &stubFetcher{err: errors.New("connection refused")}
	p, repo, userID := setupPoller(t, fetcher)
	ctx := context.Background()

	_, err := repo.AddOrder(ctx, userID, "12345678903")
	require.NoError(t, err)

	require.NoError(t, p.Poll(ctx))

	pending, err := repo.GetOrdersForAccrual(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func ptrFloat(v float64) *float64 { return &v }
