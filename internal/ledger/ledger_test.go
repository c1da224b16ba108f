package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/gophermart-rewards/internal/apperr"
	"github.com/mmeshcher/gophermart-rewards/internal/metrics"
	"github.com/mmeshcher/gophermart-rewards/internal/model"
	"github.com/mmeshcher/gophermart-rewards/internal/repository"
)

func setup(t *testing.T) (*Ledger, int64) {
	t.Helper()
	repo := repository.NewMemoryRepository()
	a, err := repo.CreateAccount(context.Background(), model.NewAccount{Email: "a@example.com", ReferralCode: "AAAA1111", Role: model.RoleCustomer})
	require.NoError(t, err)
	return New(repo, time.Second), a.ID
}

func TestValidateDelta(t *testing.T) {
	tests := []struct {
		name   string
		delta  int64
		reason model.Reason
		ok     bool
	}{
		{name: "accrual positive", delta: 10, reason: model.ReasonOrderAccrual, ok: true},
		{name: "accrual negative", delta: -10, reason: model.ReasonOrderAccrual},
		{name: "redemption negative", delta: -10, reason: model.ReasonRedemption, ok: true},
		{name: "redemption positive", delta: 10, reason: model.ReasonRedemption},
		{name: "adjustment either way", delta: -10, reason: model.ReasonAdjustment, ok: true},
		{name: "zero", delta: 0, reason: model.ReasonAdjustment},
		{name: "unknown reason", delta: 1, reason: model.Reason("gift")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDelta(tt.delta, tt.reason)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
		})
	}
}

func TestAppendAndBalance(t *testing.T) {
	l, id := setup(t)
	ctx := context.Background()

	e, err := l.Append(ctx, id, 700, model.ReasonOrderAccrual, "order:1")
	require.NoError(t, err)
	assert.Equal(t, int64(700), e.BalanceAfter)

	e, err = l.Append(ctx, id, -200, model.ReasonRedemption, "w:1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), e.BalanceAfter)

	balance, err := l.Balance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)

	summary, err := l.Summary(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, &model.Balance{Current: 500, Withdrawn: 200}, summary)
}

func TestAppendInsufficientBalance(t *testing.T) {
	l, id := setup(t)
	ctx := context.Background()

	_, err := l.Append(ctx, id, -1, model.ReasonRedemption, "")
	assert.Equal(t, apperr.KindInsufficientBalance, apperr.KindOf(err))

	balance, err := l.Balance(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func TestAppendUnknownAccount(t *testing.T) {
	l, _ := setup(t)

	_, err := l.Append(context.Background(), 404, 10, model.ReasonOrderAccrual, "")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestHistory(t *testing.T) {
	l, id := setup(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, id, 100, model.ReasonOrderAccrual, "")
		require.NoError(t, err)
	}
	_, err := l.Append(ctx, id, -50, model.ReasonRedemption, "")
	require.NoError(t, err)

	all, err := l.History(ctx, id, model.LedgerFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, model.ReasonRedemption, all[0].Reason)

	limited, err := l.History(ctx, id, model.LedgerFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	_, err = l.History(ctx, id, model.LedgerFilter{Reason: "bogus"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestMapError(t *testing.T) {
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(MapError(errors.New("boom"))))
	assert.Equal(t, apperr.KindUpstreamFailure, apperr.KindOf(MapError(context.DeadlineExceeded)))

	conflict := apperr.New(apperr.KindConflict, "x")
	assert.Same(t, conflict, MapError(conflict))
}

func TestAppendCountsRejections(t *testing.T) {
	l, id := setup(t)
	m := metrics.New()
	l.WithMetrics(m)

	_, err := l.Append(context.Background(), id, -50, model.ReasonRedemption, "12345678903")
	require.Error(t, err)

	n, err := testutil.GatherAndCount(m.Registry(), "gophermart_ledger_rejections_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
