package repository

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/gophermart-rewards/internal/model"
)

func newPostgres(t *testing.T) *PostgresRepository {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URI")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URI is not set")
	}
	repo, err := NewPostgresRepository(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func uniqueAccount(t *testing.T, repo *PostgresRepository) *model.Account {
	t.Helper()
	id := uuid.NewString()
	a, err := repo.CreateAccount(context.Background(), model.NewAccount{
		Email:        id + "@example.com",
		PasswordHash: []byte("hash"),
		Role:         model.RoleCustomer,
		ReferralCode: fmt.Sprintf("T%07X", uuid.New().ID()&0xFFFFFFF),
	})
	require.NoError(t, err)
	return a
}

func TestPostgresIssueRewardConcurrent(t *testing.T) {
	repo := newPostgres(t)
	ctx := context.Background()
	a := uniqueAccount(t, repo)
	key := "test:" + uuid.NewString()

	_, err := repo.CreatePendingReward(ctx, model.Reward{IdempotencyKey: key, BeneficiaryID: a.ID, Amount: 1000, Reason: model.ReasonReferralReward})
	require.NoError(t, err)

	var g errgroup.Group
	issuedCount := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			_, issued, err := repo.IssueReward(ctx, key, time.Now())
			issuedCount <- issued
			return err
		})
	}
	require.NoError(t, g.Wait())
	close(issuedCount)

	n := 0
	for issued := range issuedCount {
		if issued {
			n++
		}
	}
	assert.Equal(t, 1, n)

	balance, err := repo.GetBalance(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance)
}

func TestPostgresRedemptionRejectedBelowZero(t *testing.T) {
	repo := newPostgres(t)
	ctx := context.Background()
	a := uniqueAccount(t, repo)

	_, err := repo.AppendEntry(ctx, a.ID, 100, model.ReasonOrderAccrual, "")
	require.NoError(t, err)

	_, err = repo.AppendEntry(ctx, a.ID, -101, model.ReasonRedemption, "")
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	e, err := repo.AppendEntry(ctx, a.ID, -100, model.ReasonRedemption, "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), e.BalanceAfter)
}
