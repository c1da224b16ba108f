package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/gophermart-rewards/internal/model"
)

// appendEntryTx добавляет запись журнала внутри транзакции tx.
// Строка учётной записи блокируется, поэтому снимок баланса всегда равен предыдущему плюс delta.
func appendEntryTx(ctx context.Context, tx pgx.Tx, accountID, delta int64, reason model.Reason, reference string) (*model.LedgerEntry, error) {
	var balance int64
	err := tx.QueryRow(ctx, `SELECT points_balance FROM accounts WHERE id = $1 FOR UPDATE`, accountID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("lock account for update: %w", err)
	}

	next := balance + delta
	if delta < 0 && next < 0 && !reason.AllowsNegative() {
		return nil, ErrInsufficientBalance
	}

	e := model.LedgerEntry{
		AccountID:    accountID,
		Delta:        delta,
		Reason:       reason,
		Reference:    reference,
		BalanceAfter: next,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO ledger_entries (account_id, delta, reason, reference, balance_after)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		accountID, delta, string(reason), reference, next,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE accounts SET points_balance = $2 WHERE id = $1`, accountID, next); err != nil {
		return nil, fmt.Errorf("update account balance: %w", err)
	}

	return &e, nil
}

// AppendEntry добавляет запись в журнал баллов.
func (r *PostgresRepository) AppendEntry(ctx context.Context, accountID, delta int64, reason model.Reason, reference string) (*model.LedgerEntry, error) {
	var entry *model.LedgerEntry
	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		entry, err = appendEntryTx(ctx, tx, accountID, delta, reason, reference)
		if err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// GetBalance возвращает снимок баланса из последней записи журнала.
func (r *PostgresRepository) GetBalance(ctx context.Context, accountID int64) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(
			(SELECT balance_after FROM ledger_entries WHERE account_id = $1 ORDER BY id DESC LIMIT 1),
			0)`,
		accountID,
	).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("select balance: %w", err)
	}
	return balance, nil
}

// GetWithdrawnTotal возвращает сумму всех списаний пользователя.
func (r *PostgresRepository) GetWithdrawnTotal(ctx context.Context, accountID int64) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(-delta), 0) FROM ledger_entries WHERE account_id = $1 AND reason = $2`,
		accountID, string(model.ReasonRedemption),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum withdrawals: %w", err)
	}
	return total, nil
}

// ListEntries возвращает записи журнала пользователя, новые первыми.
func (r *PostgresRepository) ListEntries(ctx context.Context, accountID int64, filter model.LedgerFilter) ([]model.LedgerEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, account_id, delta, reason, reference, balance_after, created_at
		 FROM ledger_entries
		 WHERE account_id = $1 AND ($2 = '' OR reason = $2)
		 ORDER BY id DESC
		 LIMIT $3`,
		accountID, string(filter.Reason), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select ledger entries: %w", err)
	}
	defer rows.Close()

	var res []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Delta, &e.Reason, &e.Reference, &e.BalanceAfter, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

const rewardColumns = `id, idempotency_key, beneficiary_id, referral_id, amount, reason, status,
	ledger_entry_id, created_at, issued_at, reversed_at`

func scanReward(row pgx.Row) (*model.Reward, error) {
	var rw model.Reward
	err := row.Scan(&rw.ID, &rw.IdempotencyKey, &rw.BeneficiaryID, &rw.ReferralID, &rw.Amount, &rw.Reason,
		&rw.Status, &rw.LedgerEntryID, &rw.CreatedAt, &rw.IssuedAt, &rw.ReversedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRewardNotFound
		}
		return nil, fmt.Errorf("scan reward: %w", err)
	}
	return &rw, nil
}

// CreatePendingReward создаёт награду в статусе pending либо возвращает уже существующую с тем же ключом.
func (r *PostgresRepository) CreatePendingReward(ctx context.Context, rw model.Reward) (*model.Reward, error) {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO rewards (idempotency_key, beneficiary_id, referral_id, amount, reason, status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		rw.IdempotencyKey, rw.BeneficiaryID, rw.ReferralID, rw.Amount, string(rw.Reason), string(model.RewardStatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("insert reward: %w", err)
	}
	return r.GetRewardByKey(ctx, rw.IdempotencyKey)
}

// GetRewardByKey возвращает награду по ключу идемпотентности.
func (r *PostgresRepository) GetRewardByKey(ctx context.Context, key string) (*model.Reward, error) {
	return scanReward(r.pool.QueryRow(ctx, `SELECT `+rewardColumns+` FROM rewards WHERE idempotency_key = $1`, key))
}

// ListRewardsByReferral возвращает награды, выданные по рефералу.
func (r *PostgresRepository) ListRewardsByReferral(ctx context.Context, referralID int64) ([]model.Reward, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+rewardColumns+` FROM rewards WHERE referral_id = $1 ORDER BY id`, referralID)
	if err != nil {
		return nil, fmt.Errorf("select rewards: %w", err)
	}
	defer rows.Close()

	var res []model.Reward
	for rows.Next() {
		rw, err := scanReward(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *rw)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// IssueReward переводит награду в issued и добавляет запись журнала в одной транзакции.
// Второй результат равен true, только если награда выдана этим вызовом.
func (r *PostgresRepository) IssueReward(ctx context.Context, key string, issuedAt time.Time) (*model.Reward, bool, error) {
	var (
		reward *model.Reward
		issued bool
	)
	err := r.withRetry(ctx, func() error {
		issued = false

		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		// Блокировка строки награды сериализует конкурентные выдачи с одним ключом.
		reward, err = scanReward(tx.QueryRow(ctx,
			`SELECT `+rewardColumns+` FROM rewards WHERE idempotency_key = $1 FOR UPDATE`, key))
		if err != nil {
			return err
		}
		if reward.Status != model.RewardStatusPending {
			return nil
		}

		if reward.ReferralID != nil {
			var state string
			err = tx.QueryRow(ctx, `SELECT state FROM referrals WHERE id = $1 FOR UPDATE`, *reward.ReferralID).Scan(&state)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("lock referral: %w", err)
			}
			if err == nil && !referralRewardable(model.ReferralState(state)) {
				return ErrReferralInactive
			}
		}

		entry, err := appendEntryTx(ctx, tx, reward.BeneficiaryID, reward.Amount, reward.Reason, "reward:"+key)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`UPDATE rewards SET status = $2, ledger_entry_id = $3, issued_at = $4 WHERE id = $1`,
			reward.ID, string(model.RewardStatusIssued), entry.ID, issuedAt,
		)
		if err != nil {
			return fmt.Errorf("mark reward issued: %w", err)
		}

		if reward.Reason == model.ReasonReferralReward {
			_, err = tx.Exec(ctx,
				`UPDATE accounts SET referral_earnings = referral_earnings + $2 WHERE id = $1`,
				reward.BeneficiaryID, reward.Amount,
			)
			if err != nil {
				return fmt.Errorf("update referral earnings: %w", err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		reward.Status = model.RewardStatusIssued
		reward.LedgerEntryID = &entry.ID
		reward.IssuedAt = &issuedAt
		issued = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return reward, issued, nil
}

// ReverseReward отменяет выданную награду компенсирующей записью журнала.
// Для наград не в статусе issued возвращает награду без записи.
func (r *PostgresRepository) ReverseReward(ctx context.Context, rewardID int64, reversedAt time.Time) (*model.Reward, *model.LedgerEntry, error) {
	var (
		reward *model.Reward
		entry  *model.LedgerEntry
	)
	err := r.withRetry(ctx, func() error {
		entry = nil

		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		reward, err = scanReward(tx.QueryRow(ctx,
			`SELECT `+rewardColumns+` FROM rewards WHERE id = $1 FOR UPDATE`, rewardID))
		if err != nil {
			return err
		}
		if reward.Status != model.RewardStatusIssued {
			return nil
		}

		e, err := appendEntryTx(ctx, tx, reward.BeneficiaryID, -reward.Amount, model.ReasonReversal, "reversal:"+reward.IdempotencyKey)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`UPDATE rewards SET status = $2, reversed_at = $3 WHERE id = $1`,
			reward.ID, string(model.RewardStatusReversed), reversedAt,
		)
		if err != nil {
			return fmt.Errorf("mark reward reversed: %w", err)
		}

		if reward.Reason == model.ReasonReferralReward {
			_, err = tx.Exec(ctx,
				`UPDATE accounts SET referral_earnings = referral_earnings - $2 WHERE id = $1`,
				reward.BeneficiaryID, reward.Amount,
			)
			if err != nil {
				return fmt.Errorf("update referral earnings: %w", err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		reward.Status = model.RewardStatusReversed
		reward.ReversedAt = &reversedAt
		entry = e
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return reward, entry, nil
}
