package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/gophermart-rewards/internal/model"
)

const referralColumns = `id, referrer_id, referred_id, code_used, state, qualifying_order,
	created_at, qualified_at, rewarded_at`

func scanReferral(row pgx.Row) (*model.Referral, error) {
	var ref model.Referral
	err := row.Scan(&ref.ID, &ref.ReferrerID, &ref.ReferredID, &ref.CodeUsed, &ref.State, &ref.QualifyingOrder,
		&ref.CreatedAt, &ref.QualifiedAt, &ref.RewardedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReferralNotFound
		}
		return nil, fmt.Errorf("scan referral: %w", err)
	}
	return &ref, nil
}

// CreateReferral связывает приглашённого с пригласившим.
func (r *PostgresRepository) CreateReferral(ctx context.Context, referrerID, referredID int64, code string, createdAt time.Time) (*model.Referral, error) {
	ref, err := scanReferral(r.pool.QueryRow(ctx,
		`INSERT INTO referrals (referrer_id, referred_id, code_used, state, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+referralColumns,
		referrerID, referredID, code, string(model.ReferralPending), createdAt,
	))
	if err != nil {
		if _, ok := uniqueViolation(err); ok {
			return nil, ErrAlreadyReferred
		}
		return nil, fmt.Errorf("create referral: %w", err)
	}
	return ref, nil
}

// GetReferral возвращает реферал по идентификатору.
func (r *PostgresRepository) GetReferral(ctx context.Context, id int64) (*model.Referral, error) {
	return scanReferral(r.pool.QueryRow(ctx, `SELECT `+referralColumns+` FROM referrals WHERE id = $1`, id))
}

// GetReferralByReferred возвращает реферал приглашённого пользователя.
func (r *PostgresRepository) GetReferralByReferred(ctx context.Context, referredID int64) (*model.Referral, error) {
	return scanReferral(r.pool.QueryRow(ctx, `SELECT `+referralColumns+` FROM referrals WHERE referred_id = $1`, referredID))
}

// ListReferralsByReferrer возвращает рефералы пригласившего, новые первыми.
func (r *PostgresRepository) ListReferralsByReferrer(ctx context.Context, referrerID int64) ([]model.Referral, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+referralColumns+` FROM referrals WHERE referrer_id = $1 ORDER BY created_at DESC`,
		referrerID,
	)
	if err != nil {
		return nil, fmt.Errorf("select referrals: %w", err)
	}
	defer rows.Close()

	var res []model.Referral
	for rows.Next() {
		ref, err := scanReferral(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *ref)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// QualifyReferral переводит реферал из pending в qualified.
// Если реферал уже не в pending, возвращает его текущее состояние и false.
func (r *PostgresRepository) QualifyReferral(ctx context.Context, id int64, orderNumber string, at time.Time) (*model.Referral, bool, error) {
	ref, err := scanReferral(r.pool.QueryRow(ctx,
		`UPDATE referrals SET state = $2, qualifying_order = $3, qualified_at = $4
		 WHERE id = $1 AND state = $5
		 RETURNING `+referralColumns,
		id, string(model.ReferralQualified), orderNumber, at, string(model.ReferralPending),
	))
	if err == nil {
		return ref, true, nil
	}
	if !errors.Is(err, ErrReferralNotFound) {
		return nil, false, fmt.Errorf("qualify referral: %w", err)
	}

	current, err := r.GetReferral(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

// MarkReferralRewarded переводит реферал из qualified в rewarded и увеличивает счётчик пригласившего.
func (r *PostgresRepository) MarkReferralRewarded(ctx context.Context, id int64, at time.Time) (*model.Referral, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ref, err := scanReferral(tx.QueryRow(ctx,
		`UPDATE referrals SET state = $2, rewarded_at = $3
		 WHERE id = $1 AND state = $4
		 RETURNING `+referralColumns,
		id, string(model.ReferralRewarded), at, string(model.ReferralQualified),
	))
	if errors.Is(err, ErrReferralNotFound) {
		current, getErr := r.GetReferral(ctx, id)
		if getErr != nil {
			return nil, false, getErr
		}
		return current, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("mark referral rewarded: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE accounts SET referral_count = referral_count + 1 WHERE id = $1`, ref.ReferrerID,
	); err != nil {
		return nil, false, fmt.Errorf("update referral count: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit tx: %w", err)
	}

	return ref, true, nil
}

// MarkReferralFraudFlagged переводит реферал в fraud_flagged.
// Повторный вызов для уже помеченного реферала ничего не меняет.
func (r *PostgresRepository) MarkReferralFraudFlagged(ctx context.Context, id int64) (*model.Referral, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ref, err := scanReferral(tx.QueryRow(ctx, `SELECT `+referralColumns+` FROM referrals WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}

	if ref.State == model.ReferralFraudFlagged {
		return ref, nil
	}
	if !ref.State.CanTransition(model.ReferralFraudFlagged) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, ref.State, model.ReferralFraudFlagged)
	}

	if _, err := tx.Exec(ctx, `UPDATE referrals SET state = $2 WHERE id = $1`, id, string(model.ReferralFraudFlagged)); err != nil {
		return nil, fmt.Errorf("mark referral fraud flagged: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	ref.State = model.ReferralFraudFlagged
	return ref, nil
}

// ExpireReferrals переводит в expired все рефералы, оставшиеся в pending дольше отведённого срока.
func (r *PostgresRepository) ExpireReferrals(ctx context.Context, createdBefore time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE referrals SET state = $1 WHERE state = $2 AND created_at < $3`,
		string(model.ReferralExpired), string(model.ReferralPending), createdBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("expire referrals: %w", err)
	}
	return tag.RowsAffected(), nil
}
