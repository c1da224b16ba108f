package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/gophermart-rewards/internal/model"
)

// ListScanCandidates возвращает очередную страницу активных рефералов с id больше afterID.
func (r *PostgresRepository) ListScanCandidates(ctx context.Context, afterID int64, limit int) ([]model.ScanCandidate, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT f.id, f.referrer_id, f.referred_id, f.code_used, f.state, f.qualifying_order,
		        f.created_at, f.qualified_at, f.rewarded_at,
		        a.signup_ip, a.device_fingerprint, b.signup_ip, b.device_fingerprint, b.created_at
		 FROM referrals f
		 JOIN accounts a ON a.id = f.referrer_id
		 JOIN accounts b ON b.id = f.referred_id
		 WHERE f.id > $1 AND f.state IN ($2, $3, $4)
		 ORDER BY f.id
		 LIMIT $5`,
		afterID,
		string(model.ReferralPending), string(model.ReferralQualified), string(model.ReferralRewarded),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select scan candidates: %w", err)
	}
	defer rows.Close()

	var res []model.ScanCandidate
	for rows.Next() {
		var c model.ScanCandidate
		ref := &c.Referral
		if err := rows.Scan(&ref.ID, &ref.ReferrerID, &ref.ReferredID, &ref.CodeUsed, &ref.State, &ref.QualifyingOrder,
			&ref.CreatedAt, &ref.QualifiedAt, &ref.RewardedAt,
			&c.ReferrerIP, &c.ReferrerDevice, &c.ReferredIP, &c.ReferredDevice, &c.ReferredCreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		res = append(res, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CountQualifiedReferrals считает рефералы пригласившего, квалифицированные в интервале [from, to].
func (r *PostgresRepository) CountQualifiedReferrals(ctx context.Context, referrerID int64, from, to time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM referrals
		 WHERE referrer_id = $1 AND qualified_at IS NOT NULL AND qualified_at BETWEEN $2 AND $3`,
		referrerID, from, to,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count qualified referrals: %w", err)
	}
	return n, nil
}

// CreateFlag создаёт флаг, если для пары (реферал, правило) его ещё нет.
func (r *PostgresRepository) CreateFlag(ctx context.Context, f model.FraudFlag) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO fraud_flags (referral_id, account_id, rule, severity, status, evidence, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (referral_id, rule) DO NOTHING`,
		f.ReferralID, f.AccountID, string(f.Rule), string(f.Severity), string(model.FlagPendingReview), f.Evidence, f.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert fraud flag: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

const flagColumns = `id, referral_id, account_id, rule, severity, status, evidence, resolved_by, note,
	created_at, resolved_at`

func scanFlag(row pgx.Row) (*model.FraudFlag, error) {
	var f model.FraudFlag
	err := row.Scan(&f.ID, &f.ReferralID, &f.AccountID, &f.Rule, &f.Severity, &f.Status, &f.Evidence,
		&f.ResolvedBy, &f.Note, &f.CreatedAt, &f.ResolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFlagNotFound
		}
		return nil, fmt.Errorf("scan fraud flag: %w", err)
	}
	return &f, nil
}

// ListFlags возвращает флаги по фильтру, новые первыми.
func (r *PostgresRepository) ListFlags(ctx context.Context, filter model.FlagFilter) ([]model.FraudFlag, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+flagColumns+` FROM fraud_flags
		 WHERE ($1 = '' OR status = $1)
		   AND ($2 = '' OR severity = $2)
		   AND ($3 = '' OR rule = $3)
		   AND ($4 = 0 OR referral_id = $4)
		 ORDER BY created_at DESC, id DESC
		 LIMIT $5 OFFSET $6`,
		string(filter.Status), string(filter.Severity), string(filter.Rule), filter.ReferralID, limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("select fraud flags: %w", err)
	}
	defer rows.Close()

	var res []model.FraudFlag
	for rows.Next() {
		f, err := scanFlag(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetFlag возвращает флаг по идентификатору.
func (r *PostgresRepository) GetFlag(ctx context.Context, id int64) (*model.FraudFlag, error) {
	return scanFlag(r.pool.QueryRow(ctx, `SELECT `+flagColumns+` FROM fraud_flags WHERE id = $1`, id))
}

// ResolveFlag фиксирует решение по флагу. Рассмотреть можно только флаг в pending_review.
func (r *PostgresRepository) ResolveFlag(ctx context.Context, id int64, status model.FlagStatus, resolvedBy int64, note string, at time.Time) (*model.FraudFlag, error) {
	f, err := scanFlag(r.pool.QueryRow(ctx,
		`UPDATE fraud_flags SET status = $2, resolved_by = $3, note = $4, resolved_at = $5
		 WHERE id = $1 AND status = $6
		 RETURNING `+flagColumns,
		id, string(status), resolvedBy, note, at, string(model.FlagPendingReview),
	))
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, ErrFlagNotFound) {
		return nil, fmt.Errorf("resolve fraud flag: %w", err)
	}

	if _, err := r.GetFlag(ctx, id); err != nil {
		return nil, err
	}
	return nil, ErrFlagAlreadyResolved
}

// FraudStats собирает агрегаты для панели антифрода.
func (r *PostgresRepository) FraudStats(ctx context.Context) (*model.FraudStats, error) {
	stats := &model.FraudStats{
		FlagsByStatus:    map[model.FlagStatus]int64{},
		FlagsBySeverity:  map[model.FlagSeverity]int64{},
		FlagsByRule:      map[model.FraudRule]int64{},
		ReferralsByState: map[model.ReferralState]int64{},
	}

	rows, err := r.pool.Query(ctx, `SELECT status, severity, rule, COUNT(*) FROM fraud_flags GROUP BY status, severity, rule`)
	if err != nil {
		return nil, fmt.Errorf("group fraud flags: %w", err)
	}
	for rows.Next() {
		var (
			status   model.FlagStatus
			severity model.FlagSeverity
			rule     model.FraudRule
			n        int64
		)
		if err := rows.Scan(&status, &severity, &rule, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan flag group: %w", err)
		}
		stats.FlagsByStatus[status] += n
		stats.FlagsBySeverity[severity] += n
		stats.FlagsByRule[rule] += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	rows, err = r.pool.Query(ctx, `SELECT state, COUNT(*) FROM referrals GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("group referrals: %w", err)
	}
	for rows.Next() {
		var (
			state model.ReferralState
			n     int64
		)
		if err := rows.Scan(&state, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan referral group: %w", err)
		}
		stats.ReferralsByState[state] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	err = r.pool.QueryRow(ctx,
		`SELECT
			COUNT(*) FILTER (WHERE status IN ($1, $2)),
			COALESCE(SUM(amount) FILTER (WHERE status IN ($1, $2)), 0),
			COUNT(*) FILTER (WHERE status = $2),
			COALESCE(SUM(amount) FILTER (WHERE status = $2), 0)
		 FROM rewards`,
		string(model.RewardStatusIssued), string(model.RewardStatusReversed),
	).Scan(&stats.RewardsIssued, &stats.PointsIssued, &stats.RewardsReversed, &stats.PointsReversed)
	if err != nil {
		return nil, fmt.Errorf("aggregate rewards: %w", err)
	}

	err = r.pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT account_id) FILTER (WHERE status <> $1), MAX(created_at) FROM fraud_flags`,
		string(model.FlagFalsePositive),
	).Scan(&stats.FlaggedReferrers, &stats.LastFlagCreatedAt)
	if err != nil {
		return nil, fmt.Errorf("aggregate flagged referrers: %w", err)
	}

	return stats, nil
}
