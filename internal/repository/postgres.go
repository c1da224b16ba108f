// Package repository содержит реализации хранилища данных: PostgreSQL и in-memory.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/gophermart-rewards/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrUserExists возвращается при попытке создать учётную запись с уже занятым email.
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если учётная запись не найдена.
	ErrUserNotFound = errors.New("user not found")
	// ErrReferralCodeTaken возвращается при коллизии реферальных кодов.
	ErrReferralCodeTaken = errors.New("referral code already taken")
	// ErrOrderOwnedByAnother возвращается, если номер заказа принадлежит другому пользователю.
	ErrOrderOwnedByAnother = errors.New("order already uploaded by another user")
	// ErrInsufficientBalance возвращается, если списание увело бы баланс ниже нуля.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrAlreadyReferred возвращается, если приглашённый уже привязан к рефералу.
	ErrAlreadyReferred = errors.New("account already referred")
	// ErrReferralNotFound возвращается, если реферал не найден.
	ErrReferralNotFound = errors.New("referral not found")
	// ErrInvalidTransition возвращается при недопустимой смене состояния реферала.
	ErrInvalidTransition = errors.New("invalid referral state transition")
	// ErrReferralInactive возвращается при выдаче награды по рефералу в состоянии fraud_flagged или expired.
	ErrReferralInactive = errors.New("referral is not eligible for rewards")
	// ErrRewardNotFound возвращается, если награда не найдена.
	ErrRewardNotFound = errors.New("reward not found")
	// ErrFlagNotFound возвращается, если флаг не найден.
	ErrFlagNotFound = errors.New("fraud flag not found")
	// ErrFlagAlreadyResolved возвращается при повторном рассмотрении флага.
	ErrFlagAlreadyResolved = errors.New("fraud flag already resolved")
)

// referralRewardable сообщает, можно ли выдавать награды по рефералу в состоянии s.
func referralRewardable(s model.ReferralState) bool {
	return s != model.ReferralFraudFlagged && s != model.ReferralExpired
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

var retryDelays = []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 700 * time.Millisecond}

// withRetry повторяет fn при конфликтах сериализации, дедлоках и обрывах соединения.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i <= len(retryDelays); i++ {
		err = fn()
		if err == nil || !isRetryable(err) || i == len(retryDelays) {
			return err
		}

		timer := time.NewTimer(retryDelays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}

	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer")
}

func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

const accountColumns = `id, email, password_hash, role, points_balance, referral_code,
	referral_count, referral_earnings, signup_ip, device_fingerprint, created_at`

func scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	err := row.Scan(&a.ID, &a.Email, &a.PasswordHash, &a.Role, &a.PointsBalance, &a.ReferralCode,
		&a.ReferralCount, &a.ReferralEarnings, &a.SignupIP, &a.DeviceFingerprint, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return &a, nil
}

// CreateAccount создаёт учётную запись.
func (r *PostgresRepository) CreateAccount(ctx context.Context, na model.NewAccount) (*model.Account, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO accounts (email, password_hash, role, referral_code, signup_ip, device_fingerprint)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+accountColumns,
		na.Email, na.PasswordHash, string(na.Role), na.ReferralCode, na.SignupIP, na.DeviceFingerprint,
	)

	a, err := scanAccount(row)
	if err != nil {
		if constraint, ok := uniqueViolation(err); ok {
			if constraint == "accounts_referral_code_key" {
				return nil, ErrReferralCodeTaken
			}
			return nil, fmt.Errorf("%w: %s", ErrUserExists, na.Email)
		}
		return nil, fmt.Errorf("create account: %w", err)
	}
	return a, nil
}

// GetAccount возвращает учётную запись по идентификатору.
func (r *PostgresRepository) GetAccount(ctx context.Context, id int64) (*model.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

// GetAccountByEmail возвращает учётную запись по email.
func (r *PostgresRepository) GetAccountByEmail(ctx context.Context, email string) (*model.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email))
}

// GetAccountByReferralCode возвращает владельца реферального кода; код уже нормализован.
func (r *PostgresRepository) GetAccountByReferralCode(ctx context.Context, code string) (*model.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE referral_code = $1`, code))
}

// GetAccountRole возвращает актуальную роль учётной записи.
func (r *PostgresRepository) GetAccountRole(ctx context.Context, id int64) (model.Role, error) {
	var role model.Role
	err := r.pool.QueryRow(ctx, `SELECT role FROM accounts WHERE id = $1`, id).Scan(&role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrUserNotFound
		}
		return "", fmt.Errorf("get role: %w", err)
	}
	return role, nil
}
