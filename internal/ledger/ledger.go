// Package ledger реализует журнал баллов: только добавление записей и снимок баланса в каждой из них.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmeshcher/gophermart-rewards/internal/apperr"
	"github.com/mmeshcher/gophermart-rewards/internal/metrics"
	"github.com/mmeshcher/gophermart-rewards/internal/model"
	"github.com/mmeshcher/gophermart-rewards/internal/repository"
)

// Store описывает хранилище журнала.
type Store interface {
	AppendEntry(ctx context.Context, accountID, delta int64, reason model.Reason, reference string) (*model.LedgerEntry, error)
	GetBalance(ctx context.Context, accountID int64) (int64, error)
	GetWithdrawnTotal(ctx context.Context, accountID int64) (int64, error)
	ListEntries(ctx context.Context, accountID int64, filter model.LedgerFilter) ([]model.LedgerEntry, error)
}

// Ledger - журнал баллов.
type Ledger struct {
	store   Store
	timeout time.Duration
	metrics *metrics.Metrics
}

// New создаёт журнал. timeout ограничивает каждую операцию с хранилищем; 0 - без ограничения.
func New(store Store, timeout time.Duration) *Ledger {
	return &Ledger{store: store, timeout: timeout}
}

// WithMetrics включает учёт отклонённых записей.
func (l *Ledger) WithMetrics(m *metrics.Metrics) *Ledger {
	l.metrics = m
	return l
}

func (l *Ledger) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, l.timeout)
}

// ValidateDelta проверяет, что знак изменения соответствует причине.
func ValidateDelta(delta int64, reason model.Reason) error {
	if !reason.Valid() {
		return apperr.Validation(fmt.Sprintf("unknown reason %q", reason))
	}
	if delta == 0 {
		return apperr.Validation("delta must not be zero")
	}
	if reason.IsDebit() && delta > 0 {
		return apperr.Validation(fmt.Sprintf("reason %s requires a negative delta", reason))
	}
	if reason.IsCredit() && delta < 0 {
		return apperr.Validation(fmt.Sprintf("reason %s requires a positive delta", reason))
	}
	return nil
}

// Append добавляет запись в журнал и возвращает её вместе с новым снимком баланса.
func (l *Ledger) Append(ctx context.Context, accountID, delta int64, reason model.Reason, reference string) (*model.LedgerEntry, error) {
	if err := ValidateDelta(delta, reason); err != nil {
		return nil, err
	}

	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	entry, err := l.store.AppendEntry(ctx, accountID, delta, reason, reference)
	if err != nil {
		err = MapError(err)
		if apperr.KindOf(err) == apperr.KindInsufficientBalance {
			l.metrics.LedgerRejected(string(reason))
		}
		return nil, err
	}
	return entry, nil
}

// Balance возвращает текущий баланс учётной записи.
func (l *Ledger) Balance(ctx context.Context, accountID int64) (int64, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	balance, err := l.store.GetBalance(ctx, accountID)
	if err != nil {
		return 0, MapError(err)
	}
	return balance, nil
}

// History возвращает записи журнала, новые первыми.
func (l *Ledger) History(ctx context.Context, accountID int64, filter model.LedgerFilter) ([]model.LedgerEntry, error) {
	if filter.Reason != "" && !filter.Reason.Valid() {
		return nil, apperr.Validation(fmt.Sprintf("unknown reason %q", filter.Reason))
	}
	if filter.Limit < 0 {
		return nil, apperr.Validation("limit must not be negative")
	}

	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	entries, err := l.store.ListEntries(ctx, accountID, filter)
	if err != nil {
		return nil, MapError(err)
	}
	return entries, nil
}

// Summary возвращает текущий баланс и сумму всех списаний.
func (l *Ledger) Summary(ctx context.Context, accountID int64) (*model.Balance, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	current, err := l.store.GetBalance(ctx, accountID)
	if err != nil {
		return nil, MapError(err)
	}
	withdrawn, err := l.store.GetWithdrawnTotal(ctx, accountID)
	if err != nil {
		return nil, MapError(err)
	}
	return &model.Balance{Current: current, Withdrawn: withdrawn}, nil
}

// MapError переводит ошибки хранилища журнала в типы apperr.
func MapError(err error) error {
	var appErr *apperr.Error
	switch {
	case errors.As(err, &appErr):
		return err
	case errors.Is(err, repository.ErrInsufficientBalance):
		return apperr.Wrap(apperr.KindInsufficientBalance, "insufficient balance", err)
	case errors.Is(err, repository.ErrUserNotFound):
		return apperr.Wrap(apperr.KindNotFound, "account not found", err)
	case errors.Is(err, context.DeadlineExceeded):
		return apperr.Wrap(apperr.KindUpstreamFailure, "ledger storage timed out", err)
	default:
		return apperr.Wrap(apperr.KindInternal, "ledger storage failure", err)
	}
}
