package accrual

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/gophermart-rewards/internal/model"
	"github.com/mmeshcher/gophermart-rewards/internal/repository"
	"github.com/mmeshcher/gophermart-rewards/internal/reward"
)

// Fetcher запрашивает начисление по заказу.
type Fetcher interface {
	GetOrderAccrual(ctx context.Context, number string) (*OrderAccrual, error)
}

// OrderStore описывает очередь заказов, ожидающих начислений.
type OrderStore interface {
	GetOrdersForAccrual(ctx context.Context, limit int) ([]repository.OrderForAccrual, error)
	UpdateOrderAccrual(ctx context.Context, number string, status model.OrderStatus, accrual *int64) error
}

// Issuer начисляет баллы с ключом идемпотентности.
type Issuer interface {
	Issue(ctx context.Context, req reward.IssueRequest) (*model.Reward, error)
}

// Poller опрашивает систему начислений и зачисляет баллы по обработанным заказам.
type Poller struct {
	fetcher   Fetcher
	store     OrderStore
	issuer    Issuer
	logger    *zap.Logger
	batchSize int
	now       func() time.Time

	mu         sync.Mutex
	pauseUntil time.Time
}

// NewPoller создаёт Poller.
func NewPoller(fetcher Fetcher, store OrderStore, issuer Issuer, logger *zap.Logger) *Poller {
	return &Poller{
		fetcher:   fetcher,
		store:     store,
		issuer:    issuer,
		logger:    logger,
		batchSize: 100,
		now:       time.Now,
	}
}

// OrderAccrualKey возвращает ключ идемпотентности начисления по заказу.
func OrderAccrualKey(number string) string {
	return "order-accrual:" + number
}

// Poll обрабатывает одну пачку заказов. После ответа 429 опрос приостанавливается на Retry-After.
func (p *Poller) Poll(ctx context.Context) error {
	p.mu.Lock()
	paused := p.now().Before(p.pauseUntil)
	p.mu.Unlock()
	if paused {
		return nil
	}

	orders, err := p.store.GetOrdersForAccrual(ctx, p.batchSize)
	if err != nil {
		return err
	}

	for _, o := range orders {
		if err := ctx.Err(); err != nil {
			return err
		}

		resp, err := p.fetcher.GetOrderAccrual(ctx, o.Number)
		if err != nil {
			var rl *RateLimitError
			if errors.As(err, &rl) {
				p.mu.Lock()
				p.pauseUntil = p.now().Add(rl.RetryAfter)
				p.mu.Unlock()
				p.logger.Warn("accrual system rate limited", zap.Duration("retryAfter", rl.RetryAfter))
				return nil
			}
			p.logger.Warn("get order accrual error", zap.Error(err), zap.String("order", o.Number))
			continue
		}
		if resp == nil {
			continue
		}

		if err := p.apply(ctx, o, resp); err != nil {
			p.logger.Error("apply order accrual error", zap.Error(err), zap.String("order", o.Number))
		}
	}

	return nil
}

func (p *Poller) apply(ctx context.Context, o repository.OrderForAccrual, resp *OrderAccrual) error {
	var (
		status model.OrderStatus
		points *int64
	)

	switch resp.Status {
	case StatusRegistered, StatusProcessing:
		if o.Status == model.OrderStatusProcessing {
			return nil
		}
		status = model.OrderStatusProcessing
	case StatusInvalid:
		status = model.OrderStatusInvalid
	case StatusProcessed:
		status = model.OrderStatusProcessed
		var v int64
		if resp.Accrual != nil {
			v = int64(math.Round(*resp.Accrual))
		}
		points = &v
	default:
		return nil
	}

	// Статус меняется только после успешного начисления.
	if points != nil && *points > 0 {
		_, err := p.issuer.Issue(ctx, reward.IssueRequest{
			Key:           OrderAccrualKey(o.Number),
			BeneficiaryID: o.AccountID,
			Amount:        *points,
			Reason:        model.ReasonOrderAccrual,
		})
		if err != nil {
			return err
		}
	}

	return p.store.UpdateOrderAccrual(ctx, o.Number, status, points)
}
