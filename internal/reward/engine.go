// Package reward реализует выдачу наград: ровно одно начисление на событие, определяемое ключом идемпотентности.
package reward

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/gophermart-rewards/internal/apperr"
	"github.com/mmeshcher/gophermart-rewards/internal/metrics"
	"github.com/mmeshcher/gophermart-rewards/internal/model"
	"github.com/mmeshcher/gophermart-rewards/internal/notify"
	"github.com/mmeshcher/gophermart-rewards/internal/repository"
)

// ErrRewardIssuanceFailed возвращается, если запись в журнал не удалась; награда остаётся в pending.
var ErrRewardIssuanceFailed = apperr.New(apperr.KindUpstreamFailure, "reward issuance failed")

// ErrReferralInactive возвращается, если реферал уже в fraud_flagged или expired; награда остаётся в pending.
var ErrReferralInactive = apperr.New(apperr.KindConflict, "referral is not eligible for rewards")

var keyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("gophermart-rewards/reward"))

// Store описывает хранилище наград.
type Store interface {
	CreatePendingReward(ctx context.Context, rw model.Reward) (*model.Reward, error)
	IssueReward(ctx context.Context, key string, issuedAt time.Time) (*model.Reward, bool, error)
	ReverseReward(ctx context.Context, rewardID int64, reversedAt time.Time) (*model.Reward, *model.LedgerEntry, error)
	ListRewardsByReferral(ctx context.Context, referralID int64) ([]model.Reward, error)
	MarkReferralRewarded(ctx context.Context, id int64, at time.Time) (*model.Referral, bool, error)
}

// Options задаёт размеры наград реферальной программы.
type Options struct {
	ReferrerReward int64
	RefereeBonus   int64
	NotifyTimeout  time.Duration

	// OperationTimeout ограничивает каждое обращение к хранилищу.
	OperationTimeout time.Duration
}

// IssueRequest описывает начисление.
type IssueRequest struct {
	Key           string
	BeneficiaryID int64
	Amount        int64
	Reason        model.Reason
	ReferralID    *int64
}

// Reversal - отменённая награда и компенсирующая запись журнала.
type Reversal struct {
	Reward model.Reward       `json:"reward"`
	Entry  *model.LedgerEntry `json:"entry,omitempty"`
}

// Engine выдаёт и отменяет награды.
type Engine struct {
	store    Store
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   *zap.Logger
	opts     Options
	now      func() time.Time

	wg sync.WaitGroup
}

// NewEngine создаёт движок выдачи наград.
func NewEngine(store Store, notifier notify.Notifier, m *metrics.Metrics, logger *zap.Logger, opts Options) *Engine {
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 5 * time.Second
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = 5 * time.Second
	}
	return &Engine{
		store:    store,
		notifier: notifier,
		metrics:  m,
		logger:   logger,
		opts:     opts,
		now:      time.Now,
	}
}

// KeyFor строит детерминированный ключ идемпотентности для пары событие/получатель.
func KeyFor(event string, beneficiaryID int64) string {
	return uuid.NewSHA1(keyNamespace, []byte(fmt.Sprintf("%s|%d", event, beneficiaryID))).String()
}

// Issue выдаёт награду. Повторный вызов с тем же ключом возвращает уже выданную награду без новой записи в журнале.
func (e *Engine) Issue(ctx context.Context, req IssueRequest) (*model.Reward, error) {
	if req.Key == "" {
		return nil, apperr.Validation("idempotency key is required")
	}
	if req.Amount <= 0 {
		return nil, apperr.Validation("reward amount must be positive")
	}
	if !req.Reason.IsCredit() {
		return nil, apperr.Validation(fmt.Sprintf("reason %q cannot be used for a reward", req.Reason))
	}

	opCtx, cancel := context.WithTimeout(ctx, e.opts.OperationTimeout)
	rw, err := e.store.CreatePendingReward(opCtx, model.Reward{
		IdempotencyKey: req.Key,
		BeneficiaryID:  req.BeneficiaryID,
		ReferralID:     req.ReferralID,
		Amount:         req.Amount,
		Reason:         req.Reason,
	})
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, apperr.Wrap(ErrRewardIssuanceFailed.Kind, ErrRewardIssuanceFailed.Message, err)
		}
		return nil, apperr.Wrap(apperr.KindInternal, "create reward", err)
	}

	if rw.BeneficiaryID != req.BeneficiaryID || rw.Amount != req.Amount || rw.Reason != req.Reason {
		return nil, apperr.New(apperr.KindConflict, "idempotency key already used for a different reward")
	}

	if rw.Status != model.RewardStatusPending {
		e.metrics.RewardIssued(string(rw.Reason), "duplicate", rw.Amount)
		return rw, nil
	}

	opCtx, cancel = context.WithTimeout(ctx, e.opts.OperationTimeout)
	issued, issuedNow, err := e.store.IssueReward(opCtx, req.Key, e.now())
	cancel()
	if errors.Is(err, repository.ErrReferralInactive) {
		e.metrics.RewardIssued(string(req.Reason), "refused", req.Amount)
		e.logger.Warn("reward refused for inactive referral", zap.String("key", req.Key))
		return nil, apperr.Wrap(ErrReferralInactive.Kind, ErrReferralInactive.Message, err)
	}
	if err != nil {
		e.metrics.RewardIssued(string(req.Reason), "failed", req.Amount)
		e.logger.Error("issue reward error",
			zap.Error(err),
			zap.String("key", req.Key),
			zap.Int64("beneficiaryID", req.BeneficiaryID),
		)
		return nil, apperr.Wrap(ErrRewardIssuanceFailed.Kind, ErrRewardIssuanceFailed.Message, err)
	}

	if !issuedNow {
		e.metrics.RewardIssued(string(issued.Reason), "duplicate", issued.Amount)
		return issued, nil
	}

	e.metrics.RewardIssued(string(issued.Reason), "issued", issued.Amount)
	e.logger.Info("reward issued",
		zap.Int64("rewardID", issued.ID),
		zap.Int64("beneficiaryID", issued.BeneficiaryID),
		zap.Int64("amount", issued.Amount),
		zap.String("reason", string(issued.Reason)),
	)
	e.notifyIssued(ctx, *issued)

	return issued, nil
}

// notifyIssued отправляет уведомление в фоне. Ошибки только логируются.
func (e *Engine) notifyIssued(ctx context.Context, rw model.Reward) {
	if e.notifier == nil {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.NotifyTimeout)
		defer cancel()

		at := e.now()
		if rw.IssuedAt != nil {
			at = *rw.IssuedAt
		}

		err := e.notifier.Notify(ctx, notify.Notification{
			Event:     notify.EventRewardIssued,
			AccountID: rw.BeneficiaryID,
			RewardID:  rw.ID,
			Amount:    rw.Amount,
			Reason:    rw.Reason,
			At:        at,
		})
		e.metrics.NotificationDelivered(err == nil)
		if err != nil {
			e.logger.Warn("reward notification failed", zap.Error(err), zap.Int64("rewardID", rw.ID))
		}
	}()
}

// Wait дожидается отправки всех фоновых уведомлений.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Reverse отменяет выданную награду компенсирующей записью журнала.
// Для награды не в статусе issued запись не создаётся.
func (e *Engine) Reverse(ctx context.Context, rewardID int64) (*Reversal, error) {
	opCtx, cancel := context.WithTimeout(ctx, e.opts.OperationTimeout)
	defer cancel()

	rw, entry, err := e.store.ReverseReward(opCtx, rewardID, e.now())
	if err != nil {
		if errors.Is(err, repository.ErrRewardNotFound) {
			return nil, apperr.Wrap(apperr.KindNotFound, "reward not found", err)
		}
		return nil, apperr.Wrap(apperr.KindInternal, "reverse reward", err)
	}

	if entry != nil {
		e.metrics.RewardReversed(string(rw.Reason), rw.Amount)
		e.logger.Info("reward reversed",
			zap.Int64("rewardID", rw.ID),
			zap.Int64("beneficiaryID", rw.BeneficiaryID),
			zap.Int64("amount", rw.Amount),
		)
	}

	return &Reversal{Reward: *rw, Entry: entry}, nil
}

// ReverseForReferral отменяет все выданные по рефералу награды и возвращает созданные компенсации.
func (e *Engine) ReverseForReferral(ctx context.Context, referralID int64) ([]Reversal, error) {
	opCtx, cancel := context.WithTimeout(ctx, e.opts.OperationTimeout)
	rewards, err := e.store.ListRewardsByReferral(opCtx, referralID)
	cancel()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "list referral rewards", err)
	}

	var res []Reversal
	for _, rw := range rewards {
		if rw.Status != model.RewardStatusIssued {
			continue
		}
		rev, err := e.Reverse(ctx, rw.ID)
		if err != nil {
			return res, err
		}
		if rev.Entry != nil {
			res = append(res, *rev)
		}
	}
	return res, nil
}

// HandleQualification выдаёт награды по квалифицированному рефералу и переводит его в rewarded.
// Повторное событие для того же реферала новых начислений не создаёт.
func (e *Engine) HandleQualification(ctx context.Context, ev model.QualificationEvent) error {
	ref := ev.Referral
	event := fmt.Sprintf("referral:%d:qualified", ref.ID)
	referralID := ref.ID

	if e.opts.ReferrerReward > 0 {
		_, err := e.Issue(ctx, IssueRequest{
			Key:           KeyFor(event, ref.ReferrerID),
			BeneficiaryID: ref.ReferrerID,
			Amount:        e.opts.ReferrerReward,
			Reason:        model.ReasonReferralReward,
			ReferralID:    &referralID,
		})
		if err != nil {
			return err
		}
	}

	if e.opts.RefereeBonus > 0 {
		_, err := e.Issue(ctx, IssueRequest{
			Key:           KeyFor(event, ref.ReferredID),
			BeneficiaryID: ref.ReferredID,
			Amount:        e.opts.RefereeBonus,
			Reason:        model.ReasonRefereeBonus,
			ReferralID:    &referralID,
		})
		if err != nil {
			return err
		}
	}

	opCtx, cancel := context.WithTimeout(ctx, e.opts.OperationTimeout)
	defer cancel()
	if _, _, err := e.store.MarkReferralRewarded(opCtx, ref.ID, e.now()); err != nil {
		return apperr.Wrap(apperr.KindInternal, "mark referral rewarded", err)
	}

	return nil
}
