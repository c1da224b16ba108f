// Package referral отслеживает реферальные связи и их жизненный цикл.
package referral

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/gophermart-rewards/internal/apperr"
	"github.com/mmeshcher/gophermart-rewards/internal/model"
	"github.com/mmeshcher/gophermart-rewards/internal/repository"
)

const (
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLength   = 8

	minCodeLength = 4
	maxCodeLength = 16
)

var (
	// ErrInvalidCode возвращается, если кода нет или он некорректен.
	ErrInvalidCode = apperr.New(apperr.KindNotFound, "referral code not found")
	// ErrSelfReferral возвращается при попытке пригласить самого себя.
	ErrSelfReferral = apperr.New(apperr.KindValidation, "self referral is not allowed")
	// ErrAlreadyReferred возвращается, если пользователь уже привязан к пригласившему.
	ErrAlreadyReferred = apperr.New(apperr.KindConflict, "account is already referred")
)

// Store описывает хранилище рефералов.
type Store interface {
	GetAccount(ctx context.Context, id int64) (*model.Account, error)
	GetAccountByReferralCode(ctx context.Context, code string) (*model.Account, error)
	CreateReferral(ctx context.Context, referrerID, referredID int64, code string, createdAt time.Time) (*model.Referral, error)
	GetReferral(ctx context.Context, id int64) (*model.Referral, error)
	GetReferralByReferred(ctx context.Context, referredID int64) (*model.Referral, error)
	ListReferralsByReferrer(ctx context.Context, referrerID int64) ([]model.Referral, error)
	QualifyReferral(ctx context.Context, id int64, orderNumber string, at time.Time) (*model.Referral, bool, error)
	ExpireReferrals(ctx context.Context, createdBefore time.Time) (int64, error)
}

// QualificationHandler получает событие квалификации реферала.
type QualificationHandler interface {
	HandleQualification(ctx context.Context, ev model.QualificationEvent) error
}

// Options задаёт правила реферальной программы.
type Options struct {
	// MinQualifyingOrder - минимальная сумма оплаченного заказа для квалификации.
	MinQualifyingOrder int64
	// TTL - срок, после которого не квалифицированный реферал истекает.
	TTL time.Duration
}

// Tracker ведёт реферальные связи.
type Tracker struct {
	store   Store
	handler QualificationHandler
	logger  *zap.Logger
	opts    Options
	now     func() time.Time
}

// NewTracker создаёт трекер рефералов.
func NewTracker(store Store, handler QualificationHandler, logger *zap.Logger, opts Options) *Tracker {
	return &Tracker{
		store:   store,
		handler: handler,
		logger:  logger,
		opts:    opts,
		now:     time.Now,
	}
}

// NormalizeCode приводит код к каноничному виду: без пробелов, в верхнем регистре.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidCode проверяет формат нормализованного кода.
func ValidCode(code string) bool {
	if len(code) < minCodeLength || len(code) > maxCodeLength {
		return false
	}
	for _, c := range code {
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

// GenerateCode создаёт случайный код без легко путаемых символов (0/O, 1/I).
func GenerateCode() (string, error) {
	var b strings.Builder
	b.Grow(codeLength)
	size := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < codeLength; i++ {
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", fmt.Errorf("generate referral code: %w", err)
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// Link привязывает приглашённого пользователя к владельцу кода.
func (t *Tracker) Link(ctx context.Context, code string, referredID int64) (*model.Referral, error) {
	code = NormalizeCode(code)
	if !ValidCode(code) {
		return nil, ErrInvalidCode
	}

	referrer, err := t.store.GetAccountByReferralCode(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrInvalidCode
		}
		return nil, apperr.Wrap(apperr.KindInternal, "lookup referral code", err)
	}

	if referrer.ID == referredID {
		return nil, ErrSelfReferral
	}

	if _, err := t.store.GetAccount(ctx, referredID); err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, apperr.Wrap(apperr.KindNotFound, "account not found", err)
		}
		return nil, apperr.Wrap(apperr.KindInternal, "lookup account", err)
	}

	ref, err := t.store.CreateReferral(ctx, referrer.ID, referredID, code, t.now())
	if err != nil {
		if errors.Is(err, repository.ErrAlreadyReferred) {
			return nil, ErrAlreadyReferred
		}
		return nil, apperr.Wrap(apperr.KindInternal, "create referral", err)
	}

	t.logger.Info("referral linked",
		zap.Int64("referralID", ref.ID),
		zap.Int64("referrerID", ref.ReferrerID),
		zap.Int64("referredID", ref.ReferredID),
	)
	return ref, nil
}

// MarkQualified переводит реферал в qualified и передаёт событие обработчику.
// Пока реферал не получил награду, каждый вызов снова передаёт событие по квалифицировавшему заказу;
// обработчик обязан быть идемпотентным. Для rewarded другой заказ ничего не меняет.
func (t *Tracker) MarkQualified(ctx context.Context, referralID int64, orderNumber string, orderAmount int64) (*model.Referral, error) {
	if orderNumber == "" {
		return nil, apperr.Validation("order number is required")
	}

	ref, changed, err := t.store.QualifyReferral(ctx, referralID, orderNumber, t.now())
	if err != nil {
		if errors.Is(err, repository.ErrReferralNotFound) {
			return nil, apperr.Wrap(apperr.KindNotFound, "referral not found", err)
		}
		return nil, apperr.Wrap(apperr.KindInternal, "qualify referral", err)
	}

	if !changed {
		switch {
		case ref.State == model.ReferralExpired || ref.State == model.ReferralFraudFlagged:
			return nil, apperr.New(apperr.KindConflict, fmt.Sprintf("referral is %s", ref.State))
		case ref.QualifyingOrder != orderNumber:
			if ref.State != model.ReferralQualified {
				return ref, nil
			}
			orderNumber, orderAmount = ref.QualifyingOrder, 0
		}
	} else {
		t.logger.Info("referral qualified",
			zap.Int64("referralID", ref.ID),
			zap.String("order", orderNumber),
		)
	}

	if t.handler != nil {
		ev := model.QualificationEvent{Referral: *ref, OrderNumber: orderNumber, OrderAmount: orderAmount}
		if err := t.handler.HandleQualification(ctx, ev); err != nil {
			return ref, err
		}
	}

	// Обработчик мог перевести реферал в rewarded.
	current, err := t.store.GetReferral(ctx, ref.ID)
	if err != nil {
		return ref, nil
	}
	return current, nil
}

// QualifyByOrder квалифицирует реферал приглашённого по оплаченному заказу.
// Возвращает nil без ошибки, если у пользователя нет реферала или сумма ниже порога.
func (t *Tracker) QualifyByOrder(ctx context.Context, referredID int64, orderNumber string, orderAmount int64) (*model.Referral, error) {
	ref, err := t.store.GetReferralByReferred(ctx, referredID)
	if err != nil {
		if errors.Is(err, repository.ErrReferralNotFound) {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.KindInternal, "lookup referral", err)
	}

	if orderAmount < t.opts.MinQualifyingOrder {
		return nil, nil
	}

	switch ref.State {
	case model.ReferralPending, model.ReferralQualified, model.ReferralRewarded:
	default:
		return nil, nil
	}

	return t.MarkQualified(ctx, ref.ID, orderNumber, orderAmount)
}

// Overview - реферальная сводка пользователя.
type Overview struct {
	Code       string           `json:"code"`
	Count      int64            `json:"referral_count"`
	Earnings   int64            `json:"referral_earnings"`
	Referrals  []model.Referral `json:"referrals"`
	ReferredBy *model.Referral  `json:"referred_by,omitempty"`
}

// Overview возвращает код пользователя, счётчики и список приглашённых.
func (t *Tracker) Overview(ctx context.Context, accountID int64) (*Overview, error) {
	a, err := t.store.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, apperr.Wrap(apperr.KindNotFound, "account not found", err)
		}
		return nil, apperr.Wrap(apperr.KindInternal, "lookup account", err)
	}

	refs, err := t.store.ListReferralsByReferrer(ctx, accountID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "list referrals", err)
	}
	if refs == nil {
		refs = []model.Referral{}
	}

	ov := &Overview{
		Code:      a.ReferralCode,
		Count:     a.ReferralCount,
		Earnings:  a.ReferralEarnings,
		Referrals: refs,
	}

	by, err := t.store.GetReferralByReferred(ctx, accountID)
	switch {
	case err == nil:
		ov.ReferredBy = by
	case !errors.Is(err, repository.ErrReferralNotFound):
		return nil, apperr.Wrap(apperr.KindInternal, "lookup referred by", err)
	}

	return ov, nil
}

// ExpireStale переводит в expired рефералы, не квалифицированные за TTL.
func (t *Tracker) ExpireStale(ctx context.Context) (int64, error) {
	if t.opts.TTL <= 0 {
		return 0, nil
	}

	n, err := t.store.ExpireReferrals(ctx, t.now().Add(-t.opts.TTL))
	if err != nil {
		return 0, apperr.Wrap(apperr.KindInternal, "expire referrals", err)
	}
	if n > 0 {
		t.logger.Info("referrals expired", zap.Int64("count", n))
	}
	return n, nil
}
