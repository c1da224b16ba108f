package fraud

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/gophermart-rewards/internal/apperr"
	"github.com/mmeshcher/gophermart-rewards/internal/model"
	"github.com/mmeshcher/gophermart-rewards/internal/repository"
	"github.com/mmeshcher/gophermart-rewards/internal/reward"
)

const maxFlagsPage = 200

// Outcome - решение администратора по флагу.
type Outcome string

const (
	OutcomeConfirm Outcome = "confirm"
	OutcomeDismiss Outcome = "dismiss"
)

// ReviewStore описывает данные, нужные для ручной проверки.
type ReviewStore interface {
	ListFlags(ctx context.Context, filter model.FlagFilter) ([]model.FraudFlag, error)
	GetFlag(ctx context.Context, id int64) (*model.FraudFlag, error)
	ResolveFlag(ctx context.Context, id int64, status model.FlagStatus, resolvedBy int64, note string, at time.Time) (*model.FraudFlag, error)
	GetReferral(ctx context.Context, id int64) (*model.Referral, error)
	MarkReferralFraudFlagged(ctx context.Context, id int64) (*model.Referral, error)
	FraudStats(ctx context.Context) (*model.FraudStats, error)
}

// Reverser отменяет награды реферала.
type Reverser interface {
	ReverseForReferral(ctx context.Context, referralID int64) ([]reward.Reversal, error)
}

// Resolution - результат рассмотрения флага.
type Resolution struct {
	Flag      *model.FraudFlag  `json:"flag"`
	Referral  *model.Referral   `json:"referral,omitempty"`
	Reversals []reward.Reversal `json:"reversals"`
}

// Review реализует ручную проверку флагов администратором.
type Review struct {
	store    ReviewStore
	reverser Reverser
	logger   *zap.Logger
	now      func() time.Time
}

// NewReview создаёт Review.
func NewReview(store ReviewStore, reverser Reverser, logger *zap.Logger) *Review {
	return &Review{store: store, reverser: reverser, logger: logger, now: time.Now}
}

// ListFlags возвращает флаги по фильтру.
func (r *Review) ListFlags(ctx context.Context, filter model.FlagFilter) ([]model.FraudFlag, error) {
	if err := validateFilter(filter); err != nil {
		return nil, err
	}
	if filter.Limit > maxFlagsPage {
		filter.Limit = maxFlagsPage
	}

	flags, err := r.store.ListFlags(ctx, filter)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "list fraud flags", err)
	}
	if flags == nil {
		flags = []model.FraudFlag{}
	}
	return flags, nil
}

func validateFilter(f model.FlagFilter) error {
	if f.Status != "" && !f.Status.Valid() {
		return apperr.Validation(fmt.Sprintf("unknown status %q", f.Status))
	}
	switch f.Severity {
	case "", model.SeverityLow, model.SeverityMedium, model.SeverityHigh:
	default:
		return apperr.Validation(fmt.Sprintf("unknown severity %q", f.Severity))
	}
	switch f.Rule {
	case "", model.RuleSharedFingerprint, model.RuleReferrerVelocity, model.RuleRapidQualification:
	default:
		return apperr.Validation(fmt.Sprintf("unknown rule %q", f.Rule))
	}
	if f.Limit < 0 || f.Offset < 0 {
		return apperr.Validation("limit and offset must not be negative")
	}
	return nil
}

// ResolveFlag применяет решение администратора.
// confirm помечает реферал как мошеннический и отменяет выданные по нему награды; dismiss только закрывает флаг.
// Флаг закрывается последним, поэтому прерванное подтверждение можно повторить.
func (r *Review) ResolveFlag(ctx context.Context, flagID int64, outcome Outcome, adminID int64, note string) (*Resolution, error) {
	var status model.FlagStatus
	switch outcome {
	case OutcomeConfirm:
		status = model.FlagConfirmed
	case OutcomeDismiss:
		status = model.FlagFalsePositive
	default:
		return nil, apperr.Validation(fmt.Sprintf("unknown outcome %q, expected confirm or dismiss", outcome))
	}

	flag, err := r.store.GetFlag(ctx, flagID)
	if err != nil {
		return nil, mapFlagError(err)
	}
	if flag.Status != model.FlagPendingReview {
		return nil, apperr.New(apperr.KindConflict, fmt.Sprintf("flag already resolved as %s", flag.Status))
	}

	res := &Resolution{Reversals: []reward.Reversal{}}

	if outcome == OutcomeConfirm && flag.ReferralID != nil {
		ref, err := r.flagReferral(ctx, *flag.ReferralID)
		if err != nil {
			return nil, err
		}
		res.Referral = ref

		reversals, err := r.reverser.ReverseForReferral(ctx, *flag.ReferralID)
		if err != nil {
			return nil, err
		}
		if reversals != nil {
			res.Reversals = reversals
		}
	}

	resolved, err := r.store.ResolveFlag(ctx, flagID, status, adminID, note, r.now())
	if err != nil {
		return nil, mapFlagError(err)
	}
	res.Flag = resolved

	if res.Referral == nil && flag.ReferralID != nil {
		if ref, err := r.store.GetReferral(ctx, *flag.ReferralID); err == nil {
			res.Referral = ref
		}
	}

	r.logger.Info("fraud flag resolved",
		zap.Int64("flagID", flagID),
		zap.String("outcome", string(outcome)),
		zap.Int64("adminID", adminID),
		zap.Int("reversals", len(res.Reversals)),
	)
	return res, nil
}

func (r *Review) flagReferral(ctx context.Context, referralID int64) (*model.Referral, error) {
	ref, err := r.store.MarkReferralFraudFlagged(ctx, referralID)
	switch {
	case err == nil:
		return ref, nil
	case errors.Is(err, repository.ErrReferralNotFound):
		return nil, apperr.Wrap(apperr.KindNotFound, "referral not found", err)
	default:
		return nil, apperr.Wrap(apperr.KindInternal, "mark referral fraud flagged", err)
	}
}

func mapFlagError(err error) error {
	switch {
	case errors.Is(err, repository.ErrFlagNotFound):
		return apperr.Wrap(apperr.KindNotFound, "fraud flag not found", err)
	case errors.Is(err, repository.ErrFlagAlreadyResolved):
		return apperr.Wrap(apperr.KindConflict, "fraud flag already resolved", err)
	default:
		return apperr.Wrap(apperr.KindInternal, "fraud flag storage failure", err)
	}
}

// Stats возвращает агрегаты для панели антифрода.
func (r *Review) Stats(ctx context.Context) (*model.FraudStats, error) {
	stats, err := r.store.FraudStats(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "fraud stats", err)
	}
	return stats, nil
}
