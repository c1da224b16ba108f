// Package fraud содержит сканер подозрительных рефералов и инструменты ручной проверки флагов.
package fraud

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/gophermart-rewards/internal/apperr"
	"github.com/mmeshcher/gophermart-rewards/internal/metrics"
	"github.com/mmeshcher/gophermart-rewards/internal/model"
)

// ErrScanInProgress возвращается, если другой прогон сканера ещё не завершён.
var ErrScanInProgress = apperr.New(apperr.KindConflict, "fraud scan already in progress")

// ScanStore описывает данные, нужные сканеру.
type ScanStore interface {
	ListScanCandidates(ctx context.Context, afterID int64, limit int) ([]model.ScanCandidate, error)
	CountQualifiedReferrals(ctx context.Context, referrerID int64, from, to time.Time) (int, error)
	CreateFlag(ctx context.Context, f model.FraudFlag) (bool, error)
}

// ScanOptions задаёт пороги эвристик.
type ScanOptions struct {
	BatchSize       int
	VelocityLimit   int
	VelocityWindow  time.Duration
	MinQualifyDelay time.Duration

	// MaxDuration ограничивает прогон; должен быть меньше TTL распределённой блокировки.
	MaxDuration time.Duration
}

// ScanResult - итог прогона сканера.
type ScanResult struct {
	FlagsCreated int                     `json:"flags_created"`
	ByRule       map[model.FraudRule]int `json:"by_rule"`
	Scanned      int                     `json:"scanned"`
	Batches      int                     `json:"batches"`
	Cancelled    bool                    `json:"cancelled"`
	StartedAt    time.Time               `json:"started_at"`
	FinishedAt   time.Time               `json:"finished_at"`
}

// Scanner проверяет активные рефералы эвристиками и создаёт флаги.
type Scanner struct {
	store   ScanStore
	lock    ScanLock
	metrics *metrics.Metrics
	logger  *zap.Logger
	opts    ScanOptions
	now     func() time.Time
}

// NewScanner создаёт сканер. Без lock используется блокировка в пределах процесса.
func NewScanner(store ScanStore, lock ScanLock, m *metrics.Metrics, logger *zap.Logger, opts ScanOptions) *Scanner {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 200
	}
	if opts.VelocityWindow <= 0 {
		opts.VelocityWindow = time.Hour
	}
	if lock == nil {
		lock = NewLocalLock()
	}
	return &Scanner{
		store:   store,
		lock:    lock,
		metrics: m,
		logger:  logger,
		opts:    opts,
		now:     time.Now,
	}
}

// Scan проверяет все активные рефералы. Повторный прогон по тем же данным новых флагов не создаёт.
// Отмена ctx проверяется между пачками; уже созданные флаги сохраняются.
func (s *Scanner) Scan(ctx context.Context) (*ScanResult, error) {
	release, ok, err := s.lock.TryAcquire(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamFailure, "acquire scan lock", err)
	}
	if !ok {
		return nil, ErrScanInProgress
	}
	defer func() {
		if err := release(); err != nil {
			s.logger.Warn("failed to release fraud scan lock", zap.Error(err))
		}
	}()

	if s.opts.MaxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.MaxDuration)
		defer cancel()
	}

	res := &ScanResult{ByRule: map[model.FraudRule]int{}, StartedAt: s.now()}

	err = s.scanBatches(ctx, res)
	res.FinishedAt = s.now()

	outcome := "completed"
	switch {
	case err != nil && isCancelled(err):
		res.Cancelled = true
		outcome = "cancelled"
		err = nil
	case err != nil:
		outcome = "failed"
	}
	s.metrics.ScanFinished(outcome, res.FinishedAt.Sub(res.StartedAt), ruleCounts(res.ByRule))

	if err != nil {
		s.logger.Error("fraud scan failed", zap.Error(err), zap.Int("flagsCreated", res.FlagsCreated))
		return nil, apperr.Wrap(apperr.KindInternal, "fraud scan failed", err)
	}

	s.logger.Info("fraud scan finished",
		zap.String("outcome", outcome),
		zap.Int("scanned", res.Scanned),
		zap.Int("flagsCreated", res.FlagsCreated),
		zap.Duration("duration", res.FinishedAt.Sub(res.StartedAt)),
	)
	return res, nil
}

func (s *Scanner) scanBatches(ctx context.Context, res *ScanResult) error {
	var afterID int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := s.store.ListScanCandidates(ctx, afterID, s.opts.BatchSize)
		if err != nil {
			return fmt.Errorf("list scan candidates: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}
		res.Batches++

		for _, c := range batch {
			if err := s.check(ctx, c, res); err != nil {
				return err
			}
			res.Scanned++
			afterID = c.Referral.ID
		}

		if len(batch) < s.opts.BatchSize {
			return nil
		}
	}
}

func (s *Scanner) check(ctx context.Context, c model.ScanCandidate, res *ScanResult) error {
	ref := c.Referral

	if evidence, hit := sharedFingerprint(c); hit {
		if err := s.flag(ctx, ref, model.RuleSharedFingerprint, evidence, res); err != nil {
			return err
		}
	}

	if ref.QualifiedAt == nil {
		return nil
	}

	if s.opts.MinQualifyDelay > 0 {
		delay := ref.QualifiedAt.Sub(c.ReferredCreatedAt)
		if delay < s.opts.MinQualifyDelay {
			evidence := fmt.Sprintf("qualified %s after signup, minimum %s", delay.Round(time.Second), s.opts.MinQualifyDelay)
			if err := s.flag(ctx, ref, model.RuleRapidQualification, evidence, res); err != nil {
				return err
			}
		}
	}

	if s.opts.VelocityLimit > 0 {
		n, err := s.store.CountQualifiedReferrals(ctx, ref.ReferrerID, ref.QualifiedAt.Add(-s.opts.VelocityWindow), *ref.QualifiedAt)
		if err != nil {
			return fmt.Errorf("count qualified referrals: %w", err)
		}
		if n > s.opts.VelocityLimit {
			evidence := fmt.Sprintf("%d qualified referrals within %s, limit %d", n, s.opts.VelocityWindow, s.opts.VelocityLimit)
			if err := s.flag(ctx, ref, model.RuleReferrerVelocity, evidence, res); err != nil {
				return err
			}
		}
	}

	return nil
}

func (s *Scanner) flag(ctx context.Context, ref model.Referral, rule model.FraudRule, evidence string, res *ScanResult) error {
	referralID := ref.ID
	created, err := s.store.CreateFlag(ctx, model.FraudFlag{
		ReferralID: &referralID,
		AccountID:  ref.ReferrerID,
		Rule:       rule,
		Severity:   rule.Severity(),
		Evidence:   evidence,
		CreatedAt:  s.now(),
	})
	if err != nil {
		return fmt.Errorf("create fraud flag: %w", err)
	}
	if created {
		res.FlagsCreated++
		res.ByRule[rule]++
	}
	return nil
}

func sharedFingerprint(c model.ScanCandidate) (string, bool) {
	switch {
	case c.ReferrerDevice != "" && c.ReferrerDevice == c.ReferredDevice:
		return "referrer and referred share device " + c.ReferredDevice, true
	case c.ReferrerIP != "" && c.ReferrerIP == c.ReferredIP:
		return "referrer and referred share signup ip " + c.ReferredIP, true
	}
	return "", false
}

func isCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func ruleCounts(byRule map[model.FraudRule]int) map[string]int {
	out := make(map[string]int, len(byRule))
	for rule, n := range byRule {
		out[string(rule)] = n
	}
	return out
}
