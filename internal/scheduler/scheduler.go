// Package scheduler запускает периодические фоновые задачи сервиса.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// Job описывает периодическую задачу.
type Job struct {
	Name     string
	Interval time.Duration
	// Timeout ограничивает один запуск; 0 - без ограничения.
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Scheduler запускает задачи по расписанию. Каждая задача работает в режиме singleton:
// пока предыдущий запуск не завершился, следующий пропускается.
type Scheduler struct {
	s      gocron.Scheduler
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// New создаёт планировщик и регистрирует задачи. Задачи начинают выполняться после Start.
func New(logger *zap.Logger, jobs ...Job) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sch := &Scheduler{s: s, logger: logger, ctx: ctx, cancel: cancel}

	for _, j := range jobs {
		if j.Interval <= 0 || j.Run == nil {
			cancel()
			_ = s.Shutdown()
			return nil, fmt.Errorf("job %q: interval and run func are required", j.Name)
		}

		_, err := s.NewJob(
			gocron.DurationJob(j.Interval),
			gocron.NewTask(sch.task(j)),
			gocron.WithName(j.Name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			cancel()
			_ = s.Shutdown()
			return nil, fmt.Errorf("register job %q: %w", j.Name, err)
		}
	}

	return sch, nil
}

func (s *Scheduler) task(j Job) func() {
	return func() {
		ctx := s.ctx
		if j.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, j.Timeout)
			defer cancel()
		}

		start := time.Now()
		err := j.Run(ctx)
		switch {
		case err == nil:
			s.logger.Debug("job finished", zap.String("job", j.Name), zap.Duration("duration", time.Since(start)))
		case errors.Is(err, context.Canceled):
			s.logger.Info("job cancelled", zap.String("job", j.Name))
		default:
			s.logger.Error("job failed", zap.String("job", j.Name), zap.Error(err))
		}
	}
}

// Start запускает планировщик.
func (s *Scheduler) Start() {
	s.s.Start()
}

// Shutdown отменяет контекст задач и дожидается завершения текущих запусков.
func (s *Scheduler) Shutdown() error {
	s.cancel()
	if err := s.s.Shutdown(); err != nil {
		return fmt.Errorf("shutdown scheduler: %w", err)
	}
	return nil
}
