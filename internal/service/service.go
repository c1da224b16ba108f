// Package service реализует бизнес-логику сервиса гофермарт: учётные записи, заказы,
// баланс баллов, реферальную программу и антифрод-операции администратора.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/mmeshcher/gophermart-rewards/internal/apperr"
	"github.com/mmeshcher/gophermart-rewards/internal/fraud"
	"github.com/mmeshcher/gophermart-rewards/internal/ledger"
	"github.com/mmeshcher/gophermart-rewards/internal/model"
	"github.com/mmeshcher/gophermart-rewards/internal/referral"
	"github.com/mmeshcher/gophermart-rewards/internal/repository"
	"github.com/mmeshcher/gophermart-rewards/internal/validation"
)

const codeAttempts = 5

// Repository описывает контракт доступа к данным, используемый сервисом напрямую.
type Repository interface {
	Close() error
	CreateAccount(ctx context.Context, na model.NewAccount) (*model.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*model.Account, error)
	GetAccountByReferralCode(ctx context.Context, code string) (*model.Account, error)
	AddOrder(ctx context.Context, userID int64, number string) (bool, error)
	GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)
	RecordOrderPayment(ctx context.Context, userID int64, number string, amount int64, paidAt time.Time) (bool, error)
}

// Components - доменные компоненты, которые объединяет сервис.
type Components struct {
	Ledger  *ledger.Ledger
	Tracker *referral.Tracker
	Scanner *fraud.Scanner
	Review  *fraud.Review
}

// Options задаёт параметры сервиса.
type Options struct {
	// AdminEmails - адреса, получающие роль admin при регистрации.
	AdminEmails []string
	// PasswordCost - стоимость bcrypt; по умолчанию bcrypt.DefaultCost.
	PasswordCost int
}

// Service содержит бизнес-логику сервиса гофермарт.
type Service struct {
	repo    Repository
	ledger  *ledger.Ledger
	tracker *referral.Tracker
	scanner *fraud.Scanner
	review  *fraud.Review
	logger  *zap.Logger

	admins map[string]struct{}
	cost   int
	now    func() time.Time
}

// NewService создаёт новый сервис.
func NewService(repo Repository, c Components, logger *zap.Logger, opts Options) *Service {
	admins := make(map[string]struct{}, len(opts.AdminEmails))
	for _, e := range opts.AdminEmails {
		admins[normalizeEmail(e)] = struct{}{}
	}
	cost := opts.PasswordCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}

	return &Service{
		repo:    repo,
		ledger:  c.Ledger,
		tracker: c.Tracker,
		scanner: c.Scanner,
		review:  c.Review,
		logger:  logger,
		admins:  admins,
		cost:    cost,
		now:     time.Now,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Registration - данные для регистрации пользователя.
type Registration struct {
	Email             string
	Password          string
	ReferralCode      string
	SignupIP          string
	DeviceFingerprint string
}

// Register создаёт учётную запись. Если указан реферальный код, он проверяется до создания
// записи, и новый пользователь привязывается к его владельцу.
func (s *Service) Register(ctx context.Context, reg Registration) (*model.Account, error) {
	email := normalizeEmail(reg.Email)
	if email == "" || reg.Password == "" {
		return nil, apperr.Validation("email and password are required")
	}

	code := referral.NormalizeCode(reg.ReferralCode)
	if code != "" {
		if !referral.ValidCode(code) {
			return nil, referral.ErrInvalidCode
		}
		if _, err := s.repo.GetAccountByReferralCode(ctx, code); err != nil {
			if errors.Is(err, repository.ErrUserNotFound) {
				return nil, referral.ErrInvalidCode
			}
			return nil, apperr.Wrap(apperr.KindInternal, "lookup referral code", err)
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(reg.Password), s.cost)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "hash password", err)
	}

	role := model.RoleCustomer
	if _, ok := s.admins[email]; ok {
		role = model.RoleAdmin
	}

	account, err := s.createAccount(ctx, model.NewAccount{
		Email:             email,
		PasswordHash:      hash,
		Role:              role,
		SignupIP:          reg.SignupIP,
		DeviceFingerprint: reg.DeviceFingerprint,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("account registered", zap.Int64("userID", account.ID), zap.String("role", string(role)))

	if code != "" {
		if _, err := s.tracker.Link(ctx, code, account.ID); err != nil {
			// Учётная запись уже создана; привязку можно повторить через POST /api/user/referral.
			s.logger.Warn("link referral on signup failed",
				zap.Int64("userID", account.ID),
				zap.String("code", code),
				zap.Error(err),
			)
		}
	}

	return account, nil
}

func (s *Service) createAccount(ctx context.Context, na model.NewAccount) (*model.Account, error) {
	for i := 0; i < codeAttempts; i++ {
		code, err := referral.GenerateCode()
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "generate referral code", err)
		}
		na.ReferralCode = code

		account, err := s.repo.CreateAccount(ctx, na)
		switch {
		case err == nil:
			return account, nil
		case errors.Is(err, repository.ErrReferralCodeTaken):
			continue
		case errors.Is(err, repository.ErrUserExists):
			return nil, apperr.Wrap(apperr.KindConflict, "email already registered", err)
		default:
			return nil, apperr.Wrap(apperr.KindInternal, "create account", err)
		}
	}
	return nil, apperr.New(apperr.KindInternal, fmt.Sprintf("no free referral code after %d attempts", codeAttempts))
}

// Login проверяет email и пароль и возвращает учётную запись.
func (s *Service) Login(ctx context.Context, email, password string) (*model.Account, error) {
	account, err := s.repo.GetAccountByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, errInvalidCredentials
		}
		return nil, apperr.Wrap(apperr.KindInternal, "lookup account", err)
	}

	if err := bcrypt.CompareHashAndPassword(account.PasswordHash, []byte(password)); err != nil {
		return nil, errInvalidCredentials
	}
	return account, nil
}

var errInvalidCredentials = apperr.New(apperr.KindUnauthorized, "invalid credentials")

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// AddOrder добавляет номер заказа пользователю. Возвращает true, если заказ уже был загружен им ранее.
func (s *Service) AddOrder(ctx context.Context, userID int64, number string) (bool, error) {
	if !validation.IsValidOrderNumber(number) {
		return false, apperr.Validation("invalid order number")
	}
	exists, err := s.repo.AddOrder(ctx, userID, number)
	if err != nil {
		return false, mapOrderError(err)
	}
	return exists, nil
}

// GetOrdersByUser возвращает список заказов пользователя.
func (s *Service) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	orders, err := s.repo.GetOrdersByUser(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "list orders", err)
	}
	return orders, nil
}

// GetBalance возвращает текущий баланс и сумму списаний.
func (s *Service) GetBalance(ctx context.Context, userID int64) (*model.Balance, error) {
	return s.ledger.Summary(ctx, userID)
}

// Withdraw списывает баллы в счёт заказа.
func (s *Service) Withdraw(ctx context.Context, userID int64, order string, sum int64) (*model.LedgerEntry, error) {
	if !validation.IsValidOrderNumber(order) {
		return nil, apperr.Validation("invalid order number")
	}
	if sum <= 0 {
		return nil, apperr.Validation("sum must be greater than 0")
	}

	entry, err := s.ledger.Append(ctx, userID, -sum, model.ReasonRedemption, order)
	if err != nil {
		return nil, err
	}
	s.logger.Info("points redeemed",
		zap.Int64("userID", userID),
		zap.String("order", order),
		zap.Int64("sum", sum),
		zap.Int64("balance", entry.BalanceAfter),
	)
	return entry, nil
}

// Withdrawals возвращает историю списаний, новые первыми.
func (s *Service) Withdrawals(ctx context.Context, userID int64) ([]model.LedgerEntry, error) {
	return s.ledger.History(ctx, userID, model.LedgerFilter{Reason: model.ReasonRedemption})
}

// LedgerHistory возвращает записи журнала баллов пользователя.
func (s *Service) LedgerHistory(ctx context.Context, userID int64, filter model.LedgerFilter) ([]model.LedgerEntry, error) {
	return s.ledger.History(ctx, userID, filter)
}

// ReferralOverview возвращает реферальную сводку пользователя.
func (s *Service) ReferralOverview(ctx context.Context, userID int64) (*referral.Overview, error) {
	return s.tracker.Overview(ctx, userID)
}

// LinkReferral привязывает пользователя к владельцу кода.
func (s *Service) LinkReferral(ctx context.Context, userID int64, code string) (*model.Referral, error) {
	return s.tracker.Link(ctx, code, userID)
}

// OrderPaid фиксирует оплату заказа и квалифицирует реферал покупателя.
// Повторный вызов для того же заказа безопасен.
func (s *Service) OrderPaid(ctx context.Context, userID int64, number string, amount int64) (*model.Referral, error) {
	if !validation.IsValidOrderNumber(number) {
		return nil, apperr.Validation("invalid order number")
	}
	if amount <= 0 {
		return nil, apperr.Validation("amount must be greater than 0")
	}

	if _, err := s.repo.RecordOrderPayment(ctx, userID, number, amount, s.now()); err != nil {
		return nil, mapOrderError(err)
	}

	return s.tracker.QualifyByOrder(ctx, userID, number, amount)
}

func mapOrderError(err error) error {
	if errors.Is(err, repository.ErrOrderOwnedByAnother) {
		return apperr.Wrap(apperr.KindConflict, "order already uploaded by another user", err)
	}
	return apperr.Wrap(apperr.KindInternal, "order storage failure", err)
}

// RunFraudScan запускает проверку рефералов по эвристикам.
func (s *Service) RunFraudScan(ctx context.Context) (*fraud.ScanResult, error) {
	return s.scanner.Scan(ctx)
}

// FraudFlags возвращает флаги по фильтру.
func (s *Service) FraudFlags(ctx context.Context, filter model.FlagFilter) ([]model.FraudFlag, error) {
	return s.review.ListFlags(ctx, filter)
}

// ResolveFraudFlag применяет решение администратора по флагу.
func (s *Service) ResolveFraudFlag(ctx context.Context, flagID int64, outcome fraud.Outcome, adminID int64, note string) (*fraud.Resolution, error) {
	return s.review.ResolveFlag(ctx, flagID, outcome, adminID, note)
}

// FraudStats возвращает сводку для панели антифрода.
func (s *Service) FraudStats(ctx context.Context) (*model.FraudStats, error) {
	return s.review.Stats(ctx)
}
