package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mmeshcher/gophermart-rewards/internal/model"
)

// MemoryRepository хранит данные в памяти процесса.
// Один мьютекс на всё хранилище делает каждую операцию атомарной, как транзакция в PostgreSQL.
// Используется в тестах и при запуске без DATABASE_URI.
type MemoryRepository struct {
	mu sync.Mutex

	accounts  map[int64]*model.Account
	orders    map[string]*model.Order
	entries   []model.LedgerEntry
	referrals map[int64]*model.Referral
	rewards   map[int64]*model.Reward
	flags     map[int64]*model.FraudFlag

	nextAccountID  int64
	nextEntryID    int64
	nextReferralID int64
	nextRewardID   int64
	nextFlagID     int64

	// failAppend, если задан, вызывается перед каждой записью журнала; используется в тестах.
	failAppend func(accountID int64, reason model.Reason) error
}

// NewMemoryRepository создаёт пустое in-memory хранилище.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts:  make(map[int64]*model.Account),
		orders:    make(map[string]*model.Order),
		referrals: make(map[int64]*model.Referral),
		rewards:   make(map[int64]*model.Reward),
		flags:     make(map[int64]*model.FraudFlag),
	}
}

// SetAppendHook задаёт функцию, которая может отклонить запись журнала.
func (m *MemoryRepository) SetAppendHook(fn func(accountID int64, reason model.Reason) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAppend = fn
}

// Close ничего не делает.
func (m *MemoryRepository) Close() error { return nil }

// CreateAccount создаёт учётную запись.
func (m *MemoryRepository) CreateAccount(_ context.Context, na model.NewAccount) (*model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.accounts {
		if a.Email == na.Email {
			return nil, fmt.Errorf("%w: %s", ErrUserExists, na.Email)
		}
		if a.ReferralCode == na.ReferralCode {
			return nil, ErrReferralCodeTaken
		}
	}

	m.nextAccountID++
	a := &model.Account{
		ID:                m.nextAccountID,
		Email:             na.Email,
		PasswordHash:      na.PasswordHash,
		Role:              na.Role,
		ReferralCode:      na.ReferralCode,
		SignupIP:          na.SignupIP,
		DeviceFingerprint: na.DeviceFingerprint,
		CreatedAt:         time.Now(),
	}
	m.accounts[a.ID] = a

	cp := *a
	return &cp, nil
}

// SetAccountCreatedAt переопределяет время регистрации; используется в тестах эвристик.
func (m *MemoryRepository) SetAccountCreatedAt(id int64, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[id]; ok {
		a.CreatedAt = at
	}
}

func (m *MemoryRepository) findAccount(match func(*model.Account) bool) (*model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.accounts {
		if match(a) {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrUserNotFound
}

// GetAccount возвращает учётную запись по идентификатору.
func (m *MemoryRepository) GetAccount(_ context.Context, id int64) (*model.Account, error) {
	return m.findAccount(func(a *model.Account) bool { return a.ID == id })
}

// GetAccountByEmail возвращает учётную запись по email.
func (m *MemoryRepository) GetAccountByEmail(_ context.Context, email string) (*model.Account, error) {
	return m.findAccount(func(a *model.Account) bool { return a.Email == email })
}

// GetAccountByReferralCode возвращает владельца реферального кода.
func (m *MemoryRepository) GetAccountByReferralCode(_ context.Context, code string) (*model.Account, error) {
	return m.findAccount(func(a *model.Account) bool { return a.ReferralCode == code })
}

// GetAccountRole возвращает роль учётной записи.
func (m *MemoryRepository) GetAccountRole(ctx context.Context, id int64) (model.Role, error) {
	a, err := m.GetAccount(ctx, id)
	if err != nil {
		return "", err
	}
	return a.Role, nil
}

// AddOrder сохраняет номер заказа.
func (m *MemoryRepository) AddOrder(_ context.Context, userID int64, number string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if o, ok := m.orders[number]; ok {
		if o.AccountID != userID {
			return false, ErrOrderOwnedByAnother
		}
		return true, nil
	}

	m.orders[number] = &model.Order{
		Number:     number,
		AccountID:  userID,
		Status:     model.OrderStatusNew,
		UploadedAt: time.Now(),
	}
	return false, nil
}

// RecordOrderPayment отмечает заказ оплаченным.
func (m *MemoryRepository) RecordOrderPayment(_ context.Context, userID int64, number string, amount int64, paidAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[number]
	if !ok {
		o = &model.Order{Number: number, AccountID: userID, Status: model.OrderStatusNew, UploadedAt: paidAt}
		m.orders[number] = o
	}
	if o.AccountID != userID {
		return false, ErrOrderOwnedByAnother
	}
	if o.PaidAmount != nil {
		return true, nil
	}

	o.PaidAmount = &amount
	o.PaidAt = &paidAt
	return false, nil
}

// GetOrdersByUser возвращает список заказов пользователя.
func (m *MemoryRepository) GetOrdersByUser(_ context.Context, userID int64) ([]model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []model.Order
	for _, o := range m.orders {
		if o.AccountID == userID {
			res = append(res, *o)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].UploadedAt.After(res[j].UploadedAt) })
	return res, nil
}

// GetOrdersForAccrual возвращает заказы, ожидающие начислений.
func (m *MemoryRepository) GetOrdersForAccrual(_ context.Context, limit int) ([]OrderForAccrual, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pending []*model.Order
	for _, o := range m.orders {
		if o.Status == model.OrderStatusNew || o.Status == model.OrderStatusProcessing {
			pending = append(pending, o)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].UploadedAt.Before(pending[j].UploadedAt) })

	var res []OrderForAccrual
	for _, o := range pending {
		if len(res) == limit {
			break
		}
		res = append(res, OrderForAccrual{Number: o.Number, AccountID: o.AccountID, Status: o.Status})
	}
	return res, nil
}

// UpdateOrderAccrual обновляет статус заказа и сумму начисления.
func (m *MemoryRepository) UpdateOrderAccrual(_ context.Context, number string, status model.OrderStatus, accrual *int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[number]
	if !ok {
		return nil
	}
	o.Status = status
	if accrual != nil {
		v := *accrual
		o.Accrual = &v
	}
	return nil
}

// appendLocked - аналог appendEntryTx; вызывающий держит m.mu.
func (m *MemoryRepository) appendLocked(accountID, delta int64, reason model.Reason, reference string) (*model.LedgerEntry, error) {
	a, ok := m.accounts[accountID]
	if !ok {
		return nil, ErrUserNotFound
	}

	if m.failAppend != nil {
		if err := m.failAppend(accountID, reason); err != nil {
			return nil, err
		}
	}

	next := a.PointsBalance + delta
	if delta < 0 && next < 0 && !reason.AllowsNegative() {
		return nil, ErrInsufficientBalance
	}

	m.nextEntryID++
	e := model.LedgerEntry{
		ID:           m.nextEntryID,
		AccountID:    accountID,
		Delta:        delta,
		Reason:       reason,
		Reference:    reference,
		BalanceAfter: next,
		CreatedAt:    time.Now(),
	}
	m.entries = append(m.entries, e)
	a.PointsBalance = next

	return &e, nil
}

// AppendEntry добавляет запись в журнал баллов.
func (m *MemoryRepository) AppendEntry(_ context.Context, accountID, delta int64, reason model.Reason, reference string) (*model.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(accountID, delta, reason, reference)
}

// GetBalance возвращает снимок баланса из последней записи журнала.
func (m *MemoryRepository) GetBalance(_ context.Context, accountID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].AccountID == accountID {
			return m.entries[i].BalanceAfter, nil
		}
	}
	return 0, nil
}

// GetWithdrawnTotal возвращает сумму всех списаний пользователя.
func (m *MemoryRepository) GetWithdrawnTotal(_ context.Context, accountID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total int64
	for _, e := range m.entries {
		if e.AccountID == accountID && e.Reason == model.ReasonRedemption {
			total -= e.Delta
		}
	}
	return total, nil
}

// ListEntries возвращает записи журнала пользователя, новые первыми.
func (m *MemoryRepository) ListEntries(_ context.Context, accountID int64, filter model.LedgerFilter) ([]model.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var res []model.LedgerEntry
	for i := len(m.entries) - 1; i >= 0 && len(res) < limit; i-- {
		e := m.entries[i]
		if e.AccountID != accountID {
			continue
		}
		if filter.Reason != "" && e.Reason != filter.Reason {
			continue
		}
		res = append(res, e)
	}
	return res, nil
}

func (m *MemoryRepository) rewardByKeyLocked(key string) *model.Reward {
	for _, rw := range m.rewards {
		if rw.IdempotencyKey == key {
			return rw
		}
	}
	return nil
}

// CreatePendingReward создаёт награду в статусе pending либо возвращает существующую.
func (m *MemoryRepository) CreatePendingReward(_ context.Context, rw model.Reward) (*model.Reward, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing := m.rewardByKeyLocked(rw.IdempotencyKey); existing != nil {
		cp := *existing
		return &cp, nil
	}

	m.nextRewardID++
	rw.ID = m.nextRewardID
	rw.Status = model.RewardStatusPending
	rw.CreatedAt = time.Now()
	rw.LedgerEntryID = nil
	rw.IssuedAt = nil
	rw.ReversedAt = nil
	m.rewards[rw.ID] = &rw

	cp := rw
	return &cp, nil
}

// GetRewardByKey возвращает награду по ключу идемпотентности.
func (m *MemoryRepository) GetRewardByKey(_ context.Context, key string) (*model.Reward, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rw := m.rewardByKeyLocked(key)
	if rw == nil {
		return nil, ErrRewardNotFound
	}
	cp := *rw
	return &cp, nil
}

// ListRewardsByReferral возвращает награды, выданные по рефералу.
func (m *MemoryRepository) ListRewardsByReferral(_ context.Context, referralID int64) ([]model.Reward, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []model.Reward
	for _, rw := range m.rewards {
		if rw.ReferralID != nil && *rw.ReferralID == referralID {
			res = append(res, *rw)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

// IssueReward переводит награду в issued и добавляет запись журнала атомарно.
func (m *MemoryRepository) IssueReward(_ context.Context, key string, issuedAt time.Time) (*model.Reward, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rw := m.rewardByKeyLocked(key)
	if rw == nil {
		return nil, false, ErrRewardNotFound
	}
	if rw.Status != model.RewardStatusPending {
		cp := *rw
		return &cp, false, nil
	}
	if rw.ReferralID != nil {
		if ref, ok := m.referrals[*rw.ReferralID]; ok && !referralRewardable(ref.State) {
			return nil, false, ErrReferralInactive
		}
	}

	entry, err := m.appendLocked(rw.BeneficiaryID, rw.Amount, rw.Reason, "reward:"+key)
	if err != nil {
		return nil, false, err
	}

	rw.Status = model.RewardStatusIssued
	rw.LedgerEntryID = &entry.ID
	at := issuedAt
	rw.IssuedAt = &at
	if rw.Reason == model.ReasonReferralReward {
		m.accounts[rw.BeneficiaryID].ReferralEarnings += rw.Amount
	}

	cp := *rw
	return &cp, true, nil
}

// ReverseReward отменяет выданную награду компенсирующей записью журнала.
func (m *MemoryRepository) ReverseReward(_ context.Context, rewardID int64, reversedAt time.Time) (*model.Reward, *model.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rw, ok := m.rewards[rewardID]
	if !ok {
		return nil, nil, ErrRewardNotFound
	}
	if rw.Status != model.RewardStatusIssued {
		cp := *rw
		return &cp, nil, nil
	}

	entry, err := m.appendLocked(rw.BeneficiaryID, -rw.Amount, model.ReasonReversal, "reversal:"+rw.IdempotencyKey)
	if err != nil {
		return nil, nil, err
	}

	rw.Status = model.RewardStatusReversed
	at := reversedAt
	rw.ReversedAt = &at
	if rw.Reason == model.ReasonReferralReward {
		m.accounts[rw.BeneficiaryID].ReferralEarnings -= rw.Amount
	}

	cp := *rw
	return &cp, entry, nil
}

// CreateReferral связывает приглашённого с пригласившим.
func (m *MemoryRepository) CreateReferral(_ context.Context, referrerID, referredID int64, code string, createdAt time.Time) (*model.Referral, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ref := range m.referrals {
		if ref.ReferredID == referredID {
			return nil, ErrAlreadyReferred
		}
	}

	m.nextReferralID++
	ref := &model.Referral{
		ID:         m.nextReferralID,
		ReferrerID: referrerID,
		ReferredID: referredID,
		CodeUsed:   code,
		State:      model.ReferralPending,
		CreatedAt:  createdAt,
	}
	m.referrals[ref.ID] = ref

	cp := *ref
	return &cp, nil
}

// GetReferral возвращает реферал по идентификатору.
func (m *MemoryRepository) GetReferral(_ context.Context, id int64) (*model.Referral, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ref, ok := m.referrals[id]
	if !ok {
		return nil, ErrReferralNotFound
	}
	cp := *ref
	return &cp, nil
}

// GetReferralByReferred возвращает реферал приглашённого пользователя.
func (m *MemoryRepository) GetReferralByReferred(_ context.Context, referredID int64) (*model.Referral, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ref := range m.referrals {
		if ref.ReferredID == referredID {
			cp := *ref
			return &cp, nil
		}
	}
	return nil, ErrReferralNotFound
}

// ListReferralsByReferrer возвращает рефералы пригласившего, новые первыми.
func (m *MemoryRepository) ListReferralsByReferrer(_ context.Context, referrerID int64) ([]model.Referral, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []model.Referral
	for _, ref := range m.referrals {
		if ref.ReferrerID == referrerID {
			res = append(res, *ref)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID > res[j].ID })
	return res, nil
}

// QualifyReferral переводит реферал из pending в qualified.
func (m *MemoryRepository) QualifyReferral(_ context.Context, id int64, orderNumber string, at time.Time) (*model.Referral, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ref, ok := m.referrals[id]
	if !ok {
		return nil, false, ErrReferralNotFound
	}
	if ref.State != model.ReferralPending {
		cp := *ref
		return &cp, false, nil
	}

	ref.State = model.ReferralQualified
	ref.QualifyingOrder = orderNumber
	qa := at
	ref.QualifiedAt = &qa

	cp := *ref
	return &cp, true, nil
}

// SetReferralQualifiedAt переопределяет время квалификации; используется в тестах эвристик.
func (m *MemoryRepository) SetReferralQualifiedAt(id int64, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ref, ok := m.referrals[id]; ok {
		ref.QualifiedAt = &at
	}
}

// MarkReferralRewarded переводит реферал из qualified в rewarded.
func (m *MemoryRepository) MarkReferralRewarded(_ context.Context, id int64, at time.Time) (*model.Referral, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ref, ok := m.referrals[id]
	if !ok {
		return nil, false, ErrReferralNotFound
	}
	if ref.State != model.ReferralQualified {
		cp := *ref
		return &cp, false, nil
	}

	ref.State = model.ReferralRewarded
	ra := at
	ref.RewardedAt = &ra
	if a, ok := m.accounts[ref.ReferrerID]; ok {
		a.ReferralCount++
	}

	cp := *ref
	return &cp, true, nil
}

// MarkReferralFraudFlagged переводит реферал в fraud_flagged.
func (m *MemoryRepository) MarkReferralFraudFlagged(_ context.Context, id int64) (*model.Referral, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ref, ok := m.referrals[id]
	if !ok {
		return nil, ErrReferralNotFound
	}
	if ref.State != model.ReferralFraudFlagged {
		if !ref.State.CanTransition(model.ReferralFraudFlagged) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, ref.State, model.ReferralFraudFlagged)
		}
		ref.State = model.ReferralFraudFlagged
	}

	cp := *ref
	return &cp, nil
}

// ExpireReferrals переводит в expired рефералы, оставшиеся в pending дольше срока.
func (m *MemoryRepository) ExpireReferrals(_ context.Context, createdBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, ref := range m.referrals {
		if ref.State == model.ReferralPending && ref.CreatedAt.Before(createdBefore) {
			ref.State = model.ReferralExpired
			n++
		}
	}
	return n, nil
}

// ListScanCandidates возвращает страницу активных рефералов с id больше afterID.
func (m *MemoryRepository) ListScanCandidates(_ context.Context, afterID int64, limit int) ([]model.ScanCandidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []int64
	for id, ref := range m.referrals {
		if id <= afterID {
			continue
		}
		switch ref.State {
		case model.ReferralPending, model.ReferralQualified, model.ReferralRewarded:
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}

	res := make([]model.ScanCandidate, 0, len(ids))
	for _, id := range ids {
		ref := m.referrals[id]
		referrer := m.accounts[ref.ReferrerID]
		referred := m.accounts[ref.ReferredID]
		c := model.ScanCandidate{Referral: *ref}
		if referrer != nil {
			c.ReferrerIP = referrer.SignupIP
			c.ReferrerDevice = referrer.DeviceFingerprint
		}
		if referred != nil {
			c.ReferredIP = referred.SignupIP
			c.ReferredDevice = referred.DeviceFingerprint
			c.ReferredCreatedAt = referred.CreatedAt
		}
		res = append(res, c)
	}
	return res, nil
}

// CountQualifiedReferrals считает рефералы пригласившего, квалифицированные в интервале [from, to].
func (m *MemoryRepository) CountQualifiedReferrals(_ context.Context, referrerID int64, from, to time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, ref := range m.referrals {
		if ref.ReferrerID != referrerID || ref.QualifiedAt == nil {
			continue
		}
		if !ref.QualifiedAt.Before(from) && !ref.QualifiedAt.After(to) {
			n++
		}
	}
	return n, nil
}

// CreateFlag создаёт флаг, если для пары (реферал, правило) его ещё нет.
func (m *MemoryRepository) CreateFlag(_ context.Context, f model.FraudFlag) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.flags {
		if existing.Rule == f.Rule && sameReferral(existing.ReferralID, f.ReferralID) {
			return false, nil
		}
	}

	m.nextFlagID++
	f.ID = m.nextFlagID
	f.Status = model.FlagPendingReview
	m.flags[f.ID] = &f
	return true, nil
}

func sameReferral(a, b *int64) bool {
	if a == nil || b == nil {
		// NULL в уникальном индексе PostgreSQL не конфликтует.
		return false
	}
	return *a == *b
}

// ListFlags возвращает флаги по фильтру, новые первыми.
func (m *MemoryRepository) ListFlags(_ context.Context, filter model.FlagFilter) ([]model.FraudFlag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	var all []model.FraudFlag
	for _, f := range m.flags {
		if filter.Status != "" && f.Status != filter.Status {
			continue
		}
		if filter.Severity != "" && f.Severity != filter.Severity {
			continue
		}
		if filter.Rule != "" && f.Rule != filter.Rule {
			continue
		}
		if filter.ReferralID != 0 && (f.ReferralID == nil || *f.ReferralID != filter.ReferralID) {
			continue
		}
		all = append(all, *f)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	if filter.Offset >= len(all) {
		return nil, nil
	}
	all = all[filter.Offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// GetFlag возвращает флаг по идентификатору.
func (m *MemoryRepository) GetFlag(_ context.Context, id int64) (*model.FraudFlag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.flags[id]
	if !ok {
		return nil, ErrFlagNotFound
	}
	cp := *f
	return &cp, nil
}

// ResolveFlag фиксирует решение по флагу.
func (m *MemoryRepository) ResolveFlag(_ context.Context, id int64, status model.FlagStatus, resolvedBy int64, note string, at time.Time) (*model.FraudFlag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.flags[id]
	if !ok {
		return nil, ErrFlagNotFound
	}
	if f.Status != model.FlagPendingReview {
		return nil, ErrFlagAlreadyResolved
	}

	f.Status = status
	by := resolvedBy
	f.ResolvedBy = &by
	f.Note = note
	ra := at
	f.ResolvedAt = &ra

	cp := *f
	return &cp, nil
}

// FraudStats собирает агрегаты для панели антифрода.
func (m *MemoryRepository) FraudStats(_ context.Context) (*model.FraudStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &model.FraudStats{
		FlagsByStatus:    map[model.FlagStatus]int64{},
		FlagsBySeverity:  map[model.FlagSeverity]int64{},
		FlagsByRule:      map[model.FraudRule]int64{},
		ReferralsByState: map[model.ReferralState]int64{},
	}

	flagged := map[int64]struct{}{}
	for _, f := range m.flags {
		stats.FlagsByStatus[f.Status]++
		stats.FlagsBySeverity[f.Severity]++
		stats.FlagsByRule[f.Rule]++
		if f.Status != model.FlagFalsePositive {
			flagged[f.AccountID] = struct{}{}
		}
		if stats.LastFlagCreatedAt == nil || f.CreatedAt.After(*stats.LastFlagCreatedAt) {
			at := f.CreatedAt
			stats.LastFlagCreatedAt = &at
		}
	}
	stats.FlaggedReferrers = int64(len(flagged))

	for _, ref := range m.referrals {
		stats.ReferralsByState[ref.State]++
	}

	for _, rw := range m.rewards {
		switch rw.Status {
		case model.RewardStatusIssued:
			stats.RewardsIssued++
			stats.PointsIssued += rw.Amount
		case model.RewardStatusReversed:
			stats.RewardsIssued++
			stats.PointsIssued += rw.Amount
			stats.RewardsReversed++
			stats.PointsReversed += rw.Amount
		}
	}

	return stats, nil
}
