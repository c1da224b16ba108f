package model

import "time"

// Reason - код причины изменения баланса.
type Reason string

const (
	ReasonOrderAccrual   Reason = "order_accrual"
	ReasonReferralReward Reason = "referral_reward"
	ReasonRefereeBonus   Reason = "referee_bonus"
	ReasonRedemption     Reason = "redemption"
	ReasonReversal       Reason = "reversal"
	ReasonAdjustment     Reason = "adjustment"
)

// Valid сообщает, известна ли причина.
func (r Reason) Valid() bool {
	switch r {
	case ReasonOrderAccrual, ReasonReferralReward, ReasonRefereeBonus,
		ReasonRedemption, ReasonReversal, ReasonAdjustment:
		return true
	}
	return false
}

// IsDebit сообщает, что причина всегда уменьшает баланс и требует достаточного остатка.
func (r Reason) IsDebit() bool {
	return r == ReasonRedemption
}

// IsCredit сообщает, что причина всегда увеличивает баланс.
func (r Reason) IsCredit() bool {
	switch r {
	case ReasonOrderAccrual, ReasonReferralReward, ReasonRefereeBonus:
		return true
	}
	return false
}

// AllowsNegative сообщает, может ли запись с этой причиной увести баланс ниже нуля.
// Компенсирующие записи отражают уже случившийся факт и не отклоняются.
func (r Reason) AllowsNegative() bool {
	return r == ReasonReversal || r == ReasonAdjustment
}

// LedgerEntry - неизменяемая запись журнала баллов.
type LedgerEntry struct {
	ID           int64     `json:"id"`
	AccountID    int64     `json:"account_id"`
	Delta        int64     `json:"delta"`
	Reason       Reason    `json:"reason"`
	Reference    string    `json:"reference,omitempty"`
	BalanceAfter int64     `json:"balance_after"`
	CreatedAt    time.Time `json:"created_at"`
}

// LedgerFilter ограничивает выборку записей журнала.
type LedgerFilter struct {
	Reason Reason
	Limit  int
}

// RewardStatus описывает состояние награды.
type RewardStatus string

const (
	RewardStatusPending  RewardStatus = "pending"
	RewardStatusIssued   RewardStatus = "issued"
	RewardStatusReversed RewardStatus = "reversed"
)

// Reward - разовое начисление, привязанное ровно к одному событию.
type Reward struct {
	ID             int64        `json:"id"`
	IdempotencyKey string       `json:"idempotency_key"`
	BeneficiaryID  int64        `json:"beneficiary_id"`
	ReferralID     *int64       `json:"referral_id,omitempty"`
	Amount         int64        `json:"amount"`
	Reason         Reason       `json:"reason"`
	Status         RewardStatus `json:"status"`
	LedgerEntryID  *int64       `json:"ledger_entry_id,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	IssuedAt       *time.Time   `json:"issued_at,omitempty"`
	ReversedAt     *time.Time   `json:"reversed_at,omitempty"`
}
