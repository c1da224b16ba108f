package model

import "time"

// ReferralState описывает этап жизненного цикла реферальной связи.
type ReferralState string

const (
	ReferralPending      ReferralState = "pending"
	ReferralQualified    ReferralState = "qualified"
	ReferralRewarded     ReferralState = "rewarded"
	ReferralFraudFlagged ReferralState = "fraud_flagged"
	ReferralExpired      ReferralState = "expired"
)

// CanTransition сообщает, допустим ли переход из текущего состояния в to.
// Переходы только вперёд; в fraud_flagged можно попасть из любого другого состояния.
func (s ReferralState) CanTransition(to ReferralState) bool {
	switch to {
	case ReferralQualified, ReferralExpired:
		return s == ReferralPending
	case ReferralRewarded:
		return s == ReferralQualified
	case ReferralFraudFlagged:
		switch s {
		case ReferralPending, ReferralQualified, ReferralRewarded, ReferralExpired:
			return true
		}
	}
	return false
}

// Referral - связь между пригласившим и приглашённым пользователями.
type Referral struct {
	ID              int64         `json:"id"`
	ReferrerID      int64         `json:"referrer_id"`
	ReferredID      int64         `json:"referred_id"`
	CodeUsed        string        `json:"code_used"`
	State           ReferralState `json:"state"`
	QualifyingOrder string        `json:"qualifying_order,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	QualifiedAt     *time.Time    `json:"qualified_at,omitempty"`
	RewardedAt      *time.Time    `json:"rewarded_at,omitempty"`
}

// QualificationEvent порождается при переводе реферала в qualified.
type QualificationEvent struct {
	Referral    Referral
	OrderNumber string
	// OrderAmount равен 0, если событие передаётся повторно по ранее квалифицировавшему заказу.
	OrderAmount int64
}
