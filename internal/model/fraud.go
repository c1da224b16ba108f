package model

import "time"

// FraudRule - эвристика, которой сработал флаг.
type FraudRule string

const (
	RuleSharedFingerprint  FraudRule = "shared_fingerprint"
	RuleReferrerVelocity   FraudRule = "referrer_velocity"
	RuleRapidQualification FraudRule = "rapid_qualification"
)

// FlagSeverity - серьёзность флага, определяется правилом.
type FlagSeverity string

const (
	SeverityLow    FlagSeverity = "low"
	SeverityMedium FlagSeverity = "medium"
	SeverityHigh   FlagSeverity = "high"
)

// Severity возвращает серьёзность, закреплённую за правилом.
func (r FraudRule) Severity() FlagSeverity {
	switch r {
	case RuleSharedFingerprint:
		return SeverityHigh
	case RuleReferrerVelocity:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// FlagStatus - статус рассмотрения флага.
type FlagStatus string

const (
	FlagPendingReview FlagStatus = "pending_review"
	FlagConfirmed     FlagStatus = "confirmed"
	FlagFalsePositive FlagStatus = "false_positive"
)

// Valid сообщает, известен ли статус.
func (s FlagStatus) Valid() bool {
	switch s {
	case FlagPendingReview, FlagConfirmed, FlagFalsePositive:
		return true
	}
	return false
}

// FraudFlag - отметка о подозрительной активности, требующая ручной проверки.
type FraudFlag struct {
	ID         int64        `json:"id"`
	ReferralID *int64       `json:"referral_id,omitempty"`
	AccountID  int64        `json:"account_id"`
	Rule       FraudRule    `json:"rule"`
	Severity   FlagSeverity `json:"severity"`
	Status     FlagStatus   `json:"status"`
	Evidence   string       `json:"evidence"`
	ResolvedBy *int64       `json:"resolved_by,omitempty"`
	Note       string       `json:"note,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	ResolvedAt *time.Time   `json:"resolved_at,omitempty"`
}

// FlagFilter ограничивает выборку флагов.
type FlagFilter struct {
	Status     FlagStatus
	Severity   FlagSeverity
	Rule       FraudRule
	ReferralID int64
	Limit      int
	Offset     int
}

// ScanCandidate - реферал вместе с данными обеих сторон, нужными эвристикам.
type ScanCandidate struct {
	Referral          Referral
	ReferrerIP        string
	ReferrerDevice    string
	ReferredIP        string
	ReferredDevice    string
	ReferredCreatedAt time.Time
}

// FraudStats - агрегаты для панели антифрода.
type FraudStats struct {
	FlagsByStatus     map[FlagStatus]int64    `json:"flags_by_status"`
	FlagsBySeverity   map[FlagSeverity]int64  `json:"flags_by_severity"`
	FlagsByRule       map[FraudRule]int64     `json:"flags_by_rule"`
	ReferralsByState  map[ReferralState]int64 `json:"referrals_by_state"`
	RewardsIssued     int64                   `json:"rewards_issued"`
	PointsIssued      int64                   `json:"points_issued"`
	RewardsReversed   int64                   `json:"rewards_reversed"`
	PointsReversed    int64                   `json:"points_reversed"`
	FlaggedReferrers  int64                   `json:"flagged_referrers"`
	LastFlagCreatedAt *time.Time              `json:"last_flag_created_at,omitempty"`
}
