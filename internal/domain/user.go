package domain

import "time"

// Tier enumerates subscription levels.
type Tier string

const (
	TierFree     Tier = "free"
	TierPlus     Tier = "plus"
	TierPro      Tier = "pro"
	TierFlagship Tier = "flagship"
)

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierPlus, TierPro, TierFlagship:
		return true
	}
	return false
}

// ParseTier normalizes a tier name, returning false for unknown values.
func ParseTier(s string) (Tier, bool) {
	t := Tier(s)
	return t, t.Valid()
}

// RiskStatus enumerates account risk levels.
type RiskStatus string

const (
	RiskNormal     RiskStatus = "normal"
	RiskWarning    RiskStatus = "warning"
	RiskRestricted RiskStatus = "restricted"
	RiskBanned     RiskStatus = "banned"
)

// SignupGrant is the number of points credited when an account is created.
const SignupGrant int64 = 30

// Account is the billing side of a user: balance and subscription. Rate and
// concurrency counters live in QuotaState so that profile writes never touch them.
type Account struct {
	ID                 string
	Email              string
	Locale             string
	WebhookURL         string
	Points             int64
	Tier               Tier
	SubscriptionExpiry *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// EffectiveTier returns the subscription level in force at now.
func (a Account) EffectiveTier(now time.Time) Tier {
	return EffectiveTier(a.Tier, a.SubscriptionExpiry, now)
}

// EffectiveTier applies the expiry rule: paid tiers fall back to free once expired.
func EffectiveTier(tier Tier, expiry *time.Time, now time.Time) Tier {
	if tier == TierFree || !tier.Valid() {
		return TierFree
	}
	if expiry == nil || !expiry.After(now) {
		return TierFree
	}
	return tier
}

// QuotaState is the per-user aggregate mutated by the governor.
type QuotaState struct {
	UserID             string
	ConcurrencyCurrent int
	ConcurrencyMax     int
	LastJobAt          *time.Time
	HourlyCount        int
	HourlyResetAt      *time.Time
	DailyCount         int
	DailyResetAt       *time.Time
	Risk               RiskStatus
	RestrictionExpiry  *time.Time
	UpdatedAt          time.Time
}

// Blocked reports whether the risk status forbids submission at now.
// An expired restriction does not block.
func (q QuotaState) Blocked(now time.Time) bool {
	switch q.Risk {
	case RiskBanned:
		return true
	case RiskRestricted:
		return q.RestrictionExpiry == nil || q.RestrictionExpiry.After(now)
	}
	return false
}
