// Package core defines user tiers and their limits.
package core

import (
	"strings"
)

// Tier identifies a rate limit profile assigned to a user.
type Tier string

const (
	TierFree       Tier = "FREE"
	TierBasic      Tier = "BASIC"
	TierPremium    Tier = "PREMIUM"
	TierEnterprise Tier = "ENTERPRISE"
	TierUnlimited  Tier = "UNLIMITED"
)

// TierLimits captures the fixed attributes of a tier.
type TierLimits struct {
	Tier              Tier
	DisplayName       string
	RequestsPerMinute int64
	BurstCapacity     int64
	DailyQuota        int64
	MonthlyQuota      int64
}

// Unlimited reports whether the tier enforces no quotas.
func (l TierLimits) Unlimited() bool {
	return l.Tier == TierUnlimited
}

// ParseTier validates a tier name.
func ParseTier(name string) (Tier, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "FREE":
		return TierFree, nil
	case "BASIC":
		return TierBasic, nil
	case "PREMIUM":
		return TierPremium, nil
	case "ENTERPRISE":
		return TierEnterprise, nil
	case "UNLIMITED":
		return TierUnlimited, nil
	default:
		return "", Wrap(CodeInvalidInput, "unknown tier: "+name, nil)
	}
}

// DefaultTierTable returns the built-in tier attributes.
func DefaultTierTable() map[Tier]TierLimits {
	return map[Tier]TierLimits{
		TierFree: {
			Tier:              TierFree,
			DisplayName:       "Free",
			RequestsPerMinute: 10,
			BurstCapacity:     10,
			DailyQuota:        100,
			MonthlyQuota:      1000,
		},
		TierBasic: {
			Tier:              TierBasic,
			DisplayName:       "Basic",
			RequestsPerMinute: 60,
			BurstCapacity:     90,
			DailyQuota:        5000,
			MonthlyQuota:      100000,
		},
		TierPremium: {
			Tier:              TierPremium,
			DisplayName:       "Premium",
			RequestsPerMinute: 300,
			BurstCapacity:     450,
			DailyQuota:        50000,
			MonthlyQuota:      1000000,
		},
		TierEnterprise: {
			Tier:              TierEnterprise,
			DisplayName:       "Enterprise",
			RequestsPerMinute: 1000,
			BurstCapacity:     2000,
			DailyQuota:        500000,
			MonthlyQuota:      10000000,
		},
		TierUnlimited: {
			Tier:              TierUnlimited,
			DisplayName:       "Unlimited",
			RequestsPerMinute: 0,
			BurstCapacity:     0,
			DailyQuota:        0,
			MonthlyQuota:      0,
		},
	}
}
