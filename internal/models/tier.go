package models

import "strings"

// Tier is a subscription level. Tiers are ordered; rank comparisons drive
// "minimum" model access rules.
type Tier string

const (
	TierFree          Tier = "free"
	TierPro           Tier = "pro"
	TierProMax        Tier = "pro_max"
	TierEnterprisePro Tier = "enterprise_pro"
	TierEnterpriseMax Tier = "enterprise_max"
	TierPerpetual     Tier = "perpetual"
)

var tierRank = map[Tier]int{
	TierFree:          0,
	TierPro:           1,
	TierProMax:        2,
	TierEnterprisePro: 3,
	TierEnterpriseMax: 4,
	TierPerpetual:     5,
}

// AllTiers lists every tier in ascending order.
var AllTiers = []Tier{
	TierFree,
	TierPro,
	TierProMax,
	TierEnterprisePro,
	TierEnterpriseMax,
	TierPerpetual,
}

// NormalizeTier maps arbitrary input to a known tier, defaulting to free so
// an unrecognized snapshot never grants elevated access.
func NormalizeTier(s string) Tier {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := tierRank[t]; ok {
		return t
	}
	return TierFree
}

func (t Tier) Valid() bool {
	_, ok := tierRank[t]
	return ok
}

// Rank returns the tier's position in the ordered tier list, or -1 for an
// unknown tier.
func (t Tier) Rank() int {
	if r, ok := tierRank[t]; ok {
		return r
	}
	return -1
}

// AtLeast reports whether t ranks at or above required.
func (t Tier) AtLeast(required Tier) bool {
	tr, ok := tierRank[t]
	if !ok {
		return false
	}
	rr, ok := tierRank[required]
	if !ok {
		return false
	}
	return tr >= rr
}
