package model

import "fmt"

// Tier is a ranked capability category for worker sessions. Higher tiers are
// stronger (and more expensive) than lower ones.
type Tier string

const (
	// TierBasic is the cheapest capability tier.
	TierBasic Tier = "basic"
	// TierAdvanced is the strongest capability tier.
	TierAdvanced Tier = "advanced"
)

// Tiers lists all known tiers in ascending capability order.
var Tiers = []Tier{TierBasic, TierAdvanced}

var tierRank = map[Tier]int{
	TierBasic:    0,
	TierAdvanced: 1,
}

// Valid returns true when the tier is a known one.
func (t Tier) Valid() bool {
	_, ok := tierRank[t]
	return ok
}

// Covers returns true when a session of tier t can serve a step requiring
// the given tier.
func (t Tier) Covers(required Tier) bool {
	return tierRank[t] >= tierRank[required]
}

// NextTier returns the tier one rank above t, or false when t is already the
// highest tier.
func NextTier(t Tier) (Tier, bool) {
	rank, ok := tierRank[t]
	if !ok || rank+1 >= len(Tiers) {
		return "", false
	}
	return Tiers[rank+1], true
}

// ParseTier validates a raw tier string.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown tier %q: %w", s, ErrNotValid)
	}
	return t, nil
}
