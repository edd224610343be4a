package domain

import (
	"fmt"
	"strings"
)

// Tier is a stage of data refinement.
type Tier string

const (
	TierStaging   Tier = "staging"
	TierWarehouse Tier = "warehouse"
	TierMart      Tier = "mart"
)

// Tiers lists the tiers in refinement order.
func Tiers() []Tier {
	return []Tier{TierStaging, TierWarehouse, TierMart}
}

// ParseTier accepts canonical names plus the short aliases used by operators.
func ParseTier(value string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(TierStaging), "stg":
		return TierStaging, nil
	case string(TierWarehouse), "dwh":
		return TierWarehouse, nil
	case string(TierMart):
		return TierMart, nil
	default:
		return "", fmt.Errorf("unknown tier %q", value)
	}
}

func (t Tier) String() string {
	return string(t)
}
