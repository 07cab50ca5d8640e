package domain

import (
	"errors"
	"fmt"
	"math"
)

var ErrInvalidTiers = errors.New("invalid tier multipliers")

type Tier string

const (
	TierFree       Tier = "free"
	TierBasic      Tier = "basic"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// Tiers em ordem crescente de rank.
var Tiers = []Tier{TierFree, TierBasic, TierPremium, TierEnterprise}

func (t Tier) Rank() int {
	for i, v := range Tiers {
		if v == t {
			return i
		}
	}
	return -1
}

// TierMultipliers mapeia tier -> multiplicador da cota.
type TierMultipliers map[Tier]float64

func DefaultTierMultipliers() TierMultipliers {
	return TierMultipliers{
		TierFree:       1,
		TierBasic:      2,
		TierPremium:    5,
		TierEnterprise: 10,
	}
}

// Validate exige multiplicadores positivos e estritamente crescentes por rank.
func (m TierMultipliers) Validate() error {
	prev := 0.0
	for _, t := range Tiers {
		v, ok := m[t]
		if !ok {
			return fmt.Errorf("%w: missing tier %q", ErrInvalidTiers, t)
		}
		if v <= prev {
			return fmt.Errorf("%w: tier %q multiplier %.2f must be > %.2f", ErrInvalidTiers, t, v, prev)
		}
		prev = v
	}
	return nil
}

// Adjust devolve floor(max × multiplicador). Tier desconhecido usa multiplicador 1.
func (m TierMultipliers) Adjust(max int, t Tier) int {
	mult, ok := m[t]
	if !ok {
		mult = 1
	}
	return int(math.Floor(float64(max) * mult))
}
