package domain

import (
	"fmt"
	"math/big"
	"time"
)

// Limits agrupa os limites cross-chain. Contagem 0 ou valor nil desliga o limite.
type Limits struct {
	// MaxConcurrentOperations é o teto global de operações ativas.
	MaxConcurrentOperations int `yaml:"maxConcurrentOperations"`

	UserWindow        time.Duration `yaml:"userWindow"`
	MaxUserOperations int           `yaml:"maxUserOperations"`

	// Por usuário e cadeia.
	ChainWindow        time.Duration `yaml:"chainWindow"`
	MaxChainOperations int           `yaml:"maxChainOperations"`
	BaseCooldown       time.Duration `yaml:"baseCooldown"`
	MaxCooldown        time.Duration `yaml:"maxCooldown"`

	// Por usuário e tipo de operação.
	TypeWindow        time.Duration                   `yaml:"typeWindow"`
	MaxTypeOperations map[OperationType]int           `yaml:"maxTypeOperations"`
	MinInterval       map[OperationType]time.Duration `yaml:"minInterval"`

	Economic EconomicLimits `yaml:"economic"`
}

type EconomicLimits struct {
	MaxValuePerOperation *big.Int      `yaml:"-"`
	MaxValuePerWindow    *big.Int      `yaml:"-"`
	ValueWindow          time.Duration `yaml:"valueWindow"`
	MaxDailyValue        *big.Int      `yaml:"-"`
	MaxLifetimeValue     *big.Int      `yaml:"-"`
}

func ethers(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), Ether) }

func DefaultLimits() Limits {
	return Limits{
		MaxConcurrentOperations: 100,
		UserWindow:              time.Hour,
		MaxUserOperations:       10,
		ChainWindow:             10 * time.Minute,
		MaxChainOperations:      5,
		BaseCooldown:            time.Minute,
		MaxCooldown:             time.Hour,
		TypeWindow:              time.Hour,
		MaxTypeOperations: map[OperationType]int{
			SwapInitiate: 5,
			SwapRedeem:   10,
			SwapRefund:   3,
		},
		MinInterval: map[OperationType]time.Duration{
			SwapInitiate: 30 * time.Second,
			SwapRedeem:   10 * time.Second,
			SwapRefund:   time.Minute,
		},
		Economic: EconomicLimits{
			MaxValuePerOperation: ethers(100),
			MaxValuePerWindow:    ethers(500),
			ValueWindow:          time.Hour,
			MaxDailyValue:        ethers(1000),
		},
	}
}

func (l Limits) Validate() error {
	if l.MaxConcurrentOperations < 0 || l.MaxUserOperations < 0 || l.MaxChainOperations < 0 {
		return fmt.Errorf("%w: negative operation limit", ErrInvalidConfig)
	}
	if l.MaxUserOperations > 0 && l.UserWindow <= 0 {
		return fmt.Errorf("%w: userWindow must be > 0", ErrInvalidConfig)
	}
	if l.MaxChainOperations > 0 && l.ChainWindow <= 0 {
		return fmt.Errorf("%w: chainWindow must be > 0", ErrInvalidConfig)
	}
	if l.BaseCooldown < 0 || l.MaxCooldown < 0 {
		return fmt.Errorf("%w: negative cooldown", ErrInvalidConfig)
	}
	for t, n := range l.MaxTypeOperations {
		if n > 0 && l.TypeWindow <= 0 {
			return fmt.Errorf("%w: typeWindow must be > 0 when %s is limited", ErrInvalidConfig, t)
		}
	}
	e := l.Economic
	for _, v := range []*big.Int{e.MaxValuePerOperation, e.MaxValuePerWindow, e.MaxDailyValue, e.MaxLifetimeValue} {
		if v != nil && v.Sign() < 0 {
			return fmt.Errorf("%w: negative economic limit", ErrInvalidConfig)
		}
	}
	if e.MaxValuePerWindow != nil && e.ValueWindow <= 0 {
		return fmt.Errorf("%w: valueWindow must be > 0", ErrInvalidConfig)
	}
	return nil
}

// Cooldown após a n-ésima falha: min(Base × 2^(n-1), Max).
func (l Limits) Cooldown(violations int) time.Duration {
	if violations <= 0 || l.BaseCooldown <= 0 {
		return 0
	}
	d := l.BaseCooldown
	for i := 1; i < violations; i++ {
		d *= 2
		if l.MaxCooldown > 0 && d >= l.MaxCooldown {
			return l.MaxCooldown
		}
	}
	if l.MaxCooldown > 0 && d > l.MaxCooldown {
		return l.MaxCooldown
	}
	return d
}
