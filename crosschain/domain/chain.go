package domain

import (
	"fmt"
	"strings"
	"time"
)

// ChainConfig é estático, carregado na subida.
type ChainConfig struct {
	ChainID               string        `yaml:"chainId"`
	MaxConcurrentOps      int           `yaml:"maxConcurrentOps"`
	MaxQueueSize          int           `yaml:"maxQueueSize"`
	AvgBlockTime          time.Duration `yaml:"avgBlockTime"`
	ConfirmationsRequired int           `yaml:"confirmationsRequired"`
	// Capacity em unidades de custo. 0 => MaxConcurrentOps × 10.
	Capacity int64 `yaml:"capacity"`
}

func (c ChainConfig) Validate() error {
	switch {
	case strings.TrimSpace(c.ChainID) == "":
		return fmt.Errorf("%w: empty chain id", ErrInvalidConfig)
	case c.MaxConcurrentOps <= 0:
		return fmt.Errorf("%w: chain %q maxConcurrentOps must be > 0", ErrInvalidConfig, c.ChainID)
	case c.MaxQueueSize < 0:
		return fmt.Errorf("%w: chain %q maxQueueSize must be >= 0", ErrInvalidConfig, c.ChainID)
	case c.AvgBlockTime <= 0:
		return fmt.Errorf("%w: chain %q avgBlockTime must be > 0", ErrInvalidConfig, c.ChainID)
	case c.ConfirmationsRequired < 0 || c.Capacity < 0:
		return fmt.Errorf("%w: chain %q has negative confirmations/capacity", ErrInvalidConfig, c.ChainID)
	}
	return nil
}

func (c ChainConfig) TotalCapacity() int64 {
	if c.Capacity > 0 {
		return c.Capacity
	}
	return int64(c.MaxConcurrentOps) * 10
}

// ProcessingTime estima quanto uma operação ocupa a cadeia: bloco médio × confirmações.
func (c ChainConfig) ProcessingTime() time.Duration {
	return c.AvgBlockTime * time.Duration(max(c.ConfirmationsRequired, 1))
}

// DefaultChains: Ethereum e Bitcoin, as duas pernas do swap.
func DefaultChains() []ChainConfig {
	return []ChainConfig{
		{ChainID: "ethereum", MaxConcurrentOps: 50, MaxQueueSize: 500, AvgBlockTime: 12 * time.Second, ConfirmationsRequired: 12},
		{ChainID: "bitcoin", MaxConcurrentOps: 20, MaxQueueSize: 200, AvgBlockTime: 10 * time.Minute, ConfirmationsRequired: 3},
	}
}
