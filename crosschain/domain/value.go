package domain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/math"
)

// ParseValue aceita decimal ou hex com 0x, limitado a 256 bits e não negativo.
func ParseValue(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty value", ErrInvalidOperation)
	}
	v, ok := math.ParseBig256(s)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%w: malformed value %q", ErrInvalidOperation, s)
	}
	return v, nil
}

// CostFunc traduz uma operação em unidades de capacidade.
type CostFunc func(op Operation) int64

// TypeCostMultiplier é o peso por tipo usado por DefaultCost.
var TypeCostMultiplier = map[OperationType]int64{
	SwapInitiate: 2,
	SwapRedeem:   1,
	SwapRefund:   1,
}

// Ether é a unidade de valor (10^18 unidades base).
var (
	Ether    = math.BigPow(10, 18)
	tenEther = math.BigPow(10, 19)
)

// DefaultCost = peso do tipo × faixa de valor (1 abaixo de 1 ether, 2 abaixo de 10, 3 acima).
func DefaultCost(op Operation) int64 {
	mult, ok := TypeCostMultiplier[op.Type]
	if !ok {
		mult = 1
	}
	return mult * valueTier(op.Value)
}

func valueTier(v *big.Int) int64 {
	switch {
	case v == nil || v.Cmp(Ether) < 0:
		return 1
	case v.Cmp(tenEther) < 0:
		return 2
	}
	return 3
}
