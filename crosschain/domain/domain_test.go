package domain

import (
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"
)

func TestParseValue(t *testing.T) {
	v, err := ParseValue("1000000000000000000")
	if err != nil || v.Cmp(Ether) != 0 {
		t.Fatalf("expected 1 ether, got %v (err=%v)", v, err)
	}
	v, err = ParseValue("0x10")
	if err != nil || v.Int64() != 16 {
		t.Fatalf("expected hex 16, got %v (err=%v)", v, err)
	}
	for _, bad := range []string{"", "abc", "-1", "0x1" + strings.Repeat("0", 64)} {
		if _, err := ParseValue(bad); !errors.Is(err, ErrInvalidOperation) {
			t.Fatalf("expected ErrInvalidOperation for %q, got %v", bad, err)
		}
	}
}

func TestDefaultCost_TypeTimesValueTier(t *testing.T) {
	half := new(big.Int).Div(Ether, big.NewInt(2))
	five := new(big.Int).Mul(Ether, big.NewInt(5))
	fifty := new(big.Int).Mul(Ether, big.NewInt(50))

	cases := []struct {
		typ  OperationType
		v    *big.Int
		want int64
	}{
		{SwapRedeem, half, 1},
		{SwapRedeem, five, 2},
		{SwapRedeem, fifty, 3},
		{SwapInitiate, half, 2},
		{SwapInitiate, fifty, 6},
		{SwapRefund, nil, 1},
	}
	for _, c := range cases {
		if got := DefaultCost(Operation{Type: c.typ, Value: c.v}); got != c.want {
			t.Fatalf("cost(%s, %v) = %d, want %d", c.typ, c.v, got, c.want)
		}
	}
}

func TestLimits_CooldownEscalatesAndCaps(t *testing.T) {
	l := Limits{BaseCooldown: time.Minute, MaxCooldown: 5 * time.Minute}
	want := []time.Duration{0, time.Minute, 2 * time.Minute, 4 * time.Minute, 5 * time.Minute, 5 * time.Minute}
	for n, w := range want {
		if got := l.Cooldown(n); got != w {
			t.Fatalf("cooldown(%d) = %s, want %s", n, got, w)
		}
	}
}

func TestChainConfig_Defaults(t *testing.T) {
	c := ChainConfig{ChainID: "eth", MaxConcurrentOps: 3, AvgBlockTime: 12 * time.Second, ConfirmationsRequired: 2}
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.TotalCapacity() != 30 {
		t.Fatalf("expected capacity 30, got %d", c.TotalCapacity())
	}
	if c.ProcessingTime() != 24*time.Second {
		t.Fatalf("expected 24s, got %s", c.ProcessingTime())
	}
	if err := (ChainConfig{ChainID: "x"}).Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestOperationRequest_Validate(t *testing.T) {
	ok := OperationRequest{UserID: "u", Type: SwapInitiate, SourceChain: "a", DestinationChain: "b", Value: big.NewInt(1)}
	if err := ok.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bad := ok
	bad.Value = big.NewInt(-1)
	if err := bad.Validate(); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation, got %v", err)
	}
	bad = ok
	bad.Type = "swap_teleport"
	if err := bad.Validate(); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation, got %v", err)
	}
}
