package config

import (
	"fmt"
	"math/big"
	"strings"

	"brm/crypto"
)

// Allocation is a parsed genesis credit.
type Allocation struct {
	Address [20]byte
	Amount  *big.Int
}

// TreasuryAddress parses the configured protocol treasury.
func (c *Config) TreasuryAddress() ([20]byte, error) {
	addr, err := crypto.ParseAccount(c.Treasury)
	if err != nil {
		return [20]byte{}, wrapField("Treasury", err)
	}
	return addr, nil
}

// Allocations parses the genesis section into runtime values.
func (c *Config) Allocations() ([]Allocation, error) {
	out := make([]Allocation, 0, len(c.Genesis))
	for i, alloc := range c.Genesis {
		addr, err := crypto.ParseAccount(alloc.Address)
		if err != nil {
			return nil, wrapField(fmt.Sprintf("Genesis[%d].Address", i), err)
		}
		amount, err := parseUintAmount(alloc.Amount)
		if err != nil {
			return nil, wrapField(fmt.Sprintf("Genesis[%d].Amount", i), err)
		}
		if amount.Sign() == 0 {
			return nil, wrapField(fmt.Sprintf("Genesis[%d].Amount", i), fmt.Errorf("must be positive"))
		}
		out = append(out, Allocation{Address: addr, Amount: amount})
	}
	return out, nil
}

func parseUintAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%q is not a base-10 integer", raw)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("%q must not be negative", raw)
	}
	return value, nil
}
