package state

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	brmerrors "brm/core/errors"
)

var (
	ledgerBalancePrefix = []byte("ledger/balance/")
	ledgerSupplyKey     = []byte("ledger/supply")
)

func balanceKey(addr [20]byte) []byte {
	buf := make([]byte, len(ledgerBalancePrefix)+len(addr))
	copy(buf, ledgerBalancePrefix)
	copy(buf[len(ledgerBalancePrefix):], addr[:])
	return buf
}

func (tx *Tx) loadUint(key []byte) (*uint256.Int, error) {
	stored := new(big.Int)
	ok, err := tx.KVGet(key, stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return new(uint256.Int), nil
	}
	value, overflow := uint256.FromBig(stored)
	if overflow {
		return nil, fmt.Errorf("ledger: stored value exceeds 256 bits")
	}
	return value, nil
}

func (tx *Tx) storeUint(key []byte, value *uint256.Int) error {
	return tx.KVPut(key, value.ToBig())
}

func toUint(amount *big.Int) (*uint256.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, fmt.Errorf("%w: amount must be non-negative", brmerrors.ErrInvalidAmount)
	}
	value, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, fmt.Errorf("%w: amount exceeds 256 bits", brmerrors.ErrInvalidAmount)
	}
	return value, nil
}

// Balance returns the ledger balance of addr.
func (tx *Tx) Balance(addr [20]byte) (*big.Int, error) {
	value, err := tx.loadUint(balanceKey(addr))
	if err != nil {
		return nil, err
	}
	return value.ToBig(), nil
}

// Transfer moves amount from one account to another. Balances never go
// negative: an underfunded sender yields ErrInsufficientBalance and leaves
// both accounts untouched.
func (tx *Tx) Transfer(from, to [20]byte, amount *big.Int) error {
	amt, err := toUint(amount)
	if err != nil {
		return err
	}
	if amt.IsZero() || from == to {
		return nil
	}
	fromBal, err := tx.loadUint(balanceKey(from))
	if err != nil {
		return err
	}
	toBal, err := tx.loadUint(balanceKey(to))
	if err != nil {
		return err
	}
	nextFrom, underflow := new(uint256.Int).SubOverflow(fromBal, amt)
	if underflow {
		return fmt.Errorf("%w: have %s, need %s", brmerrors.ErrInsufficientBalance, fromBal.Dec(), amt.Dec())
	}
	nextTo, overflow := new(uint256.Int).AddOverflow(toBal, amt)
	if overflow {
		return fmt.Errorf("ledger: credit overflow")
	}
	if err := tx.storeUint(balanceKey(from), nextFrom); err != nil {
		return err
	}
	return tx.storeUint(balanceKey(to), nextTo)
}

// Mint credits new units to addr and grows the total supply. It is reserved
// for genesis allocations and test fixtures.
func (tx *Tx) Mint(to [20]byte, amount *big.Int) error {
	amt, err := toUint(amount)
	if err != nil {
		return err
	}
	if amt.IsZero() {
		return nil
	}
	bal, err := tx.loadUint(balanceKey(to))
	if err != nil {
		return err
	}
	supply, err := tx.loadUint(ledgerSupplyKey)
	if err != nil {
		return err
	}
	nextBal, overflow := new(uint256.Int).AddOverflow(bal, amt)
	if overflow {
		return fmt.Errorf("ledger: balance overflow")
	}
	nextSupply, overflow := new(uint256.Int).AddOverflow(supply, amt)
	if overflow {
		return fmt.Errorf("ledger: supply overflow")
	}
	if err := tx.storeUint(balanceKey(to), nextBal); err != nil {
		return err
	}
	return tx.storeUint(ledgerSupplyKey, nextSupply)
}

// TotalSupply returns the sum of all minted units.
func (tx *Tx) TotalSupply() (*big.Int, error) {
	value, err := tx.loadUint(ledgerSupplyKey)
	if err != nil {
		return nil, err
	}
	return value.ToBig(), nil
}

// Balance is a read-only convenience wrapper around Tx.Balance.
func (m *Manager) Balance(addr [20]byte) (*big.Int, error) {
	var out *big.Int
	err := m.View(func(tx *Tx) error {
		bal, err := tx.Balance(addr)
		out = bal
		return err
	})
	return out, err
}

// Mint is a convenience wrapper that mints inside its own transaction.
func (m *Manager) Mint(to [20]byte, amount *big.Int) error {
	return m.Update(func(tx *Tx) error { return tx.Mint(to, amount) })
}
