package state

import (
	"errors"
	"fmt"
	"math"
)

// StateVersion identifies the on-disk layout of escrow, dispute and ledger
// records. Increment it whenever a stored encoding changes incompatibly.
const StateVersion uint32 = 1

var (
	stateVersionKey = []byte("brm/state/version")
	// ErrStateVersionMismatch indicates the stored schema version does not
	// match the version supported by the current binary.
	ErrStateVersionMismatch = errors.New("state: schema version mismatch")
)

// StateVersion returns the stored schema version and whether one was present.
func (m *Manager) StateVersion() (uint32, bool, error) {
	var stored uint64
	var ok bool
	err := m.View(func(tx *Tx) error {
		var err error
		ok, err = tx.KVGet(stateVersionKey, &stored)
		return err
	})
	if err != nil || !ok {
		return 0, false, err
	}
	if stored > uint64(math.MaxUint32) {
		return 0, false, fmt.Errorf("state: schema version overflow: %d", stored)
	}
	return uint32(stored), true, nil
}

// EnsureStateVersion stamps an empty database with StateVersion and rejects
// one written under a different layout.
func (m *Manager) EnsureStateVersion() error {
	return m.Update(func(tx *Tx) error {
		var stored uint64
		ok, err := tx.KVGet(stateVersionKey, &stored)
		if err != nil {
			return err
		}
		if !ok {
			return tx.KVPut(stateVersionKey, uint64(StateVersion))
		}
		if stored != uint64(StateVersion) {
			return fmt.Errorf("%w: on-disk=%d expected=%d", ErrStateVersionMismatch, stored, StateVersion)
		}
		return nil
	})
}
