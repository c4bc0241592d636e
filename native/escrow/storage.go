package escrow

import (
	"encoding/binary"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"brm/core/state"
	"brm/crypto"
)

var (
	escrowRecordPrefix = []byte("escrow/record/")
	escrowOpenPrefix   = []byte("escrow/open/")
)

// DeriveID returns keccak256(client, freelancer, nonce) with the nonce encoded
// as eight big-endian bytes.
func DeriveID(client, freelancer [20]byte, nonce uint64) [32]byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	return ethcrypto.Keccak256Hash(client[:], freelancer[:], buf[:])
}

// CustodyAddress is the ledger account holding an escrow's milestone and bonds.
func CustodyAddress(id [32]byte) [20]byte {
	return crypto.DeriveAddress("brm/escrow/custody", id)
}

func escrowKey(id [32]byte) []byte {
	return append(append([]byte(nil), escrowRecordPrefix...), id[:]...)
}

type storedEscrow struct {
	ID              [32]byte
	Client          [20]byte
	Freelancer      [20]byte
	MilestoneValue  *big.Int
	BondValue       *big.Int
	Status          uint8
	EvidenceRef     [32]byte
	CreatedAt       uint64
	FundedAt        uint64
	SubmittedAt     uint64
	DisputeOpenedAt uint64
	ResolvedAt      uint64
	DisputeID       [32]byte
	HasDispute      bool
	Resolution      uint8
}

func putEscrow(tx *state.Tx, e *Escrow) error {
	if !e.Status.Valid() {
		return fmt.Errorf("escrow: refusing to persist invalid status %d", e.Status)
	}
	return tx.KVPut(escrowKey(e.ID), &storedEscrow{
		ID:              e.ID,
		Client:          e.Client,
		Freelancer:      e.Freelancer,
		MilestoneValue:  cloneBigInt(e.MilestoneValue),
		BondValue:       cloneBigInt(e.BondValue),
		Status:          uint8(e.Status),
		EvidenceRef:     e.EvidenceRef,
		CreatedAt:       uint64(e.CreatedAt),
		FundedAt:        uint64(e.FundedAt),
		SubmittedAt:     uint64(e.SubmittedAt),
		DisputeOpenedAt: uint64(e.DisputeOpenedAt),
		ResolvedAt:      uint64(e.ResolvedAt),
		DisputeID:       e.DisputeID,
		HasDispute:      e.HasDispute,
		Resolution:      uint8(e.Resolution),
	})
}

func getEscrow(tx *state.Tx, id [32]byte) (*Escrow, bool, error) {
	stored := new(storedEscrow)
	ok, err := tx.KVGet(escrowKey(id), stored)
	if err != nil || !ok {
		return nil, false, err
	}
	e := &Escrow{
		ID:              stored.ID,
		Client:          stored.Client,
		Freelancer:      stored.Freelancer,
		MilestoneValue:  cloneBigInt(stored.MilestoneValue),
		BondValue:       cloneBigInt(stored.BondValue),
		Status:          EscrowStatus(stored.Status),
		EvidenceRef:     stored.EvidenceRef,
		CreatedAt:       int64(stored.CreatedAt),
		FundedAt:        int64(stored.FundedAt),
		SubmittedAt:     int64(stored.SubmittedAt),
		DisputeOpenedAt: int64(stored.DisputeOpenedAt),
		ResolvedAt:      int64(stored.ResolvedAt),
		DisputeID:       stored.DisputeID,
		HasDispute:      stored.HasDispute,
		Resolution:      ResolutionKind(stored.Resolution),
	}
	if !e.Status.Valid() {
		return nil, false, fmt.Errorf("escrow: invalid stored status %d", stored.Status)
	}
	return e, true, nil
}

// openKey marks an unresolved escrow. One key per escrow keeps create and
// resolve independent of how many escrows are open.
func openKey(id [32]byte) []byte {
	return append(append([]byte(nil), escrowOpenPrefix...), id[:]...)
}

func markOpen(tx *state.Tx, id [32]byte) error {
	return tx.KVPut(openKey(id), uint64(1))
}

func clearOpen(tx *state.Tx, id [32]byte) error {
	return tx.KVDelete(openKey(id))
}

func openEscrowIDs(tx *state.Tx) ([][32]byte, error) {
	keys, err := tx.KVKeys(escrowOpenPrefix)
	if err != nil {
		return nil, err
	}
	out := make([][32]byte, 0, len(keys))
	for _, key := range keys {
		if len(key) != len(escrowOpenPrefix)+32 {
			return nil, fmt.Errorf("escrow: malformed open index key")
		}
		var id [32]byte
		copy(id[:], key[len(escrowOpenPrefix):])
		out = append(out, id)
	}
	return out, nil
}
