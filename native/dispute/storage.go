package dispute

import (
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"brm/core/state"
	"brm/crypto"
)

var (
	disputeRecordPrefix  = []byte("dispute/record/")
	disputeDepositPrefix = []byte("dispute/deposit/")
	disputeVotersPrefix  = []byte("dispute/voters/")
)

// IDForEscrow derives the dispute identifier of an escrow. An escrow carries at
// most one dispute, so the identifier is a pure function of the escrow ID.
func IDForEscrow(escrowID [32]byte) [32]byte {
	return ethcrypto.Keccak256Hash([]byte("brm/dispute"), escrowID[:])
}

// PoolAddress is the ledger account holding the public stakes of a dispute.
func PoolAddress(id [32]byte) [20]byte {
	return crypto.DeriveAddress("brm/dispute/pool", id)
}

func recordKey(id [32]byte) []byte {
	return append(append([]byte(nil), disputeRecordPrefix...), id[:]...)
}

func depositKey(id [32]byte, voter [20]byte) []byte {
	buf := append(append([]byte(nil), disputeDepositPrefix...), id[:]...)
	return append(buf, voter[:]...)
}

func votersKey(id [32]byte) []byte {
	return append(append([]byte(nil), disputeVotersPrefix...), id[:]...)
}

type storedDispute struct {
	ID                   [32]byte
	EscrowID             [32]byte
	Status               uint8
	BondValue            *big.Int
	ClientBondPosted     bool
	FreelancerBondPosted bool
	OpenedAt             uint64
	VotingStart          uint64
	VotingEnd            uint64
	TotalStakeFreelancer *big.Int
	TotalStakeClient     *big.Int
	Outcome              uint8
	ResolvedAt           uint64
	Voided               bool
	DepositCount         uint64
}

func newStoredDispute(d *Dispute) *storedDispute {
	return &storedDispute{
		ID:                   d.ID,
		EscrowID:             d.EscrowID,
		Status:               uint8(d.Status),
		BondValue:            cloneBig(d.BondValue),
		ClientBondPosted:     d.ClientBondPosted,
		FreelancerBondPosted: d.FreelancerBondPosted,
		OpenedAt:             uint64(d.OpenedAt),
		VotingStart:          uint64(d.VotingStart),
		VotingEnd:            uint64(d.VotingEnd),
		TotalStakeFreelancer: cloneBig(d.TotalStakeFreelancer),
		TotalStakeClient:     cloneBig(d.TotalStakeClient),
		Outcome:              uint8(d.Outcome),
		ResolvedAt:           uint64(d.ResolvedAt),
		Voided:               d.Voided,
		DepositCount:         d.DepositCount,
	}
}

func (s *storedDispute) toDispute() (*Dispute, error) {
	d := &Dispute{
		ID:                   s.ID,
		EscrowID:             s.EscrowID,
		Status:               Status(s.Status),
		BondValue:            cloneBig(s.BondValue),
		ClientBondPosted:     s.ClientBondPosted,
		FreelancerBondPosted: s.FreelancerBondPosted,
		OpenedAt:             int64(s.OpenedAt),
		VotingStart:          int64(s.VotingStart),
		VotingEnd:            int64(s.VotingEnd),
		TotalStakeFreelancer: cloneBig(s.TotalStakeFreelancer),
		TotalStakeClient:     cloneBig(s.TotalStakeClient),
		Outcome:              Side(s.Outcome),
		ResolvedAt:           int64(s.ResolvedAt),
		Voided:               s.Voided,
		DepositCount:         s.DepositCount,
	}
	if !d.Status.Valid() {
		return nil, fmt.Errorf("dispute: invalid stored status %d", s.Status)
	}
	return d, nil
}

type storedDeposit struct {
	Voter       [20]byte
	DisputeID   [32]byte
	Side        uint8
	Amount      *big.Int
	DepositedAt uint64
	UpdatedAt   uint64
	Claimed     bool
}

func putDispute(tx *state.Tx, d *Dispute) error {
	if d.Status == StatusNone {
		return fmt.Errorf("dispute: refusing to persist status none")
	}
	return tx.KVPut(recordKey(d.ID), newStoredDispute(d))
}

func getDispute(tx *state.Tx, id [32]byte) (*Dispute, bool, error) {
	stored := new(storedDispute)
	ok, err := tx.KVGet(recordKey(id), stored)
	if err != nil || !ok {
		return nil, false, err
	}
	d, err := stored.toDispute()
	if err != nil {
		return nil, false, err
	}
	return d, true, nil
}

func putDeposit(tx *state.Tx, d *Deposit) error {
	return tx.KVPut(depositKey(d.DisputeID, d.Voter), &storedDeposit{
		Voter:       d.Voter,
		DisputeID:   d.DisputeID,
		Side:        uint8(d.Side),
		Amount:      cloneBig(d.Amount),
		DepositedAt: uint64(d.DepositedAt),
		UpdatedAt:   uint64(d.UpdatedAt),
		Claimed:     d.Claimed,
	})
}

func getDeposit(tx *state.Tx, id [32]byte, voter [20]byte) (*Deposit, bool, error) {
	stored := new(storedDeposit)
	ok, err := tx.KVGet(depositKey(id, voter), stored)
	if err != nil || !ok {
		return nil, false, err
	}
	return &Deposit{
		Voter:       stored.Voter,
		DisputeID:   stored.DisputeID,
		Side:        Side(stored.Side),
		Amount:      cloneBig(stored.Amount),
		DepositedAt: int64(stored.DepositedAt),
		UpdatedAt:   int64(stored.UpdatedAt),
		Claimed:     stored.Claimed,
	}, true, nil
}

func listDeposits(tx *state.Tx, id [32]byte) ([]*Deposit, error) {
	voters, err := tx.KVGetList(votersKey(id))
	if err != nil {
		return nil, err
	}
	out := make([]*Deposit, 0, len(voters))
	for _, raw := range voters {
		if len(raw) != 20 {
			return nil, fmt.Errorf("dispute: malformed voter index entry")
		}
		var voter [20]byte
		copy(voter[:], raw)
		dep, ok, err := getDeposit(tx, id, voter)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("dispute: voter index references missing deposit")
		}
		out = append(out, dep)
	}
	return out, nil
}
