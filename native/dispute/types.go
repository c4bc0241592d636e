package dispute

import (
	"fmt"
	"math/big"
	"strings"

	brmerrors "brm/core/errors"
	"brm/native/payout"
)

// Status represents the lifecycle of a dispute. Transitions only move forward.
type Status uint8

const (
	StatusNone Status = iota
	StatusOpen
	StatusActive
	StatusResolved
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusOpen:
		return "open"
	case StatusActive:
		return "active"
	case StatusResolved:
		return "resolved"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool { return s <= StatusResolved }

// Side is the claim a depositor backs: the freelancer delivered, or the client
// is right that they did not.
type Side uint8

const (
	SideNone Side = iota
	SideFreelancer
	SideClient
)

func (s Side) String() string {
	switch s {
	case SideFreelancer:
		return "freelancer"
	case SideClient:
		return "client"
	default:
		return "none"
	}
}

// Valid reports whether s names one of the two market sides.
func (s Side) Valid() bool { return s == SideFreelancer || s == SideClient }

// Party maps the side to the escrow party it favours.
func (s Side) Party() payout.Party {
	if s == SideFreelancer {
		return payout.PartyFreelancer
	}
	return payout.PartyClient
}

// ParseSide accepts "freelancer"/"yes" and "client"/"no".
func ParseSide(raw string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "freelancer", "yes":
		return SideFreelancer, nil
	case "client", "no":
		return SideClient, nil
	default:
		return SideNone, fmt.Errorf("%w: unknown side %q", brmerrors.ErrInvalidArgument, raw)
	}
}

// Dispute is the bonded market attached to one escrow.
type Dispute struct {
	ID                   [32]byte
	EscrowID             [32]byte
	Status               Status
	BondValue            *big.Int
	ClientBondPosted     bool
	FreelancerBondPosted bool
	OpenedAt             int64
	VotingStart          int64
	VotingEnd            int64
	TotalStakeFreelancer *big.Int
	TotalStakeClient     *big.Int
	Outcome              Side
	ResolvedAt           int64
	// Voided marks a market that closed below the participation threshold.
	Voided       bool
	DepositCount uint64
}

// Clone returns a deep copy of the dispute.
func (d *Dispute) Clone() *Dispute {
	if d == nil {
		return nil
	}
	clone := *d
	clone.BondValue = cloneBig(d.BondValue)
	clone.TotalStakeFreelancer = cloneBig(d.TotalStakeFreelancer)
	clone.TotalStakeClient = cloneBig(d.TotalStakeClient)
	return &clone
}

// TotalStake returns the public stake on side.
func (d *Dispute) TotalStake(side Side) *big.Int {
	if side == SideFreelancer {
		return cloneBig(d.TotalStakeFreelancer)
	}
	return cloneBig(d.TotalStakeClient)
}

// Participation is the sum of public stake on both sides.
func (d *Dispute) Participation() *big.Int {
	return new(big.Int).Add(cloneBig(d.TotalStakeFreelancer), cloneBig(d.TotalStakeClient))
}

// Leader reports the side currently ahead. Ties favour the client.
func (d *Dispute) Leader() Side {
	if cloneBig(d.TotalStakeFreelancer).Cmp(cloneBig(d.TotalStakeClient)) > 0 {
		return SideFreelancer
	}
	return SideClient
}

func (d *Dispute) advance(next Status) error {
	if next <= d.Status || !next.Valid() {
		return fmt.Errorf("%w: dispute cannot move from %s to %s", brmerrors.ErrInvalidState, d.Status, next)
	}
	if next == StatusActive && !(d.ClientBondPosted && d.FreelancerBondPosted) {
		return fmt.Errorf("%w: both bonds required for an active market", brmerrors.ErrInvalidState)
	}
	d.Status = next
	return nil
}

// Deposit is one voter's accumulated stake in a dispute.
type Deposit struct {
	Voter       [20]byte
	DisputeID   [32]byte
	Side        Side
	Amount      *big.Int
	DepositedAt int64
	UpdatedAt   int64
	Claimed     bool
}

// Clone returns a deep copy of the deposit.
func (d *Deposit) Clone() *Deposit {
	if d == nil {
		return nil
	}
	clone := *d
	clone.Amount = cloneBig(d.Amount)
	return &clone
}

// Params configures the market.
type Params struct {
	// VotingWindow is the length of the ACTIVE phase in seconds.
	VotingWindow int64
	// MinStake is the smallest accepted single deposit.
	MinStake *big.Int
	// ProtocolFeeBps is taken from the redistributed losing stake.
	ProtocolFeeBps uint32
	// MinParticipation voids the market when total public stake stays below
	// it. Zero disables the threshold.
	MinParticipation *big.Int
}

// DefaultParams mirrors the production market: a 48 hour vote, 2.5% fee and
// a 0.001 unit minimum stake.
func DefaultParams() Params {
	return Params{
		VotingWindow:     48 * 60 * 60,
		MinStake:         big.NewInt(1_000_000_000_000_000),
		ProtocolFeeBps:   payout.DefaultProtocolFeeBps,
		MinParticipation: big.NewInt(0),
	}
}

// Validate checks the parameters for internal consistency.
func (p Params) Validate() error {
	if p.VotingWindow <= 0 {
		return fmt.Errorf("dispute: voting window must be positive")
	}
	if p.MinStake == nil || p.MinStake.Sign() <= 0 {
		return fmt.Errorf("dispute: minimum stake must be positive")
	}
	if p.ProtocolFeeBps > payout.BasisPoints {
		return fmt.Errorf("dispute: protocol fee bps out of range: %d", p.ProtocolFeeBps)
	}
	if p.MinParticipation != nil && p.MinParticipation.Sign() < 0 {
		return fmt.Errorf("dispute: participation threshold must be non-negative")
	}
	return nil
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
