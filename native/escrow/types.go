package escrow

import (
	"fmt"
	"math/big"
	"strings"

	brmerrors "brm/core/errors"
	"brm/native/dispute"
	"brm/native/payout"
)

// EscrowStatus represents the lifecycle of a single milestone escrow.
type EscrowStatus uint8

const (
	EscrowCreated EscrowStatus = iota + 1
	EscrowFunded
	EscrowSubmitted
	EscrowApproved
	EscrowDisputeOpen
	EscrowDisputeActive
	EscrowResolved
)

func (s EscrowStatus) String() string {
	switch s {
	case EscrowCreated:
		return "created"
	case EscrowFunded:
		return "funded"
	case EscrowSubmitted:
		return "submitted"
	case EscrowApproved:
		return "approved"
	case EscrowDisputeOpen:
		return "dispute_open"
	case EscrowDisputeActive:
		return "dispute_active"
	case EscrowResolved:
		return "resolved"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Valid reports whether the status value is within the supported range.
func (s EscrowStatus) Valid() bool {
	return s >= EscrowCreated && s <= EscrowResolved
}

// Terminal reports whether no further transition is possible.
func (s EscrowStatus) Terminal() bool { return s == EscrowResolved }

var transitions = map[EscrowStatus][]EscrowStatus{
	EscrowCreated:       {EscrowFunded},
	EscrowFunded:        {EscrowSubmitted},
	EscrowSubmitted:     {EscrowApproved, EscrowDisputeOpen, EscrowResolved},
	EscrowApproved:      {EscrowResolved},
	EscrowDisputeOpen:   {EscrowDisputeActive, EscrowResolved},
	EscrowDisputeActive: {EscrowResolved},
}

// CanTransition reports whether from → to is a legal forward move.
func CanTransition(from, to EscrowStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ResolutionKind records how an escrow reached its terminal status.
type ResolutionKind uint8

const (
	ResolutionNone ResolutionKind = iota
	ResolutionApproved
	ResolutionAutoReleased
	ResolutionAccepted
	ResolutionDefault
	ResolutionMarket
	ResolutionVoided
)

func (k ResolutionKind) String() string {
	switch k {
	case ResolutionApproved:
		return "approved"
	case ResolutionAutoReleased:
		return "auto_released"
	case ResolutionAccepted:
		return "accepted"
	case ResolutionDefault:
		return "default"
	case ResolutionMarket:
		return "market"
	case ResolutionVoided:
		return "voided"
	default:
		return "none"
	}
}

// Response is the freelancer's answer to an open dispute.
type Response uint8

const (
	ResponseAccept Response = iota + 1
	ResponseChallenge
)

func (r Response) String() string {
	switch r {
	case ResponseAccept:
		return "accept"
	case ResponseChallenge:
		return "challenge"
	default:
		return "unknown"
	}
}

// ParseResponse accepts "accept" or "challenge".
func ParseResponse(raw string) (Response, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "accept":
		return ResponseAccept, nil
	case "challenge":
		return ResponseChallenge, nil
	default:
		return 0, fmt.Errorf("%w: unknown dispute response %q", brmerrors.ErrInvalidArgument, raw)
	}
}

// Escrow captures one milestone agreement between a client and a freelancer.
// The identifier is keccak256(client, freelancer, nonce) so callers can derive
// it before submitting the creation.
type Escrow struct {
	ID              [32]byte
	Client          [20]byte
	Freelancer      [20]byte
	MilestoneValue  *big.Int
	BondValue       *big.Int
	Status          EscrowStatus
	EvidenceRef     [32]byte
	CreatedAt       int64
	FundedAt        int64
	SubmittedAt     int64
	DisputeOpenedAt int64
	ResolvedAt      int64
	DisputeID       [32]byte
	HasDispute      bool
	Resolution      ResolutionKind
}

// Clone returns a deep copy of the escrow object so callers can safely mutate
// the copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	clone.MilestoneValue = cloneBigInt(e.MilestoneValue)
	clone.BondValue = cloneBigInt(e.BondValue)
	return &clone
}

// ReviewDeadline is the last second at which the client may open a dispute.
func (e *Escrow) ReviewDeadline(p Params) int64 { return e.SubmittedAt + p.ReviewWindow }

// ResponseDeadline is the last second at which the freelancer may respond.
func (e *Escrow) ResponseDeadline(p Params) int64 { return e.DisputeOpenedAt + p.ResponseWindow }

func (e *Escrow) advance(next EscrowStatus) error {
	if !CanTransition(e.Status, next) {
		return fmt.Errorf("%w: escrow cannot move from %s to %s", brmerrors.ErrInvalidState, e.Status, next)
	}
	e.Status = next
	return nil
}

// Params configures the escrow windows and bond sizing. Market holds the
// dispute module parameters.
type Params struct {
	ReviewWindow   int64
	ResponseWindow int64
	BondBps        uint32
	Market         dispute.Params
}

// DefaultParams returns a 7 day review window, a 72 hour response window and
// 30% bonds.
func DefaultParams() Params {
	return Params{
		ReviewWindow:   7 * 24 * 60 * 60,
		ResponseWindow: 72 * 60 * 60,
		BondBps:        payout.DefaultBondBps,
		Market:         dispute.DefaultParams(),
	}
}

// Validate checks the parameters for internal consistency.
func (p Params) Validate() error {
	if p.ReviewWindow <= 0 {
		return fmt.Errorf("escrow: review window must be positive")
	}
	if p.ResponseWindow <= 0 {
		return fmt.Errorf("escrow: response window must be positive")
	}
	if p.BondBps > payout.BasisPoints {
		return fmt.Errorf("escrow: bond bps out of range: %d", p.BondBps)
	}
	return p.Market.Validate()
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
