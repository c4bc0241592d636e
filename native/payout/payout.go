// Package payout computes settlement amounts for escrows and dispute markets.
// Every function is pure: inputs are never mutated and results are freshly
// allocated. Division always rounds down and any remainder is reported so the
// caller can route it to protocol revenue.
package payout

import (
	"fmt"
	"math/big"

	brmerrors "brm/core/errors"
)

const (
	// BasisPoints is the denominator for every rate in this package.
	BasisPoints = 10_000
	// DefaultBondBps sizes each party bond at 30% of the milestone.
	DefaultBondBps = 3_000
	// DefaultProtocolFeeBps is the share of redistributed losing stake kept by
	// the protocol (2.5%).
	DefaultProtocolFeeBps = 250
)

// Party identifies one side of an escrow.
type Party uint8

const (
	PartyClient Party = iota + 1
	PartyFreelancer
)

func (p Party) String() string {
	switch p {
	case PartyClient:
		return "client"
	case PartyFreelancer:
		return "freelancer"
	default:
		return "unknown"
	}
}

// Distribution lists the amounts an escrow custody account pays out.
type Distribution struct {
	Client     *big.Int
	Freelancer *big.Int
	Protocol   *big.Int
}

func newDistribution() Distribution {
	return Distribution{Client: big.NewInt(0), Freelancer: big.NewInt(0), Protocol: big.NewInt(0)}
}

// Total returns the sum of all legs.
func (d Distribution) Total() *big.Int {
	total := new(big.Int)
	for _, v := range []*big.Int{d.Client, d.Freelancer, d.Protocol} {
		if v != nil {
			total.Add(total, v)
		}
	}
	return total
}

func clone(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// BondValue returns round(milestone × bondBps / 10000) with halves rounded up.
func BondValue(milestone *big.Int, bondBps uint32) *big.Int {
	if milestone == nil || milestone.Sign() <= 0 || bondBps == 0 {
		return big.NewInt(0)
	}
	bond := new(big.Int).Mul(milestone, big.NewInt(int64(bondBps)))
	bond.Add(bond, big.NewInt(BasisPoints/2))
	return bond.Div(bond, big.NewInt(BasisPoints))
}

// DirectApproval pays the milestone to the freelancer.
func DirectApproval(milestone *big.Int) Distribution {
	d := newDistribution()
	d.Freelancer = clone(milestone)
	return d
}

// AutoRelease pays the milestone to the freelancer once the client let the
// review window lapse.
func AutoRelease(milestone *big.Int) Distribution {
	return DirectApproval(milestone)
}

// AcceptLoss returns milestone and bond to the client when the freelancer
// concedes a dispute.
func AcceptLoss(milestone, clientBond *big.Int) Distribution {
	d := newDistribution()
	d.Client = new(big.Int).Add(clone(milestone), clone(clientBond))
	return d
}

// DefaultByNoResponse returns milestone and bond to the client when the
// freelancer never answered the dispute.
func DefaultByNoResponse(milestone, clientBond *big.Int) Distribution {
	return AcceptLoss(milestone, clientBond)
}

// MarketOutcome pays the winning party the milestone plus its own bond. The
// loser's bond becomes protocol revenue, never voter revenue.
func MarketOutcome(milestone, winnerBond, loserBond *big.Int, winner Party) (Distribution, error) {
	d := newDistribution()
	share := new(big.Int).Add(clone(milestone), clone(winnerBond))
	switch winner {
	case PartyClient:
		d.Client = share
	case PartyFreelancer:
		d.Freelancer = share
	default:
		return Distribution{}, fmt.Errorf("%w: unknown winning party %d", brmerrors.ErrInvalidState, winner)
	}
	d.Protocol = clone(loserBond)
	return d, nil
}

// VoidedMarket unwinds a market that failed to reach participation: the client
// recovers the milestone and each party recovers its own bond.
func VoidedMarket(milestone, clientBond, freelancerBond *big.Int) Distribution {
	d := newDistribution()
	d.Client = new(big.Int).Add(clone(milestone), clone(clientBond))
	d.Freelancer = clone(freelancerBond)
	return d
}

// PoolInput describes the public stake totals of a resolved market.
type PoolInput struct {
	WinningTotal *big.Int
	LosingTotal  *big.Int
	FeeBps       uint32
}

// Distributable returns the part of the losing stake shared among winners,
// rounded down.
func (in PoolInput) Distributable() *big.Int {
	losing := clone(in.LosingTotal)
	if losing.Sign() <= 0 {
		return big.NewInt(0)
	}
	fee := uint64(in.FeeBps)
	if fee > BasisPoints {
		fee = BasisPoints
	}
	out := new(big.Int).Mul(losing, new(big.Int).SetUint64(BasisPoints-fee))
	return out.Div(out, big.NewInt(BasisPoints))
}

// Fee returns the protocol cut of the losing stake.
func (in PoolInput) Fee() *big.Int {
	return new(big.Int).Sub(clone(in.LosingTotal), in.Distributable())
}

// Reward returns the winner's share of the distributable losing stake:
// amount × distributable / winningTotal, rounded down.
func Reward(amount *big.Int, in PoolInput) *big.Int {
	winning := clone(in.WinningTotal)
	if winning.Sign() <= 0 || amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, in.Distributable())
	return out.Div(out, winning)
}

// VoterPayout is the principal plus reward owed to a winning depositor.
func VoterPayout(amount *big.Int, in PoolInput) *big.Int {
	return new(big.Int).Add(clone(amount), Reward(amount, in))
}

// PoolSettlement summarises how a market pool is split.
type PoolSettlement struct {
	Payouts   []*big.Int
	Fee       *big.Int
	Remainder *big.Int
}

// Revenue is what the protocol collects from the pool.
func (s PoolSettlement) Revenue() *big.Int {
	return new(big.Int).Add(clone(s.Fee), clone(s.Remainder))
}

// SettlePool computes every winning payout for the supplied deposits. The
// amounts must sum to in.WinningTotal. The result always satisfies
// Σ payouts + fee + remainder == winningTotal + losingTotal.
func SettlePool(in PoolInput, winningDeposits []*big.Int) (PoolSettlement, error) {
	sum := new(big.Int)
	for i, amt := range winningDeposits {
		if amt == nil || amt.Sign() <= 0 {
			return PoolSettlement{}, fmt.Errorf("%w: deposit %d must be positive", brmerrors.ErrInvalidAmount, i)
		}
		sum.Add(sum, amt)
	}
	if sum.Cmp(clone(in.WinningTotal)) != 0 {
		return PoolSettlement{}, fmt.Errorf("%w: deposits sum to %s, winning total is %s", brmerrors.ErrInvalidAmount, sum, clone(in.WinningTotal))
	}
	if clone(in.LosingTotal).Sign() < 0 {
		return PoolSettlement{}, fmt.Errorf("%w: losing total must be non-negative", brmerrors.ErrInvalidAmount)
	}
	out := PoolSettlement{Payouts: make([]*big.Int, len(winningDeposits)), Fee: in.Fee()}
	distributed := new(big.Int)
	for i, amt := range winningDeposits {
		reward := Reward(amt, in)
		distributed.Add(distributed, reward)
		out.Payouts[i] = new(big.Int).Add(amt, reward)
	}
	distributable := in.Distributable()
	if sum.Sign() == 0 {
		// Nobody to share with: the whole losing stake is revenue.
		out.Fee = clone(in.LosingTotal)
		out.Remainder = big.NewInt(0)
		return out, nil
	}
	out.Remainder = new(big.Int).Sub(distributable, distributed)
	return out, nil
}
