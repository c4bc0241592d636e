package dispute

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"brm/core/types"
	"brm/crypto"
)

const (
	EventTypeDeposit  = "dispute.deposit"
	EventTypeResolved = "dispute.resolved"
	EventTypeClaimed  = "dispute.claimed"
)

// NewDepositEvent returns the payload emitted after a public stake lands in the
// pool. Amount is the size of this deposit, not the accumulated stake.
func NewDepositEvent(d *Dispute, dep *Deposit, amount *big.Int) *types.Event {
	attrs := disputeAttrs(d)
	if dep != nil {
		attrs["voter"] = crypto.FormatAddress(dep.Voter)
		attrs["side"] = dep.Side.String()
		attrs["stake"] = cloneBig(dep.Amount).String()
	}
	attrs["amount"] = cloneBig(amount).String()
	return &types.Event{Type: EventTypeDeposit, Attributes: attrs}
}

// NewResolvedEvent returns the payload emitted when a market closes.
func NewResolvedEvent(res *Resolution) *types.Event {
	if res == nil {
		return &types.Event{Type: EventTypeResolved, Attributes: map[string]string{}}
	}
	attrs := disputeAttrs(res.Dispute)
	attrs["outcome"] = res.Outcome.String()
	attrs["voided"] = strconv.FormatBool(res.Voided)
	attrs["revenue"] = cloneBig(res.Revenue).String()
	return &types.Event{Type: EventTypeResolved, Attributes: attrs}
}

// NewClaimedEvent returns the payload emitted when a depositor withdraws.
func NewClaimedEvent(d *Dispute, dep *Deposit, paid *big.Int) *types.Event {
	attrs := disputeAttrs(d)
	if dep != nil {
		attrs["voter"] = crypto.FormatAddress(dep.Voter)
		attrs["side"] = dep.Side.String()
	}
	attrs["paid"] = cloneBig(paid).String()
	return &types.Event{Type: EventTypeClaimed, Attributes: attrs}
}

func disputeAttrs(d *Dispute) map[string]string {
	attrs := make(map[string]string)
	if d == nil {
		return attrs
	}
	attrs["disputeId"] = hex.EncodeToString(d.ID[:])
	attrs["escrowId"] = hex.EncodeToString(d.EscrowID[:])
	attrs["status"] = d.Status.String()
	attrs["stakeFreelancer"] = cloneBig(d.TotalStakeFreelancer).String()
	attrs["stakeClient"] = cloneBig(d.TotalStakeClient).String()
	attrs["votingEnd"] = strconv.FormatInt(d.VotingEnd, 10)
	return attrs
}
