package escrow

import (
	"encoding/hex"
	"strconv"

	"brm/core/types"
	"brm/crypto"
	"brm/native/payout"
)

const (
	EventTypeEscrowCreated    = "escrow.created"
	EventTypeEscrowFunded     = "escrow.funded"
	EventTypeEscrowSubmitted  = "escrow.submitted"
	EventTypeEscrowApproved   = "escrow.approved"
	EventTypeEscrowDisputed   = "escrow.disputed"
	EventTypeEscrowChallenged = "escrow.dispute.challenged"
	EventTypeEscrowResolved   = "escrow.resolved"
)

// NewCreatedEvent returns the canonical event payload for a newly created
// escrow.
func NewCreatedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowCreated, e) }

// NewFundedEvent returns the payload emitted when the client funds the
// milestone.
func NewFundedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowFunded, e) }

// NewSubmittedEvent returns the payload emitted when the freelancer submits
// evidence of delivery.
func NewSubmittedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowSubmitted, e) }

// NewApprovedEvent returns the payload emitted when the client approves the
// submitted work.
func NewApprovedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowApproved, e) }

// NewDisputedEvent returns the payload emitted when the client opens a
// dispute and posts its bond.
func NewDisputedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowDisputed, e) }

// NewChallengedEvent returns the payload emitted when the freelancer matches
// the bond and the public market opens.
func NewChallengedEvent(e *Escrow) *types.Event {
	return newEscrowEvent(EventTypeEscrowChallenged, e)
}

// NewResolvedEvent returns the payload emitted when an escrow reaches its
// terminal status, including the amounts paid out of custody.
func NewResolvedEvent(e *Escrow, dist payout.Distribution) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowResolved, e)
	evt.Attributes["paidClient"] = cloneBigInt(dist.Client).String()
	evt.Attributes["paidFreelancer"] = cloneBigInt(dist.Freelancer).String()
	evt.Attributes["protocolRevenue"] = cloneBigInt(dist.Protocol).String()
	return evt
}

func newEscrowEvent(eventType string, e *Escrow) *types.Event {
	attrs := make(map[string]string)
	if e == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = hex.EncodeToString(e.ID[:])
	attrs["client"] = crypto.FormatAddress(e.Client)
	attrs["freelancer"] = crypto.FormatAddress(e.Freelancer)
	attrs["milestone"] = cloneBigInt(e.MilestoneValue).String()
	attrs["bond"] = cloneBigInt(e.BondValue).String()
	attrs["status"] = e.Status.String()
	attrs["createdAt"] = strconv.FormatInt(e.CreatedAt, 10)
	if e.EvidenceRef != ([32]byte{}) {
		attrs["evidence"] = hex.EncodeToString(e.EvidenceRef[:])
	}
	if e.HasDispute {
		attrs["disputeId"] = hex.EncodeToString(e.DisputeID[:])
	}
	if e.Resolution != ResolutionNone {
		attrs["resolution"] = e.Resolution.String()
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
