package dispute

import (
	"errors"
	"fmt"
	"math/big"

	brmerrors "brm/core/errors"
	"brm/core/state"
	"brm/native/payout"
)

var errNilTreasury = errors.New("dispute: protocol treasury not configured")

// Module owns the bonded, publicly staked market layered over disputes. It
// never touches escrow custody: bonds are posted and refunded by the escrow
// engine, while the public pool lives in a dispute-owned ledger account.
type Module struct {
	params   Params
	treasury [20]byte
}

// NewModule returns a module using params. Invalid parameters are rejected.
func NewModule(params Params) (*Module, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if params.MinParticipation == nil {
		params.MinParticipation = big.NewInt(0)
	}
	return &Module{params: params}, nil
}

// Params returns a copy of the active parameters.
func (m *Module) Params() Params {
	p := m.params
	p.MinStake = cloneBig(p.MinStake)
	p.MinParticipation = cloneBig(p.MinParticipation)
	return p
}

// SetTreasury configures the account receiving protocol revenue.
func (m *Module) SetTreasury(addr [20]byte) { m.treasury = addr }

// Get loads a dispute by identifier.
func (m *Module) Get(tx *state.Tx, id [32]byte) (*Dispute, error) {
	d, ok, err := getDispute(tx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: dispute %x", brmerrors.ErrNotFound, id[:4])
	}
	return d, nil
}

// Deposits lists every deposit on the dispute in first-deposit order.
func (m *Module) Deposits(tx *state.Tx, id [32]byte) ([]*Deposit, error) {
	if _, err := m.Get(tx, id); err != nil {
		return nil, err
	}
	return listDeposits(tx, id)
}

// Deposit returns the voter's deposit on the dispute.
func (m *Module) Deposit(tx *state.Tx, id [32]byte, voter [20]byte) (*Deposit, error) {
	dep, ok, err := getDeposit(tx, id, voter)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: no deposit for voter on dispute %x", brmerrors.ErrNotFound, id[:4])
	}
	return dep, nil
}

// Open records a new dispute with the client bond posted. The caller is
// responsible for moving the bond into escrow custody.
func (m *Module) Open(tx *state.Tx, escrowID [32]byte, bond *big.Int, now int64) (*Dispute, error) {
	if bond == nil || bond.Sign() < 0 {
		return nil, fmt.Errorf("%w: bond must be non-negative", brmerrors.ErrInvalidAmount)
	}
	id := IDForEscrow(escrowID)
	if _, exists, err := getDispute(tx, id); err != nil {
		return nil, err
	} else if exists {
		return nil, fmt.Errorf("%w: escrow already carries a dispute", brmerrors.ErrInvalidState)
	}
	d := &Dispute{
		ID:                   id,
		EscrowID:             escrowID,
		Status:               StatusNone,
		BondValue:            cloneBig(bond),
		ClientBondPosted:     true,
		OpenedAt:             now,
		TotalStakeFreelancer: big.NewInt(0),
		TotalStakeClient:     big.NewInt(0),
	}
	if err := d.advance(StatusOpen); err != nil {
		return nil, err
	}
	if err := putDispute(tx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// Challenge records the freelancer's matching bond and starts the voting
// window.
func (m *Module) Challenge(tx *state.Tx, id [32]byte, now int64) (*Dispute, error) {
	d, err := m.Get(tx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen {
		return nil, fmt.Errorf("%w: dispute is %s, challenge requires open", brmerrors.ErrInvalidState, d.Status)
	}
	d.FreelancerBondPosted = true
	if err := d.advance(StatusActive); err != nil {
		return nil, err
	}
	d.VotingStart = now
	d.VotingEnd = now + m.params.VotingWindow
	if err := putDispute(tx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// Close resolves an open dispute without a market, either because the
// freelancer conceded or because the response window lapsed.
func (m *Module) Close(tx *state.Tx, id [32]byte, outcome Side, now int64) (*Dispute, error) {
	if !outcome.Valid() {
		return nil, fmt.Errorf("%w: outcome must name a side", brmerrors.ErrInvalidArgument)
	}
	d, err := m.Get(tx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen {
		return nil, fmt.Errorf("%w: dispute is %s, close requires open", brmerrors.ErrInvalidState, d.Status)
	}
	if err := d.advance(StatusResolved); err != nil {
		return nil, err
	}
	d.Outcome = outcome
	d.ResolvedAt = now
	if err := putDispute(tx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// Stake records a public deposit. The first side a voter picks is final; later
// deposits on the same side accumulate.
func (m *Module) Stake(tx *state.Tx, voter [20]byte, id [32]byte, side Side, amount *big.Int, now int64) (*Deposit, *Dispute, error) {
	if !side.Valid() {
		return nil, nil, fmt.Errorf("%w: deposit side must be freelancer or client", brmerrors.ErrInvalidArgument)
	}
	d, err := m.Get(tx, id)
	if err != nil {
		return nil, nil, err
	}
	if d.Status != StatusActive {
		return nil, nil, fmt.Errorf("%w: dispute is %s, deposits require active", brmerrors.ErrInvalidState, d.Status)
	}
	if now >= d.VotingEnd {
		return nil, nil, fmt.Errorf("%w: voting closed at %d", brmerrors.ErrWindow, d.VotingEnd)
	}
	if amount == nil || amount.Cmp(m.params.MinStake) < 0 {
		return nil, nil, fmt.Errorf("%w: deposit below minimum stake %s", brmerrors.ErrInvalidAmount, m.params.MinStake)
	}
	dep, exists, err := getDeposit(tx, id, voter)
	if err != nil {
		return nil, nil, err
	}
	if exists && dep.Side != side {
		return nil, nil, fmt.Errorf("%w: voter already backs %s", brmerrors.ErrInvalidState, dep.Side)
	}
	if !exists {
		dep = &Deposit{Voter: voter, DisputeID: id, Side: side, Amount: big.NewInt(0), DepositedAt: now}
		d.DepositCount++
	}
	dep.Amount = new(big.Int).Add(dep.Amount, amount)
	dep.UpdatedAt = now
	switch side {
	case SideFreelancer:
		d.TotalStakeFreelancer = new(big.Int).Add(d.TotalStakeFreelancer, amount)
	case SideClient:
		d.TotalStakeClient = new(big.Int).Add(d.TotalStakeClient, amount)
	}
	if err := putDeposit(tx, dep); err != nil {
		return nil, nil, err
	}
	if !exists {
		if err := tx.KVAppend(votersKey(id), voter[:]); err != nil {
			return nil, nil, err
		}
	}
	if err := putDispute(tx, d); err != nil {
		return nil, nil, err
	}
	if err := tx.Transfer(voter, PoolAddress(id), amount); err != nil {
		return nil, nil, err
	}
	return dep, d, nil
}

// Resolution describes how a market closed.
type Resolution struct {
	Dispute *Dispute
	Outcome Side
	Voided  bool
	// Fee and Remainder are the pool's protocol cut and rounding dust. Revenue
	// is their sum, paid to the treasury at resolution.
	Fee       *big.Int
	Remainder *big.Int
	Revenue   *big.Int
}

// Resolve closes an active market once voting has ended. The side with the
// greater public stake wins and a tie goes to the client. Protocol fee and
// rounding remainder leave the pool immediately; winners withdraw through
// Claim.
func (m *Module) Resolve(tx *state.Tx, id [32]byte, now int64) (*Resolution, error) {
	d, err := m.Get(tx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusActive {
		return nil, fmt.Errorf("%w: dispute is %s, resolve requires active", brmerrors.ErrInvalidState, d.Status)
	}
	if now < d.VotingEnd {
		return nil, fmt.Errorf("%w: voting open until %d", brmerrors.ErrWindow, d.VotingEnd)
	}
	res := &Resolution{Fee: big.NewInt(0), Remainder: big.NewInt(0), Revenue: big.NewInt(0)}
	threshold := cloneBig(m.params.MinParticipation)
	if threshold.Sign() > 0 && d.Participation().Cmp(threshold) < 0 {
		res.Voided = true
		res.Outcome = SideClient
	} else {
		res.Outcome = d.Leader()
		settled, err := m.settle(tx, d, res.Outcome)
		if err != nil {
			return nil, err
		}
		res.Fee = cloneBig(settled.Fee)
		res.Remainder = cloneBig(settled.Remainder)
		res.Revenue = settled.Revenue()
	}
	if err := d.advance(StatusResolved); err != nil {
		return nil, err
	}
	d.Outcome = res.Outcome
	d.Voided = res.Voided
	d.ResolvedAt = now
	if err := putDispute(tx, d); err != nil {
		return nil, err
	}
	if res.Revenue.Sign() > 0 {
		if m.treasury == ([20]byte{}) {
			return nil, errNilTreasury
		}
		if err := tx.Transfer(PoolAddress(id), m.treasury, res.Revenue); err != nil {
			return nil, err
		}
	}
	res.Dispute = d.Clone()
	return res, nil
}

func (m *Module) poolInput(d *Dispute, winner Side) payout.PoolInput {
	loser := SideClient
	if winner == SideClient {
		loser = SideFreelancer
	}
	return payout.PoolInput{
		WinningTotal: d.TotalStake(winner),
		LosingTotal:  d.TotalStake(loser),
		FeeBps:       m.params.ProtocolFeeBps,
	}
}

func (m *Module) settle(tx *state.Tx, d *Dispute, winner Side) (payout.PoolSettlement, error) {
	deposits, err := listDeposits(tx, d.ID)
	if err != nil {
		return payout.PoolSettlement{}, err
	}
	winning := make([]*big.Int, 0, len(deposits))
	for _, dep := range deposits {
		if dep.Side == winner {
			winning = append(winning, dep.Amount)
		}
	}
	return payout.SettlePool(m.poolInput(d, winner), winning)
}

// Claim pays a depositor from the pool of a resolved dispute. Winners receive
// principal plus their share of the losing stake; in a voided market every
// depositor recovers exactly its stake.
func (m *Module) Claim(tx *state.Tx, voter [20]byte, id [32]byte) (*Deposit, *big.Int, error) {
	d, err := m.Get(tx, id)
	if err != nil {
		return nil, nil, err
	}
	if d.Status != StatusResolved {
		return nil, nil, fmt.Errorf("%w: dispute is %s, claims require resolved", brmerrors.ErrInvalidState, d.Status)
	}
	dep, err := m.Deposit(tx, id, voter)
	if err != nil {
		return nil, nil, err
	}
	if dep.Claimed {
		return nil, nil, fmt.Errorf("%w: deposit already paid out", brmerrors.ErrAlreadyClaimed)
	}
	var amount *big.Int
	switch {
	case d.Voided:
		amount = cloneBig(dep.Amount)
	case dep.Side != d.Outcome:
		return nil, nil, fmt.Errorf("%w: deposit backed %s, market resolved %s", brmerrors.ErrNotWinningSide, dep.Side, d.Outcome)
	default:
		amount = payout.VoterPayout(dep.Amount, m.poolInput(d, d.Outcome))
	}
	dep.Claimed = true
	if err := putDeposit(tx, dep); err != nil {
		return nil, nil, err
	}
	if err := tx.Transfer(PoolAddress(id), voter, amount); err != nil {
		return nil, nil, err
	}
	return dep, amount, nil
}
