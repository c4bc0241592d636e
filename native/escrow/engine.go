package escrow

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	brmerrors "brm/core/errors"
	"brm/core/events"
	"brm/core/state"
	"brm/core/types"
	"brm/native/dispute"
	"brm/native/payout"
	"brm/observability/metrics"
)

var (
	errNilState    = errors.New("escrow engine: state not configured")
	errNilTreasury = errors.New("escrow engine: protocol treasury not configured")
)

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// effects collects what a transaction did so the engine can publish it once
// the commit succeeded.
type effects struct {
	events      []*types.Event
	transitions []EscrowStatus
	resolutions []ResolutionKind
	deposits    []dispute.Side
	claims      []string
	revenue     *big.Int
	dust        *big.Int
}

func newEffects() *effects {
	return &effects{revenue: big.NewInt(0), dust: big.NewInt(0)}
}

func (fx *effects) emit(evt *types.Event) { fx.events = append(fx.events, evt) }

// Engine is the escrow state machine. It is the only component that moves
// ledger funds on behalf of an escrow, and it drives the dispute module for
// bonded markets. Every action runs inside one state transaction.
type Engine struct {
	state    *state.Manager
	disputes *dispute.Module
	params   Params
	treasury [20]byte
	emitter  events.Emitter
	logger   *slog.Logger
	metrics  *metrics.MarketMetrics
	nowFn    func() int64
}

// NewEngine creates an escrow engine over mgr with a no-op emitter and the
// default logger. Callers override collaborators through the setters.
func NewEngine(mgr *state.Manager, params Params) (*Engine, error) {
	if mgr == nil {
		return nil, errNilState
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	disputes, err := dispute.NewModule(params.Market)
	if err != nil {
		return nil, err
	}
	return &Engine{
		state:    mgr,
		disputes: disputes,
		params:   params,
		emitter:  events.NoopEmitter{},
		logger:   slog.Default(),
		nowFn:    func() int64 { return time.Now().Unix() },
	}, nil
}

// SetTreasury configures the address that receives forfeited bonds, market
// fees and rounding remainders.
func (e *Engine) SetTreasury(addr [20]byte) {
	e.treasury = addr
	e.disputes.SetTreasury(addr)
}

// Treasury returns the configured protocol treasury.
func (e *Engine) Treasury() [20]byte { return e.treasury }

// SetNowFunc overrides the time source used when callers do not pass an
// explicit timestamp. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// Now returns the engine clock in unix seconds.
func (e *Engine) Now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetLogger replaces the engine logger. Passing nil restores slog.Default.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

// SetMetrics attaches a metrics registry. A nil registry disables recording.
func (e *Engine) SetMetrics(m *metrics.MarketMetrics) { e.metrics = m }

// Params returns the active parameters.
func (e *Engine) Params() Params {
	p := e.params
	p.Market = e.disputes.Params()
	return p
}

func (e *Engine) update(action string, fn func(tx *state.Tx, fx *effects) error) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	fx := newEffects()
	if err := e.state.Update(func(tx *state.Tx) error { return fn(tx, fx) }); err != nil {
		e.logger.Debug("escrow action rejected", "component", "escrow", "action", action, "error", err)
		return err
	}
	e.publish(action, fx)
	return nil
}

func (e *Engine) publish(action string, fx *effects) {
	for _, status := range fx.transitions {
		e.metrics.ObserveTransition(status.String())
	}
	for _, kind := range fx.resolutions {
		e.metrics.ObserveResolution(kind.String())
	}
	for _, side := range fx.deposits {
		e.metrics.ObserveDeposit(side.String())
	}
	for _, kind := range fx.claims {
		e.metrics.ObserveClaim(kind)
	}
	e.metrics.AddRevenue(fx.revenue)
	e.metrics.AddRoundingDust(fx.dust)
	for _, evt := range fx.events {
		e.logger.Info("escrow event", "component", "escrow", "action", action, "event", evt.Type,
			"escrow", evt.Attr("id"), "dispute", evt.Attr("disputeId"), "status", evt.Attr("status"))
		if e.emitter != nil {
			e.emitter.Emit(escrowEvent{evt: evt})
		}
	}
}

func (e *Engine) view(fn func(tx *state.Tx) error) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.View(fn)
}

func loadEscrow(tx *state.Tx, id [32]byte) (*Escrow, error) {
	esc, ok, err := getEscrow(tx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: escrow %s", brmerrors.ErrNotFound, shortID(id))
	}
	return esc, nil
}

func shortID(id [32]byte) string { return hex.EncodeToString(id[:4]) }

func requireStatus(esc *Escrow, want EscrowStatus, action string) error {
	if esc.Status != want {
		return fmt.Errorf("%w: cannot %s escrow in status %s", brmerrors.ErrInvalidState, action, esc.Status)
	}
	return nil
}

func (e *Engine) transition(tx *state.Tx, fx *effects, esc *Escrow, next EscrowStatus) error {
	if err := esc.advance(next); err != nil {
		return err
	}
	fx.transitions = append(fx.transitions, next)
	return putEscrow(tx, esc)
}

// Create records a new escrow in CREATED on behalf of caller, who must be the
// client. The bond is sized once here and never recomputed.
func (e *Engine) Create(caller, client, freelancer [20]byte, milestone *big.Int, nonce uint64, now int64) (*Escrow, error) {
	if client == ([20]byte{}) || freelancer == ([20]byte{}) {
		return nil, fmt.Errorf("%w: client and freelancer are required", brmerrors.ErrInvalidArgument)
	}
	if client == freelancer {
		return nil, fmt.Errorf("%w: client and freelancer must differ", brmerrors.ErrInvalidArgument)
	}
	if caller != client {
		return nil, fmt.Errorf("%w: only the client may create its escrow", brmerrors.ErrUnauthorized)
	}
	if milestone == nil || milestone.Sign() <= 0 {
		return nil, fmt.Errorf("%w: milestone value must be positive", brmerrors.ErrInvalidAmount)
	}
	var out *Escrow
	err := e.update("create", func(tx *state.Tx, fx *effects) error {
		id := DeriveID(client, freelancer, nonce)
		if _, exists, err := getEscrow(tx, id); err != nil {
			return err
		} else if exists {
			return fmt.Errorf("%w: escrow %s already exists", brmerrors.ErrInvalidState, shortID(id))
		}
		esc := &Escrow{
			ID:             id,
			Client:         client,
			Freelancer:     freelancer,
			MilestoneValue: cloneBigInt(milestone),
			BondValue:      payout.BondValue(milestone, e.params.BondBps),
			Status:         EscrowCreated,
			CreatedAt:      now,
		}
		if err := putEscrow(tx, esc); err != nil {
			return err
		}
		if err := markOpen(tx, id); err != nil {
			return err
		}
		fx.transitions = append(fx.transitions, EscrowCreated)
		fx.emit(NewCreatedEvent(esc))
		out = esc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// Fund moves exactly the milestone value from the client into escrow custody.
func (e *Engine) Fund(id [32]byte, caller [20]byte, amount *big.Int, now int64) (*Escrow, error) {
	var out *Escrow
	err := e.update("fund", func(tx *state.Tx, fx *effects) error {
		esc, err := loadEscrow(tx, id)
		if err != nil {
			return err
		}
		if err := requireStatus(esc, EscrowCreated, "fund"); err != nil {
			return err
		}
		if caller != esc.Client {
			return fmt.Errorf("%w: only the client may fund", brmerrors.ErrUnauthorized)
		}
		if amount == nil || amount.Cmp(esc.MilestoneValue) != 0 {
			return fmt.Errorf("%w: funding must equal milestone value %s", brmerrors.ErrInvalidAmount, esc.MilestoneValue)
		}
		esc.FundedAt = now
		if err := e.transition(tx, fx, esc, EscrowFunded); err != nil {
			return err
		}
		if err := tx.Transfer(esc.Client, CustodyAddress(id), amount); err != nil {
			return err
		}
		fx.emit(NewFundedEvent(esc))
		out = esc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// Submit records the freelancer's evidence reference and starts the review
// window.
func (e *Engine) Submit(id [32]byte, caller [20]byte, evidenceRef [32]byte, now int64) (*Escrow, error) {
	var out *Escrow
	err := e.update("submit", func(tx *state.Tx, fx *effects) error {
		esc, err := loadEscrow(tx, id)
		if err != nil {
			return err
		}
		if err := requireStatus(esc, EscrowFunded, "submit"); err != nil {
			return err
		}
		if caller != esc.Freelancer {
			return fmt.Errorf("%w: only the freelancer may submit", brmerrors.ErrUnauthorized)
		}
		if evidenceRef == ([32]byte{}) {
			return fmt.Errorf("%w: evidence reference required", brmerrors.ErrInvalidArgument)
		}
		esc.EvidenceRef = evidenceRef
		esc.SubmittedAt = now
		if err := e.transition(tx, fx, esc, EscrowSubmitted); err != nil {
			return err
		}
		fx.emit(NewSubmittedEvent(esc))
		out = esc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// Approve releases the milestone to the freelancer.
func (e *Engine) Approve(id [32]byte, caller [20]byte, now int64) (*Escrow, error) {
	var out *Escrow
	err := e.update("approve", func(tx *state.Tx, fx *effects) error {
		esc, err := loadEscrow(tx, id)
		if err != nil {
			return err
		}
		if err := requireStatus(esc, EscrowSubmitted, "approve"); err != nil {
			return err
		}
		if caller != esc.Client {
			return fmt.Errorf("%w: only the client may approve", brmerrors.ErrUnauthorized)
		}
		if err := esc.advance(EscrowApproved); err != nil {
			return err
		}
		fx.transitions = append(fx.transitions, EscrowApproved)
		fx.emit(NewApprovedEvent(esc))
		if err := e.settle(tx, fx, esc, ResolutionApproved, payout.DirectApproval(esc.MilestoneValue), now); err != nil {
			return err
		}
		out = esc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// OpenDispute moves a submitted escrow into DISPUTE_OPEN. The client posts the
// bond in the same transaction. Opening is allowed up to and including the
// review deadline.
func (e *Engine) OpenDispute(id [32]byte, caller [20]byte, now int64) (*Escrow, error) {
	var out *Escrow
	err := e.update("open_dispute", func(tx *state.Tx, fx *effects) error {
		esc, err := loadEscrow(tx, id)
		if err != nil {
			return err
		}
		if err := requireStatus(esc, EscrowSubmitted, "dispute"); err != nil {
			return err
		}
		if caller != esc.Client {
			return fmt.Errorf("%w: only the client may open a dispute", brmerrors.ErrUnauthorized)
		}
		if now > esc.ReviewDeadline(e.params) {
			return fmt.Errorf("%w: review window closed at %d", brmerrors.ErrWindow, esc.ReviewDeadline(e.params))
		}
		d, err := e.disputes.Open(tx, esc.ID, esc.BondValue, now)
		if err != nil {
			return err
		}
		esc.DisputeID = d.ID
		esc.HasDispute = true
		esc.DisputeOpenedAt = now
		if err := e.transition(tx, fx, esc, EscrowDisputeOpen); err != nil {
			return err
		}
		if err := tx.Transfer(esc.Client, CustodyAddress(id), esc.BondValue); err != nil {
			return err
		}
		fx.emit(NewDisputedEvent(esc))
		out = esc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// RespondToDispute applies the freelancer's answer. Accept concedes the
// milestone to the client without a market; Challenge posts the matching bond
// and opens public voting.
func (e *Engine) RespondToDispute(id [32]byte, caller [20]byte, response Response, now int64) (*Escrow, error) {
	var out *Escrow
	err := e.update("respond", func(tx *state.Tx, fx *effects) error {
		esc, err := loadEscrow(tx, id)
		if err != nil {
			return err
		}
		if err := requireStatus(esc, EscrowDisputeOpen, "respond to"); err != nil {
			return err
		}
		if caller != esc.Freelancer {
			return fmt.Errorf("%w: only the freelancer may respond", brmerrors.ErrUnauthorized)
		}
		if now > esc.ResponseDeadline(e.params) {
			return fmt.Errorf("%w: response window closed at %d", brmerrors.ErrWindow, esc.ResponseDeadline(e.params))
		}
		switch response {
		case ResponseAccept:
			if _, err := e.disputes.Close(tx, esc.DisputeID, dispute.SideClient, now); err != nil {
				return err
			}
			dist := payout.AcceptLoss(esc.MilestoneValue, esc.BondValue)
			if err := e.settle(tx, fx, esc, ResolutionAccepted, dist, now); err != nil {
				return err
			}
		case ResponseChallenge:
			if _, err := e.disputes.Challenge(tx, esc.DisputeID, now); err != nil {
				return err
			}
			if err := e.transition(tx, fx, esc, EscrowDisputeActive); err != nil {
				return err
			}
			if err := tx.Transfer(esc.Freelancer, CustodyAddress(id), esc.BondValue); err != nil {
				return err
			}
			fx.emit(NewChallengedEvent(esc))
		default:
			return fmt.Errorf("%w: unknown dispute response %d", brmerrors.ErrInvalidArgument, response)
		}
		out = esc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// Deposit stakes amount from caller on side of an active dispute.
func (e *Engine) Deposit(caller [20]byte, disputeID [32]byte, side dispute.Side, amount *big.Int, now int64) (*dispute.Deposit, error) {
	var out *dispute.Deposit
	err := e.update("deposit", func(tx *state.Tx, fx *effects) error {
		dep, d, err := e.disputes.Stake(tx, caller, disputeID, side, amount, now)
		if err != nil {
			return err
		}
		fx.deposits = append(fx.deposits, side)
		fx.emit(dispute.NewDepositEvent(d, dep, amount))
		out = dep
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// ResolveDispute closes the market once voting has ended and pays the escrow
// parties from custody.
func (e *Engine) ResolveDispute(disputeID [32]byte, now int64) (*Escrow, error) {
	var out *Escrow
	err := e.update("resolve", func(tx *state.Tx, fx *effects) error {
		d, err := e.disputes.Get(tx, disputeID)
		if err != nil {
			return err
		}
		esc, err := loadEscrow(tx, d.EscrowID)
		if err != nil {
			return err
		}
		if err := requireStatus(esc, EscrowDisputeActive, "resolve"); err != nil {
			return err
		}
		if err := e.resolveMarket(tx, fx, esc, now); err != nil {
			return err
		}
		out = esc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// Claim pays caller's winnings, or its refund from a voided market, out of the
// dispute pool.
func (e *Engine) Claim(caller [20]byte, disputeID [32]byte) (*big.Int, error) {
	var paid *big.Int
	err := e.update("claim", func(tx *state.Tx, fx *effects) error {
		dep, amount, err := e.disputes.Claim(tx, caller, disputeID)
		if err != nil {
			return err
		}
		d, err := e.disputes.Get(tx, disputeID)
		if err != nil {
			return err
		}
		kind := "winner"
		if d.Voided {
			kind = "refund"
		}
		fx.claims = append(fx.claims, kind)
		fx.emit(dispute.NewClaimedEvent(d, dep, amount))
		paid = amount
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cloneBigInt(paid), nil
}

// CheckTimeouts applies whichever time-driven transition is due for the
// escrow at now. It reports whether anything changed; when nothing is due,
// including on a resolved escrow, it is a no-op rather than an error.
func (e *Engine) CheckTimeouts(id [32]byte, now int64) (*Escrow, bool, error) {
	var (
		out     *Escrow
		changed bool
	)
	err := e.update("check_timeouts", func(tx *state.Tx, fx *effects) error {
		esc, err := loadEscrow(tx, id)
		if err != nil {
			return err
		}
		out = esc
		switch esc.Status {
		case EscrowSubmitted:
			if now <= esc.ReviewDeadline(e.params) {
				return nil
			}
			changed = true
			return e.settle(tx, fx, esc, ResolutionAutoReleased, payout.AutoRelease(esc.MilestoneValue), now)
		case EscrowDisputeOpen:
			if now <= esc.ResponseDeadline(e.params) {
				return nil
			}
			if _, err := e.disputes.Close(tx, esc.DisputeID, dispute.SideClient, now); err != nil {
				return err
			}
			changed = true
			dist := payout.DefaultByNoResponse(esc.MilestoneValue, esc.BondValue)
			return e.settle(tx, fx, esc, ResolutionDefault, dist, now)
		case EscrowDisputeActive:
			d, err := e.disputes.Get(tx, esc.DisputeID)
			if err != nil {
				return err
			}
			if now <= d.VotingEnd {
				return nil
			}
			changed = true
			return e.resolveMarket(tx, fx, esc, now)
		default:
			return nil
		}
	})
	if err != nil {
		return nil, false, err
	}
	return out.Clone(), changed, nil
}

// CheckAllTimeouts sweeps every unresolved escrow through CheckTimeouts, each
// in its own transaction. It returns the escrows that changed; failures on
// individual escrows are joined and do not stop the sweep.
func (e *Engine) CheckAllTimeouts(now int64) ([]*Escrow, error) {
	var ids [][32]byte
	if err := e.view(func(tx *state.Tx) error {
		var err error
		ids, err = openEscrowIDs(tx)
		return err
	}); err != nil {
		return nil, err
	}
	e.metrics.SetOpenEscrows(len(ids))
	var (
		changed []*Escrow
		errs    []error
	)
	for _, id := range ids {
		esc, ok, err := e.CheckTimeouts(id, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("escrow %s: %w", shortID(id), err))
			continue
		}
		if ok {
			changed = append(changed, esc)
		}
	}
	return changed, errors.Join(errs...)
}

func (e *Engine) resolveMarket(tx *state.Tx, fx *effects, esc *Escrow, now int64) error {
	res, err := e.disputes.Resolve(tx, esc.DisputeID, now)
	if err != nil {
		return err
	}
	var (
		dist payout.Distribution
		kind ResolutionKind
	)
	if res.Voided {
		dist = payout.VoidedMarket(esc.MilestoneValue, esc.BondValue, esc.BondValue)
		kind = ResolutionVoided
	} else {
		dist, err = payout.MarketOutcome(esc.MilestoneValue, esc.BondValue, esc.BondValue, res.Outcome.Party())
		if err != nil {
			return err
		}
		kind = ResolutionMarket
	}
	fx.revenue.Add(fx.revenue, res.Revenue)
	fx.dust.Add(fx.dust, res.Remainder)
	fx.emit(dispute.NewResolvedEvent(res))
	return e.settle(tx, fx, esc, kind, dist, now)
}

// settle pays dist out of custody and moves the escrow to RESOLVED. The
// escrow record is written before any transfer.
func (e *Engine) settle(tx *state.Tx, fx *effects, esc *Escrow, kind ResolutionKind, dist payout.Distribution, now int64) error {
	if dist.Protocol != nil && dist.Protocol.Sign() > 0 && e.treasury == ([20]byte{}) {
		return errNilTreasury
	}
	esc.Resolution = kind
	esc.ResolvedAt = now
	if err := e.transition(tx, fx, esc, EscrowResolved); err != nil {
		return err
	}
	if err := clearOpen(tx, esc.ID); err != nil {
		return err
	}
	custody := CustodyAddress(esc.ID)
	legs := []struct {
		to     [20]byte
		amount *big.Int
	}{
		{esc.Client, dist.Client},
		{esc.Freelancer, dist.Freelancer},
		{e.treasury, dist.Protocol},
	}
	for _, leg := range legs {
		if leg.amount == nil || leg.amount.Sign() == 0 {
			continue
		}
		if err := tx.Transfer(custody, leg.to, leg.amount); err != nil {
			return err
		}
	}
	if dist.Protocol != nil {
		fx.revenue.Add(fx.revenue, dist.Protocol)
	}
	fx.resolutions = append(fx.resolutions, kind)
	fx.emit(NewResolvedEvent(esc, dist))
	return nil
}

// Escrow returns the stored escrow.
func (e *Engine) Escrow(id [32]byte) (*Escrow, error) {
	var out *Escrow
	err := e.view(func(tx *state.Tx) error {
		var err error
		out, err = loadEscrow(tx, id)
		return err
	})
	return out, err
}

// Dispute returns the stored dispute.
func (e *Engine) Dispute(id [32]byte) (*dispute.Dispute, error) {
	var out *dispute.Dispute
	err := e.view(func(tx *state.Tx) error {
		var err error
		out, err = e.disputes.Get(tx, id)
		return err
	})
	return out, err
}

// Deposits lists the public deposits of a dispute in first-deposit order.
func (e *Engine) Deposits(disputeID [32]byte) ([]*dispute.Deposit, error) {
	var out []*dispute.Deposit
	err := e.view(func(tx *state.Tx) error {
		var err error
		out, err = e.disputes.Deposits(tx, disputeID)
		return err
	})
	return out, err
}

// DepositOf returns voter's deposit on the dispute.
func (e *Engine) DepositOf(disputeID [32]byte, voter [20]byte) (*dispute.Deposit, error) {
	var out *dispute.Deposit
	err := e.view(func(tx *state.Tx) error {
		var err error
		out, err = e.disputes.Deposit(tx, disputeID, voter)
		return err
	})
	return out, err
}

// Balance returns the ledger balance of addr.
func (e *Engine) Balance(addr [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.Balance(addr)
}
