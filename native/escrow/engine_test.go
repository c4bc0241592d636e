package escrow

import (
	"bytes"
	"errors"
	"math/big"
	"sync"
	"testing"

	brmerrors "brm/core/errors"
	"brm/core/events"
	"brm/core/state"
	"brm/native/dispute"
	"brm/storage"
)

var (
	testClient     = newTestAddress(0x01)
	testFreelancer = newTestAddress(0x02)
	testTreasury   = newTestAddress(0xEE)
	testEvidence   = [32]byte{0xAB, 0xCD}
)

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

// milli returns n thousandths of one 18-decimal unit.
func milli(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000))
}

type harness struct {
	t        *testing.T
	engine   *Engine
	state    *state.Manager
	recorder *events.Recorder
}

func newHarness(t *testing.T, mutate func(*Params)) *harness {
	t.Helper()
	params := DefaultParams()
	if mutate != nil {
		mutate(&params)
	}
	mgr := state.NewManager(storage.NewMemDB())
	engine, err := NewEngine(mgr, params)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	engine.SetTreasury(testTreasury)
	rec := events.NewRecorder(0)
	engine.SetEmitter(rec)
	h := &harness{t: t, engine: engine, state: mgr, recorder: rec}
	h.mint(testClient, milli(10_000))
	h.mint(testFreelancer, milli(10_000))
	return h
}

func (h *harness) mint(addr [20]byte, amount *big.Int) {
	h.t.Helper()
	if err := h.state.Mint(addr, amount); err != nil {
		h.t.Fatalf("mint: %v", err)
	}
}

func (h *harness) balance(addr [20]byte) *big.Int {
	h.t.Helper()
	bal, err := h.engine.Balance(addr)
	if err != nil {
		h.t.Fatalf("balance: %v", err)
	}
	return bal
}

func (h *harness) supply() *big.Int {
	h.t.Helper()
	var out *big.Int
	if err := h.state.View(func(tx *state.Tx) error {
		var err error
		out, err = tx.TotalSupply()
		return err
	}); err != nil {
		h.t.Fatalf("supply: %v", err)
	}
	return out
}

func (h *harness) escrow(id [32]byte) *Escrow {
	h.t.Helper()
	esc, err := h.engine.Escrow(id)
	if err != nil {
		h.t.Fatalf("load escrow: %v", err)
	}
	return esc
}

// submitted walks a fresh 1.0 milestone escrow to SUBMITTED at t=1000.
func (h *harness) openIDs() [][32]byte {
	h.t.Helper()
	var ids [][32]byte
	if err := h.state.View(func(tx *state.Tx) error {
		var err error
		ids, err = openEscrowIDs(tx)
		return err
	}); err != nil {
		h.t.Fatalf("open index: %v", err)
	}
	return ids
}

func containsID(ids [][32]byte, want [32]byte) bool {
	for _, id := range ids {
		if id == want {
			return true
		}
	}
	return false
}

func (h *harness) submitted(nonce uint64) *Escrow {
	h.t.Helper()
	esc, err := h.engine.Create(testClient, testClient, testFreelancer, milli(1000), nonce, 900)
	if err != nil {
		h.t.Fatalf("create: %v", err)
	}
	if _, err := h.engine.Fund(esc.ID, testClient, milli(1000), 950); err != nil {
		h.t.Fatalf("fund: %v", err)
	}
	esc, err = h.engine.Submit(esc.ID, testFreelancer, testEvidence, 1000)
	if err != nil {
		h.t.Fatalf("submit: %v", err)
	}
	return esc
}

// active opens and challenges a dispute on a submitted escrow.
func (h *harness) active(nonce uint64) (*Escrow, *dispute.Dispute) {
	h.t.Helper()
	esc := h.submitted(nonce)
	if _, err := h.engine.OpenDispute(esc.ID, testClient, 2000); err != nil {
		h.t.Fatalf("open dispute: %v", err)
	}
	esc, err := h.engine.RespondToDispute(esc.ID, testFreelancer, ResponseChallenge, 3000)
	if err != nil {
		h.t.Fatalf("challenge: %v", err)
	}
	d, err := h.engine.Dispute(esc.DisputeID)
	if err != nil {
		h.t.Fatalf("load dispute: %v", err)
	}
	return esc, d
}

func expectErr(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
}

func expectAmount(t *testing.T, label string, got, want *big.Int) {
	t.Helper()
	if got.Cmp(want) != 0 {
		t.Fatalf("%s = %s, want %s", label, got, want)
	}
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t, nil)
	cases := []struct {
		name       string
		client     [20]byte
		freelancer [20]byte
		value      *big.Int
		want       error
	}{
		{"same party", testClient, testClient, milli(1), brmerrors.ErrInvalidArgument},
		{"zero client", [20]byte{}, testFreelancer, milli(1), brmerrors.ErrInvalidArgument},
		{"zero value", testClient, testFreelancer, big.NewInt(0), brmerrors.ErrInvalidAmount},
		{"negative value", testClient, testFreelancer, big.NewInt(-1), brmerrors.ErrInvalidAmount},
		{"nil value", testClient, testFreelancer, nil, brmerrors.ErrInvalidAmount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.engine.Create(tc.client, tc.client, tc.freelancer, tc.value, 1, 0)
			expectErr(t, err, tc.want)
		})
	}

	esc, err := h.engine.Create(testClient, testClient, testFreelancer, milli(1000), 7, 10)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if esc.ID != DeriveID(testClient, testFreelancer, 7) {
		t.Fatalf("unexpected escrow id")
	}
	if esc.Status != EscrowCreated || esc.CreatedAt != 10 {
		t.Fatalf("unexpected escrow: %+v", esc)
	}
	_, err = h.engine.Create(testClient, testClient, testFreelancer, milli(1000), 7, 11)
	expectErr(t, err, brmerrors.ErrInvalidState)
}

func TestCreateRequiresClientCaller(t *testing.T) {
	h := newHarness(t, nil)
	outsider := newTestAddress(0x44)
	for name, caller := range map[string][20]byte{"freelancer": testFreelancer, "third party": outsider} {
		t.Run(name, func(t *testing.T) {
			_, err := h.engine.Create(caller, testClient, testFreelancer, milli(1), 7, 0)
			expectErr(t, err, brmerrors.ErrUnauthorized)
		})
	}
	// the rejected attempts must not reserve the identifier
	esc, err := h.engine.Create(testClient, testClient, testFreelancer, milli(1000), 7, 0)
	if err != nil {
		t.Fatalf("client create after rejected attempts: %v", err)
	}
	expectAmount(t, "milestone", esc.MilestoneValue, milli(1000))
}

func TestOpenIndexTracksUnresolvedEscrows(t *testing.T) {
	h := newHarness(t, nil)
	first := h.submitted(1)
	second, err := h.engine.Create(testClient, testClient, testFreelancer, milli(10), 2, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ids := h.openIDs()
	if len(ids) != 2 || !containsID(ids, first.ID) || !containsID(ids, second.ID) {
		t.Fatalf("expected both escrows open, got %d", len(ids))
	}
	if _, err := h.engine.Approve(first.ID, testClient, first.SubmittedAt+1); err != nil {
		t.Fatalf("approve: %v", err)
	}
	ids = h.openIDs()
	if len(ids) != 1 || ids[0] != second.ID {
		t.Fatalf("resolved escrow still indexed: %d open", len(ids))
	}
}

func TestBondSizingFixedAtCreation(t *testing.T) {
	h := newHarness(t, nil)
	cases := []struct {
		value *big.Int
		bond  *big.Int
	}{
		{milli(1000), milli(300)},
		{big.NewInt(5), big.NewInt(2)},
		{big.NewInt(1), big.NewInt(0)},
		{big.NewInt(333), big.NewInt(100)},
	}
	for i, tc := range cases {
		esc, err := h.engine.Create(testClient, testClient, testFreelancer, tc.value, uint64(100+i), 0)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		expectAmount(t, "bond", esc.BondValue, tc.bond)
		stored := h.escrow(esc.ID)
		expectAmount(t, "stored bond", stored.BondValue, tc.bond)
	}
}

func TestFundRequiresExactAmount(t *testing.T) {
	h := newHarness(t, nil)
	esc, err := h.engine.Create(testClient, testClient, testFreelancer, milli(1000), 1, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	one := big.NewInt(1)
	for _, amount := range []*big.Int{new(big.Int).Sub(milli(1000), one), new(big.Int).Add(milli(1000), one), nil} {
		_, err := h.engine.Fund(esc.ID, testClient, amount, 1)
		expectErr(t, err, brmerrors.ErrInvalidAmount)
	}
	_, err = h.engine.Fund(esc.ID, testFreelancer, milli(1000), 1)
	expectErr(t, err, brmerrors.ErrUnauthorized)
	expectAmount(t, "client balance", h.balance(testClient), milli(10_000))

	funded, err := h.engine.Fund(esc.ID, testClient, milli(1000), 5)
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if funded.Status != EscrowFunded || funded.FundedAt != 5 {
		t.Fatalf("unexpected funded escrow: %+v", funded)
	}
	expectAmount(t, "custody", h.balance(CustodyAddress(esc.ID)), milli(1000))
	expectAmount(t, "client balance", h.balance(testClient), milli(9_000))

	_, err = h.engine.Fund(esc.ID, testClient, milli(1000), 6)
	expectErr(t, err, brmerrors.ErrInvalidState)
}

func TestFailedFundingLeavesNoTrace(t *testing.T) {
	h := newHarness(t, nil)
	poor := newTestAddress(0x33)
	h.mint(poor, milli(10))
	esc, err := h.engine.Create(poor, poor, testFreelancer, milli(1000), 1, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = h.engine.Fund(esc.ID, poor, milli(1000), 1)
	expectErr(t, err, brmerrors.ErrInsufficientBalance)
	if got := h.escrow(esc.ID); got.Status != EscrowCreated || got.FundedAt != 0 {
		t.Fatalf("failed funding mutated escrow: %+v", got)
	}
	expectAmount(t, "balance", h.balance(poor), milli(10))
	expectAmount(t, "custody", h.balance(CustodyAddress(esc.ID)), big.NewInt(0))
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, nil)
	esc, _ := h.engine.Create(testClient, testClient, testFreelancer, milli(1000), 1, 0)
	_, err := h.engine.Submit(esc.ID, testFreelancer, testEvidence, 1)
	expectErr(t, err, brmerrors.ErrInvalidState)
	if _, err := h.engine.Fund(esc.ID, testClient, milli(1000), 1); err != nil {
		t.Fatalf("fund: %v", err)
	}
	_, err = h.engine.Submit(esc.ID, testClient, testEvidence, 2)
	expectErr(t, err, brmerrors.ErrUnauthorized)
	_, err = h.engine.Submit(esc.ID, testFreelancer, [32]byte{}, 2)
	expectErr(t, err, brmerrors.ErrInvalidArgument)
	sub, err := h.engine.Submit(esc.ID, testFreelancer, testEvidence, 3)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sub.SubmittedAt != 3 || sub.EvidenceRef != testEvidence {
		t.Fatalf("unexpected submitted escrow: %+v", sub)
	}
}

func TestApprovePaysFreelancer(t *testing.T) {
	h := newHarness(t, nil)
	esc := h.submitted(1)
	_, err := h.engine.Approve(esc.ID, testFreelancer, 1100)
	expectErr(t, err, brmerrors.ErrUnauthorized)

	resolved, err := h.engine.Approve(esc.ID, testClient, 1100)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if resolved.Status != EscrowResolved || resolved.Resolution != ResolutionApproved || resolved.ResolvedAt != 1100 {
		t.Fatalf("unexpected resolved escrow: %+v", resolved)
	}
	expectAmount(t, "freelancer", h.balance(testFreelancer), milli(11_000))
	expectAmount(t, "custody", h.balance(CustodyAddress(esc.ID)), big.NewInt(0))

	_, err = h.engine.Approve(esc.ID, testClient, 1200)
	expectErr(t, err, brmerrors.ErrInvalidState)
}

func TestAcceptPaysClientMilestoneAndBond(t *testing.T) {
	h := newHarness(t, nil)
	esc := h.submitted(1)
	opened, err := h.engine.OpenDispute(esc.ID, testClient, 2000)
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	if opened.Status != EscrowDisputeOpen || !opened.HasDispute || opened.DisputeID != dispute.IDForEscrow(esc.ID) {
		t.Fatalf("unexpected disputed escrow: %+v", opened)
	}
	expectAmount(t, "custody", h.balance(CustodyAddress(esc.ID)), milli(1300))

	_, err = h.engine.RespondToDispute(esc.ID, testClient, ResponseAccept, 2100)
	expectErr(t, err, brmerrors.ErrUnauthorized)

	before := h.balance(testClient)
	resolved, err := h.engine.RespondToDispute(esc.ID, testFreelancer, ResponseAccept, 2100)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if resolved.Resolution != ResolutionAccepted {
		t.Fatalf("unexpected resolution %s", resolved.Resolution)
	}
	expectAmount(t, "client gain", new(big.Int).Sub(h.balance(testClient), before), milli(1300))
	expectAmount(t, "treasury", h.balance(testTreasury), big.NewInt(0))

	d, err := h.engine.Dispute(resolved.DisputeID)
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if d.Status != dispute.StatusResolved || d.Outcome != dispute.SideClient {
		t.Fatalf("unexpected dispute: %+v", d)
	}
}

func TestDefaultByNoResponse(t *testing.T) {
	h := newHarness(t, nil)
	esc := h.submitted(1)
	if _, err := h.engine.OpenDispute(esc.ID, testClient, 2000); err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	deadline := int64(2000) + h.engine.Params().ResponseWindow

	if _, changed, err := h.engine.CheckTimeouts(esc.ID, deadline); err != nil || changed {
		t.Fatalf("timeout fired at the deadline: changed=%v err=%v", changed, err)
	}
	_, err := h.engine.RespondToDispute(esc.ID, testFreelancer, ResponseChallenge, deadline+1)
	expectErr(t, err, brmerrors.ErrWindow)

	before := h.balance(testClient)
	resolved, changed, err := h.engine.CheckTimeouts(esc.ID, deadline+1)
	if err != nil || !changed {
		t.Fatalf("expected default resolution: changed=%v err=%v", changed, err)
	}
	if resolved.Resolution != ResolutionDefault {
		t.Fatalf("unexpected resolution %s", resolved.Resolution)
	}
	expectAmount(t, "client gain", new(big.Int).Sub(h.balance(testClient), before), milli(1300))
}

func TestMarketResolutionFavoursFreelancer(t *testing.T) {
	h := newHarness(t, nil)
	esc, d := h.active(1)
	expectAmount(t, "custody", h.balance(CustodyAddress(esc.ID)), milli(1600))
	if d.VotingStart != 3000 || d.VotingEnd != 3000+h.engine.Params().Market.VotingWindow {
		t.Fatalf("unexpected voting window: %+v", d)
	}

	alice, bob := newTestAddress(0x0A), newTestAddress(0x0B)
	h.mint(alice, milli(500))
	h.mint(bob, milli(300))
	if _, err := h.engine.Deposit(alice, d.ID, dispute.SideFreelancer, milli(500), 3100); err != nil {
		t.Fatalf("alice deposit: %v", err)
	}
	if _, err := h.engine.Deposit(bob, d.ID, dispute.SideClient, milli(300), 3200); err != nil {
		t.Fatalf("bob deposit: %v", err)
	}

	_, err := h.engine.ResolveDispute(d.ID, d.VotingEnd-1)
	expectErr(t, err, brmerrors.ErrWindow)

	freelancerBefore := h.balance(testFreelancer)
	resolved, err := h.engine.ResolveDispute(d.ID, d.VotingEnd)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Resolution != ResolutionMarket || resolved.Status != EscrowResolved {
		t.Fatalf("unexpected resolved escrow: %+v", resolved)
	}
	expectAmount(t, "freelancer gain", new(big.Int).Sub(h.balance(testFreelancer), freelancerBefore), milli(1300))
	expectAmount(t, "custody", h.balance(CustodyAddress(esc.ID)), big.NewInt(0))

	// Forfeited client bond (0.3) plus 2.5% of bob's 0.3 stake.
	fee := new(big.Int).Mul(big.NewInt(75), big.NewInt(100_000_000_000_000))
	expectAmount(t, "treasury", h.balance(testTreasury), new(big.Int).Add(milli(300), fee))

	paid, err := h.engine.Claim(alice, d.ID)
	if err != nil {
		t.Fatalf("alice claim: %v", err)
	}
	expectAmount(t, "alice payout", paid, new(big.Int).Mul(big.NewInt(7925), big.NewInt(100_000_000_000_000)))
	_, err = h.engine.Claim(alice, d.ID)
	expectErr(t, err, brmerrors.ErrAlreadyClaimed)
	_, err = h.engine.Claim(bob, d.ID)
	expectErr(t, err, brmerrors.ErrNotWinningSide)
	expectAmount(t, "pool", h.balance(dispute.PoolAddress(d.ID)), big.NewInt(0))

	_, err = h.engine.ResolveDispute(d.ID, d.VotingEnd+10)
	expectErr(t, err, brmerrors.ErrInvalidState)
}

func TestMarketTieFavoursClient(t *testing.T) {
	h := newHarness(t, nil)
	esc, d := h.active(1)
	before := h.balance(testClient)
	resolved, changed, err := h.engine.CheckTimeouts(esc.ID, d.VotingEnd+1)
	if err != nil || !changed {
		t.Fatalf("expected market resolution: changed=%v err=%v", changed, err)
	}
	if resolved.Resolution != ResolutionMarket {
		t.Fatalf("unexpected resolution %s", resolved.Resolution)
	}
	expectAmount(t, "client gain", new(big.Int).Sub(h.balance(testClient), before), milli(1300))
	expectAmount(t, "treasury", h.balance(testTreasury), milli(300))
}

func TestVoidedMarketUnwinds(t *testing.T) {
	h := newHarness(t, func(p *Params) { p.Market.MinParticipation = milli(1000) })
	esc, d := h.active(1)
	voter := newTestAddress(0x0C)
	h.mint(voter, milli(50))
	if _, err := h.engine.Deposit(voter, d.ID, dispute.SideFreelancer, milli(50), 3100); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	clientBefore, freelancerBefore := h.balance(testClient), h.balance(testFreelancer)
	resolved, err := h.engine.ResolveDispute(d.ID, d.VotingEnd)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Resolution != ResolutionVoided {
		t.Fatalf("unexpected resolution %s", resolved.Resolution)
	}
	expectAmount(t, "client gain", new(big.Int).Sub(h.balance(testClient), clientBefore), milli(1300))
	expectAmount(t, "freelancer gain", new(big.Int).Sub(h.balance(testFreelancer), freelancerBefore), milli(300))
	expectAmount(t, "treasury", h.balance(testTreasury), big.NewInt(0))

	refund, err := h.engine.Claim(voter, d.ID)
	if err != nil {
		t.Fatalf("refund claim: %v", err)
	}
	expectAmount(t, "refund", refund, milli(50))
	expectAmount(t, "custody", h.balance(CustodyAddress(esc.ID)), big.NewInt(0))
}

func TestReviewWindowBoundary(t *testing.T) {
	h := newHarness(t, nil)
	esc := h.submitted(1)
	deadline := esc.ReviewDeadline(h.engine.Params())

	_, err := h.engine.OpenDispute(esc.ID, testClient, deadline+1)
	expectErr(t, err, brmerrors.ErrWindow)

	resolved, changed, err := h.engine.CheckTimeouts(esc.ID, deadline+1)
	if err != nil || !changed {
		t.Fatalf("expected auto release: changed=%v err=%v", changed, err)
	}
	if resolved.Resolution != ResolutionAutoReleased {
		t.Fatalf("unexpected resolution %s", resolved.Resolution)
	}
	expectAmount(t, "freelancer", h.balance(testFreelancer), milli(11_000))

	// The last second of the window still belongs to the client.
	other := h.submitted(2)
	if _, err := h.engine.OpenDispute(other.ID, testClient, other.ReviewDeadline(h.engine.Params())); err != nil {
		t.Fatalf("open dispute at deadline: %v", err)
	}
}

func TestCheckTimeoutsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	esc := h.submitted(1)
	now := esc.ReviewDeadline(h.engine.Params()) + 1

	if _, changed, err := h.engine.CheckTimeouts(esc.ID, now); err != nil || !changed {
		t.Fatalf("first check: changed=%v err=%v", changed, err)
	}
	balance := h.balance(testFreelancer)
	eventsBefore := len(h.recorder.Events())
	again, changed, err := h.engine.CheckTimeouts(esc.ID, now)
	if err != nil || changed {
		t.Fatalf("second check must be a no-op: changed=%v err=%v", changed, err)
	}
	if again.Status != EscrowResolved {
		t.Fatalf("unexpected status %s", again.Status)
	}
	expectAmount(t, "freelancer", h.balance(testFreelancer), balance)
	if len(h.recorder.Events()) != eventsBefore {
		t.Fatalf("no-op check emitted events")
	}

	// Nothing due: still a no-op.
	fresh := h.submitted(2)
	if _, changed, err := h.engine.CheckTimeouts(fresh.ID, fresh.SubmittedAt+1); err != nil || changed {
		t.Fatalf("early check: changed=%v err=%v", changed, err)
	}
	_, _, err = h.engine.CheckTimeouts([32]byte{0x99}, now)
	expectErr(t, err, brmerrors.ErrNotFound)
}

func TestResolvedIsAbsorbing(t *testing.T) {
	h := newHarness(t, nil)
	esc := h.submitted(1)
	if _, err := h.engine.Approve(esc.ID, testClient, 1100); err != nil {
		t.Fatalf("approve: %v", err)
	}
	actions := map[string]func() error{
		"fund": func() error {
			_, err := h.engine.Fund(esc.ID, testClient, milli(1000), 1200)
			return err
		},
		"submit": func() error {
			_, err := h.engine.Submit(esc.ID, testFreelancer, testEvidence, 1200)
			return err
		},
		"approve": func() error {
			_, err := h.engine.Approve(esc.ID, testClient, 1200)
			return err
		},
		"dispute": func() error {
			_, err := h.engine.OpenDispute(esc.ID, testClient, 1200)
			return err
		},
		"respond": func() error {
			_, err := h.engine.RespondToDispute(esc.ID, testFreelancer, ResponseAccept, 1200)
			return err
		},
	}
	for name, action := range actions {
		if err := action(); !errors.Is(err, brmerrors.ErrInvalidState) {
			t.Fatalf("%s after resolution: expected invalid state, got %v", name, err)
		}
	}
	if got := h.escrow(esc.ID); got.Status != EscrowResolved || got.Resolution != ResolutionApproved {
		t.Fatalf("resolved escrow changed: %+v", got)
	}
}

func TestTransitionsOnlyMoveForward(t *testing.T) {
	statuses := []EscrowStatus{EscrowCreated, EscrowFunded, EscrowSubmitted, EscrowApproved, EscrowDisputeOpen, EscrowDisputeActive, EscrowResolved}
	for _, from := range statuses {
		if CanTransition(from, from) {
			t.Fatalf("%s may not transition to itself", from)
		}
		for _, to := range statuses {
			if CanTransition(from, to) && to < from {
				t.Fatalf("backward transition %s -> %s", from, to)
			}
		}
		if CanTransition(EscrowResolved, from) {
			t.Fatalf("resolved escrow may not move to %s", from)
		}
	}
}

func TestConcurrentApproveAndOpenDispute(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t, nil)
		esc := h.submitted(uint64(i))
		var (
			wg      sync.WaitGroup
			results = make([]error, 2)
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, results[0] = h.engine.Approve(esc.ID, testClient, 1500)
		}()
		go func() {
			defer wg.Done()
			_, results[1] = h.engine.OpenDispute(esc.ID, testClient, 1500)
		}()
		wg.Wait()
		succeeded := 0
		for _, err := range results {
			if err == nil {
				succeeded++
			} else if !errors.Is(err, brmerrors.ErrInvalidState) {
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if succeeded != 1 {
			t.Fatalf("exactly one action must win, got %d", succeeded)
		}
	}
}

func TestConservationAcrossMarket(t *testing.T) {
	h := newHarness(t, nil)
	voters := []struct {
		addr   [20]byte
		side   dispute.Side
		amount *big.Int
	}{
		{newTestAddress(0x21), dispute.SideFreelancer, new(big.Int).Add(milli(170), big.NewInt(3))},
		{newTestAddress(0x22), dispute.SideFreelancer, new(big.Int).Add(milli(90), big.NewInt(7))},
		{newTestAddress(0x23), dispute.SideClient, new(big.Int).Add(milli(130), big.NewInt(11))},
		{newTestAddress(0x24), dispute.SideClient, milli(20)},
	}
	for _, v := range voters {
		h.mint(v.addr, v.amount)
	}
	supply := h.supply()
	holders := [][20]byte{testClient, testFreelancer, testTreasury}
	for _, v := range voters {
		holders = append(holders, v.addr)
	}
	sum := func(extra ...[20]byte) *big.Int {
		total := new(big.Int)
		for _, addr := range append(holders, extra...) {
			total.Add(total, h.balance(addr))
		}
		return total
	}
	expectAmount(t, "initial holdings", sum(), supply)

	esc, d := h.active(1)
	for _, v := range voters {
		if _, err := h.engine.Deposit(v.addr, d.ID, v.side, v.amount, 3500); err != nil {
			t.Fatalf("deposit: %v", err)
		}
	}
	if _, err := h.engine.CheckAllTimeouts(d.VotingEnd + 1); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	for _, v := range voters[:2] {
		if _, err := h.engine.Claim(v.addr, d.ID); err != nil {
			t.Fatalf("claim: %v", err)
		}
	}
	expectAmount(t, "custody", h.balance(CustodyAddress(esc.ID)), big.NewInt(0))
	expectAmount(t, "pool", h.balance(dispute.PoolAddress(d.ID)), big.NewInt(0))
	expectAmount(t, "final holdings", sum(), supply)
	expectAmount(t, "supply", h.supply(), supply)
	if h.balance(testTreasury).Sign() <= 0 {
		t.Fatalf("treasury should have collected revenue")
	}
}

func TestCheckAllTimeoutsSweepsDueEscrows(t *testing.T) {
	h := newHarness(t, nil)
	due := h.submitted(1)
	notDue, err := h.engine.Create(testClient, testClient, testFreelancer, milli(10), 2, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	now := due.ReviewDeadline(h.engine.Params()) + 1
	changed, err := h.engine.CheckAllTimeouts(now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(changed) != 1 || changed[0].ID != due.ID {
		t.Fatalf("unexpected sweep result: %+v", changed)
	}
	if h.escrow(notDue.ID).Status != EscrowCreated {
		t.Fatalf("sweep touched an escrow with nothing due")
	}
	changed, err = h.engine.CheckAllTimeouts(now)
	if err != nil || len(changed) != 0 {
		t.Fatalf("second sweep must be empty: %v %v", changed, err)
	}
}

func TestEventsFollowLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	esc, d := h.active(1)
	voter := newTestAddress(0x31)
	h.mint(voter, milli(5))
	if _, err := h.engine.Deposit(voter, d.ID, dispute.SideFreelancer, milli(5), 3100); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := h.engine.ResolveDispute(d.ID, d.VotingEnd); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := h.engine.Claim(voter, d.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	want := []string{
		EventTypeEscrowCreated,
		EventTypeEscrowFunded,
		EventTypeEscrowSubmitted,
		EventTypeEscrowDisputed,
		EventTypeEscrowChallenged,
		dispute.EventTypeDeposit,
		dispute.EventTypeResolved,
		EventTypeEscrowResolved,
		dispute.EventTypeClaimed,
	}
	got := h.recorder.Types()
	if len(got) != len(want) {
		t.Fatalf("unexpected events: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
	last := h.recorder.Events()[7]
	if last.Attr("resolution") != ResolutionMarket.String() || last.Attr("paidFreelancer") != milli(1300).String() {
		t.Fatalf("unexpected resolved attributes: %v", last.Attributes)
	}
	if last.Attr("disputeId") == "" || last.Attr("id") == "" || h.escrow(esc.ID).Status != EscrowResolved {
		t.Fatalf("resolved event missing identifiers")
	}
}

func TestDepositRequiresActiveMarket(t *testing.T) {
	h := newHarness(t, nil)
	esc := h.submitted(1)
	if _, err := h.engine.OpenDispute(esc.ID, testClient, 2000); err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	voter := newTestAddress(0x41)
	h.mint(voter, milli(5))
	_, err := h.engine.Deposit(voter, dispute.IDForEscrow(esc.ID), dispute.SideClient, milli(5), 2100)
	expectErr(t, err, brmerrors.ErrInvalidState)
	expectAmount(t, "voter", h.balance(voter), milli(5))
}

func TestParseResponse(t *testing.T) {
	if r, err := ParseResponse(" Accept "); err != nil || r != ResponseAccept {
		t.Fatalf("unexpected parse: %v %v", r, err)
	}
	if r, err := ParseResponse("challenge"); err != nil || r != ResponseChallenge {
		t.Fatalf("unexpected parse: %v %v", r, err)
	}
	if _, err := ParseResponse("ignore"); !errors.Is(err, brmerrors.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}
