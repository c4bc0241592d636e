package payout

import (
	"errors"
	"math/big"
	"testing"

	brmerrors "brm/core/errors"
)

// milli returns n thousandths of one 18-decimal unit.
func milli(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000))
}

func TestBondValue(t *testing.T) {
	cases := []struct {
		name      string
		milestone *big.Int
		want      *big.Int
	}{
		{"one ether", milli(1000), milli(300)},
		{"round half up", big.NewInt(5), big.NewInt(2)},       // 1.5 -> 2
		{"round down", big.NewInt(1), big.NewInt(0)},          // 0.3 -> 0
		{"round up above half", big.NewInt(2), big.NewInt(1)}, // 0.6 -> 1
		{"exact", big.NewInt(10), big.NewInt(3)},
		{"zero", big.NewInt(0), big.NewInt(0)},
		{"nil", nil, big.NewInt(0)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := BondValue(tc.milestone, DefaultBondBps)
			if got.Cmp(tc.want) != 0 {
				t.Fatalf("BondValue(%v) = %s, want %s", tc.milestone, got, tc.want)
			}
		})
	}
}

func TestPartyIdentities(t *testing.T) {
	m, bond := milli(1000), milli(300)

	approval := DirectApproval(m)
	if approval.Freelancer.Cmp(m) != 0 || approval.Client.Sign() != 0 || approval.Protocol.Sign() != 0 {
		t.Fatalf("unexpected approval split: %+v", approval)
	}
	if AutoRelease(m).Freelancer.Cmp(m) != 0 {
		t.Fatalf("auto release must pay the milestone to the freelancer")
	}

	accept := AcceptLoss(m, bond)
	if accept.Client.Cmp(milli(1300)) != 0 || accept.Freelancer.Sign() != 0 {
		t.Fatalf("accept should pay client 1.3, got %+v", accept)
	}
	def := DefaultByNoResponse(m, bond)
	if def.Client.Cmp(milli(1300)) != 0 {
		t.Fatalf("default should pay client 1.3, got %s", def.Client)
	}

	market, err := MarketOutcome(m, bond, bond, PartyFreelancer)
	if err != nil {
		t.Fatalf("market outcome: %v", err)
	}
	if market.Freelancer.Cmp(milli(1300)) != 0 {
		t.Fatalf("freelancer should receive 1.3, got %s", market.Freelancer)
	}
	if market.Protocol.Cmp(milli(300)) != 0 || market.Client.Sign() != 0 {
		t.Fatalf("client bond must become protocol revenue: %+v", market)
	}
	if market.Total().Cmp(milli(1600)) != 0 {
		t.Fatalf("market outcome must distribute milestone plus both bonds, got %s", market.Total())
	}

	if _, err := MarketOutcome(m, bond, bond, Party(9)); !errors.Is(err, brmerrors.ErrInvalidState) {
		t.Fatalf("expected invalid party error, got %v", err)
	}

	voided := VoidedMarket(m, bond, bond)
	if voided.Client.Cmp(milli(1300)) != 0 || voided.Freelancer.Cmp(milli(300)) != 0 || voided.Protocol.Sign() != 0 {
		t.Fatalf("unexpected voided split: %+v", voided)
	}
}

func TestInputsAreNotMutated(t *testing.T) {
	m, bond := milli(1000), milli(300)
	d := AcceptLoss(m, bond)
	d.Client.SetInt64(0)
	if m.Cmp(milli(1000)) != 0 || bond.Cmp(milli(300)) != 0 {
		t.Fatalf("inputs were aliased")
	}
}

func TestStakeWeightedPayout(t *testing.T) {
	in := PoolInput{WinningTotal: milli(500), LosingTotal: milli(300), FeeBps: DefaultProtocolFeeBps}
	got := VoterPayout(milli(500), in)
	want := new(big.Int).Mul(big.NewInt(7925), big.NewInt(100_000_000_000_000))
	if got.Cmp(want) != 0 {
		t.Fatalf("voter payout = %s, want %s", got, want)
	}
	if in.Fee().Cmp(new(big.Int).Mul(big.NewInt(75), big.NewInt(100_000_000_000_000))) != 0 {
		t.Fatalf("unexpected fee %s", in.Fee())
	}
}

func TestSettlePoolConservesValue(t *testing.T) {
	cases := []struct {
		name    string
		winners []int64
		losing  int64
		feeBps  uint32
	}{
		{"single winner", []int64{500}, 300, 250},
		{"uneven split", []int64{1, 1, 1}, 10, 250},
		{"dust", []int64{3, 7, 11}, 13, 250},
		{"no losers", []int64{4, 4}, 0, 250},
		{"zero fee", []int64{2, 5}, 9, 0},
		{"full fee", []int64{2, 5}, 9, 10_000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			deposits := make([]*big.Int, len(tc.winners))
			winning := new(big.Int)
			for i, w := range tc.winners {
				deposits[i] = big.NewInt(w)
				winning.Add(winning, deposits[i])
			}
			in := PoolInput{WinningTotal: winning, LosingTotal: big.NewInt(tc.losing), FeeBps: tc.feeBps}
			settled, err := SettlePool(in, deposits)
			if err != nil {
				t.Fatalf("settle: %v", err)
			}
			total := settled.Revenue()
			for i, p := range settled.Payouts {
				if p.Cmp(deposits[i]) < 0 {
					t.Fatalf("winner %d paid less than principal", i)
				}
				if p.Cmp(VoterPayout(deposits[i], in)) != 0 {
					t.Fatalf("settlement disagrees with per-voter payout for %d", i)
				}
				total.Add(total, p)
			}
			pool := new(big.Int).Add(winning, big.NewInt(tc.losing))
			if total.Cmp(pool) != 0 {
				t.Fatalf("pool not conserved: paid %s of %s", total, pool)
			}
			if settled.Remainder.Sign() < 0 {
				t.Fatalf("negative remainder")
			}
		})
	}
}

func TestSettlePoolValidatesInput(t *testing.T) {
	in := PoolInput{WinningTotal: big.NewInt(10), LosingTotal: big.NewInt(5), FeeBps: 250}
	if _, err := SettlePool(in, []*big.Int{big.NewInt(4)}); !errors.Is(err, brmerrors.ErrInvalidAmount) {
		t.Fatalf("expected mismatch error, got %v", err)
	}
	if _, err := SettlePool(in, []*big.Int{big.NewInt(10), big.NewInt(0)}); !errors.Is(err, brmerrors.ErrInvalidAmount) {
		t.Fatalf("expected non-positive deposit error, got %v", err)
	}
}

func TestSettlePoolWithoutWinners(t *testing.T) {
	in := PoolInput{WinningTotal: big.NewInt(0), LosingTotal: big.NewInt(0), FeeBps: 250}
	settled, err := SettlePool(in, nil)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if settled.Revenue().Sign() != 0 || len(settled.Payouts) != 0 {
		t.Fatalf("empty market must settle to nothing: %+v", settled)
	}
}
