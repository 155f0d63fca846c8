package ledger

import (
	"testing"

	"pgregory.net/rapid"
)

// TestLedgerProperties drives random operation sequences and checks the
// accounting identity, fee index monotonicity and that socialization never
// reaches principal.
func TestLedgerProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s, uids := newTestState(t, 4)
		user := rapid.SampledFrom(uids)
		amount := rapid.Int64Range(1, 1_000_000)

		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		var step uint64
		for i := 0; i < steps; i++ {
			prevIndex := s.FeeIndex
			op := rapid.IntRange(0, 7).Draw(t, "op")
			switch op {
			case 0:
				if err := s.Deposit(user.Draw(t, "uid"), amount.Draw(t, "deposit")); err != nil {
					t.Fatal(err)
				}
			case 1:
				// zero-sum trade between two accounts
				win, lose := user.Draw(t, "winner"), user.Draw(t, "loser")
				pnl := amount.Draw(t, "pnl")
				if err := s.TradeSettle(win, pnl); err != nil {
					t.Fatal(err)
				}
				if err := s.TradeSettle(lose, -pnl); err != nil {
					t.Fatal(err)
				}
			case 2:
				uid := user.Draw(t, "uid")
				_ = s.WithdrawPrincipal(uid, amount.Draw(t, "withdraw"))
			case 3:
				step += uint64(rapid.IntRange(0, 3).Draw(t, "advance"))
				if _, err := s.WithdrawPnL(user.Draw(t, "uid"), amount.Draw(t, "withdraw_pnl"), step); err != nil {
					t.Fatal(err)
				}
			case 4:
				uid := user.Draw(t, "payer")
				fee := rapid.Int64Range(1, 10_000).Draw(t, "fee")
				if err := s.TradeSettle(uid, -fee); err != nil {
					t.Fatal(err)
				}
				if _, _, err := s.OnFees(fee); err != nil {
					t.Fatal(err)
				}
			case 5:
				if _, err := s.ClaimFees(user.Draw(t, "uid")); err != nil {
					t.Fatal(err)
				}
			case 6:
				// liquidate whoever is under water
				for _, uid := range uids {
					a, _ := s.Account(uid)
					deficit := -(a.Principal + a.PnL)
					if deficit <= 0 {
						continue
					}
					before := principals(s)
					if _, err := s.SocializeLosses(deficit); err != nil {
						t.Fatal(err)
					}
					after := principals(s)
					for j := range before {
						if before[j] != after[j] {
							t.Fatalf("socialization moved principal of %d: %d -> %d", j, before[j], after[j])
						}
					}
					if err := s.WriteOff(uid, deficit); err != nil {
						t.Fatal(err)
					}
				}
			case 7:
				if err := s.TickWarmup(uint64(rapid.IntRange(0, 2).Draw(t, "tick"))); err != nil {
					t.Fatal(err)
				}
			}

			if err := s.CheckConservation(); err != nil {
				t.Fatalf("op %d: %v", op, err)
			}
			if s.FeeIndex < prevIndex {
				t.Fatalf("fee index decreased: %d -> %d", prevIndex, s.FeeIndex)
			}
			for _, uid := range uids {
				if a, _ := s.Account(uid); a.ReservedPnL != 0 {
					t.Fatalf("reservation leaked on %d: %d", uid, a.ReservedPnL)
				}
			}
		}
	})
}

func TestNonPositivePnLNeverCredited(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s, uids := newTestState(t, 2)
		winner, loser := uids[0], uids[1]
		pnl := rapid.Int64Range(1, 1_000_000).Draw(t, "pnl")
		if err := s.TradeSettle(winner, pnl); err != nil {
			t.Fatal(err)
		}
		if err := s.TradeSettle(loser, -pnl); err != nil {
			t.Fatal(err)
		}
		if _, _, err := s.OnFees(rapid.Int64Range(1, 1_000_000).Draw(t, "fees")); err != nil {
			t.Fatal(err)
		}
		got, err := s.OnTouch(loser)
		if err != nil {
			t.Fatal(err)
		}
		if got != 0 {
			t.Fatalf("loser credited %d", got)
		}
	})
}

func principals(s *State) []int64 {
	out := make([]int64, len(s.Users))
	for i := range s.Users {
		out[i] = s.Users[i].Principal
	}
	return out
}
