package main

import (
	"fmt"
	"strings"
	"testing"

	plog "pgglab.ai/internal/persistence/log"
	"pgglab.ai/internal/protocol"
	"pgglab.ai/internal/sim/game"
)

func settled(session string, n int, before, contrib []float64, m float64) game.RoundResult {
	stats, payoffs := game.Settle(before, contrib, m, false)
	r := game.RoundResult{SessionID: session, Round: n, Stats: stats}
	for i := range before {
		r.Agents = append(r.Agents, game.AgentRound{
			AgentID:       fmt.Sprintf("A%d", i+1),
			BalanceBefore: before[i],
			Contribution:  contrib[i],
			Payoff:        payoffs[i],
		})
	}
	return r
}

func payoffs(r game.RoundResult) []float64 {
	out := make([]float64, len(r.Agents))
	for i, a := range r.Agents {
		out[i] = a.Payoff
	}
	return out
}

func TestVerifier_AcceptsConsistentLog(t *testing.T) {
	v := newVerifier("")
	r1 := settled("s", 1, []float64{10, 10}, []float64{5, 0}, 1.5)
	r2 := settled("s", 2, payoffs(r1), []float64{1, 1}, 1.5)
	for _, r := range []game.RoundResult{r1, r2} {
		if err := v.Round(plog.RoundEntry{Multiplier: 1.5, RoundResult: r}); err != nil {
			t.Fatalf("round %d: %v", r.Round, err)
		}
	}
	// A resumed session logs its next round again.
	if err := v.Round(plog.RoundEntry{Multiplier: 1.5, RoundResult: r2}); err != nil {
		t.Fatalf("replayed round: %v", err)
	}
	if v.checked != 3 || v.rewinds != 1 {
		t.Fatalf("checked=%d rewinds=%d", v.checked, v.rewinds)
	}
}

func TestVerifier_RejectsBrokenRounds(t *testing.T) {
	cases := []struct {
		name string
		mut  func(r *game.RoundResult)
		want string
	}{
		{"over balance", func(r *game.RoundResult) { r.Agents[0].Contribution = 11 }, "outside"},
		{"total", func(r *game.RoundResult) { r.Stats.TotalContribution += 1 }, "total"},
		{"pool", func(r *game.RoundResult) { r.Stats.PublicPool += 1 }, "pool"},
		{"payoff", func(r *game.RoundResult) { r.Agents[1].Payoff += 0.01 }, "payoff"},
	}
	for _, tc := range cases {
		r := settled("s", 1, []float64{10, 10}, []float64{5, 0}, 1.5)
		tc.mut(&r)
		err := newVerifier("").Round(plog.RoundEntry{Multiplier: 1.5, RoundResult: r})
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: got %v want error containing %q", tc.name, err, tc.want)
		}
	}
}

func TestVerifier_RejectsGapAndBalanceJump(t *testing.T) {
	v := newVerifier("")
	r1 := settled("s", 1, []float64{10, 10}, []float64{5, 0}, 1.5)
	if err := v.Round(plog.RoundEntry{Multiplier: 1.5, RoundResult: r1}); err != nil {
		t.Fatalf("r1: %v", err)
	}
	r3 := settled("s", 3, payoffs(r1), []float64{0, 0}, 1.5)
	if err := v.Round(plog.RoundEntry{Multiplier: 1.5, RoundResult: r3}); err == nil {
		t.Fatalf("expected gap error")
	}
	r2 := settled("s", 2, []float64{10, 10}, []float64{0, 0}, 1.5)
	if err := v.Round(plog.RoundEntry{Multiplier: 1.5, RoundResult: r2}); err == nil {
		t.Fatalf("expected balance continuity error")
	}
}

func TestVerifySession(t *testing.T) {
	r1 := settled("s", 1, []float64{10, 10}, []float64{5, 0}, 1.5)
	cfg := game.SessionRecord{}.Config
	cfg.Multiplier = 1.5
	rec := game.SessionRecord{
		SessionID:       "s",
		Config:          cfg,
		Status:          game.StatusInterrupted,
		CompletedRounds: 1,
		Rounds:          []game.RoundResult{r1},
		Agents: []game.AgentSnapshot{
			{ID: "A1", History: []protocol.HistoryEntry{{Round: 1}}},
			{ID: "A2", History: []protocol.HistoryEntry{{Round: 1}}},
		},
	}
	if err := verifySession(rec); err != nil {
		t.Fatalf("verifySession: %v", err)
	}
	rec.Agents[1].History = nil
	if err := verifySession(rec); err == nil {
		t.Fatalf("expected history length error")
	}
	rec.Agents[1].History = []protocol.HistoryEntry{{Round: 1}}
	rec.Status = game.StatusCompleted
	if err := verifySession(rec); err == nil {
		t.Fatalf("expected missing final error")
	}
}
