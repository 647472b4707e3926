package game

import (
	"context"
	"testing"

	"pgglab.ai/internal/sim/decision"
)

func TestSettle_AllContribute(t *testing.T) {
	stats, payoffs := Settle([]float64{10, 10, 10}, []float64{10, 10, 10}, 2, false)
	if stats.TotalContribution != 30 || stats.PublicPool != 60 || stats.SharePerAgent != 20 {
		t.Fatalf("stats: %+v", stats)
	}
	for i, p := range payoffs {
		if p != 20 {
			t.Fatalf("payoff[%d]: got %v want 20", i, p)
		}
	}
}

func TestSettle_FreeRider(t *testing.T) {
	stats, payoffs := Settle([]float64{10, 10}, []float64{10, 0}, 1.5, false)
	if stats.TotalContribution != 10 || stats.PublicPool != 15 || stats.SharePerAgent != 7.5 {
		t.Fatalf("stats: %+v", stats)
	}
	if payoffs[0] != 7.5 || payoffs[1] != 17.5 {
		t.Fatalf("payoffs: got %v want [7.5 17.5]", payoffs)
	}
}

func TestSettle_IntegerBalancesRoundHalfUp(t *testing.T) {
	stats, payoffs := Settle([]float64{10, 10}, []float64{10, 0}, 1.5, true)
	if stats.SharePerAgent != 7.5 {
		t.Fatalf("share must stay real-valued: %v", stats.SharePerAgent)
	}
	if payoffs[0] != 8 || payoffs[1] != 18 {
		t.Fatalf("payoffs: got %v want [8 18]", payoffs)
	}
}

func TestClamp(t *testing.T) {
	cases := []struct{ v, bal, want float64 }{
		{5, 10, 5},
		{-3, 10, 0},
		{11, 10, 10},
		{1e9, 42, 42},
		{3, 0, 0},
	}
	for _, tc := range cases {
		if got := Clamp(tc.v, tc.bal); got != tc.want {
			t.Fatalf("Clamp(%v,%v): got %v want %v", tc.v, tc.bal, got, tc.want)
		}
	}
}

func TestRunRound_ScriptedContributions(t *testing.T) {
	cfg := testConfig(2, 1)
	cfg.Multiplier = 1.5
	port := &testPort{decide: func(_ context.Context, req decision.Request) (decision.Decision, error) {
		if req.AgentID == "A1" {
			return decision.Decision{Contribution: 10}, nil
		}
		return decision.Decision{Contribution: 0}, nil
	}}
	agents := NewRoster(cfg, nil)
	e := NewEngine(cfg, port, nil)
	res, err := e.RunRound(context.Background(), "s", 1, agents)
	if err != nil {
		t.Fatalf("RunRound: %v", err)
	}
	p := res.Payoffs()
	if p["A1"] != 7.5 || p["A2"] != 17.5 {
		t.Fatalf("payoffs: %v", p)
	}
	if agents[0].Balance != 10 || len(agents[0].History) != 0 {
		t.Fatalf("RunRound must not mutate agents before Commit")
	}
	Commit(agents, res)
	if agents[0].Balance != 7.5 || agents[1].Balance != 17.5 {
		t.Fatalf("balances after commit: %v %v", agents[0].Balance, agents[1].Balance)
	}
	h := agents[1].History[0]
	if h.Round != 1 || h.GroupTotal != 10 || h.BalanceBefore != 10 || h.Payoff != 17.5 {
		t.Fatalf("history: %+v", h)
	}
}

func TestRunRound_MalformedDefaultsToZero(t *testing.T) {
	cfg := testConfig(3, 1)
	port := &testPort{decide: func(_ context.Context, req decision.Request) (decision.Decision, error) {
		if req.AgentID == "A2" {
			return decision.Decode([]byte(`{"reasoning":"?","output":"abc"}`))
		}
		return decision.Decision{Contribution: 4}, nil
	}}
	e := NewEngine(cfg, decision.NewRetrier(port, cfg.Retry, nil), nil)
	res, err := e.RunRound(context.Background(), "s", 1, NewRoster(cfg, nil))
	if err != nil {
		t.Fatalf("RunRound: %v", err)
	}
	c := res.Contributions()
	if c["A2"] != 0 || !res.Agents[1].Defaulted {
		t.Fatalf("A2 should default to 0: %+v", res.Agents[1])
	}
	if c["A1"] != 4 || c["A3"] != 4 {
		t.Fatalf("other agents unaffected: %v", c)
	}
	if res.Stats.TotalContribution != 8 {
		t.Fatalf("total: got %v want 8", res.Stats.TotalContribution)
	}
}

func TestRunRound_AnchorContributesBalance(t *testing.T) {
	cfg := testConfig(2, 1)
	agents := NewRoster(cfg, nil)
	agents[1].Anchor = true
	agents[1].Balance = 42
	port := &testPort{}
	e := NewEngine(cfg, port, nil)
	for round := 1; round <= 5; round++ {
		res, err := e.RunRound(context.Background(), "s", round, agents)
		if err != nil {
			t.Fatalf("RunRound: %v", err)
		}
		if res.Agents[1].Contribution != agents[1].Balance {
			t.Fatalf("round %d: anchor gave %v of %v", round, res.Agents[1].Contribution, agents[1].Balance)
		}
		if round == 1 && res.Agents[1].Contribution != 42 {
			t.Fatalf("anchor with balance 42 must contribute 42")
		}
		Commit(agents, res)
	}
	for _, req := range port.requests {
		if req.AgentID == "A2" {
			t.Fatalf("anchor must not consult the decision port")
		}
	}
}

func TestRunRound_CancelledDiscardsRound(t *testing.T) {
	cfg := testConfig(2, 1)
	ctx, cancel := context.WithCancel(context.Background())
	port := &testPort{decide: func(ctx context.Context, req decision.Request) (decision.Decision, error) {
		cancel()
		return decision.Decision{}, ctx.Err()
	}}
	agents := NewRoster(cfg, nil)
	if _, err := NewEngine(cfg, port, nil).RunRound(ctx, "s", 1, agents); err == nil {
		t.Fatalf("expected context error")
	}
	if len(agents[0].History) != 0 {
		t.Fatalf("cancelled round must leave no history")
	}
}

func TestRunFinal_FreshEndowment(t *testing.T) {
	cfg := testConfig(3, 2)
	cfg.FinalEndowment = 20
	agents := NewRoster(cfg, nil)
	agents[2].Anchor = true
	agents[0].Balance = 3
	port := &testPort{decide: func(_ context.Context, req decision.Request) (decision.Decision, error) {
		if !req.Final || req.Balance != 20 || req.Round != 3 {
			t.Errorf("final request: %+v", req)
		}
		return decision.Decision{Contribution: 15}, nil
	}}
	res, err := NewEngine(cfg, port, nil).RunFinal(context.Background(), "s", agents)
	if err != nil {
		t.Fatalf("RunFinal: %v", err)
	}
	if res.Agents[0].Contribution != 15 {
		t.Fatalf("final contribution must use fresh endowment, got %v", res.Agents[0].Contribution)
	}
	if res.Agents[2].Contribution != 20 {
		t.Fatalf("anchor should return full endowment, got %v", res.Agents[2].Contribution)
	}
	if agents[0].Balance != 3 {
		t.Fatalf("final round must not touch balances")
	}
}
