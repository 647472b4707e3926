package game

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"pgglab.ai/internal/sim/decision"
)

func TestSession_Scenario_AllContribute(t *testing.T) {
	cfg := testConfig(3, 1)
	cfg.Multiplier = 2
	port := &testPort{decide: func(_ context.Context, req decision.Request) (decision.Decision, error) {
		return decision.Decision{Contribution: req.Balance}, nil
	}}
	rec := &memRecorder{}
	s, err := NewSession(cfg, Options{Port: port, Recorder: rec})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	out, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	r := out.Rounds[0]
	if r.Stats.TotalContribution != 30 || r.Stats.PublicPool != 60 || r.Stats.SharePerAgent != 20 {
		t.Fatalf("stats: %+v", r.Stats)
	}
	for _, a := range r.Agents {
		if a.Payoff != 20 {
			t.Fatalf("payoff %s: got %v want 20", a.AgentID, a.Payoff)
		}
	}
	if s.State() != StateComplete || out.Status != StatusCompleted {
		t.Fatalf("state=%s status=%s", s.State(), out.Status)
	}
	if out.Final == nil || len(out.Final.Agents) != 3 {
		t.Fatalf("final decision missing: %+v", out.Final)
	}
	if len(rec.rounds) != 1 || len(rec.sessions) != 1 {
		t.Fatalf("recorder: rounds=%d sessions=%d", len(rec.rounds), len(rec.sessions))
	}
}

func TestSession_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(3, 1)
	cfg.Multiplier = 0.9
	port := &testPort{}
	if _, err := NewSession(cfg, Options{Port: port}); err == nil {
		t.Fatalf("expected config error")
	}
	if len(port.requests) != 0 {
		t.Fatalf("no decision may run before config is valid")
	}
}

func TestSession_Properties(t *testing.T) {
	cfg := testConfig(6, 8)
	cfg.AnchorRatio = 0.2
	cfg.Multiplier = 1.7
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(7))
	port := &testPort{decide: func(_ context.Context, req decision.Request) (decision.Decision, error) {
		mu.Lock()
		v := rng.Float64()*3*req.Balance - req.Balance
		mu.Unlock()
		return decision.Decision{Contribution: v, Rationale: "r"}, nil
	}}
	rec := &memRecorder{}
	s, err := NewSession(cfg, Options{Port: port, Recorder: rec})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	out, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(out.Rounds) != cfg.Rounds {
		t.Fatalf("rounds: got %d want %d", len(out.Rounds), cfg.Rounds)
	}
	for i, r := range out.Rounds {
		if r.Round != i+1 {
			t.Fatalf("round index: got %d want %d", r.Round, i+1)
		}
		var before, payoffs float64
		for _, a := range r.Agents {
			if a.Contribution < 0 || a.Contribution > a.BalanceBefore {
				t.Fatalf("round %d %s: contribution %v outside [0,%v]", r.Round, a.AgentID, a.Contribution, a.BalanceBefore)
			}
			if a.Anchor && a.Contribution != a.BalanceBefore {
				t.Fatalf("round %d anchor %s gave %v of %v", r.Round, a.AgentID, a.Contribution, a.BalanceBefore)
			}
			before += a.BalanceBefore
			payoffs += a.Payoff
		}
		want := before - r.Stats.TotalContribution + r.Stats.TotalContribution*cfg.Multiplier
		if !approx(payoffs, want) {
			t.Fatalf("round %d conservation: got %v want %v", r.Round, payoffs, want)
		}
	}
	for _, a := range out.Agents {
		if len(a.History) != cfg.Rounds {
			t.Fatalf("%s history: got %d want %d", a.ID, len(a.History), cfg.Rounds)
		}
		for i, h := range a.History {
			if h.Round != i+1 {
				t.Fatalf("%s history[%d].Round = %d", a.ID, i, h.Round)
			}
		}
		if a.Anchor {
			if port.reflectCount(a.ID) != 0 || len(a.BeliefTrail) != 0 {
				t.Fatalf("anchor %s refreshed its belief", a.ID)
			}
		} else if len(a.BeliefTrail) != cfg.Rounds {
			t.Fatalf("%s belief trail: got %d want %d", a.ID, len(a.BeliefTrail), cfg.Rounds)
		}
	}
	if out.Agents[5].ID != "A6" || !out.Agents[5].Anchor || out.Agents[0].Anchor {
		t.Fatalf("anchors must be placed last")
	}
}

func TestSession_HistoryLengthTracksRounds(t *testing.T) {
	cfg := testConfig(3, 4)
	port := &testPort{decide: func(_ context.Context, req decision.Request) (decision.Decision, error) {
		if len(req.OwnHistory) != req.Round-1 {
			t.Errorf("%s round %d sees %d history entries", req.AgentID, req.Round, len(req.OwnHistory))
		}
		return decision.Decision{Contribution: 1}, nil
	}}
	s, err := NewSession(cfg, Options{Port: port})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, a := range s.View().Agents {
		if len(a.History) != s.CurrentRound() {
			t.Fatalf("%s: history %d current %d", a.ID, len(a.History), s.CurrentRound())
		}
	}
}

func TestSession_BeliefUnchangedOnFailure(t *testing.T) {
	cfg := testConfig(2, 3)
	calls := 0
	var mu sync.Mutex
	port := &testPort{
		decide: func(_ context.Context, req decision.Request) (decision.Decision, error) {
			return decision.Decision{Contribution: 1, Rationale: "because"}, nil
		},
		reflect: func(_ context.Context, req decision.ReflectRequest) (decision.Reflection, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if req.Round == 1 {
				return decision.Reflection{Summary: "first-" + req.AgentID}, nil
			}
			return decision.Reflection{}, decision.Transient(errors.New("overloaded"))
		},
	}
	s, err := NewSession(cfg, Options{Port: port})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	out, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, a := range out.Agents {
		if a.Belief != "first-"+a.ID {
			t.Fatalf("%s belief: got %q want first-%s", a.ID, a.Belief, a.ID)
		}
		if len(a.BeliefTrail) != 1 {
			t.Fatalf("%s trail: %+v", a.ID, a.BeliefTrail)
		}
	}
	if out.Rounds[2].Agents[0].Belief != "first-A1" {
		t.Fatalf("round record belief: %q", out.Rounds[2].Agents[0].Belief)
	}
}

func TestSession_BeliefCadenceAndWindow(t *testing.T) {
	cfg := testConfig(1, 6)
	cfg.BeliefCadence = 3
	cfg.BeliefWindow = 2
	n := 0
	port := &testPort{
		decide: func(_ context.Context, req decision.Request) (decision.Decision, error) {
			n++
			return decision.Decision{Contribution: 1, Rationale: string(rune('a' + n - 1))}, nil
		},
		reflect: func(_ context.Context, req decision.ReflectRequest) (decision.Reflection, error) {
			if req.Round != 3 && req.Round != 6 {
				t.Errorf("refresh on round %d", req.Round)
			}
			if len(req.Reasoning) != 2 {
				t.Errorf("window: %v", req.Reasoning)
			}
			if req.Round == 6 && (req.Reasoning[0] != "e" || req.Reasoning[1] != "f") {
				t.Errorf("window should hold the most recent rationales: %v", req.Reasoning)
			}
			return decision.Reflection{Summary: "b" + req.Reasoning[1]}, nil
		},
	}
	s, err := NewSession(cfg, Options{Port: port})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	out, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	trail := out.Agents[0].BeliefTrail
	if len(trail) != 2 || trail[0].Round != 3 || trail[1].Round != 6 || out.Agents[0].Belief != "bf" {
		t.Fatalf("trail: %+v belief=%q", trail, out.Agents[0].Belief)
	}
}

func TestSession_BeliefRefreshWithoutReasoning(t *testing.T) {
	cfg := testConfig(2, 2)
	port := &testPort{
		decide: func(_ context.Context, req decision.Request) (decision.Decision, error) {
			return decision.Decision{Contribution: 1}, nil
		},
		reflect: func(_ context.Context, req decision.ReflectRequest) (decision.Reflection, error) {
			if len(req.Reasoning) != 0 {
				t.Errorf("%s window: %v", req.AgentID, req.Reasoning)
			}
			if len(req.OwnHistory) != req.Round {
				t.Errorf("%s round %d sees %d history entries", req.AgentID, req.Round, len(req.OwnHistory))
			}
			return decision.Reflection{Summary: "history-only"}, nil
		},
	}
	s, err := NewSession(cfg, Options{Port: port})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	out, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, a := range out.Agents {
		if port.reflectCount(a.ID) != cfg.Rounds || len(a.BeliefTrail) != cfg.Rounds || a.Belief != "history-only" {
			t.Fatalf("%s: reflects=%d trail=%+v belief=%q", a.ID, port.reflectCount(a.ID), a.BeliefTrail, a.Belief)
		}
	}
}

func TestSession_InterruptFlushesCompletedRounds(t *testing.T) {
	cfg := testConfig(3, 5)
	ctx, cancel := context.WithCancel(context.Background())
	port := &testPort{decide: func(ctx context.Context, req decision.Request) (decision.Decision, error) {
		if req.Round == 3 {
			cancel()
			return decision.Decision{}, ctx.Err()
		}
		return decision.Decision{Contribution: 2}, nil
	}}
	rec := &memRecorder{}
	sink := &memSink{}
	s, err := NewSession(cfg, Options{Port: port, Recorder: rec, Checkpoints: sink})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	out, err := s.Run(ctx)
	if !errors.Is(err, ErrInterrupted) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected ErrInterrupted wrapping context.Canceled, got %v", err)
	}
	if s.State() != StateInterrupted || out.Status != StatusInterrupted {
		t.Fatalf("state=%s status=%s", s.State(), out.Status)
	}
	if out.CompletedRounds != 2 || len(out.Rounds) != 2 {
		t.Fatalf("completed=%d rounds=%d", out.CompletedRounds, len(out.Rounds))
	}
	for _, a := range out.Agents {
		if len(a.History) != 2 {
			t.Fatalf("%s: partial round leaked into history (%d)", a.ID, len(a.History))
		}
	}
	if len(rec.sessions) != 1 || !rec.sessions[0].Interrupted() || rec.sessions[0].CompletedRounds != 2 {
		t.Fatalf("interrupted session not flushed: %+v", rec.sessions)
	}
	if len(rec.rounds) != 2 || len(sink.cps) != 2 {
		t.Fatalf("rounds=%d checkpoints=%d", len(rec.rounds), len(sink.cps))
	}
}

type panicListener struct{ at int }

func (l panicListener) RoundSettled(r RoundResult) {
	if r.Round == l.at {
		panic("observer exploded")
	}
}
func (panicListener) StateChanged(StateChange) {}

func TestSession_PanicIsInterrupt(t *testing.T) {
	cfg := testConfig(2, 4)
	rec := &memRecorder{}
	s, err := NewSession(cfg, Options{Port: &testPort{}, Recorder: rec, Listener: panicListener{at: 2}})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	out, err := s.Run(context.Background())
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}
	if out.Status != StatusInterrupted || out.CompletedRounds != 2 {
		t.Fatalf("record: status=%s completed=%d", out.Status, out.CompletedRounds)
	}
	if len(rec.sessions) != 1 {
		t.Fatalf("panic must still flush")
	}
}

func TestSession_ResumeFromCheckpoint(t *testing.T) {
	cfg := testConfig(3, 4)
	ctx, cancel := context.WithCancel(context.Background())
	first := &testPort{decide: func(ctx context.Context, req decision.Request) (decision.Decision, error) {
		if req.Round == 3 {
			cancel()
			return decision.Decision{}, ctx.Err()
		}
		return decision.Decision{Contribution: 5, Rationale: "r"}, nil
	}}
	sink := &memSink{}
	s, err := NewSession(cfg, Options{Port: first, Checkpoints: sink, SessionID: "resume-me"})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if _, err := s.Run(ctx); !errors.Is(err, ErrInterrupted) {
		t.Fatalf("expected interrupt, got %v", err)
	}
	cp := sink.cps[len(sink.cps)-1]
	if cp.Round != 2 {
		t.Fatalf("checkpoint round: got %d want 2", cp.Round)
	}

	second := &testPort{decide: func(_ context.Context, req decision.Request) (decision.Decision, error) {
		if req.Round < 3 {
			t.Errorf("resumed session replayed round %d", req.Round)
		}
		return decision.Decision{Contribution: 1}, nil
	}}
	r, err := Resume(cp, Options{Port: second})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if r.ID() != "resume-me" || r.CurrentRound() != 2 {
		t.Fatalf("resumed id=%s round=%d", r.ID(), r.CurrentRound())
	}
	out, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(out.Rounds) != 4 || out.CompletedRounds != 4 {
		t.Fatalf("rounds=%d completed=%d", len(out.Rounds), out.CompletedRounds)
	}
	if out.Rounds[0].Agents[0].Contribution != 5 || out.Rounds[3].Agents[0].Contribution != 1 {
		t.Fatalf("round history not stitched: %+v", out.Rounds)
	}
}

func TestResume_RejectsInconsistentCheckpoint(t *testing.T) {
	cfg := testConfig(2, 3)
	cp := Checkpoint{Version: CheckpointVersion, SessionID: "x", Config: cfg, Round: 1}
	if _, err := Resume(cp, Options{Port: &testPort{}}); err == nil {
		t.Fatalf("expected error for checkpoint without agents")
	}
}

func TestTraceRing(t *testing.T) {
	tr := NewTrace(3)
	for _, s := range []string{"a", "b", "c", "d"} {
		tr.Push(s)
	}
	got := tr.All()
	if len(got) != 3 || got[0] != "b" || got[2] != "d" {
		t.Fatalf("ring: %v", got)
	}
	if r := tr.Recent(2); r[0] != "c" || r[1] != "d" {
		t.Fatalf("recent: %v", r)
	}
}

func TestNewRoster_MixAndAnchors(t *testing.T) {
	cfg := testConfig(5, 1)
	cfg.AnchorRatio = 0.4
	cfg.PersonalityMix = []string{"selfish", "altruistic"}
	agents := NewRoster(cfg, nil)
	want := []string{"selfish", "altruistic", "selfish", "anchor", "anchor"}
	for i, a := range agents {
		if a.Personality != want[i] {
			t.Fatalf("agent %d personality: got %s want %s", i, a.Personality, want[i])
		}
		if a.Anchor != (i >= 3) {
			t.Fatalf("agent %d anchor flag", i)
		}
		if a.Balance != float64(cfg.Endowment) {
			t.Fatalf("agent %d balance %v", i, a.Balance)
		}
	}
}
