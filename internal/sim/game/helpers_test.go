package game

import (
	"context"
	"sync"

	"pgglab.ai/internal/sim/decision"
	"pgglab.ai/internal/sim/tuning"
)

type testPort struct {
	mu       sync.Mutex
	decide   func(ctx context.Context, req decision.Request) (decision.Decision, error)
	reflect  func(ctx context.Context, req decision.ReflectRequest) (decision.Reflection, error)
	requests []decision.Request
	reflects map[string]int
}

func (p *testPort) Decide(ctx context.Context, req decision.Request) (decision.Decision, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	if p.decide == nil {
		return decision.Decision{Contribution: req.Balance / 2, Rationale: "half"}, nil
	}
	return p.decide(ctx, req)
}

func (p *testPort) Reflect(ctx context.Context, req decision.ReflectRequest) (decision.Reflection, error) {
	p.mu.Lock()
	if p.reflects == nil {
		p.reflects = map[string]int{}
	}
	p.reflects[req.AgentID]++
	p.mu.Unlock()
	if p.reflect == nil {
		return decision.Reflection{Summary: "belief@" + req.AgentID}, nil
	}
	return p.reflect(ctx, req)
}

func (p *testPort) reflectCount(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reflects[id]
}

type memRecorder struct {
	mu       sync.Mutex
	rounds   []RoundResult
	sessions []SessionRecord
}

func (r *memRecorder) RecordRound(_ context.Context, res RoundResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rounds = append(r.rounds, res)
	return nil
}

func (r *memRecorder) SaveSession(_ context.Context, rec SessionRecord) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, rec)
	return "mem", nil
}

type memSink struct {
	cps []Checkpoint
}

func (m *memSink) SaveCheckpoint(_ context.Context, cp Checkpoint) error {
	m.cps = append(m.cps, cp)
	return nil
}

func testConfig(agents, rounds int) tuning.Tuning {
	cfg := tuning.Defaults()
	cfg.Agents = agents
	cfg.Rounds = rounds
	cfg.AnchorRatio = 0
	cfg.Retry = tuning.RetryPolicy{MaxAttempts: 2}
	return cfg
}

func approx(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < 1e-9
}
