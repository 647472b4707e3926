package game

import (
	"context"
	"errors"
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"

	"pgglab.ai/internal/protocol"
	"pgglab.ai/internal/sim/decision"
	"pgglab.ai/internal/sim/tuning"
)

// Engine runs single rounds. It holds no per-session state of its own: every
// round reads the agents passed in and returns a result without mutating them.
type Engine struct {
	cfg    tuning.Tuning
	port   decision.Port
	logger *log.Logger
}

func NewEngine(cfg tuning.Tuning, port decision.Port, logger *log.Logger) *Engine {
	return &Engine{cfg: cfg, port: port, logger: logger}
}

type collected struct {
	value     float64
	defaulted bool
	rationale string
	estimate  *float64
}

// RunRound collects every agent's decision, waits for all of them, then
// settles. It only fails when ctx is done; decision failures default to 0.
func (e *Engine) RunRound(ctx context.Context, sessionID string, round int, agents []*AgentState) (RoundResult, error) {
	if len(agents) == 0 {
		return RoundResult{}, errors.New("empty roster")
	}
	histories := peerHistories(agents)
	got := make([]collected, len(agents))

	var g errgroup.Group
	g.SetLimit(e.workers())
	for i, a := range agents {
		if a.Anchor {
			got[i] = collected{value: a.Balance}
			continue
		}
		i, req := i, e.request(sessionID, round, false, a.Balance, a, histories)
		g.Go(func() error {
			got[i] = e.collect(ctx, req)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return RoundResult{}, err
	}

	before := make([]float64, len(agents))
	contrib := make([]float64, len(agents))
	for i, a := range agents {
		before[i] = a.Balance
		contrib[i] = Clamp(got[i].value, a.Balance)
	}
	stats, payoffs := Settle(before, contrib, e.cfg.Multiplier, e.cfg.IntegerBalances)

	res := RoundResult{SessionID: sessionID, Round: round, Stats: stats, Agents: make([]AgentRound, len(agents))}
	for i, a := range agents {
		res.Agents[i] = AgentRound{
			AgentID:            a.ID,
			Anchor:             a.Anchor,
			BalanceBefore:      before[i],
			Contribution:       contrib[i],
			Payoff:             payoffs[i],
			Defaulted:          got[i].defaulted,
			Rationale:          got[i].rationale,
			EstimatedPeerRatio: got[i].estimate,
			Belief:             a.Belief,
		}
	}
	return res, nil
}

// Commit writes a settled round into the agents: history append, balance
// update and rationale trace. res.Agents must be in roster order.
func Commit(agents []*AgentState, res RoundResult) {
	for i, a := range agents {
		r := res.Agents[i]
		a.History = append(a.History, protocol.HistoryEntry{
			Round:         res.Round,
			Contribution:  r.Contribution,
			GroupTotal:    res.Stats.TotalContribution,
			Payoff:        r.Payoff,
			BalanceBefore: r.BalanceBefore,
		})
		a.Balance = r.Payoff
		if !a.Anchor && r.Rationale != "" {
			a.trace.Push(r.Rationale)
		}
	}
}

func (e *Engine) collect(ctx context.Context, req decision.Request) collected {
	d, err := safeDecide(ctx, e.port, req)
	if err != nil {
		if e.logger != nil && ctx.Err() == nil {
			e.logger.Printf("decision agent=%s round=%d defaulted to 0: %v", req.AgentID, req.Round, err)
		}
		return collected{defaulted: true}
	}
	return collected{value: d.Contribution, rationale: d.Rationale, estimate: d.EstimatedPeerRatio}
}

// safeDecide turns a panicking port into an ordinary failed decision.
func safeDecide(ctx context.Context, port decision.Port, req decision.Request) (d decision.Decision, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("port panic: %v", p)
		}
	}()
	return port.Decide(ctx, req)
}

func safeReflect(ctx context.Context, port decision.Port, req decision.ReflectRequest) (r decision.Reflection, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("port panic: %v", p)
		}
	}()
	return port.Reflect(ctx, req)
}

func (e *Engine) request(sessionID string, round int, final bool, balance float64, a *AgentState, histories []PeerHistory) decision.Request {
	return decision.Request{
		SessionID:   sessionID,
		AgentID:     a.ID,
		Round:       round,
		Final:       final,
		Balance:     balance,
		Multiplier:  e.cfg.Multiplier,
		AgentCount:  len(histories),
		Personality: a.Personality,
		Profile:     a.Profile,
		Belief:      a.Belief,
		Disclosure:  string(e.cfg.Disclosure),
		OwnHistory:  append([]protocol.HistoryEntry{}, a.History...),
		Peers:       VisibleHistory(e.cfg.Disclosure, a.ID, histories),
	}
}

func (e *Engine) workers() int {
	if e.cfg.DecisionWorkers > 0 {
		return e.cfg.DecisionWorkers
	}
	return 1
}
