package game

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// FinalResult is the one-shot decision played after the last round with a
// fresh endowment. It never touches the agents' balances.
type FinalResult struct {
	Endowment int          `json:"endowment"`
	Stats     RoundStats   `json:"stats"`
	Agents    []FinalEntry `json:"agents"`
}

type FinalEntry struct {
	AgentID      string  `json:"agent_id"`
	Anchor       bool    `json:"anchor,omitempty"`
	Contribution float64 `json:"contribution"`
	Payoff       float64 `json:"payoff"`
	Defaulted    bool    `json:"defaulted,omitempty"`
	Rationale    string  `json:"rationale,omitempty"`
}

func (e *Engine) RunFinal(ctx context.Context, sessionID string, agents []*AgentState) (FinalResult, error) {
	if len(agents) == 0 {
		return FinalResult{}, errors.New("empty roster")
	}
	endow := float64(e.cfg.FinalEndowment)
	if endow <= 0 {
		endow = float64(e.cfg.Endowment)
	}
	histories := peerHistories(agents)
	got := make([]collected, len(agents))

	var g errgroup.Group
	g.SetLimit(e.workers())
	for i, a := range agents {
		if a.Anchor {
			got[i] = collected{value: endow}
			continue
		}
		i, req := i, e.request(sessionID, e.cfg.Rounds+1, true, endow, a, histories)
		g.Go(func() error {
			got[i] = e.collect(ctx, req)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return FinalResult{}, err
	}

	before := make([]float64, len(agents))
	contrib := make([]float64, len(agents))
	for i := range agents {
		before[i] = endow
		contrib[i] = Clamp(got[i].value, endow)
	}
	stats, payoffs := Settle(before, contrib, e.cfg.Multiplier, false)
	out := FinalResult{Endowment: int(endow), Stats: stats, Agents: make([]FinalEntry, len(agents))}
	for i, a := range agents {
		out.Agents[i] = FinalEntry{
			AgentID:      a.ID,
			Anchor:       a.Anchor,
			Contribution: contrib[i],
			Payoff:       payoffs[i],
			Defaulted:    got[i].defaulted,
			Rationale:    got[i].rationale,
		}
	}
	return out, nil
}
