package game

import (
	"context"

	"golang.org/x/sync/errgroup"

	"pgglab.ai/internal/protocol"
	"pgglab.ai/internal/sim/decision"
)

type BeliefUpdate struct {
	AgentID string
	Summary string
}

// BeliefDue reports whether beliefs refresh after the given round.
func (e *Engine) BeliefDue(round int) bool {
	c := e.cfg.BeliefCadence
	if c < 1 {
		c = 1
	}
	return round%c == 0
}

// RefreshBeliefs asks every non-anchor agent for a new belief summary. An agent
// with no rationales in its window reflects on its own history alone. Failed
// refreshes are logged and produce no update.
func (e *Engine) RefreshBeliefs(ctx context.Context, sessionID string, round int, agents []*AgentState) []BeliefUpdate {
	updates := make([]*BeliefUpdate, len(agents))
	var g errgroup.Group
	g.SetLimit(e.workers())
	for i, a := range agents {
		if a.Anchor {
			continue
		}
		window := a.trace.Recent(e.cfg.BeliefWindow)
		i, req := i, decision.ReflectRequest{
			SessionID:     sessionID,
			AgentID:       a.ID,
			Round:         round,
			Personality:   a.Personality,
			Profile:       a.Profile,
			CurrentBelief: a.Belief,
			Reasoning:     window,
			OwnHistory:    append([]protocol.HistoryEntry{}, a.History...),
		}
		g.Go(func() error {
			ref, err := safeReflect(ctx, e.port, req)
			if err != nil {
				if e.logger != nil && ctx.Err() == nil {
					e.logger.Printf("belief agent=%s round=%d unchanged: %v", req.AgentID, req.Round, err)
				}
				return nil
			}
			updates[i] = &BeliefUpdate{AgentID: req.AgentID, Summary: ref.Summary}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]BeliefUpdate, 0, len(agents))
	for _, u := range updates {
		if u != nil {
			out = append(out, *u)
		}
	}
	return out
}

// ApplyBeliefs replaces the belief of each updated agent and extends its trail.
func ApplyBeliefs(agents []*AgentState, round int, updates []BeliefUpdate) {
	byID := make(map[string]string, len(updates))
	for _, u := range updates {
		byID[u.AgentID] = u.Summary
	}
	for _, a := range agents {
		s, ok := byID[a.ID]
		if !ok || a.Anchor {
			continue
		}
		a.Belief = s
		a.BeliefTrail = append(a.BeliefTrail, BeliefEntry{Round: round, Summary: s})
	}
}
