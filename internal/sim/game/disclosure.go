package game

import (
	"sort"

	"pgglab.ai/internal/protocol"
	"pgglab.ai/internal/sim/tuning"
)

// PeerHistory is the settled history of one agent as seen by the disclosure policy.
type PeerHistory struct {
	AgentID string
	History []protocol.HistoryEntry
}

func peerHistories(agents []*AgentState) []PeerHistory {
	out := make([]PeerHistory, 0, len(agents))
	for _, a := range agents {
		out = append(out, PeerHistory{AgentID: a.ID, History: a.History})
	}
	return out
}

// VisibleHistory filters everyone's history down to what observerID may see.
// In aggregate mode no peer id or individual amount leaves this function.
func VisibleHistory(mode tuning.Disclosure, observerID string, all []PeerHistory) protocol.PeerView {
	view := protocol.PeerView{Mode: string(mode)}
	switch mode {
	case tuning.DisclosureFull:
		for _, p := range all {
			if p.AgentID == observerID {
				continue
			}
			s := protocol.PeerSeries{AgentID: p.AgentID, Rounds: make([]protocol.PeerRound, 0, len(p.History))}
			for _, h := range p.History {
				s.Rounds = append(s.Rounds, protocol.PeerRound{
					Round:         h.Round,
					Contribution:  h.Contribution,
					BalanceBefore: h.BalanceBefore,
					Ratio:         ratio(h.Contribution, h.BalanceBefore),
				})
			}
			view.Peers = append(view.Peers, s)
		}
	default:
		view.Aggregate = aggregate(observerID, all)
	}
	return view
}

func aggregate(observerID string, all []PeerHistory) []protocol.AggregateRound {
	type acc struct {
		total, ratioSum float64
		n               int
	}
	byRound := map[int]*acc{}
	for _, p := range all {
		if p.AgentID == observerID {
			continue
		}
		for _, h := range p.History {
			a := byRound[h.Round]
			if a == nil {
				a = &acc{}
				byRound[h.Round] = a
			}
			a.total += h.Contribution
			a.ratioSum += ratio(h.Contribution, h.BalanceBefore)
			a.n++
		}
	}
	rounds := make([]int, 0, len(byRound))
	for r := range byRound {
		rounds = append(rounds, r)
	}
	sort.Ints(rounds)
	out := make([]protocol.AggregateRound, 0, len(rounds))
	for _, r := range rounds {
		a := byRound[r]
		out = append(out, protocol.AggregateRound{
			Round:              r,
			OthersTotal:        a.total,
			OthersAverageRatio: a.ratioSum / float64(a.n),
			OthersCount:        a.n,
		})
	}
	return out
}

func ratio(contribution, balance float64) float64 {
	if balance <= 0 {
		return 0
	}
	return contribution / balance
}
