package game

import "math"

type RoundStats struct {
	TotalContribution float64 `json:"total_contribution"`
	PublicPool        float64 `json:"public_pool"`
	SharePerAgent     float64 `json:"share_per_agent"`
}

type AgentRound struct {
	AgentID       string  `json:"agent_id"`
	Anchor        bool    `json:"anchor,omitempty"`
	BalanceBefore float64 `json:"balance_before"`
	Contribution  float64 `json:"contribution"`
	Payoff        float64 `json:"payoff"`

	// Defaulted is set when the decision maker failed and the contribution fell back to 0.
	Defaulted          bool     `json:"defaulted,omitempty"`
	Rationale          string   `json:"rationale,omitempty"`
	EstimatedPeerRatio *float64 `json:"estimated_peer_ratio,omitempty"`
	// Belief is the agent's belief summary after this round's refresh.
	Belief string `json:"belief,omitempty"`
}

type RoundResult struct {
	SessionID string       `json:"session_id"`
	Round     int          `json:"round"`
	Stats     RoundStats   `json:"stats"`
	Agents    []AgentRound `json:"agents"`
}

func (r RoundResult) Contributions() map[string]float64 {
	out := make(map[string]float64, len(r.Agents))
	for _, a := range r.Agents {
		out[a.AgentID] = a.Contribution
	}
	return out
}

func (r RoundResult) Payoffs() map[string]float64 {
	out := make(map[string]float64, len(r.Agents))
	for _, a := range r.Agents {
		out[a.AgentID] = a.Payoff
	}
	return out
}

// Clamp forces a requested contribution into [0, balance]. NaN becomes 0.
func Clamp(v, balance float64) float64 {
	if math.IsNaN(v) || v <= 0 || balance <= 0 {
		return 0
	}
	if v > balance {
		return balance
	}
	return v
}

// Settle computes pool, share and payoffs for one round. Contributions must
// already be clamped. With integerBalances the payoffs are rounded half-up;
// the pool and share stay real-valued.
func Settle(before, contributions []float64, multiplier float64, integerBalances bool) (RoundStats, []float64) {
	var total float64
	for _, c := range contributions {
		total += c
	}
	pool := total * multiplier
	var share float64
	if n := len(before); n > 0 {
		share = pool / float64(n)
	}
	payoffs := make([]float64, len(before))
	for i := range before {
		p := before[i] - contributions[i] + share
		if integerBalances {
			p = math.Floor(p + 0.5)
		}
		payoffs[i] = p
	}
	return RoundStats{TotalContribution: total, PublicPool: pool, SharePerAgent: share}, payoffs
}
