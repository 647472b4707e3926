package protocol

import "encoding/json"

// HistoryEntry is one settled round from the point of view of a single agent.
type HistoryEntry struct {
	Round         int     `json:"round"`
	Contribution  float64 `json:"contribution"`
	GroupTotal    float64 `json:"group_total"`
	Payoff        float64 `json:"payoff"`
	BalanceBefore float64 `json:"balance_before"`
}

// PeerView is what one agent may see of the others. Exactly one of Peers
// (mode "full") or Aggregate (mode "aggregate-only") is populated.
type PeerView struct {
	Mode      string           `json:"mode"`
	Peers     []PeerSeries     `json:"peers,omitempty"`
	Aggregate []AggregateRound `json:"aggregate,omitempty"`
}

type PeerSeries struct {
	AgentID string      `json:"agent_id"`
	Rounds  []PeerRound `json:"rounds"`
}

type PeerRound struct {
	Round         int     `json:"round"`
	Contribution  float64 `json:"contribution"`
	BalanceBefore float64 `json:"balance_before"`
	Ratio         float64 `json:"ratio"`
}

type AggregateRound struct {
	Round              int     `json:"round"`
	OthersTotal        float64 `json:"others_total"`
	OthersAverageRatio float64 `json:"others_average_ratio"`
	OthersCount        int     `json:"others_count"`
}

// DecisionContext is everything a decision maker is told before contributing.
type DecisionContext struct {
	SessionID   string         `json:"session_id"`
	AgentID     string         `json:"agent_id"`
	Round       int            `json:"round"`
	Final       bool           `json:"final,omitempty"`
	Balance     float64        `json:"balance"`
	Multiplier  float64        `json:"multiplier"`
	AgentCount  int            `json:"agent_count"`
	Personality string         `json:"personality"`
	Profile     string         `json:"profile,omitempty"`
	Belief      string         `json:"belief,omitempty"`
	Disclosure  string         `json:"disclosure"`
	OwnHistory  []HistoryEntry `json:"own_history"`
	Peers       PeerView       `json:"peers"`
}

// DecisionResponse is the structured answer of a decision maker. Output is
// kept raw so that numbers, numeric strings and garbage can be told apart.
type DecisionResponse struct {
	Reasoning          string          `json:"reasoning,omitempty"`
	Output             json.RawMessage `json:"output"`
	EstimatedPeerRatio *float64        `json:"estimated_peer_ratio,omitempty"`
}

// ReflectContext asks for a fresh belief summary from recent reasoning.
type ReflectContext struct {
	SessionID     string         `json:"session_id"`
	AgentID       string         `json:"agent_id"`
	Round         int            `json:"round"`
	Personality   string         `json:"personality"`
	Profile       string         `json:"profile,omitempty"`
	CurrentBelief string         `json:"current_belief,omitempty"`
	Reasoning     []string       `json:"reasoning"`
	OwnHistory    []HistoryEntry `json:"own_history"`
}

type BeliefResponse struct {
	Reasoning string `json:"reasoning,omitempty"`
	Output    string `json:"output"`
}
