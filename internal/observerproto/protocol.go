package observerproto

import "pgglab.ai/internal/protocol"

// Version is the observer protocol version (separate from the agent seat protocol).
const Version = "0.1"

const (
	TypeSubscribe = "SUBSCRIBE"
	TypeRound     = "ROUND"
	TypeSession   = "SESSION"
)

// Client -> Server. First message on the observer WS connection, and can be re-sent to update settings.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// IncludeRationale adds each agent's decision rationale and belief to ROUND messages.
	IncludeRationale bool `json:"include_rationale,omitempty"`
	// Optional: only stream rows for one agent.
	FocusAgentID string `json:"focus_agent_id,omitempty"`
}

// HTTP response for GET /v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string                 `json:"protocol_version"`
	SessionID       string                 `json:"session_id"`
	State           string                 `json:"state"`
	CurrentRound    int                    `json:"current_round"`
	Params          protocol.SessionParams `json:"params"`
	Agents          []AgentState           `json:"agents"`
	Rounds          []RoundMsg             `json:"rounds,omitempty"`
}

type AgentState struct {
	ID          string  `json:"id"`
	Personality string  `json:"personality"`
	Anchor      bool    `json:"anchor,omitempty"`
	Connected   bool    `json:"connected,omitempty"`
	Balance     float64 `json:"balance"`
	Belief      string  `json:"belief,omitempty"`
}

// Server -> Client. Sent once per settled round.
type RoundMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	Round           int    `json:"round"`

	TotalContribution float64 `json:"total_contribution"`
	PublicPool        float64 `json:"public_pool"`
	SharePerAgent     float64 `json:"share_per_agent"`

	Agents []AgentRound `json:"agents"`
}

type AgentRound struct {
	ID            string   `json:"id"`
	Contribution  float64  `json:"contribution"`
	BalanceBefore float64  `json:"balance_before"`
	Payoff        float64  `json:"payoff"`
	Defaulted     bool     `json:"defaulted,omitempty"`
	EstimatedPeer *float64 `json:"estimated_peer_ratio,omitempty"`
	Rationale     string   `json:"rationale,omitempty"`
	Belief        string   `json:"belief,omitempty"`
}

// Server -> Client. Sent on every session state change.
type SessionMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	State           string `json:"state"`
	CurrentRound    int    `json:"current_round"`

	Final *FinalSummary `json:"final,omitempty"`
}

type FinalSummary struct {
	Endowment         int                `json:"endowment"`
	TotalContribution float64            `json:"total_contribution"`
	Contributions     map[string]float64 `json:"contributions"`
}
