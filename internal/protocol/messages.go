package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	AgentName       string `json:"agent_name"`
	// AgentID requests a specific seat. Empty takes the first free seat.
	AgentID string     `json:"agent_id,omitempty"`
	Auth    *HelloAuth `json:"auth,omitempty"`
}

type HelloAuth struct {
	Token string `json:"token,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string        `json:"type"`
	ProtocolVersion string        `json:"protocol_version"`
	SessionID       string        `json:"session_id"`
	AgentID         string        `json:"agent_id"`
	Personality     string        `json:"personality"`
	Params          SessionParams `json:"params"`
	CatalogDigest   string        `json:"catalog_digest,omitempty"`
}

type SessionParams struct {
	Endowment  int     `json:"endowment"`
	Multiplier float64 `json:"multiplier"`
	Rounds     int     `json:"rounds"`
	Agents     int     `json:"agents"`
	Disclosure string  `json:"disclosure"`
}

// DECIDE (server -> client)
type DecideMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	RequestID       string          `json:"request_id"`
	Context         DecisionContext `json:"context"`
}

// DECISION (client -> server)
type DecisionMsg struct {
	Type            string           `json:"type"`
	ProtocolVersion string           `json:"protocol_version"`
	RequestID       string           `json:"request_id"`
	Response        DecisionResponse `json:"response"`
}

// REFLECT (server -> client)
type ReflectMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	RequestID       string         `json:"request_id"`
	Context         ReflectContext `json:"context"`
}

// BELIEF (client -> server)
type BeliefMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	RequestID       string         `json:"request_id"`
	Response        BeliefResponse `json:"response"`
}

// ERROR (either direction). A client answers a request it cannot serve with
// the request id set; the server uses it to reject a handshake.
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	RequestID       string `json:"request_id,omitempty"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}

// SESSION_END (server -> client)
type SessionEndMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	Status          string `json:"status"`
}
