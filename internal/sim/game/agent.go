package game

import "pgglab.ai/internal/protocol"

// AgentState is one participant. Balance and History are only changed by
// the session when a round is committed; Belief only by a successful refresh.
type AgentState struct {
	ID          string
	Anchor      bool
	Personality string
	Profile     string

	Balance float64
	History []protocol.HistoryEntry

	Belief      string
	BeliefTrail []BeliefEntry

	trace *Trace
}

type BeliefEntry struct {
	Round   int    `json:"round"`
	Summary string `json:"summary"`
}

// AgentSnapshot is a read-only copy of an agent, used by records, observers and checkpoints.
type AgentSnapshot struct {
	ID          string                  `json:"id"`
	Anchor      bool                    `json:"anchor"`
	Personality string                  `json:"personality"`
	Balance     float64                 `json:"balance"`
	History     []protocol.HistoryEntry `json:"history"`
	Belief      string                  `json:"belief,omitempty"`
	BeliefTrail []BeliefEntry           `json:"belief_trail,omitempty"`
	Trace       []string                `json:"trace,omitempty"`
}

func newAgent(id, personality, profile string, anchor bool, balance float64, traceCap int) *AgentState {
	return &AgentState{
		ID:          id,
		Anchor:      anchor,
		Personality: personality,
		Profile:     profile,
		Balance:     balance,
		History:     []protocol.HistoryEntry{},
		trace:       NewTrace(traceCap),
	}
}

func (a *AgentState) Trace() *Trace { return a.trace }

func (a *AgentState) Snapshot() AgentSnapshot {
	return AgentSnapshot{
		ID:          a.ID,
		Anchor:      a.Anchor,
		Personality: a.Personality,
		Balance:     a.Balance,
		History:     append([]protocol.HistoryEntry(nil), a.History...),
		Belief:      a.Belief,
		BeliefTrail: append([]BeliefEntry(nil), a.BeliefTrail...),
		Trace:       a.trace.All(),
	}
}

func restoreAgent(s AgentSnapshot, profile string, traceCap int) *AgentState {
	a := newAgent(s.ID, s.Personality, profile, s.Anchor, s.Balance, traceCap)
	a.History = append(a.History, s.History...)
	a.Belief = s.Belief
	a.BeliefTrail = append([]BeliefEntry(nil), s.BeliefTrail...)
	for _, r := range s.Trace {
		a.trace.Push(r)
	}
	return a
}

// Trace is a bounded ring of the most recent rationale strings.
type Trace struct {
	buf  []string
	next int
	n    int
}

func NewTrace(capacity int) *Trace {
	if capacity <= 0 {
		capacity = 1
	}
	return &Trace{buf: make([]string, capacity)}
}

func (t *Trace) Push(s string) {
	t.buf[t.next] = s
	t.next = (t.next + 1) % len(t.buf)
	if t.n < len(t.buf) {
		t.n++
	}
}

func (t *Trace) Len() int { return t.n }

// Recent returns up to k entries, oldest first.
func (t *Trace) Recent(k int) []string {
	if k > t.n {
		k = t.n
	}
	if k <= 0 {
		return nil
	}
	out := make([]string, 0, k)
	start := (t.next - k + len(t.buf)) % len(t.buf)
	for i := 0; i < k; i++ {
		out = append(out, t.buf[(start+i)%len(t.buf)])
	}
	return out
}

func (t *Trace) All() []string { return t.Recent(t.n) }
