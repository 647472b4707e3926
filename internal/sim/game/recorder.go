package game

import (
	"context"
	"time"

	"pgglab.ai/internal/sim/tuning"
)

const (
	StatusCompleted   = "completed"
	StatusInterrupted = "interrupted"
)

// SessionRecord is the persisted artifact of one completed or interrupted session.
type SessionRecord struct {
	SessionID       string          `json:"session_id"`
	Condition       string          `json:"condition"`
	Config          tuning.Tuning   `json:"game_config"`
	Status          string          `json:"game_status"`
	CompletedRounds int             `json:"completed_rounds"`
	Rounds          []RoundResult   `json:"rounds"`
	Final           *FinalResult    `json:"final,omitempty"`
	Agents          []AgentSnapshot `json:"agents"`
	StartedAt       time.Time       `json:"started_at"`
	EndedAt         time.Time       `json:"ended_at"`
	Error           string          `json:"error,omitempty"`
}

func (r SessionRecord) Interrupted() bool { return r.Status == StatusInterrupted }

// Recorder persists rounds as they settle and the whole session at the end.
// SaveSession returns where the record was stored.
type Recorder interface {
	RecordRound(ctx context.Context, r RoundResult) error
	SaveSession(ctx context.Context, rec SessionRecord) (string, error)
}

// Listener gets live session events. Implementations must not block.
type Listener interface {
	RoundSettled(r RoundResult)
	StateChanged(c StateChange)
}

type StateChange struct {
	SessionID    string
	State        State
	CurrentRound int
	Final        *FinalResult
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) RecordRound(context.Context, RoundResult) error { return nil }
func (NopRecorder) SaveSession(context.Context, SessionRecord) (string, error) {
	return "", nil
}
