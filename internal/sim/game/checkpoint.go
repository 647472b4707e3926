package game

import (
	"context"
	"fmt"
	"time"

	"pgglab.ai/internal/sim/tuning"
)

const CheckpointVersion = 1

// Checkpoint is the full session state after a settled round.
type Checkpoint struct {
	Version   int
	SessionID string
	Config    tuning.Tuning
	Round     int
	StartedAt time.Time
	Agents    []AgentSnapshot
	Rounds    []RoundResult
}

type CheckpointSink interface {
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
}

func (s *Session) checkpoint() Checkpoint {
	cp := Checkpoint{
		Version:   CheckpointVersion,
		SessionID: s.id,
		Config:    s.cfg,
		Round:     s.current,
		StartedAt: s.startedAt,
		Agents:    make([]AgentSnapshot, 0, len(s.agents)),
		Rounds:    append([]RoundResult(nil), s.rounds...),
	}
	for _, a := range s.agents {
		cp.Agents = append(cp.Agents, a.Snapshot())
	}
	return cp
}

func validateCheckpoint(cp Checkpoint) error {
	if cp.Version != CheckpointVersion {
		return fmt.Errorf("checkpoint version %d unsupported", cp.Version)
	}
	if len(cp.Agents) != cp.Config.Agents {
		return fmt.Errorf("checkpoint has %d agents, config wants %d", len(cp.Agents), cp.Config.Agents)
	}
	if len(cp.Rounds) != cp.Round {
		return fmt.Errorf("checkpoint round %d has %d round results", cp.Round, len(cp.Rounds))
	}
	if cp.Round > cp.Config.Rounds {
		return fmt.Errorf("checkpoint round %d past session end", cp.Round)
	}
	for _, a := range cp.Agents {
		if len(a.History) != cp.Round {
			return fmt.Errorf("agent %s has %d history entries at round %d", a.ID, len(a.History), cp.Round)
		}
	}
	return nil
}
