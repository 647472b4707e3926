// Package decision defines the contract between the game engine and whatever
// decides contributions: scripted strategies, an LLM, or a remote agent.
package decision

import (
	"context"

	"pgglab.ai/internal/protocol"
)

type Request = protocol.DecisionContext

type ReflectRequest = protocol.ReflectContext

type Decision struct {
	Contribution       float64
	Rationale          string
	EstimatedPeerRatio *float64
}

type Reflection struct {
	Summary   string
	Rationale string
}

// Port is a fallible external decision maker. Implementations may return a
// *TransientError or *PermanentError; anything else is treated as transient.
type Port interface {
	Decide(ctx context.Context, req Request) (Decision, error)
	Reflect(ctx context.Context, req ReflectRequest) (Reflection, error)
}
