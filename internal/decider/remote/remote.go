// Package remote is a decision port served by agents connected to the
// websocket seat server.
package remote

import (
	"context"
	"encoding/json"
	"errors"

	"pgglab.ai/internal/protocol"
	"pgglab.ai/internal/sim/decision"
	"pgglab.ai/internal/transport/ws"
)

// Gateway is the part of ws.Server the port needs.
type Gateway interface {
	Decide(ctx context.Context, req protocol.DecisionContext) (json.RawMessage, error)
	Reflect(ctx context.Context, req protocol.ReflectContext) (json.RawMessage, error)
}

// Port forwards to the seat holder. When Fallback is set, seats nobody holds
// are played by the fallback instead of failing.
type Port struct {
	gw       Gateway
	fallback decision.Port
}

func New(gw Gateway, fallback decision.Port) *Port {
	return &Port{gw: gw, fallback: fallback}
}

func (p *Port) Decide(ctx context.Context, req decision.Request) (decision.Decision, error) {
	raw, err := p.gw.Decide(ctx, req)
	if err != nil {
		if p.fallback != nil && errors.Is(err, ws.ErrNoSeat) {
			return p.fallback.Decide(ctx, req)
		}
		return decision.Decision{}, classify(err)
	}
	return decision.Decode(raw)
}

func (p *Port) Reflect(ctx context.Context, req decision.ReflectRequest) (decision.Reflection, error) {
	raw, err := p.gw.Reflect(ctx, req)
	if err != nil {
		if p.fallback != nil && errors.Is(err, ws.ErrNoSeat) {
			return p.fallback.Reflect(ctx, req)
		}
		return decision.Reflection{}, classify(err)
	}
	return decision.DecodeBelief(raw)
}

func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var re *ws.RemoteError
	if errors.As(err, &re) && !protocol.Retryable(re.Code) {
		return decision.Permanent(err)
	}
	return decision.Transient(err)
}
