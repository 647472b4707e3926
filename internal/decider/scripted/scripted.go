// Package scripted provides deterministic decision ports that need no model:
// baselines for experiments, tests, and the reference websocket bot.
package scripted

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"

	"pgglab.ai/internal/protocol"
	"pgglab.ai/internal/sim/decision"
)

// Strategy maps a decision context to a contribution ratio in [0,1].
type Strategy interface {
	Name() string
	Ratio(req decision.Request) float64
}

type Fixed float64

func (f Fixed) Name() string                      { return "fixed:" + strconv.FormatFloat(float64(f), 'f', -1, 64) }
func (f Fixed) Ratio(req decision.Request) float64 { return float64(f) }

// Conditional matches the average ratio others gave last round, starting at Start.
type Conditional struct {
	Start float64
}

func (Conditional) Name() string { return "conditional" }

func (c Conditional) Ratio(req decision.Request) float64 {
	if r, ok := lastPeerRatio(req.Peers); ok {
		return r
	}
	return c.Start
}

// Random draws a ratio uniformly from [Min,Max].
type Random struct {
	Min, Max float64

	mu  sync.Mutex
	rng *rand.Rand
}

func NewRandom(min, max float64, seed int64) *Random {
	return &Random{Min: min, Max: max, rng: rand.New(rand.NewSource(seed))}
}

func (*Random) Name() string { return "random" }

func (r *Random) Ratio(req decision.Request) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Min + r.rng.Float64()*(r.Max-r.Min)
}

// Parse builds a strategy from a name: full, free-rider, conditional,
// random, or fixed:<ratio>.
func Parse(name string, seed int64) (Strategy, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch {
	case name == "full":
		return Fixed(1), nil
	case name == "free-rider" || name == "none":
		return Fixed(0), nil
	case name == "conditional":
		return Conditional{Start: 0.5}, nil
	case name == "random":
		return NewRandom(0, 1, seed), nil
	case strings.HasPrefix(name, "fixed:"):
		v, err := strconv.ParseFloat(strings.TrimPrefix(name, "fixed:"), 64)
		if err != nil || v < 0 || v > 1 {
			return nil, fmt.Errorf("bad fixed ratio %q", name)
		}
		return Fixed(v), nil
	}
	return nil, fmt.Errorf("unknown strategy %q", name)
}

// Port answers every agent with one strategy, or with the strategy mapped to
// the agent's personality when ByPersonality has an entry for it.
type Port struct {
	Default       Strategy
	ByPersonality map[string]Strategy
}

func New(s Strategy) *Port { return &Port{Default: s} }

// ForPersonalities maps the stock personalities to matching baselines.
func ForPersonalities(seed int64) *Port {
	return &Port{
		Default: Conditional{Start: 0.5},
		ByPersonality: map[string]Strategy{
			"selfish":    Fixed(0.1),
			"altruistic": Fixed(0.9),
			"random":     NewRandom(0, 1, seed),
		},
	}
}

func (p *Port) strategy(personality string) Strategy {
	if s, ok := p.ByPersonality[personality]; ok {
		return s
	}
	return p.Default
}

func (p *Port) Decide(ctx context.Context, req decision.Request) (decision.Decision, error) {
	if err := ctx.Err(); err != nil {
		return decision.Decision{}, err
	}
	s := p.strategy(req.Personality)
	r := clamp01(s.Ratio(req))
	est, ok := lastPeerRatio(req.Peers)
	d := decision.Decision{
		Contribution: r * req.Balance,
		Rationale:    fmt.Sprintf("%s strategy: contribute %.0f%% of %.2f", s.Name(), r*100, req.Balance),
	}
	if ok {
		d.EstimatedPeerRatio = &est
	}
	return d, nil
}

func (p *Port) Reflect(ctx context.Context, req decision.ReflectRequest) (decision.Reflection, error) {
	if err := ctx.Err(); err != nil {
		return decision.Reflection{}, err
	}
	var given, held float64
	for _, h := range req.OwnHistory {
		given += h.Contribution
		held += h.BalanceBefore
	}
	avg := 0.0
	if held > 0 {
		avg = given / held
	}
	return decision.Reflection{
		Summary: fmt.Sprintf("After %d rounds I have given %.0f%% of my balance on average and play %s.",
			len(req.OwnHistory), avg*100, p.strategy(req.Personality).Name()),
	}, nil
}

func lastPeerRatio(v protocol.PeerView) (float64, bool) {
	if n := len(v.Aggregate); n > 0 {
		return v.Aggregate[n-1].OthersAverageRatio, true
	}
	var sum float64
	var n int
	for _, p := range v.Peers {
		if k := len(p.Rounds); k > 0 {
			sum += p.Rounds[k-1].Ratio
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

func clamp01(v float64) float64 {
	switch {
	case v < 0 || v != v:
		return 0
	case v > 1:
		return 1
	}
	return v
}
