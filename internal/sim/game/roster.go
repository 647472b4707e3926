package game

import (
	"fmt"

	"pgglab.ai/internal/sim/catalogs"
	"pgglab.ai/internal/sim/tuning"
)

const anchorPersonality = "anchor"

// NewRoster builds the SETUP roster: ids A1..An, regular agents first, anchors
// last. Regular agents cycle through the personality mix when one is set.
func NewRoster(cfg tuning.Tuning, profiles *catalogs.Personalities) []*AgentState {
	anchors := cfg.AnchorCount()
	regular := cfg.Agents - anchors
	agents := make([]*AgentState, 0, cfg.Agents)
	for i := 0; i < cfg.Agents; i++ {
		p := cfg.Personality
		anchor := i >= regular
		switch {
		case anchor:
			p = anchorPersonality
		case len(cfg.PersonalityMix) > 0:
			p = cfg.PersonalityMix[i%len(cfg.PersonalityMix)]
		}
		agents = append(agents, newAgent(
			fmt.Sprintf("A%d", i+1),
			p,
			profiles.Prompt(p),
			anchor,
			float64(cfg.Endowment),
			cfg.TraceCapacity,
		))
	}
	return agents
}
