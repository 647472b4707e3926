package experiment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"pgglab.ai/internal/sim/game"
	"pgglab.ai/internal/sim/tuning"
)

// Grid is a sweep definition. Every non-empty list overrides the base config
// field; the sweep runs the cartesian product, Repeat sessions per condition.
type Grid struct {
	Base string `yaml:"base"`

	Multipliers      []float64           `yaml:"multipliers"`
	Agents           []int               `yaml:"agents"`
	Rounds           []int               `yaml:"rounds"`
	AnchorRatios     []float64           `yaml:"anchor_ratios"`
	Disclosures      []tuning.Disclosure `yaml:"disclosures"`
	Personalities    []string            `yaml:"personalities"`
	PersonalityMixes [][]string          `yaml:"personality_mixes"`

	Repeat int `yaml:"repeat"`
}

func LoadGrid(path string) (Grid, error) {
	var g Grid
	raw, err := os.ReadFile(path)
	if err != nil {
		return g, err
	}
	if err := yaml.Unmarshal(raw, &g); err != nil {
		return g, fmt.Errorf("grid %s: %w", path, err)
	}
	if g.Repeat <= 0 {
		g.Repeat = 1
	}
	return g, nil
}

// BaseConfig loads the grid's base session config, or Defaults when none is named.
func (g Grid) BaseConfig() (tuning.Tuning, error) {
	if strings.TrimSpace(g.Base) == "" {
		return tuning.Defaults(), nil
	}
	return tuning.Load(g.Base)
}

// Expand returns one validated config per grid point in a stable order.
func (g Grid) Expand(base tuning.Tuning) ([]tuning.Tuning, error) {
	out := []tuning.Tuning{base}
	apply := func(n int, set func(t *tuning.Tuning, i int)) {
		if n == 0 {
			return
		}
		next := make([]tuning.Tuning, 0, len(out)*n)
		for _, t := range out {
			for i := 0; i < n; i++ {
				c := t
				c.PersonalityMix = append([]string(nil), t.PersonalityMix...)
				set(&c, i)
				next = append(next, c)
			}
		}
		out = next
	}
	apply(len(g.Personalities), func(t *tuning.Tuning, i int) {
		t.Personality = g.Personalities[i]
		t.PersonalityMix = nil
	})
	apply(len(g.PersonalityMixes), func(t *tuning.Tuning, i int) {
		t.PersonalityMix = append([]string(nil), g.PersonalityMixes[i]...)
	})
	apply(len(g.Agents), func(t *tuning.Tuning, i int) { t.Agents = g.Agents[i] })
	apply(len(g.Rounds), func(t *tuning.Tuning, i int) { t.Rounds = g.Rounds[i] })
	apply(len(g.Disclosures), func(t *tuning.Tuning, i int) { t.Disclosure = g.Disclosures[i] })
	apply(len(g.AnchorRatios), func(t *tuning.Tuning, i int) { t.AnchorRatio = g.AnchorRatios[i] })
	apply(len(g.Multipliers), func(t *tuning.Tuning, i int) { t.Multiplier = g.Multipliers[i] })

	seen := map[string]bool{}
	dedup := out[:0]
	for _, t := range out {
		t.Normalize()
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("grid point %s: %w", t.ConditionKey(), err)
		}
		if k := t.ConditionKey(); !seen[k] {
			seen[k] = true
			dedup = append(dedup, t)
		}
	}
	return dedup, nil
}

// Counter reports how many sessions of a condition already completed.
type Counter interface {
	CountCompleted(ctx context.Context, condition string) (int, error)
}

// SessionRunner runs one session of a config.
type SessionRunner func(ctx context.Context, cfg tuning.Tuning) (game.SessionRecord, error)

type SweepReport struct {
	Conditions  int
	Ran         int
	Skipped     int
	Interrupted int
}

// Sweep runs each condition until it has repeat completed sessions. It stops
// at the first interruption caused by ctx and returns what ran so far.
func Sweep(ctx context.Context, configs []tuning.Tuning, repeat int, counter Counter, run SessionRunner, logf func(string, ...any)) (SweepReport, error) {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	rep := SweepReport{Conditions: len(configs)}
	for _, cfg := range configs {
		key := cfg.ConditionKey()
		done, err := counter.CountCompleted(ctx, key)
		if err != nil {
			return rep, fmt.Errorf("count %s: %w", key, err)
		}
		if done >= repeat {
			rep.Skipped++
			logf("skip condition=%s completed=%d", key, done)
			continue
		}
		for i := done; i < repeat; i++ {
			logf("run condition=%s session=%d/%d", key, i+1, repeat)
			rec, err := run(ctx, cfg)
			if err != nil {
				if rec.Interrupted() {
					rep.Interrupted++
				}
				if ctx.Err() != nil || errors.Is(err, context.Canceled) {
					return rep, err
				}
				logf("condition=%s err=%v", key, err)
				continue
			}
			rep.Ran++
		}
	}
	return rep, nil
}
