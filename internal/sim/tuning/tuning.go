package tuning

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Disclosure string

const (
	DisclosureFull      Disclosure = "full"
	DisclosureAggregate Disclosure = "aggregate-only"
)

// Tuning is the full session configuration. It is passed explicitly into the
// session and every component that needs it; nothing reads it from globals.
type Tuning struct {
	Endowment   int        `yaml:"endowment" json:"endowment"`
	Multiplier  float64    `yaml:"multiplier" json:"multiplier"`
	Rounds      int        `yaml:"rounds" json:"rounds"`
	Agents      int        `yaml:"agents" json:"agents"`
	AnchorRatio float64    `yaml:"anchor_ratio" json:"anchor_ratio"`
	Disclosure  Disclosure `yaml:"disclosure" json:"disclosure"`

	// Belief refresh runs after settlement on rounds where round%BeliefCadence == 0,
	// reading the BeliefWindow most recent rationales out of a TraceCapacity ring.
	BeliefCadence int `yaml:"belief_cadence" json:"belief_cadence"`
	BeliefWindow  int `yaml:"belief_window" json:"belief_window"`
	TraceCapacity int `yaml:"trace_capacity" json:"trace_capacity"`

	// IntegerBalances rounds settled balances half-up. Pool math stays real-valued.
	IntegerBalances bool `yaml:"integer_balances" json:"integer_balances,omitempty"`

	Personality    string   `yaml:"personality" json:"personality"`
	PersonalityMix []string `yaml:"personality_mix,omitempty" json:"personality_mix,omitempty"`

	// FinalEndowment is the fresh one-shot endowment of the final decision round (0 = Endowment).
	FinalEndowment int `yaml:"final_endowment" json:"final_endowment"`

	DecisionWorkers int         `yaml:"decision_workers" json:"decision_workers"`
	Retry           RetryPolicy `yaml:"retry" json:"retry"`

	Seed int64 `yaml:"seed" json:"seed,omitempty"`
}

type RetryPolicy struct {
	MaxAttempts      int `yaml:"max_attempts" json:"max_attempts"`
	BackoffMs        int `yaml:"backoff_ms" json:"backoff_ms"`
	AttemptTimeoutMs int `yaml:"attempt_timeout_ms" json:"attempt_timeout_ms,omitempty"`
}

func (p RetryPolicy) Backoff() time.Duration {
	return time.Duration(p.BackoffMs) * time.Millisecond
}

func (p RetryPolicy) AttemptTimeout() time.Duration {
	return time.Duration(p.AttemptTimeoutMs) * time.Millisecond
}

// ConfigError reports an invalid configuration field. It is fatal at session setup.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Msg)
}

func Defaults() Tuning {
	return Tuning{
		Endowment:       10,
		Multiplier:      3,
		Rounds:          10,
		Agents:          10,
		AnchorRatio:     0.2,
		Disclosure:      DisclosureAggregate,
		BeliefCadence:   1,
		BeliefWindow:    2,
		TraceCapacity:   8,
		Personality:     "neutral",
		DecisionWorkers: 4,
		Retry: RetryPolicy{
			MaxAttempts: 10,
			BackoffMs:   1000,
		},
	}
}

// Load reads a YAML config on top of Defaults, normalizes and validates it.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("session.yaml: %w", err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("session.yaml: %w", err)
	}
	return t, nil
}

// Normalize fills fields whose zero value means "use the default".
func (t *Tuning) Normalize() {
	t.Disclosure = Disclosure(strings.ToLower(strings.TrimSpace(string(t.Disclosure))))
	t.Personality = strings.TrimSpace(t.Personality)
	if t.Personality == "" {
		t.Personality = "neutral"
	}
	mix := make([]string, 0, len(t.PersonalityMix))
	for _, p := range t.PersonalityMix {
		if p = strings.TrimSpace(p); p != "" {
			mix = append(mix, p)
		}
	}
	t.PersonalityMix = mix
	if t.FinalEndowment <= 0 {
		t.FinalEndowment = t.Endowment
	}
	if t.TraceCapacity <= 0 {
		t.TraceCapacity = 8
	}
	if t.BeliefWindow <= 0 {
		t.BeliefWindow = 2
	}
	if t.DecisionWorkers <= 0 {
		t.DecisionWorkers = 1
	}
	if t.Retry.MaxAttempts <= 0 {
		t.Retry.MaxAttempts = 10
	}
	if t.Retry.BackoffMs < 0 {
		t.Retry.BackoffMs = 0
	}
}

func (t Tuning) Validate() error {
	if t.Endowment <= 0 {
		return &ConfigError{Field: "endowment", Msg: "must be > 0"}
	}
	if math.IsNaN(t.Multiplier) || math.IsInf(t.Multiplier, 0) || t.Multiplier <= 1 {
		return &ConfigError{Field: "multiplier", Msg: "must be finite and > 1"}
	}
	if t.Rounds <= 0 {
		return &ConfigError{Field: "rounds", Msg: "must be > 0"}
	}
	if t.Agents <= 0 {
		return &ConfigError{Field: "agents", Msg: "must be > 0"}
	}
	if math.IsNaN(t.AnchorRatio) || math.IsInf(t.AnchorRatio, 0) || t.AnchorRatio < 0 || t.AnchorRatio > 1 {
		return &ConfigError{Field: "anchor_ratio", Msg: "must be in [0,1]"}
	}
	switch t.Disclosure {
	case DisclosureFull, DisclosureAggregate:
	default:
		return &ConfigError{Field: "disclosure", Msg: fmt.Sprintf("unknown mode %q (want full|aggregate-only)", t.Disclosure)}
	}
	if t.BeliefCadence < 1 {
		return &ConfigError{Field: "belief_cadence", Msg: "must be >= 1"}
	}
	if t.BeliefWindow > t.TraceCapacity {
		return &ConfigError{Field: "belief_window", Msg: "must be <= trace_capacity"}
	}
	if t.FinalEndowment < 0 {
		return &ConfigError{Field: "final_endowment", Msg: "must be >= 0"}
	}
	return nil
}

// AnchorCount is the number of anchor seats: round(ratio*agents), at least one
// when the ratio is positive, never more than the roster.
func (t Tuning) AnchorCount() int {
	if t.AnchorRatio <= 0 || t.Agents <= 0 {
		return 0
	}
	n := int(math.Floor(t.AnchorRatio*float64(t.Agents) + 0.5))
	if n < 1 {
		n = 1
	}
	if n > t.Agents {
		n = t.Agents
	}
	return n
}

// ConditionKey identifies an experimental condition independent of run timestamp.
// Sweeps use it to count how many sessions of a condition already completed.
func (t Tuning) ConditionKey() string {
	personality := t.Personality
	if len(t.PersonalityMix) > 0 {
		personality = strings.Join(t.PersonalityMix, "+")
	}
	return fmt.Sprintf("%s_%dp_%dr_%s_anchor%dpct_m%s",
		personality,
		t.Agents,
		t.Rounds,
		t.Disclosure,
		int(math.Floor(t.AnchorRatio*100+0.5)),
		strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.2f", t.Multiplier), "0"), "."),
	)
}
