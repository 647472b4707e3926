package game

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"pgglab.ai/internal/sim/catalogs"
	"pgglab.ai/internal/sim/decision"
	"pgglab.ai/internal/sim/tuning"
)

type State string

const (
	StateSetup       State = "SETUP"
	StateRound       State = "ROUND_IN_PROGRESS"
	StateFinal       State = "FINAL_DECISION"
	StateComplete    State = "COMPLETE"
	StateInterrupted State = "INTERRUPTED"
)

// ErrInterrupted is returned (wrapped with the cause) when a session stops
// before COMPLETE. Completed rounds have been flushed by then.
var ErrInterrupted = errors.New("session interrupted")

type Options struct {
	SessionID string
	// Port is wrapped in a decision.Retrier using the session's retry policy.
	Port        decision.Port
	Recorder    Recorder
	Checkpoints CheckpointSink
	Listener    Listener
	Catalog     *catalogs.Personalities
	Logger      *log.Logger
	Now         func() time.Time
}

// Session owns the roster and drives rounds to completion. Run is called
// from one goroutine; View and State are safe to call concurrently.
type Session struct {
	id     string
	cfg    tuning.Tuning
	engine *Engine
	opts   Options

	mu        sync.Mutex
	state     State
	current   int
	agents    []*AgentState
	rounds    []RoundResult
	final     *FinalResult
	startedAt time.Time
}

func NewSession(cfg tuning.Tuning, opts Options) (*Session, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s, err := newSession(cfg, opts)
	if err != nil {
		return nil, err
	}
	s.agents = NewRoster(cfg, s.opts.Catalog)
	s.startedAt = s.opts.Now()
	return s, nil
}

// Resume rebuilds a session from a checkpoint; Run continues with the next round.
func Resume(cp Checkpoint, opts Options) (*Session, error) {
	cp.Config.Normalize()
	if err := cp.Config.Validate(); err != nil {
		return nil, err
	}
	if err := validateCheckpoint(cp); err != nil {
		return nil, err
	}
	opts.SessionID = cp.SessionID
	s, err := newSession(cp.Config, opts)
	if err != nil {
		return nil, err
	}
	for _, a := range cp.Agents {
		s.agents = append(s.agents, restoreAgent(a, s.opts.Catalog.Prompt(a.Personality), cp.Config.TraceCapacity))
	}
	s.rounds = append(s.rounds, cp.Rounds...)
	s.current = cp.Round
	s.startedAt = cp.StartedAt
	return s, nil
}

func newSession(cfg tuning.Tuning, opts Options) (*Session, error) {
	if opts.Port == nil {
		return nil, errors.New("session: nil decision port")
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	if opts.Recorder == nil {
		opts.Recorder = NopRecorder{}
	}
	if opts.Catalog == nil {
		opts.Catalog = catalogs.Defaults()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	port := decision.NewRetrier(opts.Port, cfg.Retry, opts.Logger)
	return &Session{
		id:     opts.SessionID,
		cfg:    cfg,
		engine: NewEngine(cfg, port, opts.Logger),
		opts:   opts,
		state:  StateSetup,
	}, nil
}

func (s *Session) ID() string            { return s.id }
func (s *Session) Config() tuning.Tuning { return s.cfg }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) CurrentRound() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// View is a consistent copy of the session for observers.
type View struct {
	SessionID    string
	State        State
	CurrentRound int
	Config       tuning.Tuning
	Agents       []AgentSnapshot
	Rounds       []RoundResult
	Final        *FinalResult
}

func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := View{
		SessionID:    s.id,
		State:        s.state,
		CurrentRound: s.current,
		Config:       s.cfg,
		Rounds:       append([]RoundResult(nil), s.rounds...),
		Final:        s.final,
	}
	for _, a := range s.agents {
		v.Agents = append(v.Agents, a.Snapshot())
	}
	return v
}

// Run plays the remaining rounds and the final decision. On cancellation or
// panic the in-flight round is dropped, the completed rounds are saved with
// status interrupted, and an error wrapping ErrInterrupted is returned.
func (s *Session) Run(ctx context.Context) (rec SessionRecord, err error) {
	flushCtx := context.WithoutCancel(ctx)
	defer func() {
		if p := recover(); p != nil {
			err = s.interrupt(flushCtx, fmt.Errorf("panic: %v", p))
			rec = s.record(StatusInterrupted, err)
		}
	}()

	for round := s.CurrentRound() + 1; round <= s.cfg.Rounds; round++ {
		if err := ctx.Err(); err != nil {
			return s.record(StatusInterrupted, err), s.interrupt(flushCtx, err)
		}
		s.setState(StateRound)
		if err := s.playRound(ctx, flushCtx, round); err != nil {
			return s.record(StatusInterrupted, err), s.interrupt(flushCtx, err)
		}
	}

	if err := ctx.Err(); err != nil {
		return s.record(StatusInterrupted, err), s.interrupt(flushCtx, err)
	}
	s.setState(StateFinal)
	final, err := s.engine.RunFinal(ctx, s.id, s.agents)
	if err != nil {
		return s.record(StatusInterrupted, err), s.interrupt(flushCtx, err)
	}
	s.locked(func() { s.final = &final })

	s.setState(StateComplete)
	rec = s.record(StatusCompleted, nil)
	path, err := s.opts.Recorder.SaveSession(flushCtx, rec)
	if err != nil {
		return rec, fmt.Errorf("save session: %w", err)
	}
	s.logf("session %s complete rounds=%d saved=%s", s.id, rec.CompletedRounds, path)
	return rec, nil
}

func (s *Session) playRound(ctx, flushCtx context.Context, round int) error {
	res, err := s.engine.RunRound(ctx, s.id, round, s.agents)
	if err != nil {
		return err
	}

	s.locked(func() {
		Commit(s.agents, res)
		s.current = round
	})

	if s.engine.BeliefDue(round) {
		updates := s.engine.RefreshBeliefs(ctx, s.id, round, s.agents)
		s.locked(func() {
			ApplyBeliefs(s.agents, round, updates)
			for i, a := range s.agents {
				res.Agents[i].Belief = a.Belief
			}
		})
	}

	var cp Checkpoint
	s.locked(func() {
		s.rounds = append(s.rounds, res)
		cp = s.checkpoint()
	})

	s.logf("round=%d total=%.2f pool=%.2f share=%.2f", res.Round, res.Stats.TotalContribution, res.Stats.PublicPool, res.Stats.SharePerAgent)
	if err := s.opts.Recorder.RecordRound(flushCtx, res); err != nil {
		s.logf("record round %d: %v", round, err)
	}
	if s.opts.Checkpoints != nil {
		if err := s.opts.Checkpoints.SaveCheckpoint(flushCtx, cp); err != nil {
			s.logf("checkpoint round %d: %v", round, err)
		}
	}
	if s.opts.Listener != nil {
		s.opts.Listener.RoundSettled(res)
	}
	return nil
}

func (s *Session) interrupt(flushCtx context.Context, cause error) error {
	s.setState(StateInterrupted)
	rec := s.record(StatusInterrupted, cause)
	path, err := s.opts.Recorder.SaveSession(flushCtx, rec)
	if err != nil {
		s.logf("flush interrupted session %s: %v", s.id, err)
		return fmt.Errorf("%w after round %d: %w (flush: %v)", ErrInterrupted, rec.CompletedRounds, cause, err)
	}
	s.logf("session %s interrupted after round %d saved=%s: %v", s.id, rec.CompletedRounds, path, cause)
	return fmt.Errorf("%w after round %d: %w", ErrInterrupted, rec.CompletedRounds, cause)
}

func (s *Session) record(status string, cause error) SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := SessionRecord{
		SessionID:       s.id,
		Condition:       s.cfg.ConditionKey(),
		Config:          s.cfg,
		Status:          status,
		CompletedRounds: s.current,
		Rounds:          append([]RoundResult(nil), s.rounds...),
		Final:           s.final,
		StartedAt:       s.startedAt,
		EndedAt:         s.opts.Now(),
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	for _, a := range s.agents {
		rec.Agents = append(rec.Agents, a.Snapshot())
	}
	return rec
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	change := StateChange{SessionID: s.id, State: st, CurrentRound: s.current, Final: s.final}
	s.mu.Unlock()
	if s.opts.Listener != nil {
		s.opts.Listener.StateChanged(change)
	}
}

func (s *Session) locked(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

func (s *Session) logf(format string, args ...any) {
	if s.opts.Logger != nil {
		s.opts.Logger.Printf(format, args...)
	}
}
