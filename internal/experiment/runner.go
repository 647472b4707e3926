package experiment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"pgglab.ai/internal/decider/openai"
	"pgglab.ai/internal/decider/remote"
	"pgglab.ai/internal/decider/scripted"
	"pgglab.ai/internal/persistence/archive"
	"pgglab.ai/internal/persistence/indexdb"
	plog "pgglab.ai/internal/persistence/log"
	"pgglab.ai/internal/persistence/r2s3"
	"pgglab.ai/internal/persistence/snapshot"
	"pgglab.ai/internal/protocol"
	"pgglab.ai/internal/sim/catalogs"
	"pgglab.ai/internal/sim/decision"
	"pgglab.ai/internal/sim/game"
	"pgglab.ai/internal/sim/tuning"
	"pgglab.ai/internal/transport/observer"
	"pgglab.ai/internal/transport/ws"
)

const (
	DeciderScripted = "scripted"
	DeciderOpenAI   = "openai"
	DeciderRemote   = "remote"
)

type Config struct {
	DataDir   string
	ConfigDir string

	// Decider selects the decision port: scripted | openai | remote.
	Decider string
	// Strategy is the scripted strategy; empty maps personalities to baselines.
	Strategy string
	// Model overrides PGG_OPENAI_MODEL.
	Model string
	// Fallback plays unclaimed remote seats with the scripted port.
	Fallback bool
	// Token is required in HELLO when set (remote decider).
	Token string

	KeepCheckpoints int
	DisableIndex    bool

	Logger *log.Logger
}

// Runner owns the long-lived sinks shared by every session it runs:
// the SQLite index and the optional bucket mirror.
type Runner struct {
	cfg     Config
	catalog *catalogs.Personalities
	index   *indexdb.SQLiteIndex
	mirror  *r2s3.Mirror
	log     *log.Logger

	// Observer, when set, is attached to each prepared session.
	Observer *observer.Server
}

func Open(cfg Config) (*Runner, error) {
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.Decider == "" {
		cfg.Decider = DeciderScripted
	}
	if cfg.KeepCheckpoints <= 0 {
		cfg.KeepCheckpoints = 3
	}
	cat, err := catalogs.Load(cfg.ConfigDir)
	if err != nil {
		return nil, fmt.Errorf("load personalities: %w", err)
	}
	r := &Runner{cfg: cfg, catalog: cat, log: cfg.Logger}
	if !cfg.DisableIndex {
		idx, err := indexdb.OpenSQLite(filepath.Join(cfg.DataDir, "index", "pgg.sqlite"))
		if err != nil {
			return nil, fmt.Errorf("open index: %w", err)
		}
		r.index = idx
	}
	return r, nil
}

// EnableMirror uploads archives, closed round logs and checkpoints to the bucket.
func (r *Runner) EnableMirror(up r2s3.Uploader, prefix string) {
	r.mirror = r2s3.NewMirror(up, r.cfg.DataDir, r2s3.MirrorOptions{Prefix: prefix, Logger: r.log})
}

func (r *Runner) Index() *indexdb.SQLiteIndex { return r.index }

func (r *Runner) Mirror() *r2s3.Mirror { return r.mirror }

func (r *Runner) Catalog() *catalogs.Personalities { return r.catalog }

func (r *Runner) Close(ctx context.Context) error {
	var errs []error
	if r.mirror != nil {
		errs = append(errs, r.mirror.Close(ctx))
	}
	if r.index != nil {
		errs = append(errs, r.index.Close())
	}
	return errors.Join(errs...)
}

// CountCompleted counts completed sessions of a condition, from the index when
// enabled and from archive file names otherwise.
func (r *Runner) CountCompleted(ctx context.Context, condition string) (int, error) {
	if r.index != nil {
		return r.index.CountCompleted(ctx, condition)
	}
	return archive.CountCompleted(r.archiveDir(), condition)
}

func (r *Runner) archiveDir() string { return filepath.Join(r.cfg.DataDir, "archive") }

// Run is one prepared session with its per-session sinks.
type Run struct {
	Session *game.Session
	// Seats is set for the remote decider.
	Seats *ws.Server

	rounds *plog.RoundLogger
}

// SeatHandler serves remote agents; nil unless the remote decider is in use.
func (run *Run) SeatHandler() http.Handler {
	if run.Seats == nil {
		return nil
	}
	return run.Seats.Handler()
}

func (run *Run) Execute(ctx context.Context) (game.SessionRecord, error) {
	rec, err := run.Session.Run(ctx)
	if run.Seats != nil {
		run.Seats.End(rec.Status)
	}
	if cerr := run.rounds.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("close round log: %w", cerr)
	}
	return rec, err
}

// Prepare builds a fresh session for cfg.
func (r *Runner) Prepare(ctx context.Context, cfg tuning.Tuning) (*Run, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	seats := make([]ws.SeatInfo, 0, cfg.Agents)
	for _, a := range game.NewRoster(cfg, r.catalog) {
		seats = append(seats, ws.SeatInfo{AgentID: a.ID, Personality: a.Personality})
	}
	run, opts, err := r.assemble(ctx, id, cfg, seats)
	if err != nil {
		return nil, err
	}
	s, err := game.NewSession(cfg, opts)
	if err != nil {
		run.rounds.Close()
		return nil, err
	}
	return r.finish(run, s), nil
}

// Resume rebuilds a session from a checkpoint file.
func (r *Runner) Resume(ctx context.Context, path string) (*Run, error) {
	cp, err := snapshot.ReadCheckpoint(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", path, err)
	}
	seats := make([]ws.SeatInfo, 0, len(cp.Agents))
	for _, a := range cp.Agents {
		seats = append(seats, ws.SeatInfo{AgentID: a.ID, Personality: a.Personality})
	}
	run, opts, err := r.assemble(ctx, cp.SessionID, cp.Config, seats)
	if err != nil {
		return nil, err
	}
	s, err := game.Resume(cp, opts)
	if err != nil {
		run.rounds.Close()
		return nil, err
	}
	r.logf("resumed session %s at round %d from %s", cp.SessionID, cp.Round, path)
	return r.finish(run, s), nil
}

// CheckpointDir is where checkpoints of a session are written.
func (r *Runner) CheckpointDir(sessionID string) string {
	return filepath.Join(r.cfg.DataDir, "checkpoints", sessionID)
}

func (r *Runner) assemble(ctx context.Context, id string, cfg tuning.Tuning, seats []ws.SeatInfo) (*Run, game.Options, error) {
	run := &Run{}
	port, err := r.port(cfg, id, seats, run)
	if err != nil {
		return nil, game.Options{}, err
	}

	condition := cfg.ConditionKey()
	run.rounds = plog.NewRoundLogger(r.cfg.DataDir, condition, cfg.Multiplier, cfg.IntegerBalances)
	arch := archive.New(r.archiveDir())
	ckpt := &snapshot.Dir{Path: r.CheckpointDir(id), Keep: r.cfg.KeepCheckpoints}

	rec := &fanout{rounds: []roundSink{run.rounds}, archive: arch, log: r.log}
	if r.index != nil {
		rec.rounds = append(rec.rounds, r.index)
		rec.index = r.index
		if err := r.index.UpsertCatalogs(ctx, r.catalog, cfg); err != nil {
			r.logf("index catalogs: %v", err)
		}
	}
	index, mirror := r.index, r.mirror
	ckpt.OnWrite = func(path string, cp game.Checkpoint) {
		index.RecordCheckpoint(cp.SessionID, cp.Round, path)
		mirror.Enqueue(path)
	}
	arch.OnSave = mirror.Enqueue
	run.rounds.OnClose(mirror.Enqueue)

	opts := game.Options{
		SessionID:   id,
		Port:        port,
		Recorder:    rec,
		Checkpoints: ckpt,
		Catalog:     r.catalog,
		Logger:      r.log,
	}
	if r.Observer != nil {
		opts.Listener = r.Observer
	}
	return run, opts, nil
}

func (r *Runner) finish(run *Run, s *game.Session) *Run {
	run.Session = s
	if r.Observer != nil {
		var seats observer.SeatChecker
		if run.Seats != nil {
			seats = run.Seats
		}
		r.Observer.Attach(s, seats)
	}
	return run
}

func (r *Runner) port(cfg tuning.Tuning, id string, seats []ws.SeatInfo, run *Run) (decision.Port, error) {
	switch strings.ToLower(strings.TrimSpace(r.cfg.Decider)) {
	case DeciderScripted:
		return r.scriptedPort(cfg.Seed)
	case DeciderOpenAI:
		oc := openai.ConfigFromEnv()
		if r.cfg.Model != "" {
			oc.Model = r.cfg.Model
		}
		return openai.New(oc)
	case DeciderRemote:
		run.Seats = ws.NewServer(ws.Config{
			SessionID: id,
			Params: protocol.SessionParams{
				Endowment:  cfg.Endowment,
				Multiplier: cfg.Multiplier,
				Rounds:     cfg.Rounds,
				Agents:     cfg.Agents,
				Disclosure: string(cfg.Disclosure),
			},
			Seats:         seats,
			CatalogDigest: r.catalog.Digest,
			Token:         r.cfg.Token,
		}, r.log)
		var fallback decision.Port
		if r.cfg.Fallback {
			p, err := r.scriptedPort(cfg.Seed)
			if err != nil {
				return nil, err
			}
			fallback = p
		}
		return remote.New(run.Seats, fallback), nil
	default:
		return nil, fmt.Errorf("unknown decider %q (want scripted|openai|remote)", r.cfg.Decider)
	}
}

func (r *Runner) scriptedPort(seed int64) (decision.Port, error) {
	if r.cfg.Strategy == "" {
		return scripted.ForPersonalities(seed), nil
	}
	st, err := scripted.Parse(r.cfg.Strategy, seed)
	if err != nil {
		return nil, err
	}
	return scripted.New(st), nil
}

func (r *Runner) logf(format string, args ...any) {
	if r.log != nil {
		r.log.Printf(format, args...)
	}
}
