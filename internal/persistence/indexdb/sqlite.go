package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"pgglab.ai/internal/sim/catalogs"
	"pgglab.ai/internal/sim/game"
	"pgglab.ai/internal/sim/tuning"
)

// SQLiteIndex is a queryable secondary index over rounds, sessions and
// checkpoints. JSONL round logs and session archives remain the source of truth.
type SQLiteIndex struct {
	db *sql.DB

	mu   sync.RWMutex
	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropRound      atomic.Uint64
	dropCheckpoint atomic.Uint64
	writeErrors    atomic.Uint64
}

var ErrClosed = errors.New("indexdb: closed")

type reqKind int

const (
	reqRound reqKind = iota + 1
	reqSession
	reqCheckpoint
	reqFlush
)

type req struct {
	kind reqKind

	round      game.RoundResult
	session    sessionRow
	checkpoint checkpointRow
	done       chan struct{}
}

type sessionRow struct {
	rec  game.SessionRecord
	path string
}

type checkpointRow struct {
	SessionID  string
	Round      int
	Path       string
	RecordedAt string
}

// Stats reports queue pressure. Round and checkpoint rows are dropped when the
// writer falls behind; session rows never are.
type Stats struct {
	QueueDepth          int
	QueueCapacity       int
	DropRoundTotal      uint64
	DropCheckpointTotal uint64
	WriteErrorTotal     uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	// busy_timeout is per connection; set it in the DSN so the reader gets it too.
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, err
	}
	// One connection for the writer goroutine, one for readers.
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 4096),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS catalogs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			condition TEXT NOT NULL,
			status TEXT NOT NULL,
			completed_rounds INTEGER NOT NULL,
			rounds INTEGER NOT NULL,
			agents INTEGER NOT NULL,
			multiplier REAL NOT NULL,
			disclosure TEXT NOT NULL,
			anchor_ratio REAL NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT NOT NULL,
			archive_path TEXT NOT NULL,
			config_json TEXT NOT NULL,
			final_json TEXT,
			error TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_condition_status ON sessions(condition, status);`,
		`CREATE TABLE IF NOT EXISTS rounds (
			session_id TEXT NOT NULL,
			round INTEGER NOT NULL,
			total_contribution REAL NOT NULL,
			public_pool REAL NOT NULL,
			share_per_agent REAL NOT NULL,
			PRIMARY KEY (session_id, round)
		);`,
		`CREATE TABLE IF NOT EXISTS agent_rounds (
			session_id TEXT NOT NULL,
			round INTEGER NOT NULL,
			agent_id TEXT NOT NULL,
			anchor INTEGER NOT NULL,
			balance_before REAL NOT NULL,
			contribution REAL NOT NULL,
			payoff REAL NOT NULL,
			defaulted INTEGER NOT NULL,
			estimated_peer_ratio REAL,
			rationale TEXT,
			belief TEXT,
			PRIMARY KEY (session_id, round, agent_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_agent_rounds_agent ON agent_rounds(agent_id, session_id, round);`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			session_id TEXT NOT NULL,
			round INTEGER NOT NULL,
			path TEXT NOT NULL,
			recorded_at TEXT NOT NULL,
			PRIMARY KEY (session_id, round)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	_, err := db.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`)
	return err
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed.Store(true)
		close(s.ch)
		s.mu.Unlock()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:          len(s.ch),
		QueueCapacity:       cap(s.ch),
		DropRoundTotal:      s.dropRound.Load(),
		DropCheckpointTotal: s.dropCheckpoint.Load(),
		WriteErrorTotal:     s.writeErrors.Load(),
	}
}

// tryEnqueue never blocks; it reports false when the queue is full.
func (s *SQLiteIndex) tryEnqueue(r req) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		return true
	}
	select {
	case s.ch <- r:
		return true
	default:
		return false
	}
}

func (s *SQLiteIndex) enqueue(ctx context.Context, r req) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		return ErrClosed
	}
	select {
	case s.ch <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecordRound implements the round half of game.Recorder.
func (s *SQLiteIndex) RecordRound(_ context.Context, r game.RoundResult) error {
	if s == nil {
		return nil
	}
	if !s.tryEnqueue(req{kind: reqRound, round: r}) {
		s.dropRound.Add(1)
	}
	return nil
}

// RecordSession indexes a finished session and the archive path it was saved to.
func (s *SQLiteIndex) RecordSession(ctx context.Context, rec game.SessionRecord, archivePath string) error {
	if s == nil {
		return nil
	}
	return s.enqueue(ctx, req{kind: reqSession, session: sessionRow{rec: rec, path: archivePath}})
}

func (s *SQLiteIndex) RecordCheckpoint(sessionID string, round int, path string) {
	if s == nil || sessionID == "" || path == "" {
		return
	}
	r := checkpointRow{
		SessionID:  sessionID,
		Round:      round,
		Path:       path,
		RecordedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if !s.tryEnqueue(req{kind: reqCheckpoint, checkpoint: r}) {
		s.dropCheckpoint.Add(1)
	}
}

// Flush waits until everything queued before it is committed.
func (s *SQLiteIndex) Flush(ctx context.Context) error {
	if s == nil {
		return nil
	}
	done := make(chan struct{})
	if err := s.enqueue(ctx, req{kind: reqFlush, done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpsertCatalogs stores the personality catalog and the applied tuning.
func (s *SQLiteIndex) UpsertCatalogs(ctx context.Context, p *catalogs.Personalities, tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	type kv struct {
		name   string
		digest string
		json   []byte
	}
	var rows []kv
	if p != nil {
		defs := make([]catalogs.PersonalityDef, 0, len(p.IDs))
		for _, id := range p.IDs {
			defs = append(defs, p.Defs[id])
		}
		if b, err := json.Marshal(defs); err == nil {
			rows = append(rows, kv{name: "personalities", digest: p.Digest, json: b})
		}
	}
	if b, err := json.Marshal(tune); err == nil {
		sum := sha256.Sum256(b)
		rows = append(rows, kv{name: "tuning:" + tune.ConditionKey(), digest: hex.EncodeToString(sum[:]), json: b})
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO catalogs(name,digest,json,updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.name, r.digest, string(r.json), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CountCompleted returns how many completed sessions of a condition are indexed.
func (s *SQLiteIndex) CountCompleted(ctx context.Context, condition string) (int, error) {
	if err := s.Flush(ctx); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE condition = ? AND status = ?`,
		condition, game.StatusCompleted,
	).Scan(&n)
	return n, err
}

type SessionSummary struct {
	SessionID       string
	Condition       string
	Status          string
	CompletedRounds int
	ArchivePath     string
	EndedAt         string
}

// Sessions lists indexed sessions, optionally filtered by condition, newest first.
func (s *SQLiteIndex) Sessions(ctx context.Context, condition string) ([]SessionSummary, error) {
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	q := `SELECT session_id, condition, status, completed_rounds, archive_path, ended_at FROM sessions`
	var args []any
	if condition != "" {
		q += ` WHERE condition = ?`
		args = append(args, condition)
	}
	q += ` ORDER BY ended_at DESC`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SessionSummary
	for rows.Next() {
		var ss SessionSummary
		if err := rows.Scan(&ss.SessionID, &ss.Condition, &ss.Status, &ss.CompletedRounds, &ss.ArchivePath, &ss.EndedAt); err != nil {
			return nil, err
		}
		out = append(out, ss)
	}
	return out, rows.Err()
}

// AgentContributions returns one agent's contributions in round order.
func (s *SQLiteIndex) AgentContributions(ctx context.Context, sessionID, agentID string) ([]float64, error) {
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT contribution FROM agent_rounds WHERE session_id = ? AND agent_id = ? ORDER BY round`,
		sessionID, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []float64
	for rows.Next() {
		var c float64
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertRound, _ := s.db.Prepare(`INSERT OR REPLACE INTO rounds(session_id,round,total_contribution,public_pool,share_per_agent) VALUES(?,?,?,?,?)`)
	insertAgent, _ := s.db.Prepare(`INSERT OR REPLACE INTO agent_rounds(session_id,round,agent_id,anchor,balance_before,contribution,payoff,defaulted,estimated_peer_ratio,rationale,belief) VALUES(?,?,?,?,?,?,?,?,?,?,?)`)
	insertSession, _ := s.db.Prepare(`INSERT OR REPLACE INTO sessions(session_id,condition,status,completed_rounds,rounds,agents,multiplier,disclosure,anchor_ratio,started_at,ended_at,archive_path,config_json,final_json,error) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	insertCheckpoint, _ := s.db.Prepare(`INSERT OR REPLACE INTO checkpoints(session_id,round,path,recorded_at) VALUES(?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertRound, insertAgent, insertSession, insertCheckpoint} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.writeErrors.Add(1)
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.writeErrors.Add(1)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		s.writeErrors.Add(1)
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) bool {
		if st == nil || tx == nil {
			return false
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return false
		}
		opCount++
		return true
	}

	ticker := time.NewTicker(commitMaxWait)
	defer ticker.Stop()

	for {
		var r req
		var ok bool
		select {
		case r, ok = <-s.ch:
			if !ok {
				commit()
				return
			}
		case <-ticker.C:
			if tx != nil && time.Since(lastCommit) >= commitMaxWait {
				commit()
			}
			continue
		}

		if r.kind == reqFlush {
			commit()
			close(r.done)
			continue
		}

		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqRound:
			rr := r.round
			if !exec(insertRound, rr.SessionID, rr.Round, rr.Stats.TotalContribution, rr.Stats.PublicPool, rr.Stats.SharePerAgent) {
				continue
			}
			for _, a := range rr.Agents {
				var est any
				if a.EstimatedPeerRatio != nil {
					est = *a.EstimatedPeerRatio
				}
				if !exec(insertAgent, rr.SessionID, rr.Round, a.AgentID, boolInt(a.Anchor),
					a.BalanceBefore, a.Contribution, a.Payoff, boolInt(a.Defaulted), est, a.Rationale, a.Belief) {
					break
				}
			}

		case reqSession:
			rec := r.session.rec
			cfgJSON, _ := json.Marshal(rec.Config)
			var finalJSON any
			if rec.Final != nil {
				b, _ := json.Marshal(rec.Final)
				finalJSON = string(b)
			}
			condition := rec.Condition
			if condition == "" {
				condition = rec.Config.ConditionKey()
			}
			exec(insertSession,
				rec.SessionID,
				condition,
				rec.Status,
				rec.CompletedRounds,
				rec.Config.Rounds,
				rec.Config.Agents,
				rec.Config.Multiplier,
				string(rec.Config.Disclosure),
				rec.Config.AnchorRatio,
				rec.StartedAt.UTC().Format(time.RFC3339Nano),
				rec.EndedAt.UTC().Format(time.RFC3339Nano),
				r.session.path,
				string(cfgJSON),
				finalJSON,
				rec.Error,
			)

		case reqCheckpoint:
			c := r.checkpoint
			exec(insertCheckpoint, c.SessionID, c.Round, c.Path, c.RecordedAt)
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
