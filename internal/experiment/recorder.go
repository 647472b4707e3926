package experiment

import (
	"context"
	"errors"
	"fmt"
	"log"

	"pgglab.ai/internal/persistence/archive"
	"pgglab.ai/internal/persistence/indexdb"
	"pgglab.ai/internal/sim/game"
)

type roundSink interface {
	RecordRound(ctx context.Context, r game.RoundResult) error
}

// fanout is the session's game.Recorder: every settled round goes to each
// round sink, and the finished session is archived then indexed.
type fanout struct {
	rounds  []roundSink
	archive *archive.Archive
	index   *indexdb.SQLiteIndex
	log     *log.Logger
}

func (f *fanout) RecordRound(ctx context.Context, r game.RoundResult) error {
	var errs []error
	for _, s := range f.rounds {
		if err := s.RecordRound(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *fanout) SaveSession(ctx context.Context, rec game.SessionRecord) (string, error) {
	path, err := f.archive.SaveSession(ctx, rec)
	if err != nil {
		return "", fmt.Errorf("archive %s: %w", rec.SessionID, err)
	}
	if f.index != nil {
		if err := f.index.RecordSession(ctx, rec, path); err != nil {
			// The archive is authoritative; an index miss only costs a re-run in sweeps.
			if f.log != nil {
				f.log.Printf("index session=%s err=%v", rec.SessionID, err)
			}
		}
	}
	return path, nil
}
