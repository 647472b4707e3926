package snapshot

import (
	"bufio"
	"context"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"pgglab.ai/internal/sim/game"
)

// Header is the first (JSON) line of a checkpoint file, readable without gob.
type Header struct {
	Version   int    `json:"version"`
	SessionID string `json:"session_id"`
	Round     int    `json:"round"`
	Condition string `json:"condition"`
}

const suffix = ".ckpt.zst"

func WriteCheckpoint(path string, cp game.Checkpoint) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(Header{
		Version:   cp.Version,
		SessionID: cp.SessionID,
		Round:     cp.Round,
		Condition: cp.Config.ConditionKey(),
	})
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&cp); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func ReadCheckpoint(path string) (game.Checkpoint, error) {
	var cp game.Checkpoint
	f, err := os.Open(path)
	if err != nil {
		return cp, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return cp, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// Header line; gob carries the same fields.
	if _, err := br.ReadBytes('\n'); err != nil {
		return cp, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&cp); err != nil {
		return cp, fmt.Errorf("gob decode: %w", err)
	}
	return cp, nil
}

// ReadHeader reads only the JSON header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()
	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, err
	}
	return h, json.Unmarshal(line, &h)
}

// Latest returns the checkpoint with the highest round in dir, or "" when none exists.
func Latest(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	best, bestRound := "", -1
	for _, e := range entries {
		r, ok := roundOf(e.Name())
		if !ok || e.IsDir() {
			continue
		}
		if r > bestRound {
			best, bestRound = filepath.Join(dir, e.Name()), r
		}
	}
	return best, nil
}

func roundOf(name string) (int, bool) {
	if !strings.HasSuffix(name, suffix) {
		return 0, false
	}
	r, err := strconv.Atoi(strings.TrimSuffix(name, suffix))
	return r, err == nil
}

// Dir is a game.CheckpointSink writing <dir>/<round>.ckpt.zst and keeping the
// newest Keep files (0 keeps all).
type Dir struct {
	Path string
	Keep int
	// OnWrite is called with every written checkpoint path.
	OnWrite func(path string, cp game.Checkpoint)
}

func (d *Dir) SaveCheckpoint(_ context.Context, cp game.Checkpoint) error {
	path := filepath.Join(d.Path, fmt.Sprintf("%06d%s", cp.Round, suffix))
	if err := WriteCheckpoint(path, cp); err != nil {
		return err
	}
	if d.OnWrite != nil {
		d.OnWrite(path, cp)
	}
	return d.prune()
}

func (d *Dir) prune() error {
	if d.Keep <= 0 {
		return nil
	}
	entries, err := os.ReadDir(d.Path)
	if err != nil {
		return err
	}
	var rounds []int
	for _, e := range entries {
		if r, ok := roundOf(e.Name()); ok {
			rounds = append(rounds, r)
		}
	}
	if len(rounds) <= d.Keep {
		return nil
	}
	sort.Ints(rounds)
	for _, r := range rounds[:len(rounds)-d.Keep] {
		_ = os.Remove(filepath.Join(d.Path, fmt.Sprintf("%06d%s", r, suffix)))
	}
	return nil
}
