package log

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"pgglab.ai/internal/sim/game"
)

type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	// OnClose is called with each file path once its frame is closed
	// (hourly rotation or Close).
	OnClose func(path string)

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

// Write appends one JSON line and flushes it through the zstd frame so a
// crash never loses a settled round.
func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.enc.Flush()
}

// CurrentPath is the file the next write goes to, or "" before the first write.
func (w *JSONLZstdWriter) CurrentPath() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.curHour == "" {
		return ""
	}
	return w.pathForHour(w.curHour)
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	dir := filepath.Dir(w.pathForHour(hour))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
		if w.OnClose != nil && w.curHour != "" {
			w.OnClose(w.pathForHour(w.curHour))
		}
	}
	w.w = nil
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// RoundEntry is one line of the round log.
type RoundEntry struct {
	TS              string  `json:"ts"`
	Condition       string  `json:"condition,omitempty"`
	Multiplier      float64 `json:"multiplier"`
	IntegerBalances bool    `json:"integer_balances,omitempty"`
	game.RoundResult
}

// RoundLogger writes one JSONL entry per settled round (compressed).
type RoundLogger struct {
	w          *JSONLZstdWriter
	condition  string
	multiplier float64
	integer    bool
}

func NewRoundLogger(dataDir, condition string, multiplier float64, integerBalances bool) *RoundLogger {
	return &RoundLogger{
		w:          NewJSONLZstdWriter(filepath.Join(dataDir, "events"), "rounds"),
		condition:  condition,
		multiplier: multiplier,
		integer:    integerBalances,
	}
}

func (l *RoundLogger) RecordRound(_ context.Context, r game.RoundResult) error {
	return l.w.Write(RoundEntry{
		TS:              time.Now().UTC().Format(time.RFC3339Nano),
		Condition:       l.condition,
		Multiplier:      l.multiplier,
		IntegerBalances: l.integer,
		RoundResult:     r,
	})
}

// OnClose registers a hook for finished log files.
func (l *RoundLogger) OnClose(fn func(path string)) { l.w.OnClose = fn }

func (l *RoundLogger) Path() string  { return l.w.CurrentPath() }
func (l *RoundLogger) Close() error { return l.w.Close() }

// ReadJSONL calls fn for every line of a .jsonl.zst (or plain .jsonl) file.
func ReadJSONL(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return err
		}
		defer dec.Close()
		r = dec
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	// A crash can leave the last zstd frame unterminated; keep what was flushed.
	if err := sc.Err(); err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return err
	}
	return nil
}

// RoundLogFiles lists round logs under <dataDir>/events in name (= time) order.
func RoundLogFiles(dataDir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dataDir, "events", "rounds-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
