package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"pgglab.ai/internal/sim/game"
)

// Archive writes one JSON document per finished session:
// <dir>/<condition>_<status>_<timestamp>.json, with _round_<n> for interrupted sessions.
type Archive struct {
	Dir string
	// OnSave is called with every written path (e.g. to mirror it).
	OnSave func(path string)

	now func() time.Time
}

func New(dir string) *Archive {
	return &Archive{Dir: dir, now: time.Now}
}

func (a *Archive) SaveSession(_ context.Context, rec game.SessionRecord) (string, error) {
	if err := os.MkdirAll(a.Dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(a.Dir, a.fileName(rec))
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal session %s: %w", rec.SessionID, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if a.OnSave != nil {
		a.OnSave(path)
	}
	return path, nil
}

func (a *Archive) fileName(rec game.SessionRecord) string {
	now := time.Now
	if a.now != nil {
		now = a.now
	}
	condition := rec.Condition
	if condition == "" {
		condition = rec.Config.ConditionKey()
	}
	name := fmt.Sprintf("%s_%s_%s", condition, rec.Status, now().UTC().Format("20060102T150405.000000000"))
	if rec.Interrupted() {
		name += fmt.Sprintf("_round_%d", rec.CompletedRounds)
	}
	return name + ".json"
}

func Load(path string) (game.SessionRecord, error) {
	var rec game.SessionRecord
	b, err := os.ReadFile(path)
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(b, &rec); err != nil {
		return rec, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return rec, nil
}

// List returns archived session files in dir, oldest name first.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// CountCompleted counts completed archives of a condition by file name.
func CountCompleted(dir, condition string) (int, error) {
	files, err := List(dir)
	if err != nil {
		return 0, err
	}
	prefix := condition + "_" + game.StatusCompleted + "_"
	n := 0
	for _, f := range files {
		if strings.HasPrefix(filepath.Base(f), prefix) {
			n++
		}
	}
	return n, nil
}
