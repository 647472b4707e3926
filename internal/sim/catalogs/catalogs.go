package catalogs

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

//go:embed defaults/personalities.json
var defaultPersonalities []byte

// Personalities maps a personality tag to the instruction profile handed to
// decision ports. The engine itself never reads the prompt text.
type Personalities struct {
	Defs   map[string]PersonalityDef
	IDs    []string
	Digest string
}

type PersonalityDef struct {
	ID     string `json:"id"`
	Label  string `json:"label,omitempty"`
	Prompt string `json:"prompt"`
	Anchor bool   `json:"anchor,omitempty"`
}

// Load reads <configDir>/personalities.json. A missing file (or empty dir)
// falls back to the embedded defaults.
func Load(configDir string) (*Personalities, error) {
	if strings.TrimSpace(configDir) == "" {
		return parse("personalities.json", defaultPersonalities)
	}
	raw, err := os.ReadFile(filepath.Join(configDir, "personalities.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return parse("personalities.json", defaultPersonalities)
		}
		return nil, err
	}
	return parse("personalities.json", raw)
}

// Defaults returns the embedded catalog.
func Defaults() *Personalities {
	p, err := parse("personalities.json", defaultPersonalities)
	if err != nil {
		panic(err)
	}
	return p
}

func parse(name string, raw []byte) (*Personalities, error) {
	var defs []PersonalityDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	out := &Personalities{
		Defs:   map[string]PersonalityDef{},
		Digest: sha256Hex(raw),
	}
	for _, d := range defs {
		d.ID = strings.TrimSpace(d.ID)
		if d.ID == "" {
			return nil, fmt.Errorf("%s: empty id", name)
		}
		if _, dup := out.Defs[d.ID]; dup {
			return nil, fmt.Errorf("%s: duplicate id %s", name, d.ID)
		}
		out.Defs[d.ID] = d
		out.IDs = append(out.IDs, d.ID)
	}
	sort.Strings(out.IDs)
	return out, nil
}

func (p *Personalities) Get(id string) (PersonalityDef, bool) {
	if p == nil {
		return PersonalityDef{}, false
	}
	d, ok := p.Defs[id]
	return d, ok
}

// Prompt returns the instruction profile for id, or the neutral profile when id is unknown.
func (p *Personalities) Prompt(id string) string {
	if d, ok := p.Get(id); ok {
		return d.Prompt
	}
	if d, ok := p.Get("neutral"); ok {
		return d.Prompt
	}
	return "You are a participant in a public goods game."
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
