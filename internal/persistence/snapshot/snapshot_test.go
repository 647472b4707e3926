package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"pgglab.ai/internal/protocol"
	"pgglab.ai/internal/sim/game"
	"pgglab.ai/internal/sim/tuning"
)

func sampleCheckpoint(round int) game.Checkpoint {
	cfg := tuning.Defaults()
	cfg.Agents = 1
	ratio := 0.4
	return game.Checkpoint{
		Version:   game.CheckpointVersion,
		SessionID: "s1",
		Config:    cfg,
		Round:     round,
		Agents: []game.AgentSnapshot{{
			ID:          "A1",
			Personality: "neutral",
			Balance:     12.5,
			History:     []protocol.HistoryEntry{{Round: 1, Contribution: 5, GroupTotal: 5, Payoff: 12.5, BalanceBefore: 10}},
			Belief:      "steady",
			BeliefTrail: []game.BeliefEntry{{Round: 1, Summary: "steady"}},
			Trace:       []string{"r1"},
		}},
		Rounds: []game.RoundResult{{SessionID: "s1", Round: 1, Agents: []game.AgentRound{{AgentID: "A1", EstimatedPeerRatio: &ratio}}}},
	}
}

func TestWriteReadCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.ckpt.zst")
	if err := WriteCheckpoint(path, sampleCheckpoint(1)); err != nil {
		t.Fatalf("write: %v", err)
	}
	h, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	if h.SessionID != "s1" || h.Round != 1 || h.Condition == "" {
		t.Fatalf("header: %+v", h)
	}
	cp, err := ReadCheckpoint(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	a := cp.Agents[0]
	if a.Balance != 12.5 || a.Belief != "steady" || len(a.History) != 1 || a.Trace[0] != "r1" {
		t.Fatalf("agent: %+v", a)
	}
	if r := cp.Rounds[0].Agents[0].EstimatedPeerRatio; r == nil || *r != 0.4 {
		t.Fatalf("round estimate lost: %v", r)
	}
	if cp.Config.Disclosure != tuning.DisclosureAggregate {
		t.Fatalf("config: %+v", cp.Config)
	}
}

func TestDirSinkLatestAndPrune(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "checkpoints")
	if p, err := Latest(dir); err != nil || p != "" {
		t.Fatalf("empty dir: %q %v", p, err)
	}
	var written []string
	d := &Dir{Path: dir, Keep: 2, OnWrite: func(p string, _ game.Checkpoint) { written = append(written, p) }}
	for r := 1; r <= 4; r++ {
		if err := d.SaveCheckpoint(context.Background(), sampleCheckpoint(r)); err != nil {
			t.Fatalf("save %d: %v", r, err)
		}
	}
	if len(written) != 4 {
		t.Fatalf("OnWrite calls: %d", len(written))
	}
	p, err := Latest(dir)
	if err != nil || filepath.Base(p) != "000004.ckpt.zst" {
		t.Fatalf("latest: %q %v", p, err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 2 {
		t.Fatalf("prune kept %d files", len(entries))
	}
}
