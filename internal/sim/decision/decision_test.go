package decision

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"pgglab.ai/internal/sim/tuning"
)

func TestDecode(t *testing.T) {
	cases := []struct {
		raw  string
		want float64
	}{
		{`{"reasoning":"half","output":5}`, 5},
		{`{"output":"7.5"}`, 7.5},
		{"```json\n{\"output\": 3, \"reasoning\": \"fenced\"}\n```", 3},
		{`{"output":-4}`, -4},
	}
	for _, tc := range cases {
		d, err := Decode([]byte(tc.raw))
		if err != nil {
			t.Fatalf("%s: %v", tc.raw, err)
		}
		if d.Contribution != tc.want {
			t.Fatalf("%s: got %v want %v", tc.raw, d.Contribution, tc.want)
		}
	}
}

func TestDecode_Malformed(t *testing.T) {
	for _, raw := range []string{
		`{"output":"abc"}`,
		`{"output":"NaN"}`,
		`{"output":"Inf"}`,
		`{"reasoning":"forgot"}`,
		`abc`,
		``,
	} {
		if _, err := Decode([]byte(raw)); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%q: expected ErrMalformed, got %v", raw, err)
		}
	}
}

func TestDecode_EstimatedPeerRatio(t *testing.T) {
	d, err := Decode([]byte(`{"output":2,"estimated_peer_ratio":0.25}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.EstimatedPeerRatio == nil || *d.EstimatedPeerRatio != 0.25 {
		t.Fatalf("ratio: %v", d.EstimatedPeerRatio)
	}
}

func TestDecode_UnusableRatioKeepsContribution(t *testing.T) {
	for _, raw := range []string{
		`{"output":7,"estimated_peer_ratio":1.2}`,
		`{"output":7,"estimated_peer_ratio":60}`,
		`{"output":7,"estimated_peer_ratio":-0.1}`,
		`{"output":7,"estimated_peer_ratio":"lots"}`,
		`{"output":7,"estimated_peer_ratio":[0.5]}`,
	} {
		d, err := Decode([]byte(raw))
		if err != nil {
			t.Fatalf("%s: decode: %v", raw, err)
		}
		if d.Contribution != 7 || d.EstimatedPeerRatio != nil {
			t.Fatalf("%s: got contribution=%v ratio=%v", raw, d.Contribution, d.EstimatedPeerRatio)
		}
	}
	d, err := Decode([]byte(`{"output":7,"estimated_peer_ratio":"0.5"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.EstimatedPeerRatio == nil || *d.EstimatedPeerRatio != 0.5 {
		t.Fatalf("numeric string ratio: %v", d.EstimatedPeerRatio)
	}
}

func TestDecodeBelief(t *testing.T) {
	r, err := DecodeBelief([]byte(`{"reasoning":"x","output":"  I match the group.  "}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r.Summary != "I match the group." {
		t.Fatalf("summary: %q", r.Summary)
	}
	if _, err := DecodeBelief([]byte(`{"output":"   "}`)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected blank belief malformed, got %v", err)
	}
}

type flakyPort struct {
	failures int
	err      error
	calls    atomic.Int32
}

func (p *flakyPort) Decide(ctx context.Context, req Request) (Decision, error) {
	if int(p.calls.Add(1)) <= p.failures {
		return Decision{}, p.err
	}
	return Decision{Contribution: 4, Rationale: "ok"}, nil
}

func (p *flakyPort) Reflect(ctx context.Context, req ReflectRequest) (Reflection, error) {
	if int(p.calls.Add(1)) <= p.failures {
		return Reflection{}, p.err
	}
	return Reflection{Summary: "steady"}, nil
}

func TestRetrier_RetriesTransient(t *testing.T) {
	p := &flakyPort{failures: 3, err: Transient(errors.New("503"))}
	r := NewRetrier(p, tuning.RetryPolicy{MaxAttempts: 10}, nil)
	d, err := r.Decide(context.Background(), Request{AgentID: "A1", Round: 1})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Contribution != 4 {
		t.Fatalf("contribution: got %v want 4", d.Contribution)
	}
	if got := p.calls.Load(); got != 4 {
		t.Fatalf("calls: got %d want 4", got)
	}
}

func TestRetrier_ExhaustsBound(t *testing.T) {
	p := &flakyPort{failures: 100, err: ErrMalformed}
	r := NewRetrier(p, tuning.RetryPolicy{MaxAttempts: 10}, nil)
	_, err := r.Decide(context.Background(), Request{AgentID: "A1", Round: 1})
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected wrapped ErrMalformed, got %v", err)
	}
	if got := p.calls.Load(); got != 10 {
		t.Fatalf("calls: got %d want 10", got)
	}
}

func TestRetrier_StopsOnPermanent(t *testing.T) {
	p := &flakyPort{failures: 100, err: Permanent(errors.New("401"))}
	r := NewRetrier(p, tuning.RetryPolicy{MaxAttempts: 10}, nil)
	_, err := r.Reflect(context.Background(), ReflectRequest{AgentID: "A1", Round: 1})
	if !IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if got := p.calls.Load(); got != 1 {
		t.Fatalf("calls: got %d want 1", got)
	}
}

func TestRetrier_StopsOnCancel(t *testing.T) {
	p := &flakyPort{failures: 100, err: errors.New("down")}
	r := NewRetrier(p, tuning.RetryPolicy{MaxAttempts: 10, BackoffMs: 60_000}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Decide(ctx, Request{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := p.calls.Load(); got != 0 {
		t.Fatalf("calls: got %d want 0", got)
	}
}
