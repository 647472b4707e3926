package decision

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"pgglab.ai/internal/protocol"
)

// Decode turns a structured decision document into a Decision. Markdown code
// fences and prose around the JSON object are tolerated.
func Decode(raw []byte) (Decision, error) {
	doc := extractObject(raw)
	if doc == nil {
		return Decision{}, malformed("no JSON object in %q", clip(raw))
	}
	if err := protocol.ValidateDecision(doc); err != nil {
		return Decision{}, malformed("%v", err)
	}
	var wire struct {
		protocol.DecisionResponse
		EstimatedPeerRatio json.RawMessage `json:"estimated_peer_ratio"`
	}
	if err := json.Unmarshal(doc, &wire); err != nil {
		return Decision{}, malformed("%v", err)
	}
	resp := wire.DecisionResponse
	resp.EstimatedPeerRatio = parseRatio(wire.EstimatedPeerRatio)
	return FromResponse(resp)
}

// FromResponse converts an already decoded response. The output may be a JSON
// number or a numeric string; anything else is malformed. An estimated peer
// ratio outside [0,1] is dropped without touching the contribution.
func FromResponse(resp protocol.DecisionResponse) (Decision, error) {
	v, err := parseAmount(resp.Output)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{Contribution: v, Rationale: resp.Reasoning}
	if r := resp.EstimatedPeerRatio; r != nil && *r >= 0 && *r <= 1 {
		ratio := *r
		d.EstimatedPeerRatio = &ratio
	}
	return d, nil
}

// DecodeBelief turns a structured belief document into a Reflection.
func DecodeBelief(raw []byte) (Reflection, error) {
	doc := extractObject(raw)
	if doc == nil {
		return Reflection{}, malformed("no JSON object in %q", clip(raw))
	}
	if err := protocol.ValidateBelief(doc); err != nil {
		return Reflection{}, malformed("%v", err)
	}
	var resp protocol.BeliefResponse
	if err := json.Unmarshal(doc, &resp); err != nil {
		return Reflection{}, malformed("%v", err)
	}
	return FromBelief(resp)
}

func FromBelief(resp protocol.BeliefResponse) (Reflection, error) {
	s := strings.TrimSpace(resp.Output)
	if s == "" {
		return Reflection{}, malformed("empty belief")
	}
	return Reflection{Summary: s, Rationale: resp.Reasoning}, nil
}

func parseAmount(raw json.RawMessage) (float64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, malformed("missing output")
	}
	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, malformed("%v", err)
		}
	} else {
		s = string(raw)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, malformed("output %q is not a number", s)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, malformed("output %q is not finite", s)
	}
	return v, nil
}

// parseRatio accepts a JSON number or numeric string. Anything else is nil.
func parseRatio(raw json.RawMessage) *float64 {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	s := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil
		}
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func extractObject(raw []byte) []byte {
	start := bytes.IndexByte(raw, '{')
	end := bytes.LastIndexByte(raw, '}')
	if start < 0 || end < start {
		return nil
	}
	return raw[start : end+1]
}

func clip(b []byte) string {
	if len(b) > 80 {
		return string(b[:80]) + "..."
	}
	return string(b)
}
