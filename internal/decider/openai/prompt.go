package openai

import (
	"encoding/json"
	"fmt"
	"strings"

	"pgglab.ai/internal/sim/decision"
)

func systemPrompt(profile, belief string) string {
	var b strings.Builder
	b.WriteString(profile)
	if belief != "" {
		b.WriteString("\n\nYour current view of yourself and the game: ")
		b.WriteString(belief)
	}
	b.WriteString("\n\nAlways answer with one JSON object.")
	return b.String()
}

func decisionPrompt(req decision.Request) (string, error) {
	ctx, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return "", err
	}
	task := fmt.Sprintf("Round %d. You hold %.2f. Every unit put into the public pool is multiplied by %.2f and shared equally by all %d players.",
		req.Round, req.Balance, req.Multiplier, req.AgentCount)
	if req.Final {
		task = fmt.Sprintf("Final one-shot decision. You receive a fresh endowment of %.2f. Contributions are multiplied by %.2f and shared equally by all %d players.",
			req.Balance, req.Multiplier, req.AgentCount)
	}
	return task + "\nDecide how much to contribute (0 to your balance). Reply with " +
		`{"reasoning": "...", "output": <amount>, "estimated_peer_ratio": <0..1>}` +
		"\nGame state:\n" + string(ctx), nil
}

func reflectPrompt(req decision.ReflectRequest) (string, error) {
	hist, err := json.Marshal(req.OwnHistory)
	if err != nil {
		return "", err
	}
	reasoning := "(none recorded)"
	if len(req.Reasoning) > 0 {
		reasoning = "\n- " + strings.Join(req.Reasoning, "\n- ")
	}
	return fmt.Sprintf("Round %d has ended. Your recent reasoning: %s\nYour history: %s\n"+
		"Write a short first-person summary of what you believe about the other players and how you intend to play. Reply with "+
		`{"reasoning": "...", "output": "<summary>"}`,
		req.Round, reasoning, hist), nil
}
