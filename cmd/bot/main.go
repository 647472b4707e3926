package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"

	"github.com/gorilla/websocket"

	"pgglab.ai/internal/decider/scripted"
	"pgglab.ai/internal/protocol"
	"pgglab.ai/internal/sim/decision"
)

func main() {
	var (
		url      = flag.String("url", "ws://localhost:8080/v1/agents", "seat server ws url")
		name     = flag.String("name", "bot", "agent name")
		seat     = flag.String("seat", "", "seat to claim (empty takes the first free seat)")
		strategy = flag.String("strategy", "conditional", "full|free-rider|conditional|random|fixed:<r>")
		seed     = flag.Int64("seed", 1, "seed for the random strategy")
		token    = flag.String("token", os.Getenv("PGG_AGENT_TOKEN"), "HELLO auth token")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	st, err := scripted.Parse(*strategy, *seed)
	if err != nil {
		logger.Fatalf("strategy: %v", err)
	}
	port := scripted.New(st)

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		AgentName:       *name,
		AgentID:         *seat,
	}
	if *token != "" {
		hello.Auth = &protocol.HelloAuth{Token: *token}
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	go func() {
		<-stop
		cancel()
		_ = conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeWelcome:
			var w protocol.WelcomeMsg
			if err := json.Unmarshal(msg, &w); err != nil {
				continue
			}
			logger.Printf("WELCOME session=%s seat=%s personality=%s rounds=%d m=%g", w.SessionID, w.AgentID, w.Personality, w.Params.Rounds, w.Params.Multiplier)

		case protocol.TypeDecide:
			var d protocol.DecideMsg
			if err := json.Unmarshal(msg, &d); err != nil {
				continue
			}
			_ = conn.WriteJSON(decide(ctx, port, d))

		case protocol.TypeReflect:
			var r protocol.ReflectMsg
			if err := json.Unmarshal(msg, &r); err != nil {
				continue
			}
			_ = conn.WriteJSON(reflectBelief(ctx, port, r))

		case protocol.TypeError:
			var e protocol.ErrorMsg
			_ = json.Unmarshal(msg, &e)
			logger.Printf("ERROR code=%s message=%s", e.Code, e.Message)
			if e.RequestID == "" {
				return
			}

		case protocol.TypeEnd:
			var e protocol.SessionEndMsg
			_ = json.Unmarshal(msg, &e)
			logger.Printf("SESSION_END status=%s", e.Status)
			return
		}
	}
}

func decide(ctx context.Context, port decision.Port, d protocol.DecideMsg) any {
	dec, err := port.Decide(ctx, d.Context)
	if err != nil {
		return protocol.ErrorMsg{
			Type:            protocol.TypeError,
			ProtocolVersion: protocol.Version,
			RequestID:       d.RequestID,
			Code:            protocol.ErrInternal,
			Message:         err.Error(),
		}
	}
	return protocol.DecisionMsg{
		Type:            protocol.TypeDecision,
		ProtocolVersion: protocol.Version,
		RequestID:       d.RequestID,
		Response: protocol.DecisionResponse{
			Reasoning:          dec.Rationale,
			Output:             json.RawMessage(strconv.FormatFloat(dec.Contribution, 'f', -1, 64)),
			EstimatedPeerRatio: dec.EstimatedPeerRatio,
		},
	}
}

func reflectBelief(ctx context.Context, port decision.Port, r protocol.ReflectMsg) any {
	ref, err := port.Reflect(ctx, r.Context)
	if err != nil {
		return protocol.ErrorMsg{
			Type:            protocol.TypeError,
			ProtocolVersion: protocol.Version,
			RequestID:       r.RequestID,
			Code:            protocol.ErrInternal,
			Message:         err.Error(),
		}
	}
	return protocol.BeliefMsg{
		Type:            protocol.TypeBelief,
		ProtocolVersion: protocol.Version,
		RequestID:       r.RequestID,
		Response:        protocol.BeliefResponse{Reasoning: ref.Rationale, Output: ref.Summary},
	}
}
