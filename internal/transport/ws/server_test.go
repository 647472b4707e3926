package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"pgglab.ai/internal/protocol"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	s := NewServer(Config{
		SessionID: "sess-1",
		Params:    protocol.SessionParams{Endowment: 10, Multiplier: 1.5, Rounds: 3, Agents: 2, Disclosure: "full"},
		Seats:     []SeatInfo{{AgentID: "A1", Personality: "neutral"}, {AgentID: "A2", Personality: "selfish"}},
	}, nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialSeat(t *testing.T, url, agentID string) (*websocket.Conn, protocol.WelcomeMsg) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := conn.WriteJSON(protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, AgentName: "t", AgentID: agentID}); err != nil {
		t.Fatalf("hello: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var w protocol.WelcomeMsg
	if err := conn.ReadJSON(&w); err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	return conn, w
}

func TestHandshakeAssignsRequestedSeat(t *testing.T) {
	s, url := newTestServer(t)
	_, w := dialSeat(t, url, "A2")
	if w.Type != protocol.TypeWelcome || w.AgentID != "A2" || w.Personality != "selfish" || w.SessionID != "sess-1" {
		t.Fatalf("welcome: %+v", w)
	}
	if !s.Connected("A2") || s.Connected("A1") {
		t.Fatalf("seat bookkeeping wrong")
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.WriteJSON(protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, AgentID: "A2"})
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var e protocol.ErrorMsg
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatalf("read error msg: %v", err)
	}
	if e.Type != protocol.TypeError || e.Code != protocol.ErrSeatTaken {
		t.Fatalf("expected seat taken, got %+v", e)
	}
}

func TestHandshakeRejectsBadVersion(t *testing.T) {
	_, url := newTestServer(t)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.WriteJSON(protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: "0.0"})
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.ClosePolicyViolation {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func TestDecideRoundTrip(t *testing.T) {
	s, url := newTestServer(t)
	conn, _ := dialSeat(t, url, "A1")

	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			base, _ := protocol.DecodeBase(msg)
			switch base.Type {
			case protocol.TypeDecide:
				var d protocol.DecideMsg
				_ = json.Unmarshal(msg, &d)
				_ = conn.WriteJSON(protocol.DecisionMsg{
					Type:            protocol.TypeDecision,
					ProtocolVersion: protocol.Version,
					RequestID:       d.RequestID,
					Response:        protocol.DecisionResponse{Reasoning: "even split", Output: json.RawMessage(`3`)},
				})
			case protocol.TypeReflect:
				var r protocol.ReflectMsg
				_ = json.Unmarshal(msg, &r)
				_ = conn.WriteJSON(protocol.ErrorMsg{Type: protocol.TypeError, ProtocolVersion: protocol.Version, RequestID: r.RequestID, Code: protocol.ErrInternal, Message: "busy"})
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	raw, err := s.Decide(ctx, protocol.DecisionContext{AgentID: "A1", Round: 1, Balance: 10})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	var resp protocol.DecisionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(resp.Output) != "3" || resp.Reasoning != "even split" {
		t.Fatalf("response: %s", raw)
	}

	_, err = s.Reflect(ctx, protocol.ReflectContext{AgentID: "A1", Round: 1})
	var re *RemoteError
	if !errors.As(err, &re) || re.Code != protocol.ErrInternal {
		t.Fatalf("expected remote error, got %v", err)
	}

	if _, err := s.Decide(ctx, protocol.DecisionContext{AgentID: "A2"}); !errors.Is(err, ErrNoSeat) {
		t.Fatalf("expected ErrNoSeat, got %v", err)
	}
}

func TestDecideIgnoresReplyFromOtherSeat(t *testing.T) {
	s, url := newTestServer(t)
	owner, _ := dialSeat(t, url, "A1")
	other, _ := dialSeat(t, url, "A2")

	go func() {
		_, msg, err := owner.ReadMessage()
		if err != nil {
			return
		}
		var d protocol.DecideMsg
		if json.Unmarshal(msg, &d) != nil {
			return
		}
		_ = other.WriteJSON(protocol.DecisionMsg{
			Type:            protocol.TypeDecision,
			ProtocolVersion: protocol.Version,
			RequestID:       d.RequestID,
			Response:        protocol.DecisionResponse{Output: json.RawMessage(`99`)},
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	raw, err := s.Decide(ctx, protocol.DecisionContext{AgentID: "A1", Round: 1, Balance: 10})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the foreign reply to be dropped, got raw=%s err=%v", raw, err)
	}
}
