package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"pgglab.ai/internal/observerproto"
	"pgglab.ai/internal/protocol"
	"pgglab.ai/internal/sim/game"
)

// Source is the session being watched.
type Source interface {
	View() game.View
}

// SeatChecker reports remote seat occupancy. Optional.
type SeatChecker interface {
	Connected(agentID string) bool
}

// Server is a read-only live feed of one session. It implements game.Listener.
type Server struct {
	log *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	mu     sync.Mutex
	src    Source
	seats  SeatChecker
	subs   map[string]*subscriber
	recent int
}

type subscriber struct {
	out chan []byte

	mu  sync.Mutex
	sub observerproto.SubscribeMsg
}

func NewServer(logger *log.Logger) *Server {
	return &Server{
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		subs:   map[string]*subscriber{},
		recent: 20,
	}
}

// Attach sets the watched session. Seats may be nil.
func (s *Server) Attach(src Source, seats SeatChecker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.src = src
	s.seats = seats
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		s.mu.Lock()
		src, seats, recent := s.src, s.seats, s.recent
		s.mu.Unlock()
		if src == nil {
			http.Error(rw, "no session", http.StatusServiceUnavailable)
			return
		}

		v := src.View()
		resp := observerproto.BootstrapResponse{
			ProtocolVersion: observerproto.Version,
			SessionID:       v.SessionID,
			State:           string(v.State),
			CurrentRound:    v.CurrentRound,
			Params: protocol.SessionParams{
				Endowment:  v.Config.Endowment,
				Multiplier: v.Config.Multiplier,
				Rounds:     v.Config.Rounds,
				Agents:     v.Config.Agents,
				Disclosure: string(v.Config.Disclosure),
			},
		}
		for _, a := range v.Agents {
			resp.Agents = append(resp.Agents, observerproto.AgentState{
				ID:          a.ID,
				Personality: a.Personality,
				Anchor:      a.Anchor,
				Connected:   seats != nil && seats.Connected(a.ID),
				Balance:     a.Balance,
				Belief:      a.Belief,
			})
		}
		rounds := v.Rounds
		if len(rounds) > recent {
			rounds = rounds[len(rounds)-recent:]
		}
		for _, r := range rounds {
			resp.Rounds = append(resp.Rounds, roundMsg(r, observerproto.SubscribeMsg{}))
		}

		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub observerproto.SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad subscribe"), time.Now().Add(time.Second))
			return
		}
		if sub.Type != observerproto.TypeSubscribe || sub.ProtocolVersion != observerproto.Version {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		sid := fmt.Sprintf("O%d", s.nextID.Add(1))
		sb := &subscriber{out: make(chan []byte, 64), sub: sub}
		s.mu.Lock()
		s.subs[sid] = sb
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.subs, sid)
			s.mu.Unlock()
		}()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-sb.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var upd observerproto.SubscribeMsg
			if err := json.Unmarshal(msg, &upd); err != nil {
				continue
			}
			if upd.Type != observerproto.TypeSubscribe || upd.ProtocolVersion != observerproto.Version {
				continue
			}
			sb.mu.Lock()
			sb.sub = upd
			sb.mu.Unlock()
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// Subscribers returns the number of connected observers.
func (s *Server) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Server) RoundSettled(r game.RoundResult) {
	s.broadcast(func(sub observerproto.SubscribeMsg) any { return roundMsg(r, sub) })
}

func (s *Server) StateChanged(c game.StateChange) {
	msg := observerproto.SessionMsg{
		Type:            observerproto.TypeSession,
		ProtocolVersion: observerproto.Version,
		SessionID:       c.SessionID,
		State:           string(c.State),
		CurrentRound:    c.CurrentRound,
	}
	if f := c.Final; f != nil {
		fs := &observerproto.FinalSummary{
			Endowment:         f.Endowment,
			TotalContribution: f.Stats.TotalContribution,
			Contributions:     map[string]float64{},
		}
		for _, a := range f.Agents {
			fs.Contributions[a.AgentID] = a.Contribution
		}
		msg.Final = fs
	}
	s.broadcast(func(observerproto.SubscribeMsg) any { return msg })
}

// broadcast never blocks the session: slow observers drop messages.
func (s *Server) broadcast(build func(observerproto.SubscribeMsg) any) {
	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subs))
	for _, sb := range s.subs {
		subs = append(subs, sb)
	}
	s.mu.Unlock()
	for _, sb := range subs {
		sb.mu.Lock()
		sub := sb.sub
		sb.mu.Unlock()
		b, err := json.Marshal(build(sub))
		if err != nil {
			continue
		}
		select {
		case sb.out <- b:
		default:
			if s.log != nil {
				s.log.Printf("observer backlog full; dropping message")
			}
		}
	}
}

func roundMsg(r game.RoundResult, sub observerproto.SubscribeMsg) observerproto.RoundMsg {
	msg := observerproto.RoundMsg{
		Type:              observerproto.TypeRound,
		ProtocolVersion:   observerproto.Version,
		SessionID:         r.SessionID,
		Round:             r.Round,
		TotalContribution: r.Stats.TotalContribution,
		PublicPool:        r.Stats.PublicPool,
		SharePerAgent:     r.Stats.SharePerAgent,
		Agents:            make([]observerproto.AgentRound, 0, len(r.Agents)),
	}
	for _, a := range r.Agents {
		if sub.FocusAgentID != "" && a.AgentID != sub.FocusAgentID {
			continue
		}
		row := observerproto.AgentRound{
			ID:            a.AgentID,
			Contribution:  a.Contribution,
			BalanceBefore: a.BalanceBefore,
			Payoff:        a.Payoff,
			Defaulted:     a.Defaulted,
			EstimatedPeer: a.EstimatedPeerRatio,
		}
		if sub.IncludeRationale {
			row.Rationale = a.Rationale
			row.Belief = a.Belief
		}
		msg.Agents = append(msg.Agents, row)
	}
	return msg
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
