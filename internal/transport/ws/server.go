package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"pgglab.ai/internal/protocol"
)

var (
	ErrNoSeat       = errors.New("seat not connected")
	ErrDisconnected = errors.New("seat disconnected")
)

// RemoteError is an ERROR reply from the agent holding a seat.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

type SeatInfo struct {
	AgentID     string
	Personality string
}

type Config struct {
	SessionID     string
	Params        protocol.SessionParams
	Seats         []SeatInfo
	CatalogDigest string
	// Token, when set, must be presented in HELLO.auth.token.
	Token string
}

// Server hands out seats of a running session to websocket agents and
// forwards DECIDE/REFLECT requests to whoever holds the seat.
type Server struct {
	cfg Config
	log *log.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	seats   map[string]*seat
	pending map[string]pendingReq
}

// pendingReq is an outstanding request and the seat it was sent to. Replies
// from any other connection are dropped.
type pendingReq struct {
	owner *seat
	ch    chan reply
}

type seat struct {
	info SeatInfo
	name string
	out  chan []byte
	done chan struct{}
}

type reply struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Response  json.RawMessage `json:"response"`
	Code      string          `json:"code"`
	Message   string          `json:"message"`
}

func NewServer(cfg Config, logger *log.Logger) *Server {
	s := &Server{
		cfg: cfg,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		seats:   map[string]*seat{},
		pending: map[string]pendingReq{},
	}
	return s
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		st := s.handshake(conn)
		if st == nil {
			return
		}
		defer s.release(st)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		go func() {
			ping := time.NewTicker(20 * time.Second)
			defer ping.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ping.C:
					if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
						cancel()
						return
					}
				case b := <-st.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		})

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			var rp reply
			if err := json.Unmarshal(msg, &rp); err != nil || rp.RequestID == "" {
				continue
			}
			switch rp.Type {
			case protocol.TypeDecision, protocol.TypeBelief, protocol.TypeError:
				s.deliver(st, rp)
			}
		}
	}
}

func (s *Server) handshake(conn *websocket.Conn) *seat {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closePolicy(conn, "expected HELLO")
		return nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return nil
	}
	if hello.ProtocolVersion != protocol.Version {
		closePolicy(conn, "bad protocol_version")
		return nil
	}
	if s.cfg.Token != "" && (hello.Auth == nil || strings.TrimSpace(hello.Auth.Token) != s.cfg.Token) {
		closePolicy(conn, "bad token")
		return nil
	}
	if hello.AgentName == "" {
		hello.AgentName = "agent"
	}

	st, code := s.claim(strings.TrimSpace(hello.AgentID), hello.AgentName)
	if st == nil {
		_ = writeJSON(conn, protocol.ErrorMsg{
			Type:            protocol.TypeError,
			ProtocolVersion: protocol.Version,
			Code:            code,
			Message:         "no seat available",
		})
		closePolicy(conn, code)
		return nil
	}

	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       s.cfg.SessionID,
		AgentID:         st.info.AgentID,
		Personality:     st.info.Personality,
		Params:          s.cfg.Params,
		CatalogDigest:   s.cfg.CatalogDigest,
	}
	if err := writeJSON(conn, welcome); err != nil {
		s.release(st)
		return nil
	}
	if s.log != nil {
		s.log.Printf("seat %s taken by %q", st.info.AgentID, st.name)
	}
	return st
}

// claim takes the requested seat, or the first free one when none is requested.
func (s *Server) claim(want, name string) (*seat, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pick := func(info SeatInfo) *seat {
		st := &seat{info: info, name: name, out: make(chan []byte, 8), done: make(chan struct{})}
		s.seats[info.AgentID] = st
		return st
	}
	if want != "" {
		for _, info := range s.cfg.Seats {
			if info.AgentID != want {
				continue
			}
			if _, taken := s.seats[want]; taken {
				return nil, protocol.ErrSeatTaken
			}
			return pick(info), ""
		}
		return nil, protocol.ErrNoSeat
	}
	for _, info := range s.cfg.Seats {
		if _, taken := s.seats[info.AgentID]; !taken {
			return pick(info), ""
		}
	}
	return nil, protocol.ErrNoSeat
}

func (s *Server) release(st *seat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.seats[st.info.AgentID]; ok && cur == st {
		delete(s.seats, st.info.AgentID)
		close(st.done)
		if s.log != nil {
			s.log.Printf("seat %s released", st.info.AgentID)
		}
	}
}

func (s *Server) deliver(from *seat, rp reply) {
	s.mu.Lock()
	p, ok := s.pending[rp.RequestID]
	s.mu.Unlock()
	if !ok {
		return
	}
	if p.owner != from {
		if s.log != nil {
			s.log.Printf("seat %s answered request %s owned by %s; dropped", from.info.AgentID, rp.RequestID, p.owner.info.AgentID)
		}
		return
	}
	select {
	case p.ch <- rp:
	default:
	}
}

// Connected reports whether an agent currently holds the seat.
func (s *Server) Connected(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seats[agentID]
	return ok
}

// Decide sends DECIDE to the seat holder and returns the raw response object.
func (s *Server) Decide(ctx context.Context, req protocol.DecisionContext) (json.RawMessage, error) {
	rid := uuid.NewString()
	return s.request(ctx, req.AgentID, rid, protocol.TypeDecision, protocol.DecideMsg{
		Type:            protocol.TypeDecide,
		ProtocolVersion: protocol.Version,
		RequestID:       rid,
		Context:         req,
	})
}

// Reflect sends REFLECT to the seat holder and returns the raw response object.
func (s *Server) Reflect(ctx context.Context, req protocol.ReflectContext) (json.RawMessage, error) {
	rid := uuid.NewString()
	return s.request(ctx, req.AgentID, rid, protocol.TypeBelief, protocol.ReflectMsg{
		Type:            protocol.TypeReflect,
		ProtocolVersion: protocol.Version,
		RequestID:       rid,
		Context:         req,
	})
}

func (s *Server) request(ctx context.Context, agentID, rid, wantType string, msg any) (json.RawMessage, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	ch := make(chan reply, 1)
	s.mu.Lock()
	st, ok := s.seats[agentID]
	if ok {
		s.pending[rid] = pendingReq{owner: st, ch: ch}
	}
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", agentID, ErrNoSeat)
	}
	defer func() {
		s.mu.Lock()
		delete(s.pending, rid)
		s.mu.Unlock()
	}()

	select {
	case st.out <- b:
	case <-st.done:
		return nil, fmt.Errorf("%s: %w", agentID, ErrDisconnected)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case rp := <-ch:
		if rp.Type == protocol.TypeError {
			return nil, &RemoteError{Code: rp.Code, Message: rp.Message}
		}
		if rp.Type != wantType {
			return nil, &RemoteError{Code: protocol.ErrProtoBadRequest, Message: "unexpected reply " + rp.Type}
		}
		return rp.Response, nil
	case <-st.done:
		return nil, fmt.Errorf("%s: %w", agentID, ErrDisconnected)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// End tells every connected agent the session is over.
func (s *Server) End(status string) {
	b, _ := json.Marshal(protocol.SessionEndMsg{
		Type:            protocol.TypeEnd,
		ProtocolVersion: protocol.Version,
		SessionID:       s.cfg.SessionID,
		Status:          status,
	})
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.seats {
		select {
		case st.out <- b:
		default:
		}
	}
}

func closePolicy(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
