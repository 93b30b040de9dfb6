package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/observability"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 2048
	sendBuffer     = 64
)

// Envelope is the frame format in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// IntentRequest is a driver action routed from the shell.
type IntentRequest struct {
	Intent models.Intent `json:"intent"`
	Stars  int           `json:"stars,omitempty"`
}

// IntentResult answers an intent sent over the socket.
type IntentResult struct {
	Intent models.Intent `json:"intent"`
	OK     bool          `json:"ok"`
	Error  string        `json:"error,omitempty"`
}

// Inbound executes what the shell sends.
type Inbound interface {
	HandleIntent(ctx context.Context, req IntentRequest) error
	HandleLocation(ctx context.Context, p models.Position)
}

// WSSession is one connected shell.
type WSSession struct {
	conn *websocket.Conn
	reg  *WSRegistry
	send chan []byte
	once sync.Once
}

// WSRegistry fans session snapshots and notices out to every connected
// shell and feeds their intents back in. It implements lifecycle.Observer.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[*WSSession]struct{}
	last     []byte
	inbound  Inbound
	logger   *slog.Logger
}

func NewWSRegistry(inbound Inbound, logger *slog.Logger) *WSRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSRegistry{sessions: make(map[*WSSession]struct{}), inbound: inbound, logger: logger}
}

// SetInbound installs the intent handler; used when the handler is built
// after the registry.
func (r *WSRegistry) SetInbound(in Inbound) {
	r.mu.Lock()
	r.inbound = in
	r.mu.Unlock()
}

// Add registers conn and starts its pumps. The latest snapshot is sent
// first so a reconnecting shell renders immediately.
func (r *WSRegistry) Add(conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn, reg: r, send: make(chan []byte, sendBuffer)}
	r.mu.Lock()
	r.sessions[s] = struct{}{}
	if r.last != nil {
		s.send <- r.last
	}
	n := len(r.sessions)
	r.mu.Unlock()
	observability.ShellSessions.Set(float64(n))
	r.logger.Info("shell connected", "sessions", n)

	go s.writePump()
	go s.readPump()
	return s
}

func (r *WSRegistry) remove(s *WSSession) {
	r.mu.Lock()
	_, ok := r.sessions[s]
	delete(r.sessions, s)
	n := len(r.sessions)
	r.mu.Unlock()
	if ok {
		s.close()
		observability.ShellSessions.Set(float64(n))
		r.logger.Info("shell disconnected", "sessions", n)
	}
}

func (r *WSRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *WSRegistry) SessionChanged(s models.Snapshot) {
	b, err := frame("session", s)
	if err != nil {
		r.logger.Error("encode snapshot", "error", err)
		return
	}
	r.mu.Lock()
	r.last = b
	r.mu.Unlock()
	r.broadcast(b)
}

func (r *WSRegistry) Notice(n models.Notice) {
	b, err := frame("notice", n)
	if err != nil {
		r.logger.Error("encode notice", "error", err)
		return
	}
	r.broadcast(b)
}

// broadcast never blocks the caller: a session whose buffer is full is
// dropped and can reconnect.
func (r *WSRegistry) broadcast(b []byte) {
	var slow []*WSSession
	r.mu.RLock()
	for s := range r.sessions {
		select {
		case s.send <- b:
		default:
			slow = append(slow, s)
		}
	}
	r.mu.RUnlock()
	for _, s := range slow {
		r.logger.Warn("dropping slow shell session")
		r.remove(s)
	}
}

func frame(typ string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: typ, Data: data})
}

func (s *WSSession) close() {
	s.once.Do(func() { close(s.send) })
}

func (s *WSSession) reply(typ string, v any) {
	b, err := frame(typ, v)
	if err != nil {
		return
	}
	s.reg.mu.RLock()
	_, live := s.reg.sessions[s]
	if live {
		select {
		case s.send <- b:
		default:
		}
	}
	s.reg.mu.RUnlock()
}

func (s *WSSession) readPump() {
	defer func() {
		s.reg.remove(s)
		_ = s.conn.Close()
	}()
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.reg.logger.Warn("shell read error", "error", err)
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.reg.logger.Warn("invalid shell message", "error", err)
			continue
		}
		s.handle(env)
	}
}

func (s *WSSession) handle(env Envelope) {
	s.reg.mu.RLock()
	in := s.reg.inbound
	s.reg.mu.RUnlock()

	switch env.Type {
	case "ping":
		s.reply("pong", map[string]string{"timestamp": time.Now().Format(time.RFC3339)})
	case "intent":
		var req IntentRequest
		if err := json.Unmarshal(env.Data, &req); err != nil || req.Intent == "" {
			s.reply("intent_result", IntentResult{Intent: req.Intent, Error: "malformed intent"})
			return
		}
		if in == nil {
			return
		}
		// intents may block on backend calls; keep reading meanwhile
		go func() {
			res := IntentResult{Intent: req.Intent, OK: true}
			if err := in.HandleIntent(context.Background(), req); err != nil {
				res.OK = false
				res.Error = err.Error()
			}
			s.reply("intent_result", res)
		}()
	case "location_update":
		var p models.Position
		if err := json.Unmarshal(env.Data, &p); err != nil {
			s.reg.logger.Warn("invalid location update", "error", err)
			return
		}
		if in != nil {
			in.HandleLocation(context.Background(), p)
		}
	default:
		s.reg.logger.Debug("ignoring shell message", "type", env.Type)
	}
}

func (s *WSSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
