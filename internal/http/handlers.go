// Package httpapi is the presentation shell boundary: REST intents, the
// live session WebSocket, location ingestion, health and metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/driver-dispatch/internal/dispatch"
	"github.com/example/driver-dispatch/internal/geo"
	"github.com/example/driver-dispatch/internal/lifecycle"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/storage"
)

var ErrUnknownIntent = errors.New("unknown intent")

// ReadyCheck reports whether a dependency is reachable.
type ReadyCheck func(ctx context.Context) error

type Server struct {
	Machine *lifecycle.Machine
	Tracker *geo.Tracker
	WSReg   *dispatch.WSRegistry
	Ready   map[string]ReadyCheck

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(m *lifecycle.Machine, tracker *geo.Tracker, ws *dispatch.WSRegistry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Machine: m,
		Tracker: tracker,
		WSReg:   ws,
		Ready:   make(map[string]ReadyCheck),
		logger:  logger,
		mux:     mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	if ws != nil {
		ws.SetInbound(s)
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/session", s.handleSession).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/v1/session/online", s.handleToggleOnline).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/ride/{intent}", s.handleIntent).Methods(http.MethodPost)
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type intentResponse struct {
	OK      bool            `json:"ok"`
	Error   string          `json:"error,omitempty"`
	Online  *bool           `json:"online,omitempty"`
	Session models.Snapshot `json:"session"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Machine.Snapshot())
}

func (s *Server) handleToggleOnline(w http.ResponseWriter, r *http.Request) {
	online, err := s.Machine.ToggleOnline(r.Context())
	s.respond(w, r, err, &online)
}

type intentBody struct {
	Stars int `json:"stars"`
}

func (s *Server) handleIntent(w http.ResponseWriter, r *http.Request) {
	intent := parseIntent(mux.Vars(r)["intent"])
	var body intentBody
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	err := s.HandleIntent(r.Context(), dispatch.IntentRequest{Intent: intent, Stars: body.Stars})
	s.respond(w, r, err, nil)
}

func parseIntent(v string) models.Intent {
	return models.Intent(strings.ReplaceAll(strings.ToLower(v), "-", "_"))
}

// HandleIntent routes a driver action to the machine. It serves both the
// REST routes and the WebSocket.
func (s *Server) HandleIntent(ctx context.Context, req dispatch.IntentRequest) error {
	m := s.Machine
	switch req.Intent {
	case models.IntentAccept:
		return m.Accept(ctx)
	case models.IntentDecline:
		return m.Decline(ctx)
	case models.IntentArrived:
		return m.Arrived(ctx)
	case models.IntentStart:
		return m.Start(ctx)
	case models.IntentComplete:
		return m.Complete(ctx)
	case models.IntentCancel:
		return m.Cancel(ctx)
	case models.IntentPayment:
		return m.ConfirmPayment(ctx)
	case models.IntentRating:
		return m.Rate(ctx, req.Stars)
	case models.IntentSkipRating:
		return m.SkipRating(ctx)
	case models.IntentToggle:
		_, err := m.ToggleOnline(ctx)
		return err
	}
	return ErrUnknownIntent
}

// HandleLocation records a device fix and lets the machine react to it.
func (s *Server) HandleLocation(ctx context.Context, p models.Position) {
	if s.Tracker != nil {
		s.Tracker.Update(ctx, p)
	}
	s.Machine.OnLocation(ctx, p)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var p models.Position
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if p.Lat < -90 || p.Lat > 90 || p.Lon < -180 || p.Lon > 180 {
		http.Error(w, "coordinate out of range", 400)
		return
	}
	s.HandleLocation(r.Context(), p)
	w.WriteHeader(204)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	failed := map[string]string{}
	for name, check := range s.Ready {
		if err := check(r.Context()); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, failed)
		return
	}
	w.WriteHeader(200)
	_, _ = w.Write([]byte("ready"))
}

var upgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.WSReg == nil {
		http.Error(w, "websocket disabled", http.StatusNotFound)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.WSReg.Add(conn)
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, err error, online *bool) {
	resp := intentResponse{OK: err == nil, Online: online, Session: s.Machine.Snapshot()}
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		status = StatusFor(err)
		if status >= 500 {
			s.logger.Error("intent failed", "path", r.URL.Path, "error", err, "request_id", requestIDFromContext(r.Context()))
		}
	}
	writeJSON(w, status, resp)
}

// StatusFor maps machine errors onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnknownIntent):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrGatingViolation):
		return http.StatusForbidden
	case errors.Is(err, lifecycle.ErrIntentPending):
		return http.StatusAccepted
	case errors.Is(err, lifecycle.ErrInvalidRating):
		return http.StatusBadRequest
	case errors.Is(err, lifecycle.ErrRaceLost),
		errors.Is(err, lifecycle.ErrInvalidPhase),
		errors.Is(err, lifecycle.ErrNoActiveRide),
		errors.Is(err, lifecycle.ErrSuperseded),
		errors.Is(err, lifecycle.ErrCancelRejected),
		errors.Is(err, lifecycle.ErrPaymentRequired),
		errors.Is(err, storage.ErrStatusConflict):
		return http.StatusConflict
	}
	return http.StatusBadGateway
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
