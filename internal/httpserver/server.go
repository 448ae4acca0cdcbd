package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/gazecap/gazecapd/internal/api"
	"github.com/gazecap/gazecapd/internal/bus"
	"github.com/gazecap/gazecapd/internal/config"
	"github.com/gazecap/gazecapd/internal/pubhub"
	"github.com/gazecap/gazecapd/internal/session"
	"github.com/gazecap/gazecapd/internal/sink"
	"github.com/gazecap/gazecapd/internal/version"
)

const readHeaderTimeout = 5 * time.Second

// SinkFactory builds a sink from a validated preset. The application wires
// one in so the server stays ignorant of sink construction details.
type SinkFactory func(preset config.SinkPreset) (sink.Sink, error)

// Server wraps the HTTP surface area of the application.
type Server struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	session     *session.Manager
	hub         *pubhub.Hub
	sinkFactory SinkFactory

	maxWSClients int64
	wsActive     atomic.Int64
	wsTotal      atomic.Uint64
	wsRejected   atomic.Uint64
	wsSent       atomic.Uint64
	wsConnIDs    atomic.Uint64
	requestIDs   atomic.Uint64
}

// New assembles a Server with its handlers.
func New(cfg config.Config, logger *slog.Logger, mgr *session.Manager, hub *pubhub.Hub, factory SinkFactory) *Server {
	s := &Server{
		cfg:         cfg,
		logger:      logger,
		session:     mgr,
		hub:         hub,
		sinkFactory: factory,
	}

	if cfg.WS.MaxClients > 0 {
		s.maxWSClients = int64(cfg.WS.MaxClients)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/api/session", s.handleSession)
	mux.HandleFunc("/api/session/start", s.handleSessionStart)
	mux.HandleFunc("/api/session/stop", s.handleSessionStop)
	mux.HandleFunc("/api/session/capture", s.handleSessionCapture)
	mux.HandleFunc("/api/calibration", s.handleCalibration)
	mux.HandleFunc("/api/display-area", s.handleDisplayArea)
	mux.HandleFunc("/api/sinks", s.handleSinks)
	mux.HandleFunc("/api/sinks/", s.handleSinkByID)
	mux.HandleFunc("/ws", s.handleWS)

	if cfg.EnablePrometheus {
		s.registerPrometheus(mux)
	}
	if cfg.EnablePprof {
		registerPprof(mux)
	}

	handler := s.withAccessLog(mux)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s
}

// Start begins serving HTTP until shutdown is requested.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("listener stopped")
	return nil
}

// Shutdown attempts a graceful shutdown within the supplied context.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the assembled handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	resp := s.readiness()
	statusCode := http.StatusOK
	if resp.Status != "ok" {
		statusCode = http.StatusServiceUnavailable
	}
	s.writeJSON(w, r, statusCode, resp)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	s.writeJSON(w, r, http.StatusOK, version.Current())
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	s.writeJSON(w, r, http.StatusOK, s.session.Status())
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	s.respondCommand(w, r, s.session.Start(r.Context()))
}

func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	s.respondCommand(w, r, s.session.Stop(r.Context()))
}

func (s *Server) handleSessionCapture(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	s.respondCommand(w, r, s.session.StartCapture(r.Context()))
}

func (s *Server) handleCalibration(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req api.CalibrateRequest
		// An empty body means the default target layout.
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			s.writeError(w, r, http.StatusBadRequest, fmt.Sprintf("invalid calibrate payload: %v", err))
			return
		}
		s.respondCommand(w, r, s.session.Calibrate(r.Context(), req.Points))
	case http.MethodDelete:
		s.session.AbortCalibration()
		s.writeJSON(w, r, http.StatusOK, s.session.Status())
	default:
		w.Header().Set("Allow", strings.Join([]string{http.MethodPost, http.MethodDelete}, ", "))
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleDisplayArea(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPut) {
		return
	}

	var req api.DisplayAreaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Sprintf("invalid display area payload: %v", err))
		return
	}
	if req.Area.WidthPx < 0 || req.Area.HeightPx < 0 {
		s.writeError(w, r, http.StatusBadRequest, "pixel dimensions must be >= 0")
		return
	}
	s.respondCommand(w, r, s.session.SetDisplayArea(r.Context(), req.Area))
}

func (s *Server) handleSinks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, r, http.StatusOK, s.session.Bus().Stats())
	case http.MethodPost:
		s.addSink(w, r)
	default:
		w.Header().Set("Allow", strings.Join([]string{http.MethodGet, http.MethodPost}, ", "))
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) addSink(w http.ResponseWriter, r *http.Request) {
	var req api.AddSinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Sprintf("invalid sink payload: %v", err))
		return
	}
	if err := req.Validate(); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	policy, err := bus.ParseDropPolicy(req.Policy)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	snk, err := s.sinkFactory(req.SinkPreset)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Sprintf("build sink %q: %v", req.ID, err))
		return
	}

	reg := bus.Registration{
		ID:       req.ID,
		Kind:     req.Kind,
		Capacity: req.Capacity,
		Policy:   policy,
	}
	if err := s.session.Bus().Add(reg, snk); err != nil {
		_ = snk.Close()
		s.writeError(w, r, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, r, http.StatusCreated, s.session.Bus().Stats())
}

func (s *Server) handleSinkByID(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodDelete) {
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/sinks/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	if err := s.session.Bus().Remove(id); err != nil {
		s.writeError(w, r, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// respondCommand maps session command errors to HTTP statuses and returns
// the fresh status on success.
func (s *Server) respondCommand(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case err == nil:
		s.writeJSON(w, r, http.StatusOK, s.session.Status())
	case errors.Is(err, session.ErrInvalidState), errors.Is(err, session.ErrStopped):
		s.writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, r, http.StatusServiceUnavailable, err.Error())
	default:
		s.writeError(w, r, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	reqLogger := s.requestLogger(r.Context())
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	if !s.reserveWS() {
		reqLogger.Warn("websocket rejected", "reason", "capacity")
		http.Error(w, "websocket capacity reached", http.StatusServiceUnavailable)
		return
	}
	defer s.releaseWS()

	opts := &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.cfg.AllowedOrigins),
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		reqLogger.Warn("websocket accept failed", "err", err)
		return
	}
	defer closeWS(reqLogger, conn)

	connID := s.wsConnIDs.Add(1)
	s.wsTotal.Add(1)
	logger := reqLogger.With("ws_id", connID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	hello := api.NewHelloMessage(s.session.SessionID(), sink.WireSchemaVersion, s.session.Status().Backend)
	if err := s.writeJSONFrame(ctx, conn, hello); err != nil {
		logger.Warn("failed to send hello", "err", err)
		return
	}

	// The hub already queues per subscriber with drop-oldest, so a slow
	// client sheds load there instead of stalling the publisher.
	samples, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	messageCh := make(chan []byte, 8)
	readErrCh := make(chan error, 1)
	go s.readMessages(ctx, conn, messageCh, readErrCh)

	for {
		select {
		case msg, ok := <-samples:
			if !ok {
				return
			}
			if err := s.writeRaw(ctx, conn, websocket.MessageBinary, msg); err != nil {
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					logger.Warn("websocket write failed", "err", err)
				}
				return
			}
			s.wsSent.Add(1)
		case data, ok := <-messageCh:
			if !ok {
				messageCh = nil
				continue
			}
			if err := s.handleClientMessage(ctx, conn, data, logger); err != nil {
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					logger.Warn("client message handling error", "err", err)
				}
				return
			}
		case err := <-readErrCh:
			if err != nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				logger.Warn("websocket read error", "err", err)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) readMessages(ctx context.Context, conn *websocket.Conn, out chan<- []byte, errCh chan<- error) {
	defer close(out)
	for {
		readCtx := ctx
		var cancel context.CancelFunc
		if s.cfg.WS.ReadTimeout > 0 {
			readCtx, cancel = context.WithTimeout(ctx, s.cfg.WS.ReadTimeout)
		}
		msgType, data, err := conn.Read(readCtx)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			errCh <- err
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		select {
		case out <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) handleClientMessage(ctx context.Context, conn *websocket.Conn, data []byte, logger *slog.Logger) error {
	var envelope api.ClientMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		logger.Debug("invalid client message", "err", err)
		return nil
	}

	switch envelope.Type {
	case "ping":
		return s.writeJSONFrame(ctx, conn, api.PongMessage{Type: "pong"})
	default:
		logger.Debug("unknown message type", "type", envelope.Type)
	}
	return nil
}

func (s *Server) writeJSONFrame(ctx context.Context, conn *websocket.Conn, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.writeRaw(ctx, conn, websocket.MessageText, data)
}

func (s *Server) writeRaw(ctx context.Context, conn *websocket.Conn, msgType websocket.MessageType, data []byte) error {
	writeCtx := ctx
	var cancel context.CancelFunc
	if s.cfg.WS.WriteTimeout > 0 {
		writeCtx, cancel = context.WithTimeout(ctx, s.cfg.WS.WriteTimeout)
	}
	if cancel != nil {
		defer cancel()
	}
	return conn.Write(writeCtx, msgType, data)
}

func (s *Server) reserveWS() bool {
	if s.maxWSClients <= 0 {
		s.wsActive.Add(1)
		return true
	}

	for {
		current := s.wsActive.Load()
		if current >= s.maxWSClients {
			s.wsRejected.Add(1)
			return false
		}
		if s.wsActive.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (s *Server) releaseWS() {
	s.wsActive.Add(-1)
}

func registerPprof(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

func originPatterns(origins []string) []string {
	for _, origin := range origins {
		if origin == "*" {
			return nil
		}
	}
	dst := make([]string, len(origins))
	copy(dst, origins)
	return dst
}

func (s *Server) readiness() readyResponse {
	resp := readyResponse{
		SessionState: s.session.State().String(),
	}

	switch s.session.State() {
	case session.Ready, session.Calibrating, session.Streaming:
		resp.Status = "ok"
	case session.Connecting:
		resp.Status = "initializing"
		resp.Reason = "connecting_to_backend"
	case session.Reconnecting:
		resp.Status = "degraded"
		resp.Reason = "reconnecting"
	case session.Stopped:
		resp.Status = "stopped"
		resp.Reason = "session_terminated"
	default:
		resp.Status = "initializing"
		resp.Reason = "session_not_started"
	}
	return resp
}

type readyResponse struct {
	Status       string `json:"status"`
	SessionState string `json:"session_state"`
	Reason       string `json:"reason,omitempty"`
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.requestLogger(r.Context()).Error("failed to encode response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	s.writeJSON(w, r, status, api.ErrorResponse{Error: msg})
}
