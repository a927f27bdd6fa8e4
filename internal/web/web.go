package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"howbehind/internal/behind"
	"howbehind/internal/config"
	"howbehind/internal/ics"
	"howbehind/internal/identity"
	appLog "howbehind/internal/log"
	"howbehind/internal/metrics"
	"howbehind/internal/model"
	"howbehind/internal/reconcile"
	"howbehind/internal/tracker"
)

const (
	userHeader = "X-User-ID"

	maxBodyBytes = 1 << 20

	streamPingInterval = 30 * time.Second
	streamWriteTimeout = 10 * time.Second
	streamReadTimeout  = 2 * streamPingInterval
)

// Server exposes the tracker over a JSON API and a websocket stream.
type Server struct {
	cfg *config.Config
	svc *tracker.Service
	ids *identity.Local
	mux *http.ServeMux
	loc *time.Location

	upgrader     websocket.Upgrader
	pingInterval time.Duration
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, svc *tracker.Service, ids *identity.Local) *Server {
	s := &Server{
		cfg: cfg,
		svc: svc,
		ids: ids,
		mux: http.NewServeMux(),
		loc: resolveLocationOrLocal(cfg),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		pingInterval: streamPingInterval,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health and /metrics with
// HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="howbehind", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// StartServer serves the API on cfg.Listen until ctx is cancelled, then
// shuts down gracefully.
func StartServer(ctx context.Context, cfg *config.Config, svc *tracker.Service, ids *identity.Local) error {
	s := NewServer(cfg, svc, ids)
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+cfg.Listen)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	appLog.Info("shutting down HTTP server")
	return httpServer.Shutdown(shutdownCtx)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", metrics.Handler())

	s.mux.HandleFunc("GET /api/summary", s.withUser(s.handleSummary))
	s.mux.HandleFunc("POST /api/refresh", s.withUser(s.handleRefresh))
	s.mux.HandleFunc("POST /api/done", s.withUser(s.handleDone))
	s.mux.HandleFunc("POST /api/undone", s.withUser(s.handleUndone))
	s.mux.HandleFunc("PUT /api/feed", s.withUser(s.handleFeed))
	s.mux.HandleFunc("PUT /api/breaks", s.withUser(s.handleBreaks))
	s.mux.HandleFunc("GET /api/others", s.withUser(s.handleOthers))
	s.mux.HandleFunc("GET /api/export", s.withUser(s.handleExport))
	s.mux.HandleFunc("POST /api/import", s.withUser(s.handleImport))
	s.mux.HandleFunc("GET /api/stream", s.withUser(s.handleStream))

	s.mux.HandleFunc("POST /api/identity/anonymous", s.handleNewAnonymous)
	s.mux.HandleFunc("POST /api/identity/upgrade", s.withUser(s.handleUpgrade))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type userHandler func(w http.ResponseWriter, r *http.Request, user identity.Identity)

// withUser resolves the caller from the X-User-ID header, or the user query
// parameter for clients that cannot set headers (websockets).
func (s *Server) withUser(h userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(userHeader))
		if id == "" {
			id = strings.TrimSpace(r.URL.Query().Get("user"))
		}
		if id == "" {
			writeError(w, http.StatusUnauthorized, "missing user id")
			return
		}
		user, err := s.ids.Parse(id)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h(w, r, user)
	}
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request, user identity.Identity) {
	snap, err := s.svc.Summary(r.Context(), user.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request, user identity.Identity) {
	out, err := s.svc.Refresh(r.Context(), user.ID)
	if err != nil && !errors.Is(err, ics.ErrUnavailable) {
		writeServiceError(w, err)
		return
	}
	// An unreachable feed is reported in the body; the previous state is
	// still valid.
	writeJSON(w, http.StatusOK, out)
}

type sessionRequest struct {
	ID string `json:"id"`
}

func (s *Server) handleDone(w http.ResponseWriter, r *http.Request, user identity.Identity) {
	var req sessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "missing session id")
		return
	}
	snap, err := s.svc.MarkDone(r.Context(), user.ID, req.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleUndone(w http.ResponseWriter, r *http.Request, user identity.Identity) {
	var req sessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "missing session id")
		return
	}
	snap, err := s.svc.MarkNotDoneByID(r.Context(), user.ID, req.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type feedRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request, user identity.Identity) {
	var req feedRequest
	if !decodeBody(w, r, &req) {
		return
	}
	snap, err := s.svc.SetFeedURL(r.Context(), user.ID, strings.TrimSpace(req.URL))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type breaksRequest struct {
	Weeks []string `json:"weeks"`
}

func (s *Server) handleBreaks(w http.ResponseWriter, r *http.Request, user identity.Identity) {
	var req breaksRequest
	if !decodeBody(w, r, &req) {
		return
	}
	snap, err := s.svc.SetBreakWeeks(r.Context(), user.ID, req.Weeks)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type othersResponse struct {
	Day     string              `json:"day"`
	Classes []behind.OtherClass `json:"classes"`
}

// handleOthers lists the day's classes that are not on the behind list.
//
// GET /api/others?day=2024-03-06
//   - day: date-only key in the configured timezone (default today)
func (s *Server) handleOthers(w http.ResponseWriter, r *http.Request, user identity.Identity) {
	day := r.URL.Query().Get("day")
	if day == "" {
		day = model.DayKey(time.Now(), s.loc)
	}
	classes, err := s.svc.OtherClasses(r.Context(), user.ID, day)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, othersResponse{Day: day, Classes: classes})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, user identity.Identity) {
	data, err := s.svc.Export(r.Context(), user.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="howbehind.json"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request, user identity.Identity) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "document too large")
		return
	}
	snap, err := s.svc.Import(r.Context(), user.ID, data)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleNewAnonymous(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusCreated, s.ids.NewAnonymous())
}

type upgradeRequest struct {
	Credential string `json:"credential"`
	// Keep decides a conflict: true merges the anonymous data into the
	// account, false discards it. Omitted means "ask me".
	Keep *bool `json:"keep,omitempty"`
}

type upgradeResponse struct {
	Identity identity.Identity `json:"identity"`
	Merged   bool              `json:"merged"`
}

type conflictResponse struct {
	Error    string             `json:"error"`
	Conflict *identity.Conflict `json:"conflict"`
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request, user identity.Identity) {
	var req upgradeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	perm, conflict, err := s.ids.Upgrade(r.Context(), user, req.Credential)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	keep := true
	if conflict != nil {
		if req.Keep == nil {
			writeJSON(w, http.StatusConflict, conflictResponse{Error: "account already has data", Conflict: conflict})
			return
		}
		keep = *req.Keep
	}

	res, err := s.svc.Reconcile(r.Context(), reconcile.Request{
		IncomingID:  perm.ID,
		AnonymousID: user.ID,
		Keep:        keep,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, upgradeResponse{Identity: perm, Merged: res.Merged})
}

type streamMessage struct {
	Type      string           `json:"type"`
	Timestamp int64            `json:"timestamp"`
	Payload   tracker.Snapshot `json:"payload"`
}

// handleStream pushes a snapshot whenever the user's state changes. Client
// messages are ignored; reading only detects disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, user identity.Identity) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		appLog.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snaps, err := s.svc.Watch(ctx, user.ID)
	if err != nil {
		appLog.Error("stream watch failed", err, "user", user.ID)
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "unavailable"))
		return
	}

	metrics.StreamClients.Inc()
	defer metrics.StreamClients.Dec()
	appLog.Debug("stream client connected", "user", user.ID)

	go func() {
		defer cancel()
		_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					appLog.Debug("stream read error", "user", user.ID, "error", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case snap, ok := <-snaps:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			msg := streamMessage{Type: "SNAPSHOT", Timestamp: time.Now().Unix(), Payload: snap}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func resolveLocationOrLocal(cfg *config.Config) *time.Location {
	if cfg == nil || cfg.Timezone == "" {
		return time.Local
	}
	loc, err := cfg.Location()
	if err != nil {
		appLog.Error("failed to load timezone; falling back to local", err)
		return time.Local
	}
	return loc
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// writeServiceError maps domain errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, behind.ErrUnknownSession):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrInvalidProfile),
		errors.Is(err, reconcile.ErrSameIdentity),
		errors.Is(err, identity.ErrNotAnonymous),
		errors.Is(err, identity.ErrEmptyCredential):
		status = http.StatusBadRequest
	case errors.Is(err, ics.ErrUnavailable):
		status = http.StatusBadGateway
	case errors.Is(err, tracker.ErrClosed), errors.Is(err, context.Canceled):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		appLog.Error("request failed", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
