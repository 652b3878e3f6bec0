// Package server exposes the tracking engine over loopback HTTP: a REST
// surface for session control and a websocket push channel for live events.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentlens/backend/internal/backend"
	"github.com/agentlens/backend/internal/config"
	"github.com/agentlens/backend/internal/hub"
	"github.com/agentlens/backend/internal/permissions"
	"github.com/agentlens/backend/internal/procscan"
	"github.com/agentlens/backend/internal/registry"
	"github.com/agentlens/backend/internal/summary"
	"github.com/agentlens/backend/internal/supervisor"
)

type Server struct {
	Config      *config.Config
	Registry    *registry.Registry
	Backends    *backend.Multi
	Hub         *hub.Hub
	Supervisor  *supervisor.Supervisor
	Summarizer  *summary.Summarizer
	AllowedDirs *permissions.AllowedDirs
	Scanner     *procscan.Scanner

	startedAt time.Time
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	s.startedAt = time.Now()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/sessions", s.handleSessions)
	mux.HandleFunc("/sessions/new", s.handleNewSession)
	mux.HandleFunc("/sessions/grant-permission-new", s.handleGrantPermissionNew)
	mux.HandleFunc("/sessions/", s.handleSessionRoutes)
	mux.HandleFunc("/backends", s.handleBackends)
	mux.HandleFunc("/backends/", s.handleBackendRoutes)
	mux.HandleFunc("/allow-directory", s.handleAllowDirectory)
	mux.HandleFunc("/send-enabled", s.handleSendEnabled)
	mux.HandleFunc("/fork-enabled", s.handleForkEnabled)
	mux.HandleFunc("/default-send-backend", s.handleDefaultSendBackend)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"service": "agentlens"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"sessions":       s.Registry.Count(),
		"clients":        s.Hub.ClientCount(),
	})
}

// handleEvents upgrades to the push channel. Before the client joins the
// broadcast set it gets a catchup: the full session list written directly on
// the connection, finished with a catchup_complete marker. A catchup that
// cannot complete within the budget tells the client to reinitialize.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[server] upgrade: %v", err)
		return
	}

	views := make([]hub.SessionView, 0, s.Registry.Count())
	for _, sess := range s.Registry.List() {
		views = append(views, hub.NewSessionView(sess))
	}

	budget := s.Config.CatchupBudget
	if budget <= 0 {
		budget = 30 * time.Second
	}
	_ = conn.SetWriteDeadline(time.Now().Add(budget))
	if err := writeEvent(conn, hub.Event{Name: hub.EvSessions, Data: views}); err != nil {
		// The catchup deadline may already be expired; the reinitialize
		// frame needs a fresh one to stand a chance of arriving.
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		_ = writeEvent(conn, hub.Event{Name: hub.EvReinitialize})
		conn.Close()
		return
	}
	if err := writeEvent(conn, hub.Event{Name: hub.EvCatchupComplete}); err != nil {
		conn.Close()
		return
	}
	_ = conn.SetWriteDeadline(time.Time{})

	log.Printf("[server] client connected: %s", r.RemoteAddr)
	c := s.Hub.AddClient(conn)

	// Drain the read side; clients never send, but the read loop surfaces
	// disconnects.
	go func() {
		defer func() {
			s.Hub.RemoveClient(c)
			log.Printf("[server] client disconnected: %s", r.RemoteAddr)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func writeEvent(conn *websocket.Conn, ev hub.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// checkOrigin accepts same-host and loopback origins only; the server binds
// loopback and must not be driven by arbitrary web pages.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	host := parsed.Hostname()
	return parsed.Host == r.Host || host == "localhost" || host == "127.0.0.1" || host == "::1"
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	views := make([]hub.SessionView, 0, s.Registry.Count())
	for _, sess := range s.Registry.List() {
		views = append(views, hub.NewSessionView(sess))
	}
	writeJSON(w, http.StatusOK, views)
}

// handleSessionRoutes parses /sessions/{id}/{action}.
func (s *Server) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/sessions/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	sessionID, err := url.PathUnescape(parts[0])
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	switch parts[1] {
	case "status":
		s.handleStatus(w, r, sessionID)
	case "messages":
		s.handleMessages(w, r, sessionID)
	case "send":
		s.handleSend(w, r, sessionID)
	case "fork":
		s.handleFork(w, r, sessionID)
	case "interrupt":
		s.handleInterrupt(w, r, sessionID)
	case "summarize":
		s.handleSummarize(w, r, sessionID)
	case "grant-permission":
		s.handleGrantPermission(w, r, sessionID)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, sessionID string) {
	sess, ok := s.Registry.Get(sessionID)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	p := hub.StatusPayload{
		SessionID:      sess.ID,
		Running:        sess.Running(),
		QueuedMessages: sess.QueueLen(),
		Waiting:        sess.Waiting(),
	}
	if !p.Running && s.Scanner != nil && sess.Meta != nil {
		p.ExternalPID = s.Scanner.PIDForProject(sess.Meta.ProjectPath)
		p.Running = p.ExternalPID != 0
	}
	writeJSON(w, http.StatusOK, p)
}

// handleMessages replays the full transcript. Live updates flow over the
// push channel; this is the explicit history read.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, sessionID string) {
	sess, ok := s.Registry.Get(sessionID)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	msgs, err := sess.Tailer.ReadAll()
	if err != nil {
		http.Error(w, fmt.Sprintf("read transcript: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type sendRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		http.Error(w, "message required", http.StatusBadRequest)
		return
	}

	res, err := s.Supervisor.Send(sessionID, req.Message)
	if err != nil {
		s.writeSupervisorError(w, err)
		return
	}
	writeSendResult(w, res)
}

// writeSendResult renders the send outcome: {"status":"sent"} or
// {"status":"queued","queue_position":N}.
func writeSendResult(w http.ResponseWriter, res *supervisor.SendResult) {
	if res.Queued {
		writeJSON(w, http.StatusOK, map[string]any{"status": "queued", "queue_position": res.Position})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) handleFork(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		http.Error(w, "message required", http.StatusBadRequest)
		return
	}

	if err := s.Supervisor.Fork(sessionID, req.Message); err != nil {
		s.writeSupervisorError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.Supervisor.Interrupt(sessionID); err != nil {
		s.writeSupervisorError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSummarize(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, ok := s.Registry.Get(sessionID)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	go func() {
		if err := s.Summarizer.Summarize(sess, ""); err != nil {
			log.Printf("[server] summarize %s: %v", sessionID, err)
		}
	}()
	w.WriteHeader(http.StatusAccepted)
}

type grantRequest struct {
	Rules   []string `json:"rules"`
	Resend  bool     `json:"resend"`
	Message string   `json:"message"`
}

// handleGrantPermission writes allow rules into the session's project
// settings, optionally resending the message whose run was denied.
func (s *Server) handleGrantPermission(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, ok := s.Registry.Get(sessionID)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Rules) == 0 {
		http.Error(w, "rules required", http.StatusBadRequest)
		return
	}
	if sess.Meta == nil || sess.Meta.ProjectPath == "" {
		http.Error(w, "session has no project path", http.StatusConflict)
		return
	}

	if err := permissions.ApplyGrants(sess.Meta.ProjectPath, req.Rules); err != nil {
		http.Error(w, fmt.Sprintf("apply grants: %v", err), http.StatusInternalServerError)
		return
	}
	log.Printf("[server] granted %d rule(s) for %s", len(req.Rules), sessionID)

	if req.Resend && strings.TrimSpace(req.Message) != "" {
		res, err := s.Supervisor.Send(sessionID, req.Message)
		if err != nil {
			s.writeSupervisorError(w, err)
			return
		}
		writeSendResult(w, res)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type newSessionRequest struct {
	Backend string `json:"backend"`
	Cwd     string `json:"cwd"`
	Message string `json:"message"`
}

func (s *Server) handleNewSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req newSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Message) == "" || req.Cwd == "" {
		http.Error(w, "cwd and message required", http.StatusBadRequest)
		return
	}

	res, err := s.Supervisor.NewSession(req.Backend, req.Cwd, req.Message)
	if err != nil {
		s.writeSupervisorError(w, err)
		return
	}
	if len(res.Denials) > 0 {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "permission_denied",
			"session_id": res.SessionID,
			"denials":    res.Denials,
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "session_id": res.SessionID})
}

type grantNewRequest struct {
	Cwd     string   `json:"cwd"`
	Rules   []string `json:"rules"`
	Resend  bool     `json:"resend"`
	Message string   `json:"message"`
}

// handleGrantPermissionNew is the grant path for a denial during session
// creation: the session the run created is located by cwd instead of by ID,
// so granting does not spawn a second session.
func (s *Server) handleGrantPermissionNew(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req grantNewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Rules) == 0 || req.Cwd == "" {
		http.Error(w, "cwd and rules required", http.StatusBadRequest)
		return
	}

	if err := permissions.ApplyGrants(req.Cwd, req.Rules); err != nil {
		http.Error(w, fmt.Sprintf("apply grants: %v", err), http.StatusInternalServerError)
		return
	}
	log.Printf("[server] granted %d rule(s) for new session in %s", len(req.Rules), req.Cwd)

	if !req.Resend || strings.TrimSpace(req.Message) == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// The registry lists newest-first, so the first cwd match is the session
	// the denied run just created.
	for _, sess := range s.Registry.List() {
		if sess.Meta == nil || sess.Meta.ProjectPath != req.Cwd {
			continue
		}
		res, err := s.Supervisor.Send(sess.ID, req.Message)
		if err != nil {
			s.writeSupervisorError(w, err)
			return
		}
		writeSendResult(w, res)
		return
	}
	http.Error(w, "no session found for cwd", http.StatusNotFound)
}

type allowDirRequest struct {
	Directory string `json:"directory"`
}

func (s *Server) handleAllowDirectory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req allowDirRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Directory == "" {
		http.Error(w, "directory required", http.StatusBadRequest)
		return
	}
	if err := s.AllowedDirs.Add(req.Directory); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"allowed_directories": s.AllowedDirs.List()})
}

type backendView struct {
	Name         string `json:"name"`
	Available    bool   `json:"available"`
	InstallHint  string `json:"install_hint,omitempty"`
	SupportsFork bool   `json:"supports_fork"`
}

func (s *Server) handleBackends(w http.ResponseWriter, r *http.Request) {
	views := make([]backendView, 0, len(s.Backends.Backends()))
	for _, b := range s.Backends.Backends() {
		v := backendView{
			Name:         b.Name(),
			Available:    b.CLIAvailable(),
			SupportsFork: b.SupportsFork(),
		}
		if !v.Available {
			v.InstallHint = b.InstallHint()
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

// handleBackendRoutes parses /backends/{name}/models.
func (s *Server) handleBackendRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/backends/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[1] != "models" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	b, ok := s.Backends.ByName(parts[0])
	if !ok {
		http.Error(w, "unknown backend", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, b.Models())
}

func (s *Server) handleSendEnabled(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.Config.SendEnabled})
}

func (s *Server) handleForkEnabled(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.Config.ForkEnabled})
}

func (s *Server) handleDefaultSendBackend(w http.ResponseWriter, r *http.Request) {
	name := ""
	if b := s.Backends.Default(); b != nil {
		name = b.Name()
	}
	writeJSON(w, http.StatusOK, map[string]string{"backend": name})
}

// writeSupervisorError maps supervisor sentinels onto HTTP status codes.
func (s *Server) writeSupervisorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, supervisor.ErrSendDisabled), errors.Is(err, supervisor.ErrForkDisabled):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, supervisor.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, supervisor.ErrForkUnsupported):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, supervisor.ErrCLIUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// ListenAndServe binds the configured loopback address and serves mux.
func ListenAndServe(host string, port int, mux *http.ServeMux) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	log.Printf("[server] listening on http://%s", addr)
	return http.ListenAndServe(addr, mux)
}
