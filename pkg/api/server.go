package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/vibetunnel/core/pkg/session"
	"github.com/vibetunnel/core/pkg/stream"
)

// Server exposes session management and terminal streaming over HTTP.
type Server struct {
	manager  *session.Manager
	bus      *stream.Bus
	password string
	router   *mux.Router
	httpSrv  *http.Server
}

func NewServer(manager *session.Manager, bus *stream.Bus, password string) *Server {
	s := &Server{
		manager:  manager,
		bus:      bus,
		password: password,
		router:   mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.HandleFunc("/api/health", s.handleHealth).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/sessions", s.handleListSessions).Methods("GET")
	api.HandleFunc("/sessions", s.handleCreateSession).Methods("POST")
	api.HandleFunc("/sessions/{id}", s.handleGetSession).Methods("GET")
	api.HandleFunc("/sessions/{id}", s.handleStopSession).Methods("DELETE")
	api.HandleFunc("/sessions/{id}/cleanup", s.handleCleanupSession).Methods("DELETE")
	api.HandleFunc("/sessions/{id}/input", s.handleInput).Methods("POST")
	api.HandleFunc("/sessions/{id}/resize", s.handleResize).Methods("POST")
	api.HandleFunc("/sessions/{id}/signal", s.handleSignal).Methods("POST")
	api.HandleFunc("/sessions/{id}/stream", s.handleStream).Methods("GET")
	api.HandleFunc("/sessions/{id}/buffer", s.handleBuffer).Methods("GET")
	api.HandleFunc("/sessions/{id}/ws/buffer", s.handleBufferSocket).Methods("GET")
	api.HandleFunc("/cleanup-exited", s.handleCleanupExited).Methods("POST")
}

// Handler returns the HTTP handler, for serving over custom listeners.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe starts the server on addr.
func (s *Server) ListenAndServe(addr string) error {
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming endpoints hold the response open
	}
	log.Printf("[INFO] API server listening on %s", addr)
	return s.httpSrv.ListenAndServe()
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.password != "" {
			_, pass, ok := r.BasicAuth()
			if !ok || subtle.ConstantTimeCompare([]byte(pass), []byte(s.password)) != 1 {
				w.Header().Set("WWW-Authenticate", `Basic realm="vibetunnel"`)
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	infos, err := s.manager.ListSessions()
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

type createSessionRequest struct {
	Name       string            `json:"name"`
	Command    []string          `json:"command"`
	WorkingDir string            `json:"workingDir"`
	Env        map[string]string `json:"env"`
	Cols       int               `json:"cols"`
	Rows       int               `json:"rows"`
	Term       string            `json:"term"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sess, err := s.manager.CreateSession(session.Config{
		Name:    req.Name,
		Command: req.Command,
		Cwd:     req.WorkingDir,
		Env:     req.Env,
		Cols:    req.Cols,
		Rows:    req.Rows,
		Term:    req.Term,
	})
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess.Info())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.GetSession(mux.Vars(r)["id"])
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.StopSession(mux.Vars(r)["id"]); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleCleanupSession(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.CleanupSession(mux.Vars(r)["id"]); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleaned"})
}

func (s *Server) handleCleanupExited(w http.ResponseWriter, r *http.Request) {
	n, err := s.manager.CleanupExited()
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

type inputRequest struct {
	Text string `json:"text,omitempty"`
	Key  string `json:"key,omitempty"`
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req inputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var err error
	switch {
	case req.Key != "":
		err = s.manager.SendKey(id, req.Key)
	case req.Text != "":
		err = s.manager.SendText(id, req.Text)
	default:
		writeError(w, http.StatusBadRequest, "either text or key is required")
		return
	}
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

type resizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req resizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.manager.ResizeSession(id, req.Cols, req.Rows); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resized"})
}

type signalRequest struct {
	Signal int `json:"signal"`
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req signalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Signal <= 0 {
		writeError(w, http.StatusBadRequest, "signal number is required")
		return
	}
	if err := s.manager.SignalSession(id, syscall.Signal(req.Signal)); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "signaled"})
}

// handleBuffer serves the current terminal buffer as a binary snapshot.
func (s *Server) handleBuffer(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.bus.Snapshot(mux.Vars(r)["id"])
	if err != nil {
		writeSessionError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(snapshot)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeSessionError maps session error codes onto HTTP statuses.
func writeSessionError(w http.ResponseWriter, err error) {
	var se *session.SessionError
	if !errors.As(err, &se) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := http.StatusInternalServerError
	switch se.Code {
	case session.ErrNotFound:
		status = http.StatusNotFound
	case session.ErrAlreadyExited:
		status = http.StatusConflict
	case session.ErrResizeDisabled, session.ErrSpawnDisabled:
		status = http.StatusForbidden
	case session.ErrUnknownKey, session.ErrInvalidInput:
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{
		"error": se.Message,
		"code":  string(se.Code),
	})
}
