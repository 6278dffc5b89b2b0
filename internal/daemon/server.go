package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/KLOUTZINMODZ/zenithchat/internal/conversation"
	"github.com/KLOUTZINMODZ/zenithchat/internal/metrics"
)

// Server exposes the engine over a unix domain socket. The control CLI
// is the only intended client; the socket lives inside the profile dir
// with user-only permissions.
type Server struct {
	router     *mux.Router
	manager    *conversation.Manager
	log        *zap.Logger
	socketPath string
	profile    string
	httpSrv    *http.Server
}

func NewServer(socketPath, profile string, mgr *conversation.Manager, m *metrics.Metrics, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		router:     mux.NewRouter(),
		manager:    mgr,
		log:        log,
		socketPath: socketPath,
		profile:    profile,
	}

	s.router.HandleFunc("/v1/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/state", s.handleState).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/conversations/{id}/messages", s.handleMessages).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/conversations/{id}/send", s.handleSend).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/conversations/{id}/read", s.handleRead).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/conversations/{id}/typing", s.handleTyping).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/conversations/{id}/open", s.handleOpen).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/messages/{tempId}/retry", s.handleRetry).Methods(http.MethodPost)
	if m != nil {
		s.router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	}
	return s
}

// Start listens on the unix socket and serves until Shutdown. A stale
// socket from a crashed daemon is removed first; the profile lock already
// guarantees no live owner.
func (s *Server) Start() error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("restricting socket: %w", err)
	}

	s.httpSrv = &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	s.log.Info("control api listening", zap.String("socket", s.socketPath))
	return s.httpSrv.Serve(ln)
}

// Shutdown stops the listener and removes the socket.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	err := s.httpSrv.Shutdown(ctx)
	os.Remove(s.socketPath)
	return err
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeData(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"ok": true, "data": data})
}

func (s *Server) writeError(w http.ResponseWriter, code int, apiCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": apiError{Code: apiCode, Message: msg}})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.manager.Snapshot()
	s.writeData(w, map[string]any{
		"profile":      s.profile,
		"connectivity": snap.Connectivity,
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.writeData(w, s.manager.Snapshot())
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.writeData(w, map[string]any{
		"conversationId": id,
		"messages":       s.manager.Messages(id),
	})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
		Type    string `json:"type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	if body.Content == "" {
		s.writeError(w, http.StatusBadRequest, "empty_content", "message content is required")
		return
	}
	msg := s.manager.Send(r.Context(), mux.Vars(r)["id"], body.Content, body.Type)
	s.writeData(w, map[string]any{"message": msg})
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	s.manager.MarkRead(r.Context(), mux.Vars(r)["id"])
	s.writeData(w, nil)
}

func (s *Server) handleTyping(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Typing bool `json:"typing"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	s.manager.SetTyping(r.Context(), mux.Vars(r)["id"], body.Typing)
	s.writeData(w, nil)
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.manager.Open(r.Context(), id)
	s.writeData(w, map[string]any{
		"conversationId": id,
		"messages":       s.manager.Messages(id),
	})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	tempID := mux.Vars(r)["tempId"]
	if !s.manager.RetryMessage(r.Context(), tempID) {
		s.writeError(w, http.StatusNotFound, "not_found", "no failed message with tempId "+tempID)
		return
	}
	s.writeData(w, nil)
}
