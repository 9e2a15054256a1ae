package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/commensal/pkg/api"
)

// Server exposes an Agent over HTTP.
type Server struct {
	Agent *Agent
	// Token, when set, is required as a bearer token or X-Auth-Token header.
	Token string
	srv   *http.Server
}

// Handler returns the agent routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	return mux
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("/v0/health", func(w http.ResponseWriter, r *http.Request) {
		_ = r.Body.Close()
		if !s.authorized(w, r) {
			return
		}
		reply := s.Agent.Handle(r.Context(), api.CommandRequest{Command: api.CmdHealth})
		writeJSON(w, reply)
	})
	mux.HandleFunc("/v0/command", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !s.authorized(w, r) {
			return
		}
		var req api.CommandRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		start := time.Now()
		reply := s.Agent.Handle(r.Context(), req)
		log.Debug().
			Str("command", string(req.Command)).
			Bool("ok", reply.OK).
			Dur("duration", time.Since(start)).
			Msg("http command")
		writeJSON(w, reply)
	})
}

func (s *Server) authorized(w http.ResponseWriter, r *http.Request) bool {
	if s.Token == "" {
		return true
	}
	if r.Header.Get("Authorization") == "Bearer "+s.Token || r.Header.Get("X-Auth-Token") == s.Token {
		return true
	}
	http.Error(w, "unauthorized", http.StatusUnauthorized)
	return false
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// ListenAndServe starts the server. It returns nil after Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.srv = &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return fmt.Errorf("server not running")
	}
	return s.srv.Shutdown(ctx)
}
