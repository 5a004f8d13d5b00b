package httpapi

import (
	"encoding/json"
	"net/http"
	"time"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("failed to encode json response")
	}
}

type healthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	UptimeSecs int64  `json:"uptime_secs"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:     "healthy",
		Version:    s.version,
		UptimeSecs: int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

type readyResponse struct {
	Ready   bool   `json:"ready"`
	Version string `json:"version"`
	Reason  string `json:"reason,omitempty"`
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		s.writeJSON(w, http.StatusServiceUnavailable, readyResponse{
			Ready: false, Version: s.version, Reason: "starting up or draining",
		})
		return
	}
	s.writeJSON(w, http.StatusOK, readyResponse{Ready: true, Version: s.version})
}

type routesResponse struct {
	Routes []string `json:"routes"`
	Count  int      `json:"count"`
	Note   string   `json:"note,omitempty"`
}

func (s *Server) handleRoutes(w http.ResponseWriter, _ *http.Request) {
	if s.mcpRouter == nil {
		s.writeJSON(w, http.StatusOK, routesResponse{Note: "single-server mode: no named routes configured"})
		return
	}
	routes := s.mcpRouter.Routes()
	names := make([]string, len(routes))
	for i, r := range routes {
		names[i] = r.Config.Name
	}
	s.writeJSON(w, http.StatusOK, routesResponse{Routes: names, Count: len(names)})
}
