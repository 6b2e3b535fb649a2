package sink

import (
	"net/http"

	"github.com/dj-oyu/vitals-bridge/internal/httputil"
)

// Handler serves /vitals and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/vitals", s.handleVitals)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func (s *Server) handleVitals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	httputil.WriteJSON(w, s.store.Latest())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	updates, rejected := s.store.Counts()
	httputil.WriteJSON(w, map[string]any{
		"status":        "ok",
		"vitals_status": s.store.Status(),
		"updates":       updates,
		"rejected":      rejected,
	})
}
