package api

import (
	"net/http"

	"github.com/hodei-pipelines/hodei/pkg/metrics"
)

// handleHealthz refreshes the live component states and serves the aggregate
// health report.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.ListPools(); err != nil {
		metrics.UpdateComponent("storage", false, err.Error())
	} else {
		metrics.UpdateComponent("storage", true, "")
	}
	metrics.UpdateComponent("sessions", true, "")

	metrics.HealthHandler()(w, r)
}
