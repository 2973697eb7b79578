package httpapi

import (
	"net/http"

	"github.com/ent0n29/streamrelay/internal/observability"
)

// handleStages reports segmentation and latency figures over recent streams.
func (s *Server) handleStages(w http.ResponseWriter, _ *http.Request) {
	var window *observability.StreamWindow
	if s.metrics != nil {
		window = s.metrics.Streams
	}
	respondJSON(w, http.StatusOK, window.Snapshot())
}
