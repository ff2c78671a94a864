package api

import (
	"net/http"

	"github.com/seantiz/foundry/internal/store"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Suite            string         `json:"suite,omitempty"`
	Total            int            `json:"total"`
	Passed           int            `json:"passed"`
	Failed           int            `json:"failed"`
	Aborted          int            `json:"aborted"`
	PassRate         float64        `json:"pass_rate"`
	AvgPassElapsedMS float64        `json:"avg_pass_elapsed_ms"`
	ByErrorCode      map[int]int    `json:"by_error_code"`
	BySuite          map[string]int `json:"by_suite"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	suiteName := r.URL.Query().Get("suite")
	stats, err := s.store.GetRunStats(r.Context(), store.RunFilter{Suite: suiteName})
	if err != nil {
		s.logger.Error("get run stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Suite:            suiteName,
		Total:            stats.Total,
		Passed:           stats.Passed,
		Failed:           stats.Failed,
		Aborted:          stats.Aborted,
		PassRate:         stats.PassRate(),
		AvgPassElapsedMS: stats.AvgPassElapsedMS,
		ByErrorCode:      stats.CountByErrorCode,
		BySuite:          stats.CountBySuite,
	})
}
