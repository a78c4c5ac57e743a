package api

import (
	"net/http"
	"time"

	"github.com/ddttom/invisible-users-sub000/internal/crawler"
	"github.com/ddttom/invisible-users-sub000/internal/queue/memory"
)

// Status is the read-only view of a run the server exposes.
type Status interface {
	Ready() bool
	Stats() Stats
	// Results returns the live aggregate, or false before a run starts.
	Results() (*crawler.CrawlResults, bool)
}

// Stats are the counters served by GET /v1/stats.
type Stats struct {
	RunID     string               `json:"runId"`
	Phase     string               `json:"phase"`
	StartedAt time.Time            `json:"startedAt"`
	Limiter   crawler.LimiterStats `json:"limiter"`
	Queue     memory.Stats         `json:"queue"`
	Processed int                  `json:"processed"`
	Failed    int                  `json:"failed"`
	Invalid   int                  `json:"invalid"`
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	if s.status == nil {
		writeError(w, http.StatusServiceUnavailable, "crawl not started")
		return
	}
	writeJSON(w, http.StatusOK, s.status.Stats())
}

// results handles GET /v1/results. It returns the snapshot with the pages
// list, or only the counts when summary=true.
func (s *Server) results(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeError(w, http.StatusServiceUnavailable, "crawl not started")
		return
	}
	current, ok := s.status.Results()
	if !ok || current == nil {
		writeError(w, http.StatusServiceUnavailable, "crawl not started")
		return
	}
	snap := current.Snapshot()
	if r.URL.Query().Get("summary") == "true" {
		writeJSON(w, http.StatusOK, map[string]any{
			"runId":      snap.RunID,
			"startedAt":  snap.StartedAt,
			"finishedAt": snap.FinishedAt,
			"urls":       len(snap.URLs),
			"pages":      len(snap.Pages),
			"failed":     len(snap.FailedURLs),
			"invalid":    len(snap.InvalidURLs),
			"discovered": len(snap.DiscoveredURLs),
			"duplicates": len(snap.Duplicates),
		})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
