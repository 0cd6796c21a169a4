package gateway

import (
	"net/http"
	"time"
)

type healthResponse struct {
	Status      string        `json:"status"`
	Timestamp   int64         `json:"timestamp"`
	Uptime      string        `json:"uptime"`
	Subscribers int           `json:"subscribers"`
	Feed        string        `json:"feed"`
	Process     *processStats `json:"process,omitempty"`
}

type processStats struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	Goroutines int     `json:"goroutines"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:      "healthy",
		Timestamp:   time.Now().Unix(),
		Uptime:      s.uptime(),
		Subscribers: s.hub.SubscriberCount(),
		Feed:        s.feed.State().String(),
	}
	if s.system != nil {
		stats := s.system.Stats()
		resp.Process = &processStats{
			CPUPercent: stats.CPUPercent,
			RSSBytes:   stats.RSSBytes,
			Goroutines: stats.Goroutines,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
