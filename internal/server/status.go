package server

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	"github.com/aellingwood/webpcdn/internal/config"
	"github.com/aellingwood/webpcdn/internal/rewrite"
)

// Counters accumulates rewrite statistics across requests. A nil *Counters
// discards everything.
type Counters struct {
	pages     atomic.Int64
	images    atomic.Int64
	converted atomic.Int64
	skipped   atomic.Int64
	srcsets   atomic.Int64
}

// Snapshot is a point-in-time copy of Counters.
type Snapshot struct {
	Pages     int64 `json:"pages"`
	Images    int64 `json:"images"`
	Converted int64 `json:"converted"`
	Skipped   int64 `json:"skipped"`
	Srcsets   int64 `json:"srcsets"`
}

// Record adds the stats of one rewritten page.
func (c *Counters) Record(st rewrite.Stats) {
	if c == nil {
		return
	}
	c.pages.Add(1)
	c.images.Add(int64(st.Images))
	c.converted.Add(int64(st.Converted))
	c.skipped.Add(int64(st.Skipped))
	c.srcsets.Add(int64(st.Srcsets))
}

// Snapshot returns the current totals.
func (c *Counters) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	return Snapshot{
		Pages:     c.pages.Load(),
		Images:    c.images.Load(),
		Converted: c.converted.Load(),
		Skipped:   c.skipped.Load(),
		Srcsets:   c.srcsets.Load(),
	}
}

type statusResponse struct {
	Enabled  bool `json:"enabled"`
	Enhanced bool `json:"enhanced"`
	Debug    bool `json:"debug"`
	Quality  int  `json:"quality"`
	Snapshot
}

// StatusHandler reports the active WebP settings and the counters as JSON.
func StatusHandler(cfg config.WebPConfig, counters *Counters) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(statusResponse{
			Enabled:  cfg.Enabled,
			Enhanced: cfg.Enhanced,
			Debug:    cfg.Debug,
			Quality:  cfg.Quality,
			Snapshot: counters.Snapshot(),
		})
	}
}
