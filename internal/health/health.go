// Package health provides HTTP handlers for health checks.
package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/terrpan/pulsebuild/internal/buildinfo"
)

// Pulse is the outcome of the most recent trigger pass.
type Pulse struct {
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}

// Tracker remembers the last pulse.  It is safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	last   *Pulse
	pulses int64
}

// Record stores the outcome of a pulse that finished at t.
func (t *Tracker) Record(at time.Time, err error) {
	p := &Pulse{At: at.UTC()}
	if err != nil {
		p.Error = err.Error()
	}
	t.mu.Lock()
	t.last = p
	t.pulses++
	t.mu.Unlock()
}

// Last returns the last recorded pulse and how many have been recorded.
func (t *Tracker) Last() (*Pulse, int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return nil, t.pulses
	}
	p := *t.last
	return &p, t.pulses
}

// Response represents the health check response body.
type Response struct {
	Status       string    `json:"status"`
	ServiceName  string    `json:"service_name"`
	Version      string    `json:"version"`
	Commit       string    `json:"commit"`
	BuildTime    string    `json:"build_time"`
	GoVersion    string    `json:"go_version"`
	OS           string    `json:"os"`
	Architecture string    `json:"architecture"`
	Trigger      string    `json:"trigger"`
	Pulses       int64     `json:"pulses"`
	LastPulse    *Pulse    `json:"last_pulse,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Handler responds to health check requests.  It reports build info, the
// trigger mode and the last pulse.  The status is always "healthy"
// (200 OK): this is a liveness check, and a failed pulse is retried on
// the next tick.
func Handler(trigger string, tracker *Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		response := Response{
			Status:       "healthy",
			ServiceName:  "pulsebuild",
			Version:      buildinfo.Version,
			Commit:       buildinfo.Commit,
			BuildTime:    buildinfo.BuildTime,
			GoVersion:    runtime.Version(),
			OS:           runtime.GOOS,
			Architecture: runtime.GOARCH,
			Trigger:      trigger,
			Timestamp:    time.Now().UTC(),
		}
		if tracker != nil {
			response.LastPulse, response.Pulses = tracker.Last()
		}

		_ = json.NewEncoder(w).Encode(response)
	}
}
