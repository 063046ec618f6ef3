package telematics

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"octotelematics-backend/lib/timezone"
)

// Sensor is the presentation adapter over the Poller: it runs the
// poll loop and exposes the last measurement over HTTP the way a host
// automation platform would read a sensor entity.
type Sensor struct {
	poller *Poller

	mu        sync.RWMutex
	latest    Measurement
	fetchedAt time.Time
	ready     bool
}

func NewSensor(p *Poller) *Sensor {
	return &Sensor{poller: p}
}

func (s *Sensor) Refresh(ctx context.Context) error {
	m, err := s.poller.Update(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.latest = m
	s.fetchedAt = timezone.Now()
	s.ready = true
	s.mu.Unlock()
	return nil
}

// RunDaemon refreshes immediately, then on a fixed interval until the
// context dies. Errors are logged, not fatal: an authentication
// failure needs new credentials and a restart anyway.
func (s *Sensor) RunDaemon(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	err := s.Refresh(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "initial refresh", "err", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.Refresh(ctx)
			if err != nil {
				slog.ErrorContext(ctx, "refresh", "err", err)
			}
		}
	}
}

type measurementPayload struct {
	Measurement
	Unit      string `json:"unit"`
	FetchedAt string `json:"fetched_at"`
}

// GET returns the last measurement as JSON; 503 until the first
// update has completed
func (s *Sensor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.ready {
		http.Error(w, "no measurement yet", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("content-type", "application/json")
	json.NewEncoder(w).Encode(measurementPayload{
		Measurement: s.latest,
		Unit:        "km",
		FetchedAt:   s.fetchedAt.Format(time.RFC3339),
	})
}
