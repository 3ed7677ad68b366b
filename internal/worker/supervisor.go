package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/position-indexer/internal/logging"
	"github.com/position-indexer/internal/metrics"
)

// Supervisor collects health reports from every chain runner and logs a
// periodic summary. Runners only share the report channel.
type Supervisor struct {
	reports  chan HealthReport
	interval time.Duration
	logger   *logging.Logger

	mu     sync.RWMutex
	latest map[string]HealthReport
}

// NewSupervisor creates a supervisor with a buffered report channel
func NewSupervisor(buffer int, interval time.Duration, logger *logging.Logger) *Supervisor {
	if buffer <= 0 {
		buffer = 64
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Supervisor{
		reports:  make(chan HealthReport, buffer),
		interval: interval,
		logger:   logger.WithField("component", "supervisor"),
		latest:   make(map[string]HealthReport),
	}
}

// Reporter returns the send side handed to runners
func (s *Supervisor) Reporter() Reporter {
	return s.reports
}

// Run consumes reports until ctx is cancelled, then drains what is buffered
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case r := <-s.reports:
					s.record(r)
				default:
					s.logSummary()
					return nil
				}
			}
		case r := <-s.reports:
			s.record(r)
		case <-ticker.C:
			s.logSummary()
		}
	}
}

// Snapshot returns the latest report of every component, ordered by chain
// then component
func (s *Supervisor) Snapshot() []HealthReport {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]HealthReport, 0, len(s.latest))
	for _, r := range s.latest {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Chain != out[j].Chain {
			return out[i].Chain < out[j].Chain
		}
		return out[i].Component < out[j].Component
	})
	return out
}

func (s *Supervisor) record(r HealthReport) {
	key := fmt.Sprintf("%s/%s", r.Chain, r.Component)

	s.mu.Lock()
	previous, seen := s.latest[key]
	s.latest[key] = r
	s.mu.Unlock()

	healthy := 0.0
	if r.Status == HealthOK {
		healthy = 1
	}
	metrics.ComponentHealthy.WithLabelValues(string(r.Chain), r.Component).Set(healthy)

	if seen && previous.Status == r.Status {
		return
	}

	logger := s.logger.WithFields(map[string]interface{}{
		"chain":     string(r.Chain),
		"component": r.Component,
		"status":    string(r.Status),
		"block":     r.Block,
	})
	if r.Err != nil {
		logger.WithError(r.Err).Warn("Component health changed")
		return
	}
	logger.Info("Component health changed")
}

func (s *Supervisor) logSummary() {
	snapshot := s.Snapshot()
	if len(snapshot) == 0 {
		return
	}

	summary := make(map[string]interface{}, len(snapshot))
	degraded := 0
	for _, r := range snapshot {
		summary[fmt.Sprintf("%s.%s", r.Chain, r.Component)] = fmt.Sprintf("%s@%d", r.Status, r.Block)
		if r.Status == HealthDegraded {
			degraded++
		}
	}

	logger := s.logger.WithFields(summary).WithField("degraded", degraded)
	if degraded > 0 {
		logger.Warn("Health summary")
		return
	}
	logger.Info("Health summary")
}
