package connection

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// BreakerSet manages one circuit breaker per server. A server that keeps
// failing tool calls gets its requests short-circuited until it recovers.
type BreakerSet struct {
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerSet creates an empty breaker set.
func NewBreakerSet() *BreakerSet {
	return &BreakerSet{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns or creates the breaker for a server.
func (s *BreakerSet) Get(serverID string) *gobreaker.CircuitBreaker {
	s.mu.RLock()
	if breaker, exists := s.breakers[serverID]; exists {
		s.mu.RUnlock()
		return breaker
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring write lock
	if breaker, exists := s.breakers[serverID]; exists {
		return breaker
	}

	settings := gobreaker.Settings{
		Name:        serverID,
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().
				Str("server", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	}

	breaker := gobreaker.NewCircuitBreaker(settings)
	s.breakers[serverID] = breaker

	return breaker
}

// Execute wraps a call with the server's breaker.
func (s *BreakerSet) Execute(serverID string, fn func() (interface{}, error)) (interface{}, error) {
	breaker := s.Get(serverID)

	result, err := breaker.Execute(fn)
	if err != nil {
		if err == gobreaker.ErrOpenState {
			log.Error().Str("server", serverID).Msg("Circuit breaker open, request blocked")
			return nil, fmt.Errorf("circuit breaker open for %s: too many failures", serverID)
		}
		if err == gobreaker.ErrTooManyRequests {
			log.Warn().Str("server", serverID).Msg("Circuit breaker half-open, too many requests")
			return nil, fmt.Errorf("circuit breaker limiting requests for %s", serverID)
		}
		return nil, err
	}

	return result, nil
}

// State returns the current state of a server's breaker.
func (s *BreakerSet) State(serverID string) gobreaker.State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if breaker, exists := s.breakers[serverID]; exists {
		return breaker.State()
	}
	return gobreaker.StateClosed
}

// Metrics returns per-server breaker counters for the stats endpoint.
func (s *BreakerSet) Metrics() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	metrics := make(map[string]interface{})
	for serverID, breaker := range s.breakers {
		counts := breaker.Counts()
		metrics[serverID] = map[string]interface{}{
			"state":                 breaker.State().String(),
			"requests":              counts.Requests,
			"total_successes":       counts.TotalSuccesses,
			"total_failures":        counts.TotalFailures,
			"consecutive_successes": counts.ConsecutiveSuccesses,
			"consecutive_failures":  counts.ConsecutiveFailures,
		}
	}

	return metrics
}
