package connection

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// HealthMonitor periodically probes every connection and brings downed
// servers back up. Reconnects go through Manager.Connect and inherit its
// backoff policy.
type HealthMonitor struct {
	manager  *Manager
	interval time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHealthMonitor creates a monitor over the manager's connections.
func NewHealthMonitor(manager *Manager, interval time.Duration) *HealthMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthMonitor{
		manager:  manager,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start launches the monitor loop.
func (hm *HealthMonitor) Start(ctx context.Context) {
	hm.wg.Add(1)
	go func() {
		defer hm.wg.Done()

		ticker := time.NewTicker(hm.interval)
		defer ticker.Stop()

		log.Info().Dur("interval", hm.interval).Msg("Health monitor started")

		for {
			select {
			case <-ticker.C:
				hm.checkOnce(ctx)
			case <-hm.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// checkOnce probes every live connection, then revives servers that are
// down or failed the probe.
func (hm *HealthMonitor) checkOnce(ctx context.Context) {
	probes := hm.manager.HealthCheck(ctx)

	for _, id := range hm.manager.Servers() {
		sc, _ := hm.manager.ServerConfig(id)
		if !sc.Enabled {
			continue
		}

		conn, err := hm.manager.Connection(id)
		if err == nil && conn.IsConnected() && probes[id] == nil {
			continue
		}

		log.Warn().Str("server", id).Msg("Server down, attempting reconnect")
		if err := hm.manager.Reconnect(ctx, id); err != nil {
			log.Error().Err(err).Str("server", id).Msg("Reconnect failed")
		} else {
			log.Info().Str("server", id).Msg("Server reconnected")
		}
	}
}

// Stop halts the monitor and waits for the loop to exit.
func (hm *HealthMonitor) Stop() {
	hm.stopOnce.Do(func() {
		close(hm.stop)
	})
	hm.wg.Wait()
}
