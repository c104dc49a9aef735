package registry

import (
	"sync"
	"time"

	"llmhub/pkg/log"
)

const defaultSweepInterval = 5 * time.Second

// HealthMonitor periodically sweeps the registry.
type HealthMonitor struct {
	registry *Registry
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHealthMonitor creates a monitor for the given registry.
func NewHealthMonitor(registry *Registry, interval time.Duration) *HealthMonitor {
	if interval <= 0 {
		interval = defaultSweepInterval
	}

	return &HealthMonitor{
		registry: registry,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background sweep loop.
func (hm *HealthMonitor) Start() {
	hm.wg.Add(1)
	go hm.sweepLoop()

	log.Info().
		Dur("interval", hm.interval).
		Dur("ttl", hm.registry.thresholds.TTL).
		Dur("offline", hm.registry.thresholds.Offline).
		Msg("Health monitor started")
}

// Stop halts the sweep loop and waits for it to exit. Safe to call more than once.
func (hm *HealthMonitor) Stop() {
	hm.stopOnce.Do(func() {
		close(hm.stopCh)
	})
	hm.wg.Wait()
	log.Info().Msg("Health monitor stopped")
}

func (hm *HealthMonitor) sweepLoop() {
	defer hm.wg.Done()

	ticker := time.NewTicker(hm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-hm.stopCh:
			return
		case <-ticker.C:
			if removed := hm.registry.Sweep(); len(removed) > 0 {
				log.Debug().Strs("removed", removed).Msg("Sweep removed nodes")
			}
		}
	}
}
