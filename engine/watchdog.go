package engine

import (
	"context"
	"sync"
	"time"

	"OwlDetServer/logger"
	"OwlDetServer/monitor"

	"go.uber.org/zap"
)

// probeTimeout bounds a single health probe.
const probeTimeout = 5 * time.Second

// WatchHealth probes the sidecar every interval until ctx is done and exports the
// result as owldet_remote_extractor_up. Only transitions are logged.
func (r *RemoteExtractor) WatchHealth(ctx context.Context, interval time.Duration, wg *sync.WaitGroup) {
	defer wg.Done()
	log := logger.Named("engine")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	up := true
	probe := func() {
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()
		err := r.CheckHealth(pctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return
		case err != nil:
			monitor.ExtractorUp.Set(0)
			if up {
				log.Warn("extractor sidecar unhealthy", zap.Error(err))
			}
			up = false
		default:
			monitor.ExtractorUp.Set(1)
			if !up {
				log.Info("extractor sidecar healthy again")
			}
			up = true
		}
	}
	probe()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}
