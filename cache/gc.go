package cache

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// RunGC periodically sweeps the singleton registry, evicting entries
// past props.MaxLifetime and, if the registry still holds more than
// props.MaxElements entries, trimming the oldest down to that count. It
// starts the sweep loop on g and returns at once; the loop runs until ctx
// is canceled.
func RunGC(ctx context.Context, g *errgroup.Group, props GcProperties) {
	g.Go(func() error {
		ticker := time.NewTicker(props.Sleep)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				sweep(props)
			}
		}
	})
}

func sweep(props GcProperties) {
	r := current()

	removed := r.GCOutdated(time.Now(), props.MaxLifetime)
	if removed > 0 {
		log.WithField("removed", removed).Debug("cache: evicted outdated entries")
	}

	r.mu.RLock()
	count := len(r.entries)
	r.mu.RUnlock()

	if over := count - props.MaxElements; over > 0 {
		n := r.GCOldest(over)
		log.WithFields(log.Fields{"removed": n, "limit": props.MaxElements}).Debug("cache: trimmed oldest entries")
	}
}
