package room

import (
	"context"
	"time"
)

const DefaultReapInterval = 60 * time.Second

// RunReaper sweeps empty rooms every interval until ctx is done.
func (r *Registry) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultReapInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := r.Reap(); n > 0 {
				r.log.Info("reaped empty rooms", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}
