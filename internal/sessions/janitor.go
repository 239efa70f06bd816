package sessions

import (
	"context"
	"time"

	"voicebridge/pkg/logger"
)

// RunJanitor sweeps expired sessions every interval until ctx is done.
func RunJanitor(ctx context.Context, s *Store, interval, retention time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	log := logger.From(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.Sweep(retention); n > 0 {
				log.Debug("sessions swept", "removed", n)
			}
		}
	}
}
