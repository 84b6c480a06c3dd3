package datastore

import (
	"context"

	"github.com/tphakala/pulsecheck/internal/logger"
	"github.com/tphakala/pulsecheck/internal/quality"
)

// Run saves every assessment received on updates until ctx ends or updates
// is closed. Save failures are logged and do not stop the loop.
func Run(ctx context.Context, store Interface, updates <-chan quality.Assessment) error {
	log := GetLogger()
	for {
		select {
		case <-ctx.Done():
			return nil
		case a, ok := <-updates:
			if !ok {
				return nil
			}
			if err := store.Save(ctx, NewRecord(&a)); err != nil {
				log.Warn("Failed to save assessment",
					logger.Uint64("seq", a.Seq),
					logger.Error(err))
			}
		}
	}
}
