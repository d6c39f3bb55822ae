package readerq

import (
	"context"

	"github.com/rs/zerolog/log"
	"k8s.io/apimachinery/pkg/util/wait"
)

// Purge deletes jobs of every type that finished more than
// Config.RetentionWindow ago. Pending and processing jobs are never touched.
func (c *Client) Purge(ctx context.Context) (int64, error) {
	cutoff := c.now().Add(-c.config.RetentionWindow)
	return c.backend.PurgeDone(ctx, cutoff)
}

func (c *Client) runPurger(ctx context.Context) {
	logger := log.Ctx(ctx).With().Str("loop", "purge").Logger()

	wait.UntilWithContext(ctx, func(ctx context.Context) {
		n, err := c.Purge(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error().Err(err).Msg("error purging finished jobs")
			}
			return
		}
		if n > 0 {
			logger.Info().Int64("purged", n).Msg("purged finished jobs")
		}
	}, c.config.PurgeInterval)
}
