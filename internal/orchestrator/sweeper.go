package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Deliver pushes a reply produced outside a request to the user.
type Deliver func(ctx context.Context, reply Reply)

// RunExpirySweeper calls ExpireOverdue every interval until ctx is done and
// hands each resumed turn's reply to deliver.
func (o *Orchestrator) RunExpirySweeper(ctx context.Context, interval time.Duration, deliver Deliver) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			replies, err := o.ExpireOverdue(ctx)
			if err != nil {
				o.logger.Warn("expiry sweep failed", zap.Error(err))
				continue
			}
			for _, r := range replies {
				deliver(ctx, r)
			}
		}
	}
}
