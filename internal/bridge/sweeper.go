package bridge

import "context"

// RunSweeper closes bridges that have been idle longer than InactivityTimeout.
// It blocks until ctx is done.
func (b *Bridge) RunSweeper(ctx context.Context) error {
	t := b.clock.NewTicker(b.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C():
			b.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single sweep and returns how many bridges it closed.
func (b *Bridge) SweepOnce(ctx context.Context) int {
	stale := b.registry.Sweep(b.clock.Now(), b.cfg.InactivityTimeout)
	for _, e := range stale {
		b.teardown(ctx, e, "inactivity_timeout")
	}
	if len(stale) > 0 {
		b.log.Info("swept idle bridges", "count", len(stale))
	}
	return len(stale)
}
