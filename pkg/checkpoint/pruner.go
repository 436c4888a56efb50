package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/gigachain-team/giga-agent/internal/observability"
)

// Pruner deletes checkpoints older than a retention window on a cron
// schedule ("@daily", "0 3 * * *", ...).
type Pruner struct {
	store     Store
	retention time.Duration
	cron      *cron.Cron
	logger    zerolog.Logger
	now       func() time.Time
}

// NewPruner validates the schedule and prepares a pruner. Start runs it.
func NewPruner(store Store, schedule string, retention time.Duration, logger zerolog.Logger) (*Pruner, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be positive")
	}
	c := cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))

	p := &Pruner{store: store, retention: retention, cron: c, logger: logger, now: time.Now}
	if _, err := c.AddFunc(schedule, func() { _, _ = p.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid prune schedule %q: %w", schedule, err)
	}
	return p, nil
}

// Start starts the schedule.
func (p *Pruner) Start() {
	p.cron.Start()
	p.logger.Info().Dur("retention", p.retention).Msg("Checkpoint pruner started")
}

// Stop stops the schedule and waits for a running prune to finish.
func (p *Pruner) Stop() {
	<-p.cron.Stop().Done()
}

// RunOnce prunes immediately.
func (p *Pruner) RunOnce(ctx context.Context) (int64, error) {
	cutoff := p.now().Add(-p.retention)
	n, err := p.store.Prune(ctx, cutoff)
	if err != nil {
		p.logger.Error().Err(err).Msg("Checkpoint prune failed")
		return 0, err
	}
	observability.RecordCheckpointsPruned(n)
	if n > 0 {
		p.logger.Info().Int64("removed", n).Time("cutoff", cutoff).Msg("Pruned checkpoints")
	}
	return n, nil
}
