package sender

import (
	"context"
	"sync/atomic"

	logx "starsagent/pkg/logx"
)

// DryRun never contacts anything; every send succeeds.
type DryRun struct {
	log   logx.Logger
	sends atomic.Int64
}

func NewDryRun(log logx.Logger) *DryRun {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &DryRun{log: log.With(logx.String("comp", "sender.dryrun"))}
}

func (d *DryRun) Name() string { return "dryrun" }

func (d *DryRun) Send(ctx context.Context, destination string, amount int) Outcome {
	if ctx.Err() != nil {
		return Interrupted()
	}
	n := d.sends.Add(1)
	d.log.Info("dry-run send", logx.String("destination", destination), logx.Int("amount", amount), logx.Int64("n", n))
	return Success()
}

// Sends returns how many sends were simulated.
func (d *DryRun) Sends() int64 { return d.sends.Load() }
