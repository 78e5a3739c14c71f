package persist

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
)

// Autosave runs Save on a cron schedule such as "@every 5m" or "0 * * * *".
type Autosave struct {
	cron *cron.Cron
	sync *Synchronizer
}

// NewAutosave schedules s.Save. Call Start to begin and Stop to end.
func NewAutosave(s *Synchronizer, schedule string) (*Autosave, error) {
	c := cron.New()
	a := &Autosave{cron: c, sync: s}
	if _, err := c.AddFunc(schedule, a.run); err != nil {
		return nil, fmt.Errorf("parse autosave schedule %q: %w", schedule, err)
	}
	return a, nil
}

func (a *Autosave) run() {
	ctx, cancel := context.WithTimeout(context.Background(), a.sync.saveTimeout)
	defer cancel()
	if err := a.sync.Save(ctx); err != nil {
		a.sync.logger.Error("autosave failed", "error", err)
	}
}

// Start begins running saves in the background.
func (a *Autosave) Start() { a.cron.Start() }

// Stop halts the schedule and waits for a running save to finish or ctx to
// expire.
func (a *Autosave) Stop(ctx context.Context) {
	done := a.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
