package gc

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/deploykit/errdefs"
)

// Orchestrator runs GC cycles over the registered modules.
type Orchestrator struct {
	modules []runner
}

// New creates an empty Orchestrator.
func New() *Orchestrator { return &Orchestrator{} }

// Register adds m to o. Go methods cannot take type parameters, hence a
// function.
func Register[S any](o *Orchestrator, m Module[S]) {
	o.modules = append(o.modules, m)
}

// Run executes one cycle. Every module's lock is taken first and held to
// the end, so snapshots, resolution and collection all see the same state.
// A module whose lock is busy aborts the whole cycle before anything is
// read: the work directory lock is the instance lock, and nothing may be
// collected while an install runs.
func (o *Orchestrator) Run(ctx context.Context) error {
	locked, err := o.lockAll(ctx)
	defer func() {
		for _, m := range locked {
			if l := m.locker(); l != nil {
				l.Unlock(ctx) //nolint:errcheck,gosec
			}
		}
	}()
	if err != nil {
		return err
	}

	snaps := make(map[string]any, len(locked))
	for _, m := range locked {
		snap, err := m.snapshot(ctx)
		if err != nil {
			return fmt.Errorf("gc aborted: snapshot %s: %w", m.name(), err)
		}
		snaps[m.name()] = snap
	}

	return o.collectAll(ctx, locked, snaps)
}

func (o *Orchestrator) lockAll(ctx context.Context) ([]runner, error) {
	logger := log.WithFunc("gc.Run")
	var locked []runner
	var busy []string
	for _, m := range o.modules {
		if m.locker() == nil {
			locked = append(locked, m)
			continue
		}
		ok, err := m.locker().TryLock(ctx)
		if err != nil {
			logger.Warnf(ctx, "lock %s: %v", m.name(), err)
		}
		if err != nil || !ok {
			busy = append(busy, m.name())
			continue
		}
		locked = append(locked, m)
	}
	if len(busy) > 0 {
		return locked, errdefs.WithHint(
			errdefs.Config("gc aborted: %s in use", strings.Join(busy, ", ")),
			"Another installer instance may be running. Retry once it has finished.")
	}
	return locked, nil
}

// collectAll resolves and collects each module in turn. One module failing
// does not stop the others.
func (o *Orchestrator) collectAll(ctx context.Context, mods []runner, snaps map[string]any) error {
	logger := log.WithFunc("gc.Run")
	var errs []error
	for _, m := range mods {
		ids := m.targets(snaps[m.name()], snaps)
		if len(ids) == 0 {
			continue
		}
		logger.Infof(ctx, "%s: collecting %d item(s)", m.name(), len(ids))
		if err := m.collect(ctx, ids); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.name(), err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("gc: %w", err)
	}
	return nil
}
