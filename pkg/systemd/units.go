package systemd

import (
	"context"
	"fmt"
)

// IsRunning reports whether unit is active. A false result with a nil error
// means systemd answered and the unit is not running; a non-nil error means
// the question could not be answered.
func (m *Manager) IsRunning(ctx context.Context, unit string) (bool, error) {
	prop, err := m.conn.GetUnitPropertyContext(ctx, unit, "ActiveState")
	if err != nil {
		return false, fmt.Errorf("querying ActiveState of unit %s: %w", unit, err)
	}

	state, ok := prop.Value.Value().(string)
	if !ok {
		return false, fmt.Errorf("unexpected ActiveState value %v for unit %s", prop.Value, unit)
	}

	switch state {
	case "active", "reloading":
		return true, nil
	default:
		m.log.Debug("Unit %s is %s", unit, state)
		return false, nil
	}
}

// StartUnit starts unit and waits for the start job to finish.
func (m *Manager) StartUnit(ctx context.Context, unit string) error {
	ch := make(chan string, 1)
	if _, err := m.conn.StartUnitContext(ctx, unit, m.jobMode, ch); err != nil {
		return fmt.Errorf("starting unit %s: %w", unit, err)
	}
	return m.waitJob(ctx, "start", unit, ch)
}

// StopUnit stops unit and waits for the stop job to finish.
func (m *Manager) StopUnit(ctx context.Context, unit string) error {
	ch := make(chan string, 1)
	if _, err := m.conn.StopUnitContext(ctx, unit, m.jobMode, ch); err != nil {
		return fmt.Errorf("stopping unit %s: %w", unit, err)
	}
	return m.waitJob(ctx, "stop", unit, ch)
}

func (m *Manager) waitJob(ctx context.Context, op, unit string, ch <-chan string) error {
	select {
	case result := <-ch:
		if result != "done" {
			return fmt.Errorf("%s job for unit %s finished with result %q", op, unit, result)
		}
		m.log.Info("Unit %s: %s done", unit, op)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s job of unit %s: %w", op, unit, ctx.Err())
	}
}
