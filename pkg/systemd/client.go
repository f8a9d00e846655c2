// Package systemd talks to the host service manager over D-Bus.
package systemd

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coreos/go-systemd/v22/dbus"

	"github.com/raycarroll/vk-systemd-provider/pkg/logger"
)

// conn is the subset of *dbus.Conn used by Manager.
type conn interface {
	GetUnitPropertyContext(ctx context.Context, unit string, propertyName string) (*dbus.Property, error)
	StartUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	SystemStateContext(ctx context.Context) (*dbus.Property, error)
	Close()
}

// Config holds service manager connection settings.
type Config struct {
	UserMode       bool          // connect to the user instance instead of the system bus
	JobMode        string        // systemd job mode for start/stop, defaults to "replace"
	ConnectTimeout time.Duration // how long to keep retrying the initial connection
}

// Manager starts, stops and queries systemd units.
type Manager struct {
	conn    conn
	jobMode string
	log     *logger.PrefixLogger
}

// Connect dials the service manager, retrying with exponential backoff
// until cfg.ConnectTimeout has elapsed or ctx is done.
func Connect(ctx context.Context, cfg Config) (*Manager, error) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}

	l := logger.WithPrefix("systemd")

	var c *dbus.Conn
	dial := func() error {
		var err error
		if cfg.UserMode {
			c, err = dbus.NewUserConnectionContext(ctx)
		} else {
			c, err = dbus.NewSystemConnectionContext(ctx)
		}
		if err != nil {
			l.Warn("Connecting to systemd failed, retrying: %v", err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = cfg.ConnectTimeout
	if err := backoff.Retry(dial, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("connecting to systemd: %w", err)
	}

	return newManager(c, cfg), nil
}

func newManager(c conn, cfg Config) *Manager {
	mode := cfg.JobMode
	if mode == "" {
		mode = "replace"
	}
	return &Manager{
		conn:    c,
		jobMode: mode,
		log:     logger.WithPrefix("systemd"),
	}
}

// Ping checks that the service manager answers and is not shutting down.
func (m *Manager) Ping(ctx context.Context) error {
	prop, err := m.conn.SystemStateContext(ctx)
	if err != nil {
		return fmt.Errorf("querying system state: %w", err)
	}

	state, _ := prop.Value.Value().(string)
	if state == "stopping" {
		return fmt.Errorf("systemd is %s", state)
	}
	return nil
}

// Close releases the D-Bus connection.
func (m *Manager) Close() {
	m.conn.Close()
}
