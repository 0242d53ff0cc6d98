package restart

import (
	"fmt"
	"os"

	"github.com/bryanchriswhite/FloatPeek/internal/logger"
	"github.com/godbus/dbus/v5"
)

const (
	systemdService   = "org.freedesktop.systemd1"
	systemdPath      = "/org/freedesktop/systemd1"
	managerInterface = "org.freedesktop.systemd1.Manager"
	unitInterface    = "org.freedesktop.systemd1.Unit"
)

// UnitManager is the subset of the systemd manager API used for restarts
type UnitManager interface {
	UnitForPID(pid uint32) (string, error)
	RestartUnit(unit, mode string) (dbus.ObjectPath, error)
	Close() error
}

// SystemdRestarter asks systemd to restart the unit this process runs in
type SystemdRestarter struct {
	// Unit overrides unit detection when set
	Unit string
	// Connect opens the manager; defaults to the user session bus
	Connect func() (UnitManager, error)
	// Getenv and Getpid are replaceable for tests
	Getenv func(string) string
	Getpid func() int
}

// NewSystemdRestarter creates a restarter for the given unit, or for the
// unit detected from this process when unit is empty
func NewSystemdRestarter(unit string) *SystemdRestarter {
	return &SystemdRestarter{
		Unit:    unit,
		Connect: ConnectSessionManager,
		Getenv:  os.Getenv,
		Getpid:  os.Getpid,
	}
}

// Name returns the restarter name
func (s *SystemdRestarter) Name() string {
	return "systemd"
}

// Restart requests a restart of the owning unit. systemd then stops this
// process, so a successful call is usually followed by termination.
func (s *SystemdRestarter) Restart(reason string) error {
	// systemd sets INVOCATION_ID for every process it starts
	if s.Unit == "" && s.Getenv("INVOCATION_ID") == "" {
		return ErrNotSupervised
	}

	mgr, err := s.Connect()
	if err != nil {
		return fmt.Errorf("failed to connect to systemd: %w", err)
	}
	defer mgr.Close()

	unit := s.Unit
	if unit == "" {
		unit, err = mgr.UnitForPID(uint32(s.Getpid()))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNotSupervised, err)
		}
	}

	job, err := mgr.RestartUnit(unit, "replace")
	if err != nil {
		return fmt.Errorf("failed to restart unit %s: %w", unit, err)
	}

	logger.WithComponent("restart").Info().
		Str("reason", reason).
		Str("unit", unit).
		Str("job", string(job)).
		Msg("Restart requested from systemd")
	return nil
}

// dbusManager talks to the systemd manager over D-Bus
type dbusManager struct {
	conn *dbus.Conn
}

// ConnectSessionManager connects to the per-user systemd instance
func ConnectSessionManager() (UnitManager, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}
	return &dbusManager{conn: conn}, nil
}

func (m *dbusManager) manager() dbus.BusObject {
	return m.conn.Object(systemdService, dbus.ObjectPath(systemdPath))
}

// UnitForPID returns the unit name owning pid
func (m *dbusManager) UnitForPID(pid uint32) (string, error) {
	var unitPath dbus.ObjectPath
	if err := m.manager().Call(managerInterface+".GetUnitByPID", 0, pid).Store(&unitPath); err != nil {
		return "", fmt.Errorf("GetUnitByPID: %w", err)
	}

	obj := m.conn.Object(systemdService, unitPath)
	variant, err := obj.GetProperty(unitInterface + ".Id")
	if err != nil {
		return "", fmt.Errorf("failed to read unit id: %w", err)
	}
	id, ok := variant.Value().(string)
	if !ok || id == "" {
		return "", fmt.Errorf("unexpected unit id %v", variant.Value())
	}
	return id, nil
}

// RestartUnit enqueues a restart job for unit
func (m *dbusManager) RestartUnit(unit, mode string) (dbus.ObjectPath, error) {
	var job dbus.ObjectPath
	if err := m.manager().Call(managerInterface+".RestartUnit", 0, unit, mode).Store(&job); err != nil {
		return "", err
	}
	return job, nil
}

// Close closes the bus connection
func (m *dbusManager) Close() error {
	return m.conn.Close()
}
