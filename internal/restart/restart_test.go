package restart

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/godbus/dbus/v5"
)

type fakeManager struct {
	unit       string
	unitErr    error
	restartErr error
	restarted  []string
	closed     bool
}

func (f *fakeManager) UnitForPID(uint32) (string, error) { return f.unit, f.unitErr }
func (f *fakeManager) RestartUnit(unit, mode string) (dbus.ObjectPath, error) {
	if f.restartErr != nil {
		return "", f.restartErr
	}
	f.restarted = append(f.restarted, unit+":"+mode)
	return "/org/freedesktop/systemd1/job/1", nil
}
func (f *fakeManager) Close() error {
	f.closed = true
	return nil
}

func systemdWith(mgr *fakeManager, unit string, env map[string]string) *SystemdRestarter {
	return &SystemdRestarter{
		Unit:    unit,
		Connect: func() (UnitManager, error) { return mgr, nil },
		Getenv:  func(k string) string { return env[k] },
		Getpid:  func() int { return 4242 },
	}
}

func TestSystemd_NotSupervisedWithoutInvocationID(t *testing.T) {
	mgr := &fakeManager{unit: "floatpeek.service"}
	err := systemdWith(mgr, "", nil).Restart("test")
	if !errors.Is(err, ErrNotSupervised) {
		t.Fatalf("expected ErrNotSupervised, got %v", err)
	}
	if len(mgr.restarted) != 0 {
		t.Fatalf("must not talk to systemd when unsupervised")
	}
}

func TestSystemd_DetectsUnitFromPID(t *testing.T) {
	mgr := &fakeManager{unit: "floatpeek.service"}
	err := systemdWith(mgr, "", map[string]string{"INVOCATION_ID": "abc"}).Restart("watchdog")
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if !reflect.DeepEqual(mgr.restarted, []string{"floatpeek.service:replace"}) {
		t.Fatalf("unexpected restart calls %v", mgr.restarted)
	}
	if !mgr.closed {
		t.Fatalf("expected manager connection to be closed")
	}
}

func TestSystemd_ConfiguredUnitSkipsDetection(t *testing.T) {
	mgr := &fakeManager{unitErr: errors.New("no unit")}
	if err := systemdWith(mgr, "music-peek.service", nil).Restart("api"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if mgr.restarted[0] != "music-peek.service:replace" {
		t.Fatalf("unexpected restart calls %v", mgr.restarted)
	}
}

func TestSystemd_DetectionFailureIsNotSupervised(t *testing.T) {
	mgr := &fakeManager{unitErr: errors.New("PID does not belong to any loaded unit")}
	err := systemdWith(mgr, "", map[string]string{"INVOCATION_ID": "abc"}).Restart("watchdog")
	if !errors.Is(err, ErrNotSupervised) {
		t.Fatalf("expected ErrNotSupervised, got %v", err)
	}
}

func TestExec_ReusesBinaryAndArguments(t *testing.T) {
	dir := t.TempDir()
	binary := filepath.Join(dir, "floatpeek")
	if err := os.WriteFile(binary, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "fp")
	if err := os.Symlink(binary, link); err != nil {
		t.Fatal(err)
	}

	var gotArgv0 string
	var gotArgv, gotEnv []string
	e := &ExecRestarter{
		Exec: func(argv0 string, argv, envv []string) error {
			gotArgv0, gotArgv, gotEnv = argv0, argv, envv
			return nil
		},
		Executable: func() (string, error) { return link, nil },
		Args:       []string{"fp", "run", "--app", "Music"},
		Env:        func() []string { return []string{"DISPLAY=:0"} },
	}

	if err := e.Restart("watchdog"); err != nil {
		t.Fatalf("restart: %v", err)
	}

	resolved, _ := filepath.EvalSymlinks(binary)
	if gotArgv0 != resolved {
		t.Fatalf("expected symlink resolved to %s, got %s", resolved, gotArgv0)
	}
	if !reflect.DeepEqual(gotArgv, []string{resolved, "run", "--app", "Music"}) {
		t.Fatalf("unexpected argv %v", gotArgv)
	}
	if !reflect.DeepEqual(gotEnv, []string{"DISPLAY=:0"}) {
		t.Fatalf("unexpected env %v", gotEnv)
	}
}

type stubRestarter struct {
	name  string
	err   error
	calls int
}

func (s *stubRestarter) Restart(string) error { s.calls++; return s.err }
func (s *stubRestarter) Name() string         { return s.name }

func TestChain_FallsThroughInOrder(t *testing.T) {
	first := &stubRestarter{name: "systemd", err: ErrNotSupervised}
	second := &stubRestarter{name: "exec"}
	third := &stubRestarter{name: "never"}

	if err := (Chain{first, second, third}).Restart("watchdog"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if first.calls != 1 || second.calls != 1 || third.calls != 0 {
		t.Fatalf("unexpected calls %d/%d/%d", first.calls, second.calls, third.calls)
	}
}

func TestChain_JoinsErrors(t *testing.T) {
	boom := errors.New("exec format error")
	err := (Chain{
		&stubRestarter{name: "systemd", err: ErrNotSupervised},
		&stubRestarter{name: "exec", err: boom},
	}).Restart("watchdog")

	if !errors.Is(err, ErrNotSupervised) || !errors.Is(err, boom) {
		t.Fatalf("expected both errors joined, got %v", err)
	}
	if (Chain{}).Restart("x") == nil {
		t.Fatalf("empty chain must fail")
	}
}
