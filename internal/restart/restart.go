// Package restart relaunches the running process, either through the
// service manager that supervises it or by replacing the process image.
package restart

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bryanchriswhite/FloatPeek/internal/logger"
	"golang.org/x/sys/unix"
)

// ErrNotSupervised means no service manager owns this process
var ErrNotSupervised = errors.New("process is not supervised")

// Restarter relaunches the process
type Restarter interface {
	Restart(reason string) error
	Name() string
}

// Chain tries each restarter in order until one succeeds
type Chain []Restarter

// Name returns the chain's member names
func (c Chain) Name() string {
	name := "chain("
	for i, r := range c {
		if i > 0 {
			name += ","
		}
		name += r.Name()
	}
	return name + ")"
}

// Restart runs the restarters in order and returns the joined errors if
// none succeeded
func (c Chain) Restart(reason string) error {
	log := logger.WithComponent("restart")

	var errs []error
	for _, r := range c {
		err := r.Restart(reason)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotSupervised) {
			log.Debug().Str("restarter", r.Name()).Msg("Not supervised, trying next")
		} else {
			log.Warn().Err(err).Str("restarter", r.Name()).Msg("Restart attempt failed")
		}
		errs = append(errs, fmt.Errorf("%s: %w", r.Name(), err))
	}
	if len(errs) == 0 {
		return errors.New("no restarters configured")
	}
	return errors.Join(errs...)
}

// ExecFunc replaces the current process image
type ExecFunc func(argv0 string, argv []string, envv []string) error

// ExecRestarter re-executes the current binary with its original arguments
type ExecRestarter struct {
	Exec       ExecFunc
	Executable func() (string, error)
	Args       []string
	Env        func() []string
}

// NewExecRestarter uses unix.Exec with os.Args and the current environment
func NewExecRestarter() *ExecRestarter {
	return &ExecRestarter{
		Exec:       unix.Exec,
		Executable: os.Executable,
		Args:       os.Args,
		Env:        os.Environ,
	}
}

// Name returns the restarter name
func (e *ExecRestarter) Name() string {
	return "exec"
}

// Restart replaces the process. On success it does not return.
func (e *ExecRestarter) Restart(reason string) error {
	binary, err := e.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	binary, err = filepath.EvalSymlinks(binary)
	if err != nil {
		return fmt.Errorf("failed to resolve symlinks: %w", err)
	}

	argv := append([]string{binary}, e.argsTail()...)
	logger.WithComponent("restart").Info().
		Str("reason", reason).
		Str("binary", binary).
		Strs("args", argv[1:]).
		Msg("Re-executing process")

	if err := e.Exec(binary, argv, e.Env()); err != nil {
		return fmt.Errorf("exec %s: %w", binary, err)
	}
	return nil
}

func (e *ExecRestarter) argsTail() []string {
	if len(e.Args) <= 1 {
		return nil
	}
	return e.Args[1:]
}
