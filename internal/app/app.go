// Package app wires the tracker, preview window, watchdog and control API
// into a running overlay.
package app

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/FloatPeek/internal/api"
	"github.com/bryanchriswhite/FloatPeek/internal/capture"
	"github.com/bryanchriswhite/FloatPeek/internal/config"
	"github.com/bryanchriswhite/FloatPeek/internal/display"
	"github.com/bryanchriswhite/FloatPeek/internal/logger"
	"github.com/bryanchriswhite/FloatPeek/internal/loop"
	"github.com/bryanchriswhite/FloatPeek/internal/restart"
	"github.com/bryanchriswhite/FloatPeek/internal/tracker"
	"github.com/bryanchriswhite/FloatPeek/internal/watchdog"
	"github.com/bryanchriswhite/FloatPeek/internal/window"
)

// Preview is the floating window the tracker paints into
type Preview interface {
	tracker.Display
	Geometry() display.Geometry
	SetOpacity(alpha float64) (float64, error)
	Close() error
}

// StateStore persists the preview geometry
type StateStore interface {
	Load() config.ViewportGeometry
	Save(g config.ViewportGeometry) error
}

// Deps are the platform pieces an App runs on
type Deps struct {
	Resolver  tracker.Resolver
	Capturer  tracker.Capturer
	Preview   Preview
	State     StateStore
	Restarter restart.Restarter
	// Closers are released when Run returns, after the preview
	Closers []func() error
}

// App runs one overlay instance
type App struct {
	cfg  *config.Config
	deps Deps

	loop     *loop.Loop
	health   *watchdog.HealthClock
	tracker  *tracker.Tracker
	watchdog *watchdog.Watchdog
	server   *api.Server

	viewport    atomic.Pointer[config.ViewportGeometry]
	restartOnce sync.Once
	restartErr  error

	// exit is called when every restart strategy failed after a watchdog
	// trip
	exit func(code int)
}

// New creates an App. initial is the persisted geometry the preview was
// created from.
func New(cfg *config.Config, initial config.ViewportGeometry, deps Deps) *App {
	a := &App{
		cfg:    cfg,
		deps:   deps,
		loop:   loop.New(),
		health: watchdog.NewHealthClock(time.Now()),
		exit:   os.Exit,
	}

	initial = initial.Normalize()
	a.viewport.Store(&initial)

	pos := image.Pt(initial.X, initial.Y)
	a.tracker = tracker.New(tracker.FromConfig(cfg, pos), deps.Resolver, deps.Capturer, deps.Preview, a.health)
	a.watchdog = watchdog.New(a.health, watchdog.Config{
		Interval: cfg.WatchdogInterval(),
		Timeout:  cfg.WatchdogTimeout(),
	}, a.onWatchdogTrip)

	if cfg.ServerPort > 0 {
		a.server = api.NewServer(a.tracker, a.watchdog, a, a)
	}
	return a
}

// Open builds the X11-backed dependencies and the App for the given
// configuration
func Open(cfgMgr *config.Manager) (*App, error) {
	cfg := cfgMgr.Get()
	log := logger.WithComponent("app")

	state := config.NewStateStore(cfgMgr.StatePath())
	initial := state.Load()

	backend, err := window.NewX11Backend()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize window backend: %w", err)
	}
	resolver := window.NewResolver(backend, cfg.Aliases)

	capturer, err := capture.NewDefaultRouter()
	if err != nil {
		resolver.Close()
		return nil, fmt.Errorf("failed to initialize capturer: %w", err)
	}

	preview, err := display.NewManager(initial)
	if err != nil {
		capturer.Close()
		resolver.Close()
		return nil, fmt.Errorf("failed to create preview window: %w", err)
	}

	var chain restart.Chain
	if cfg.Restart.UseSystemd {
		chain = append(chain, restart.NewSystemdRestarter(cfg.Restart.SystemdUnit))
	}
	chain = append(chain, restart.NewExecRestarter())

	log.Info().
		Str("backend", backend.Name()).
		Str("capturer", capturer.Name()).
		Str("restarter", chain.Name()).
		Str("state_file", state.Path()).
		Msg("Platform initialized")

	return New(cfg, initial, Deps{
		Resolver:  resolver,
		Capturer:  capturer,
		Preview:   preview,
		State:     state,
		Restarter: chain,
		Closers:   []func() error{capturer.Close, resolver.Close},
	}), nil
}

// Tracker exposes the tracking state machine
func (a *App) Tracker() *tracker.Tracker {
	return a.tracker
}

// Run drives the overlay until ctx is cancelled
func (a *App) Run(ctx context.Context) error {
	log := logger.WithComponent("app")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.loop.Run(ctx)
	}()

	a.tracker.Run(ctx, a.loop, time.Now)

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.watchdog.Run(ctx)
	}()

	if a.server != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.server.Start(ctx, a.cfg.ServerPort); err != nil {
				log.Error().Err(err).Msg("Control API stopped")
				select {
				case errCh <- err:
				default:
				}
			}
		}()
	}

	log.Info().
		Str("app", a.cfg.TargetApp).
		Int("port", a.cfg.ServerPort).
		Msg("FloatPeek is running")

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		cancel()
	}

	wg.Wait()
	a.persist(*a.viewport.Load())
	a.close()

	log.Info().Msg("Shut down")
	return runErr
}

func (a *App) close() {
	log := logger.WithComponent("app")
	if a.deps.Preview != nil {
		if err := a.deps.Preview.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close preview")
		}
	}
	for _, c := range a.deps.Closers {
		if err := c(); err != nil {
			log.Warn().Err(err).Msg("Failed to release resource")
		}
	}
}

func (a *App) persist(g config.ViewportGeometry) {
	if a.deps.State == nil {
		return
	}
	if err := a.deps.State.Save(g); err != nil {
		logger.WithComponent("app").Warn().Err(err).Msg("Failed to persist preview geometry")
	}
}

// Geometry returns the preview geometry, read on the event loop
func (a *App) Geometry(ctx context.Context) (display.Geometry, error) {
	var g display.Geometry
	if err := a.loop.Call(ctx, func() { g = a.deps.Preview.Geometry() }); err != nil {
		return display.Geometry{}, err
	}
	return g, nil
}

// UpdateGeometry applies a geometry change on the event loop and persists
// the result
func (a *App) UpdateGeometry(ctx context.Context, u api.GeometryUpdate) (display.Geometry, error) {
	var g display.Geometry
	var opErr error
	if err := a.loop.Call(ctx, func() { g, opErr = a.applyGeometry(u) }); err != nil {
		return display.Geometry{}, err
	}
	return g, opErr
}

func (a *App) applyGeometry(u api.GeometryUpdate) (display.Geometry, error) {
	p := a.deps.Preview
	cur := p.Geometry()
	var errs []error

	if u.X != nil || u.Y != nil {
		x, y := cur.X, cur.Y
		if u.X != nil {
			x = *u.X
		}
		if u.Y != nil {
			y = *u.Y
		}
		errs = append(errs, p.Move(x, y))
	}

	if u.Width != nil {
		width := *u.Width
		if width < config.MinWidth {
			width = config.MinWidth
		}
		// Keep the current aspect ratio
		height := width
		if cur.Width > 0 && cur.Height > 0 {
			height = tracker.ViewportHeight(width, float64(cur.Width)/float64(cur.Height))
		}
		errs = append(errs, p.Resize(width, height))
	}

	if u.Alpha != nil {
		_, err := p.SetOpacity(*u.Alpha)
		errs = append(errs, err)
	}

	g := p.Geometry()
	vp := g.Viewport().Normalize()
	a.viewport.Store(&vp)
	a.persist(vp)

	logger.WithComponent("app").Info().
		Int("x", g.X).
		Int("y", g.Y).
		Int("width", g.Width).
		Float64("alpha", g.Alpha).
		Msg("Preview geometry updated")

	return g, errors.Join(errs...)
}

// RequestRestart persists the geometry and asks the supervisor to restart
// the process. Only the first request has an effect.
func (a *App) RequestRestart(reason string) error {
	a.restartOnce.Do(func() {
		a.persist(*a.viewport.Load())

		if a.deps.Restarter == nil {
			a.restartErr = errors.New("no restarter configured")
			return
		}
		a.restartErr = a.deps.Restarter.Restart(reason)
	})
	return a.restartErr
}

func (a *App) onWatchdogTrip(age time.Duration) {
	if err := a.RequestRestart("watchdog"); err != nil {
		logger.WithComponent("app").Error().
			Err(err).
			Dur("last_frame_age", age).
			Msg("Restart failed, exiting")
		a.exit(1)
	}
}
