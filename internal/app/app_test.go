package app

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/bryanchriswhite/FloatPeek/internal/api"
	"github.com/bryanchriswhite/FloatPeek/internal/capture"
	"github.com/bryanchriswhite/FloatPeek/internal/config"
	"github.com/bryanchriswhite/FloatPeek/internal/display"
	"github.com/bryanchriswhite/FloatPeek/internal/window"
)

type fakePreview struct {
	mu     sync.Mutex
	geom   display.Geometry
	frames int
	closed bool
}

func (p *fakePreview) ShowFrame(*image.RGBA) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames++
	return nil
}
func (p *fakePreview) ShowStatus(string) error { return nil }
func (p *fakePreview) Size() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.geom.Width, p.geom.Height
}
func (p *fakePreview) Resize(w, h int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.geom.Width, p.geom.Height = w, h
	return nil
}
func (p *fakePreview) Move(x, y int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.geom.X, p.geom.Y = x, y
	return nil
}
func (p *fakePreview) Geometry() display.Geometry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.geom
}
func (p *fakePreview) SetOpacity(a float64) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.geom.Alpha = display.ClampOpacity(a)
	return p.geom.Alpha, nil
}
func (p *fakePreview) Close() error {
	p.closed = true
	return nil
}
func (p *fakePreview) frameCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames
}

type memState struct {
	mu    sync.Mutex
	saved []config.ViewportGeometry
}

func (m *memState) Load() config.ViewportGeometry { return config.DefaultGeometry() }
func (m *memState) Save(g config.ViewportGeometry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, g)
	return nil
}
func (m *memState) last() (config.ViewportGeometry, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.saved) == 0 {
		return config.ViewportGeometry{}, 0
	}
	return m.saved[len(m.saved)-1], len(m.saved)
}

type staticResolver struct{}

func (staticResolver) Resolve(string) (window.Handle, bool) { return 1, true }
func (staticResolver) Activate(string) error                { return nil }

type solidCapturer struct{}

func (solidCapturer) Capture(window.Handle) capture.Result {
	return capture.Captured(&capture.Frame{Width: 200, Height: 100, Stride: 800, Pix: make([]byte, 80000)})
}

type countingRestarter struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (c *countingRestarter) Restart(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, reason)
	return c.err
}
func (c *countingRestarter) Name() string { return "counting" }

func newTestApp(t *testing.T) (*App, *fakePreview, *memState, *countingRestarter) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.RefreshMS = 5

	preview := &fakePreview{geom: display.Geometry{X: 50, Y: 50, Width: 140, Height: 140, Alpha: 1}}
	state := &memState{}
	rs := &countingRestarter{}

	a := New(cfg, config.ViewportGeometry{X: 10, Y: 20, Width: 140, Alpha: 0.5}, Deps{
		Resolver:  staticResolver{},
		Capturer:  solidCapturer{},
		Preview:   preview,
		State:     state,
		Restarter: rs,
	})
	a.exit = func(code int) { t.Errorf("unexpected exit(%d)", code) }
	return a, preview, state, rs
}

func TestRun_DeliversFramesAndPersistsOnShutdown(t *testing.T) {
	a, preview, state, _ := newTestApp(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for preview.frameCount() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("no frames delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	g := preview.Geometry()
	if g.X != 10 || g.Y != 20 || g.Height != 70 {
		t.Fatalf("expected first frame to place and size the preview, got %+v", g)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return")
	}

	if !preview.closed {
		t.Fatalf("expected preview closed")
	}
	if saved, n := state.last(); n == 0 || saved.X != 10 || saved.Alpha != 0.5 {
		t.Fatalf("expected geometry persisted on shutdown, got %+v (%d saves)", saved, n)
	}
}

func TestUpdateGeometry_AppliesOnLoopAndPersists(t *testing.T) {
	a, preview, state, _ := newTestApp(t)
	preview.geom = display.Geometry{X: 50, Y: 50, Width: 140, Height: 70, Alpha: 1}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.loop.Run(ctx)

	x, width, alpha := 300, 200, 0.05
	g, err := a.UpdateGeometry(ctx, api.GeometryUpdate{X: &x, Width: &width, Alpha: &alpha})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	if g.X != 300 || g.Y != 50 {
		t.Fatalf("expected move to (300,50), got %+v", g)
	}
	if g.Width != 200 || g.Height != 100 {
		t.Fatalf("expected aspect-preserving resize to 200x100, got %+v", g)
	}
	if g.Alpha != 0.2 {
		t.Fatalf("expected opacity clamped to 0.2, got %v", g.Alpha)
	}

	saved, n := state.last()
	if n != 1 || saved != (config.ViewportGeometry{X: 300, Y: 50, Width: 200, Alpha: 0.2}) {
		t.Fatalf("unexpected persisted geometry %+v", saved)
	}
}

func TestRequestRestart_PersistsThenRestartsOnce(t *testing.T) {
	a, _, state, rs := newTestApp(t)

	if err := a.RequestRestart("api"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := a.RequestRestart("watchdog"); err != nil {
		t.Fatalf("second restart: %v", err)
	}

	if len(rs.calls) != 1 || rs.calls[0] != "api" {
		t.Fatalf("expected one restart, got %v", rs.calls)
	}
	if saved, n := state.last(); n != 1 || saved.X != 10 || saved.Y != 20 {
		t.Fatalf("expected geometry persisted before restart, got %+v (%d)", saved, n)
	}
}

func TestWatchdogTrip_ExitsWhenRestartFails(t *testing.T) {
	a, _, _, rs := newTestApp(t)
	rs.err = errors.New("exec failed")

	code := -1
	a.exit = func(c int) { code = c }

	a.onWatchdogTrip(11 * time.Second)
	if code != 1 {
		t.Fatalf("expected exit(1), got %d", code)
	}
}
