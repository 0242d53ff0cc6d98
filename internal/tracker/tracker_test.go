package tracker

import (
	"context"
	"image"
	"testing"
	"time"

	"github.com/bryanchriswhite/FloatPeek/internal/capture"
	"github.com/bryanchriswhite/FloatPeek/internal/loop"
	"github.com/bryanchriswhite/FloatPeek/internal/window"
)

type fakeResolver struct {
	handle      window.Handle
	found       bool
	resolves    int
	activations int
}

func (f *fakeResolver) Resolve(string) (window.Handle, bool) {
	f.resolves++
	return f.handle, f.found
}

func (f *fakeResolver) Activate(string) error {
	f.activations++
	return nil
}

// scriptedCapturer returns results in order, repeating the last one
type scriptedCapturer struct {
	results []capture.Result
	calls   int
	handles []window.Handle
}

func (s *scriptedCapturer) Capture(h window.Handle) capture.Result {
	s.handles = append(s.handles, h)
	i := s.calls
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	s.calls++
	return s.results[i]
}

type fakeDisplay struct {
	width, height int
	x, y          int
	resizes       int
	moves         int
	frames        []*image.RGBA
	statuses      []string
}

func (d *fakeDisplay) ShowFrame(img *image.RGBA) error {
	d.frames = append(d.frames, img)
	return nil
}
func (d *fakeDisplay) ShowStatus(text string) error {
	d.statuses = append(d.statuses, text)
	return nil
}
func (d *fakeDisplay) Size() (int, int) { return d.width, d.height }
func (d *fakeDisplay) Resize(w, h int) error {
	d.width, d.height = w, h
	d.resizes++
	return nil
}
func (d *fakeDisplay) Move(x, y int) error {
	d.x, d.y = x, y
	d.moves++
	return nil
}

type fakeHealth struct {
	marks []time.Time
}

func (f *fakeHealth) Mark(t time.Time) { f.marks = append(f.marks, t) }

func frame(w, h int) capture.Result {
	return capture.Captured(&capture.Frame{Width: w, Height: h, Stride: w * 4, Pix: make([]byte, w*h*4)})
}

func failed() capture.Result {
	return capture.Failed(capture.ErrStaleHandle)
}

func testConfig() Config {
	return Config{
		AppName:         "Music",
		RefreshPeriod:   40 * time.Millisecond,
		SearchBackoff:   2 * time.Second,
		ActivationRetry: 500 * time.Millisecond,
		AspectTolerance: 0.01,
		InitialPosition: image.Pt(100, 200),
	}
}

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func TestTick_UnresolvedBacksOff(t *testing.T) {
	res := &fakeResolver{}
	capt := &scriptedCapturer{results: []capture.Result{frame(10, 10)}}
	disp := &fakeDisplay{width: 140, height: 140}
	tr := New(testConfig(), res, capt, disp, &fakeHealth{})

	if d := tr.Tick(t0); d != 2*time.Second {
		t.Fatalf("expected search backoff, got %v", d)
	}
	if tr.State() != Unresolved {
		t.Fatalf("expected Unresolved, got %v", tr.State())
	}
	if capt.calls != 0 {
		t.Fatalf("capture must not run without a handle")
	}
	if len(disp.statuses) != 1 || disp.statuses[0] != "searching for Music…" {
		t.Fatalf("unexpected statuses %v", disp.statuses)
	}

	// Repeated searches do not repaint the same status
	tr.Tick(t0.Add(2 * time.Second))
	if len(disp.statuses) != 1 {
		t.Fatalf("expected status to be painted once, got %v", disp.statuses)
	}
}

func TestTick_SuccessDeliversFrameAndMarksHealth(t *testing.T) {
	res := &fakeResolver{handle: 0x42, found: true}
	capt := &scriptedCapturer{results: []capture.Result{frame(200, 100)}}
	disp := &fakeDisplay{width: 140, height: 140}
	health := &fakeHealth{}

	cfg := testConfig()
	cfg.Margins = capture.Margins{Top: 10, Bottom: 10, Left: 20, Right: 20}
	tr := New(cfg, res, capt, disp, health)

	if d := tr.Tick(t0); d != 40*time.Millisecond {
		t.Fatalf("expected refresh period, got %v", d)
	}
	if tr.State() != Resolved || tr.Handle() != 0x42 {
		t.Fatalf("expected Resolved on 0x42, got %v/%#x", tr.State(), tr.Handle())
	}
	if len(disp.frames) != 1 {
		t.Fatalf("expected one frame, got %d", len(disp.frames))
	}
	if b := disp.frames[0].Bounds(); b.Dx() != 160 || b.Dy() != 80 {
		t.Fatalf("expected cropped 160x80 frame, got %v", b)
	}
	if len(health.marks) != 1 || !health.marks[0].Equal(t0) {
		t.Fatalf("expected health mark at t0, got %v", health.marks)
	}

	snap := tr.Snapshot()
	if snap.State != "resolved" || snap.FramesDelivered != 1 || snap.WindowID != 0x42 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestTick_FirstFramePlacesPreviewAtPersistedPosition(t *testing.T) {
	res := &fakeResolver{handle: 1, found: true}
	capt := &scriptedCapturer{results: []capture.Result{frame(200, 100)}}
	disp := &fakeDisplay{width: 140, height: 10}
	tr := New(testConfig(), res, capt, disp, &fakeHealth{})

	tr.Tick(t0)
	if disp.x != 100 || disp.y != 200 {
		t.Fatalf("expected preview at (100,200), got (%d,%d)", disp.x, disp.y)
	}

	// User drags the preview; later frames keep the new position
	disp.x, disp.y = 500, 600
	tr.Tick(t0.Add(40 * time.Millisecond))
	if disp.moves != 1 || disp.x != 500 || disp.y != 600 {
		t.Fatalf("expected a single placement, got %d moves at (%d,%d)", disp.moves, disp.x, disp.y)
	}
}

func TestTick_AspectPreservingResize(t *testing.T) {
	res := &fakeResolver{handle: 1, found: true}
	capt := &scriptedCapturer{results: []capture.Result{
		frame(300, 200), // r = 1.5
		frame(301, 200), // r = 1.505, within tolerance
		frame(400, 200), // r = 2.0
	}}
	disp := &fakeDisplay{width: 150, height: 10}
	tr := New(testConfig(), res, capt, disp, &fakeHealth{})

	tr.Tick(t0)
	if disp.width != 150 || disp.height != 100 {
		t.Fatalf("expected 150x100, got %dx%d", disp.width, disp.height)
	}

	tr.Tick(t0.Add(40 * time.Millisecond))
	if disp.resizes != 1 {
		t.Fatalf("expected no resize within tolerance, got %d resizes", disp.resizes)
	}

	tr.Tick(t0.Add(80 * time.Millisecond))
	if disp.resizes != 2 || disp.width != 150 || disp.height != 75 {
		t.Fatalf("expected resize to 150x75, got %dx%d after %d resizes", disp.width, disp.height, disp.resizes)
	}
}

func TestViewportHeight(t *testing.T) {
	tests := []struct {
		width int
		ratio float64
		want  int
	}{
		{140, 1.0, 140},
		{140, 16.0 / 9.0, 79},
		{150, 1.5, 100},
		{100, 3.0, 33},
		{140, 1000, 1},
		{140, 0, 140},
	}
	for _, tt := range tests {
		if got := ViewportHeight(tt.width, tt.ratio); got != tt.want {
			t.Errorf("ViewportHeight(%d, %v) = %d, want %d", tt.width, tt.ratio, got, tt.want)
		}
	}
}

func TestTick_SingleActivationBeforeReresolve(t *testing.T) {
	res := &fakeResolver{handle: 7, found: true}
	capt := &scriptedCapturer{results: []capture.Result{frame(10, 10), failed()}}
	disp := &fakeDisplay{width: 140, height: 140}
	tr := New(testConfig(), res, capt, disp, &fakeHealth{})

	tr.Tick(t0) // success

	if d := tr.Tick(t0.Add(40 * time.Millisecond)); d != 500*time.Millisecond {
		t.Fatalf("expected activation retry, got %v", d)
	}
	if tr.State() != ActivationPending || res.activations != 1 {
		t.Fatalf("expected ActivationPending after one activation, got %v/%d", tr.State(), res.activations)
	}
	if disp.statuses[len(disp.statuses)-1] != "reactivating Music…" {
		t.Fatalf("unexpected status %v", disp.statuses)
	}

	tr.Tick(t0.Add(540 * time.Millisecond))
	if tr.State() != Unresolved || tr.Handle() != 0 {
		t.Fatalf("expected handle dropped, got %v/%#x", tr.State(), tr.Handle())
	}
	if res.activations != 1 {
		t.Fatalf("activation must happen once per failure streak, got %d", res.activations)
	}
	if snap := tr.Snapshot(); snap.ConsecutiveFailures != 2 || snap.LastError == "" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestTick_ConsecutiveFailuresActivateOncePerResolution(t *testing.T) {
	res := &fakeResolver{handle: 7, found: true}
	capt := &scriptedCapturer{results: []capture.Result{failed()}}
	disp := &fakeDisplay{width: 140, height: 140}
	health := &fakeHealth{}
	tr := New(testConfig(), res, capt, disp, health)

	now := t0
	for i := 0; i < 6; i++ {
		now = now.Add(tr.Tick(now))
	}

	// Each resolution cycle is fail+activate, then fail+drop
	if res.resolves != 3 {
		t.Fatalf("expected 3 resolutions, got %d", res.resolves)
	}
	if res.activations != 3 {
		t.Fatalf("expected one activation per resolution, got %d", res.activations)
	}
	if len(health.marks) != 0 {
		t.Fatalf("health must only move on success, got %v", health.marks)
	}
}

func TestTick_SuccessAfterActivationResetsFlag(t *testing.T) {
	res := &fakeResolver{handle: 7, found: true}
	capt := &scriptedCapturer{results: []capture.Result{failed(), frame(10, 10), failed(), failed()}}
	disp := &fakeDisplay{width: 140, height: 140}
	tr := New(testConfig(), res, capt, disp, &fakeHealth{})

	tr.Tick(t0)
	tr.Tick(t0.Add(time.Second))
	if tr.State() != Resolved {
		t.Fatalf("expected recovery to Resolved, got %v", tr.State())
	}

	tr.Tick(t0.Add(2 * time.Second))
	if res.activations != 2 || tr.State() != ActivationPending {
		t.Fatalf("expected a fresh activation after recovery, got %d/%v", res.activations, tr.State())
	}
	if res.resolves != 1 {
		t.Fatalf("expected the handle to be kept, got %d resolves", res.resolves)
	}
}

func TestTick_InvalidCropCountsAsFailure(t *testing.T) {
	res := &fakeResolver{handle: 3, found: true}
	capt := &scriptedCapturer{results: []capture.Result{frame(50, 50)}}
	disp := &fakeDisplay{width: 140, height: 140}
	health := &fakeHealth{}

	cfg := testConfig()
	cfg.Margins = capture.Margins{Left: 25, Right: 25}
	tr := New(cfg, res, capt, disp, health)

	tr.Tick(t0)
	if tr.State() != ActivationPending {
		t.Fatalf("expected crop failure to trigger activation, got %v", tr.State())
	}
	if len(disp.frames) != 0 || len(health.marks) != 0 {
		t.Fatalf("no frame should be delivered for an invalid crop")
	}
	if tr.Snapshot().LastError == "" {
		t.Fatalf("expected last error recorded")
	}
}

type recordingScheduler struct {
	delays []time.Duration
	fns    []loop.Func
}

func (r *recordingScheduler) After(d time.Duration, fn loop.Func) {
	r.delays = append(r.delays, d)
	r.fns = append(r.fns, fn)
}

func TestRun_ReschedulesWithTickDelay(t *testing.T) {
	res := &fakeResolver{}
	tr := New(testConfig(), res, &scriptedCapturer{results: []capture.Result{failed()}}, &fakeDisplay{width: 140}, nil)

	s := &recordingScheduler{}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	tr.Run(ctx, s, func() time.Time { return t0 })

	if len(s.delays) != 1 || s.delays[0] != 0 {
		t.Fatalf("expected an immediate first tick, got %v", s.delays)
	}
	s.fns[0]()
	if len(s.delays) != 2 || s.delays[1] != 2*time.Second {
		t.Fatalf("expected search backoff reschedule, got %v", s.delays)
	}
}
