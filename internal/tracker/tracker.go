// Package tracker keeps a preview of one application's window alive.
//
// A Tracker resolves the application to a window, captures it on every
// tick, and recovers from capture failures by activating the application
// once before falling back to a fresh resolution. Tick is not safe for
// concurrent use; drive it from a single goroutine (see Run).
package tracker

import (
	"context"
	"fmt"
	"image"
	"math"
	"sync"
	"time"

	"github.com/bryanchriswhite/FloatPeek/internal/capture"
	"github.com/bryanchriswhite/FloatPeek/internal/config"
	"github.com/bryanchriswhite/FloatPeek/internal/logger"
	"github.com/bryanchriswhite/FloatPeek/internal/loop"
	"github.com/bryanchriswhite/FloatPeek/internal/window"
)

// State is the tracking state of the target window
type State int

const (
	// Unresolved means no window handle is held
	Unresolved State = iota
	// Resolved means a handle is held and capturing succeeds
	Resolved
	// ActivationPending means the last capture failed and the application
	// was asked to come to the foreground
	ActivationPending
)

func (s State) String() string {
	switch s {
	case Unresolved:
		return "unresolved"
	case Resolved:
		return "resolved"
	case ActivationPending:
		return "activation_pending"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Resolver finds and activates the target application's windows
type Resolver interface {
	Resolve(appName string) (window.Handle, bool)
	Activate(appName string) error
}

// Capturer snapshots a window
type Capturer interface {
	Capture(h window.Handle) capture.Result
}

// Display is the preview surface the tracker paints into
type Display interface {
	ShowFrame(img *image.RGBA) error
	ShowStatus(text string) error
	Size() (width, height int)
	Resize(width, height int) error
	Move(x, y int) error
}

// HealthMarker records successful frame delivery
type HealthMarker interface {
	Mark(t time.Time)
}

// Scheduler runs callbacks after a delay
type Scheduler interface {
	After(d time.Duration, fn loop.Func)
}

// Config holds the tracker's tunables
type Config struct {
	AppName         string
	Margins         capture.Margins
	RefreshPeriod   time.Duration
	SearchBackoff   time.Duration
	ActivationRetry time.Duration
	AspectTolerance float64
	// InitialPosition is where the preview goes when the first frame arrives
	InitialPosition image.Point
}

// FromConfig builds a tracker configuration from the application config
// and the persisted preview position
func FromConfig(cfg *config.Config, pos image.Point) Config {
	return Config{
		AppName:         cfg.TargetApp,
		Margins:         capture.MarginsFromConfig(cfg.Crop),
		RefreshPeriod:   cfg.RefreshPeriod(),
		SearchBackoff:   cfg.SearchBackoff(),
		ActivationRetry: cfg.ActivationRetry(),
		AspectTolerance: cfg.AspectTolerance,
		InitialPosition: pos,
	}
}

func (c Config) withDefaults() Config {
	if c.RefreshPeriod <= 0 {
		c.RefreshPeriod = 40 * time.Millisecond
	}
	if c.SearchBackoff <= 0 {
		c.SearchBackoff = 2 * time.Second
	}
	if c.ActivationRetry <= 0 {
		c.ActivationRetry = 500 * time.Millisecond
	}
	if c.AspectTolerance <= 0 {
		c.AspectTolerance = 0.01
	}
	return c
}

// Snapshot is a point-in-time view of the tracker for status reporting
type Snapshot struct {
	App                 string    `json:"app"`
	State               string    `json:"state"`
	WindowID            uint32    `json:"window_id,omitempty"`
	Status              string    `json:"status,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Activations         uint64    `json:"activations"`
	FramesDelivered     uint64    `json:"frames_delivered"`
	FrameWidth          int       `json:"frame_width,omitempty"`
	FrameHeight         int       `json:"frame_height,omitempty"`
	LastFrameAt         time.Time `json:"last_frame_at"`
	LastError           string    `json:"last_error,omitempty"`
}

// Tracker is the window tracking state machine
type Tracker struct {
	cfg      Config
	resolver Resolver
	capturer Capturer
	display  Display
	health   HealthMarker

	state               State
	handle              window.Handle
	activationAttempted bool
	aspect              float64
	placed              bool
	status              string

	consecutiveFailures int
	activations         uint64
	framesDelivered     uint64
	frameW, frameH      int
	lastFrameAt         time.Time
	lastErr             error

	mu   sync.RWMutex
	snap Snapshot
}

// New creates a tracker in the Unresolved state
func New(cfg Config, resolver Resolver, capturer Capturer, display Display, health HealthMarker) *Tracker {
	t := &Tracker{
		cfg:      cfg.withDefaults(),
		resolver: resolver,
		capturer: capturer,
		display:  display,
		health:   health,
		state:    Unresolved,
	}
	t.publish()
	return t
}

// State returns the current state. Only meaningful on the ticking goroutine.
func (t *Tracker) State() State {
	return t.state
}

// Handle returns the current window handle, zero when unresolved
func (t *Tracker) Handle() window.Handle {
	return t.handle
}

// Tick advances the state machine once and returns the delay until the
// next tick should run
func (t *Tracker) Tick(now time.Time) time.Duration {
	delay := t.step(now)
	t.publish()
	return delay
}

func (t *Tracker) step(now time.Time) time.Duration {
	log := logger.WithComponent("tracker")

	if t.state == Unresolved {
		h, ok := t.resolver.Resolve(t.cfg.AppName)
		if !ok {
			t.setStatus(fmt.Sprintf("searching for %s…", t.cfg.AppName))
			return t.cfg.SearchBackoff
		}

		t.handle = h
		t.state = Resolved
		t.activationAttempted = false
		log.Info().
			Str("app", t.cfg.AppName).
			Uint32("window_id", uint32(h)).
			Msg("Target window resolved")
	}

	res := t.capturer.Capture(t.handle)
	if !res.OK() {
		return t.onFailure(res.Err)
	}

	img, err := capture.Crop(res.Frame, t.cfg.Margins)
	if err != nil {
		return t.onFailure(err)
	}

	t.onSuccess(now, img)
	return t.cfg.RefreshPeriod
}

func (t *Tracker) onSuccess(now time.Time, img *image.RGBA) {
	log := logger.WithComponent("tracker")

	if t.state == ActivationPending {
		log.Info().
			Uint32("window_id", uint32(t.handle)).
			Msg("Capture recovered after activation")
	}
	t.state = Resolved
	t.activationAttempted = false
	t.consecutiveFailures = 0
	t.lastErr = nil
	t.status = ""

	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	ratio := float64(w) / float64(h)

	if !t.placed || math.Abs(ratio-t.aspect) > t.cfg.AspectTolerance {
		viewW, _ := t.display.Size()
		viewH := ViewportHeight(viewW, ratio)
		if err := t.display.Resize(viewW, viewH); err != nil {
			log.Warn().Err(err).Msg("Failed to resize preview")
		}
		t.aspect = ratio
		log.Debug().
			Float64("aspect", ratio).
			Int("width", viewW).
			Int("height", viewH).
			Msg("Preview resized to new aspect ratio")
	}

	if !t.placed {
		p := t.cfg.InitialPosition
		if err := t.display.Move(p.X, p.Y); err != nil {
			log.Warn().Err(err).Msg("Failed to place preview")
		}
		t.placed = true
	}

	if err := t.display.ShowFrame(img); err != nil {
		log.Warn().Err(err).Msg("Failed to show frame")
		t.lastErr = err
		return
	}

	t.frameW, t.frameH = w, h
	t.framesDelivered++
	t.lastFrameAt = now
	if t.health != nil {
		t.health.Mark(now)
	}
}

func (t *Tracker) onFailure(err error) time.Duration {
	log := logger.WithComponent("tracker")

	t.consecutiveFailures++
	t.lastErr = err

	if !t.activationAttempted {
		t.activationAttempted = true
		t.state = ActivationPending
		t.activations++

		log.Warn().
			Err(err).
			Str("app", t.cfg.AppName).
			Uint32("window_id", uint32(t.handle)).
			Msg("Capture failed, activating application")

		if actErr := t.resolver.Activate(t.cfg.AppName); actErr != nil {
			log.Warn().Err(actErr).Str("app", t.cfg.AppName).Msg("Activation failed")
		}
		t.setStatus(fmt.Sprintf("reactivating %s…", t.cfg.AppName))
		return t.cfg.ActivationRetry
	}

	log.Warn().
		Err(err).
		Uint32("window_id", uint32(t.handle)).
		Msg("Capture still failing after activation, dropping window")

	t.handle = 0
	t.state = Unresolved
	t.activationAttempted = false
	t.setStatus(fmt.Sprintf("searching for %s…", t.cfg.AppName))
	return t.cfg.RefreshPeriod
}

func (t *Tracker) setStatus(text string) {
	if text == t.status {
		return
	}
	t.status = text
	if err := t.display.ShowStatus(text); err != nil {
		logger.WithComponent("tracker").Warn().Err(err).Msg("Failed to show status")
	}
}

// ViewportHeight returns the height matching width at the given aspect
// ratio, never less than one pixel
func ViewportHeight(width int, ratio float64) int {
	if ratio <= 0 {
		return width
	}
	h := int(math.Round(float64(width) / ratio))
	if h < 1 {
		h = 1
	}
	return h
}

func (t *Tracker) publish() {
	s := Snapshot{
		App:                 t.cfg.AppName,
		State:               t.state.String(),
		WindowID:            uint32(t.handle),
		Status:              t.status,
		ConsecutiveFailures: t.consecutiveFailures,
		Activations:         t.activations,
		FramesDelivered:     t.framesDelivered,
		FrameWidth:          t.frameW,
		FrameHeight:         t.frameH,
		LastFrameAt:         t.lastFrameAt,
	}
	if t.lastErr != nil {
		s.LastError = t.lastErr.Error()
	}

	t.mu.Lock()
	t.snap = s
	t.mu.Unlock()
}

// Snapshot returns the state as of the last completed tick. Safe to call
// from any goroutine.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snap
}

// Run schedules ticks on s until ctx is cancelled. now defaults to time.Now.
func (t *Tracker) Run(ctx context.Context, s Scheduler, now func() time.Time) {
	if now == nil {
		now = time.Now
	}

	logger.WithComponent("tracker").Info().
		Str("app", t.cfg.AppName).
		Dur("refresh", t.cfg.RefreshPeriod).
		Dur("search_backoff", t.cfg.SearchBackoff).
		Dur("activation_retry", t.cfg.ActivationRetry).
		Msg("Tracking started")

	var tick loop.Func
	tick = func() {
		if ctx.Err() != nil {
			return
		}
		delay := t.Tick(now())
		s.After(delay, tick)
	}
	s.After(0, tick)
}
