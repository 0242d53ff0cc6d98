package capture

import (
	"errors"
	"fmt"
	"image"

	"github.com/bryanchriswhite/FloatPeek/internal/logger"
	"github.com/bryanchriswhite/FloatPeek/internal/window"
	"github.com/kbinani/screenshot"
)

// WindowSource captures a single window and can locate it on screen
type WindowSource interface {
	CaptureWindow(h window.Handle) (*Frame, error)
	WindowRect(h window.Handle) (image.Rectangle, error)
	Name() string
	Close() error
}

// RegionGrabber captures a rectangle of the screen in root coordinates
type RegionGrabber func(rect image.Rectangle) (*image.RGBA, error)

// ScreenRegion grabs a screen rectangle with kbinani/screenshot
func ScreenRegion(rect image.Rectangle) (*image.RGBA, error) {
	return screenshot.CaptureRect(rect)
}

// Router tries the window source first and falls back to grabbing the
// window's on-screen rectangle when the direct read fails
type Router struct {
	primary  WindowSource
	fallback RegionGrabber
}

// NewRouter creates a capture router. fallback may be nil.
func NewRouter(primary WindowSource, fallback RegionGrabber) *Router {
	return &Router{primary: primary, fallback: fallback}
}

// NewDefaultRouter wires the X11 capturer with the screenshot fallback
func NewDefaultRouter() (*Router, error) {
	x11, err := NewX11Capturer()
	if err != nil {
		return nil, err
	}
	return NewRouter(x11, ScreenRegion), nil
}

// Name returns the capturer name
func (r *Router) Name() string {
	if r.primary == nil {
		return "router"
	}
	return "router(" + r.primary.Name() + ")"
}

// Close releases the primary source
func (r *Router) Close() error {
	if r.primary == nil {
		return nil
	}
	return r.primary.Close()
}

// Capture snapshots the window. Errors and panics from the backends are
// converted to a failed Result.
func (r *Router) Capture(h window.Handle) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			res = Failed(fmt.Errorf("capture panic: %v", p))
		}
	}()

	if r.primary == nil {
		return Failed(ErrNoCapturer)
	}

	log := logger.WithComponent("capture-router")

	frame, err := r.primary.CaptureWindow(h)
	if err == nil {
		return Captured(frame)
	}

	// A closed or minimized window has nothing on screen to fall back to
	if errors.Is(err, ErrStaleHandle) || errors.Is(err, ErrNotViewable) || errors.Is(err, ErrEmptyImage) || r.fallback == nil {
		return Failed(err)
	}

	rect, rectErr := r.primary.WindowRect(h)
	if rectErr != nil {
		return Failed(errors.Join(err, rectErr))
	}
	if rect.Empty() {
		return Failed(ErrEmptyImage)
	}

	img, grabErr := r.fallback(rect)
	if grabErr != nil {
		return Failed(errors.Join(err, fmt.Errorf("region fallback: %w", grabErr)))
	}

	log.Debug().
		Err(err).
		Uint32("window_id", uint32(h)).
		Int("width", rect.Dx()).
		Int("height", rect.Dy()).
		Msg("Window read failed, used screen region fallback")
	return Captured(FrameFromRGBA(img))
}
