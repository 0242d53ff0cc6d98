package capture

import (
	"errors"
	"fmt"
	"image"

	"github.com/bryanchriswhite/FloatPeek/internal/config"
	"github.com/bryanchriswhite/FloatPeek/internal/window"
)

var (
	// ErrStaleHandle means the window no longer exists
	ErrStaleHandle = errors.New("window handle is stale")
	// ErrNotViewable means the window exists but is unmapped or minimized
	ErrNotViewable = errors.New("window is not viewable")
	// ErrEmptyImage means the capture produced zero pixels
	ErrEmptyImage = errors.New("captured image is empty")
	// ErrInvalidCrop means the crop margins leave no pixels
	ErrInvalidCrop = errors.New("crop margins exceed captured size")
	// ErrNoCapturer means no capture backend could serve the request
	ErrNoCapturer = errors.New("no capturer available")
)

// Capturer defines the interface for window capture backends
type Capturer interface {
	// Capture snapshots the given window. It never panics and never returns
	// a nil Result; failure is reported through Result.Err.
	Capture(h window.Handle) Result

	// Name returns a human-readable name for this capturer
	Name() string

	// Close releases resources held by the capturer
	Close() error
}

// Frame is a captured window bitmap in RGBA order. Stride may exceed
// Width*4 when the source pads scanlines.
type Frame struct {
	Width  int
	Height int
	Stride int
	Pix    []byte
}

// RGBA wraps the frame buffer as an image without copying
func (f *Frame) RGBA() *image.RGBA {
	return &image.RGBA{
		Pix:    f.Pix,
		Stride: f.Stride,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
}

// Validate checks dimensions against the buffer size
func (f *Frame) Validate() error {
	if f == nil || f.Width <= 0 || f.Height <= 0 {
		return ErrEmptyImage
	}
	if f.Stride < f.Width*4 {
		return fmt.Errorf("stride %d shorter than row of %d pixels", f.Stride, f.Width)
	}
	if len(f.Pix) < f.Stride*(f.Height-1)+f.Width*4 {
		return fmt.Errorf("pixel buffer too short: %d bytes for %dx%d stride %d", len(f.Pix), f.Width, f.Height, f.Stride)
	}
	return nil
}

// FrameFromRGBA adopts an image.RGBA as a Frame, sharing its pixels
func FrameFromRGBA(img *image.RGBA) *Frame {
	if img == nil {
		return nil
	}
	b := img.Bounds()
	if b.Empty() {
		return &Frame{}
	}
	offset := img.PixOffset(b.Min.X, b.Min.Y)
	return &Frame{Width: b.Dx(), Height: b.Dy(), Stride: img.Stride, Pix: img.Pix[offset:]}
}

// Result is the outcome of one capture: exactly one of Frame and Err is set
type Result struct {
	Frame *Frame
	Err   error
}

// OK reports whether the capture produced a frame
func (r Result) OK() bool {
	return r.Err == nil && r.Frame != nil
}

// Captured wraps a successful frame, downgrading invalid frames to failures
func Captured(f *Frame) Result {
	if err := f.Validate(); err != nil {
		return Result{Err: err}
	}
	return Result{Frame: f}
}

// Failed wraps a capture error
func Failed(err error) Result {
	if err == nil {
		err = ErrEmptyImage
	}
	return Result{Err: err}
}

// Margins are pixel counts removed from each edge before display
type Margins struct {
	Top    int
	Bottom int
	Left   int
	Right  int
}

// MarginsFromConfig converts the configured crop
func MarginsFromConfig(c config.CropConfig) Margins {
	return Margins{Top: c.Top, Bottom: c.Bottom, Left: c.Left, Right: c.Right}
}

// Size returns the cropped dimensions for a width x height source
func (m Margins) Size(width, height int) (int, int) {
	return width - m.Left - m.Right, height - m.Top - m.Bottom
}

// Crop removes the margins from f and returns a packed copy. The result is
// ErrInvalidCrop when either remaining dimension is not positive.
func Crop(f *Frame, m Margins) (*image.RGBA, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if m.Top < 0 || m.Bottom < 0 || m.Left < 0 || m.Right < 0 {
		return nil, fmt.Errorf("%w: negative margin %+v", ErrInvalidCrop, m)
	}

	cw, ch := m.Size(f.Width, f.Height)
	if cw <= 0 || ch <= 0 {
		return nil, fmt.Errorf("%w: %dx%d minus %+v", ErrInvalidCrop, f.Width, f.Height, m)
	}

	out := image.NewRGBA(image.Rect(0, 0, cw, ch))
	rowBytes := cw * 4
	for y := 0; y < ch; y++ {
		src := (y+m.Top)*f.Stride + m.Left*4
		copy(out.Pix[y*out.Stride:y*out.Stride+rowBytes], f.Pix[src:src+rowBytes])
	}
	return out, nil
}
