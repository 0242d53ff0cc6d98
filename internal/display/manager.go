package display

import (
	"fmt"
	"image"
	"sync"

	"github.com/BurntSushi/xgb/xproto"
	"github.com/BurntSushi/xgbutil"
	"github.com/BurntSushi/xgbutil/ewmh"
	"github.com/BurntSushi/xgbutil/icccm"
	"github.com/BurntSushi/xgbutil/xwindow"
	"github.com/bryanchriswhite/FloatPeek/internal/config"
	"github.com/bryanchriswhite/FloatPeek/internal/logger"
)

// Geometry is the preview window's position, size and opacity
type Geometry struct {
	X      int     `json:"x"`
	Y      int     `json:"y"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
	Alpha  float64 `json:"alpha"`
}

// Viewport returns the persisted subset of the geometry
func (g Geometry) Viewport() config.ViewportGeometry {
	return config.ViewportGeometry{X: g.X, Y: g.Y, Width: g.Width, Alpha: g.Alpha}
}

// Manager owns the floating preview window. Its methods are meant to be
// called from the event loop goroutine; the mutex only guards against the
// occasional read from elsewhere.
type Manager struct {
	xu     *xgbutil.XUtil
	win    *xwindow.Window
	gc     xproto.Gcontext
	format pixmapFormat
	// maxRequest is the largest request the server accepts, in bytes
	maxRequest int

	geom   Geometry
	last   *image.RGBA
	status string

	mu      sync.RWMutex
	closed  bool
	drained chan struct{}
}

// NewManager creates and maps the preview window for the persisted state.
// The window starts square until the first frame reveals the aspect ratio.
func NewManager(state config.ViewportGeometry) (*Manager, error) {
	state = state.Normalize()

	xu, err := xgbutil.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	m := &Manager{
		xu: xu,
		geom: Geometry{
			X:      state.X,
			Y:      state.Y,
			Width:  state.Width,
			Height: state.Width,
			Alpha:  ClampOpacity(state.Alpha),
		},
		maxRequest: int(xu.Setup().MaximumRequestLength) * 4,
		drained:    make(chan struct{}),
	}

	if err := m.start(); err != nil {
		xu.Conn().Close()
		return nil, err
	}

	go m.drainEvents()
	return m, nil
}

func (m *Manager) start() error {
	log := logger.WithComponent("display")
	screen := m.xu.Screen()

	format, ok := findFormat(m.xu.Setup(), screen.RootDepth)
	if !ok {
		return fmt.Errorf("no pixmap format for depth %d", screen.RootDepth)
	}
	m.format = format

	win, err := xwindow.Generate(m.xu)
	if err != nil {
		return fmt.Errorf("failed to create window ID: %w", err)
	}
	m.win = win

	// Override-redirect keeps the window manager from decorating or moving it
	mask := xproto.CwBackPixel | xproto.CwOverrideRedirect | xproto.CwEventMask
	err = win.CreateChecked(
		m.xu.RootWin(),
		m.geom.X, m.geom.Y, m.geom.Width, m.geom.Height,
		mask,
		0x000000,
		1,
		xproto.EventMaskExposure|xproto.EventMaskStructureNotify,
	)
	if err != nil {
		return fmt.Errorf("failed to create window: %w", err)
	}

	if err := ewmh.WmNameSet(m.xu, win.Id, "FloatPeek"); err != nil {
		log.Warn().Err(err).Msg("Failed to set window title")
	}
	if err := icccm.WmClassSet(m.xu, win.Id, &icccm.WmClass{Instance: "floatpeek", Class: "FloatPeek"}); err != nil {
		log.Warn().Err(err).Msg("Failed to set window class")
	}
	if err := ewmh.WmWindowTypeSet(m.xu, win.Id, []string{"_NET_WM_WINDOW_TYPE_UTILITY"}); err != nil {
		log.Warn().Err(err).Msg("Failed to set window type")
	}
	if err := ewmh.WmStateSet(m.xu, win.Id, []string{
		"_NET_WM_STATE_ABOVE",
		"_NET_WM_STATE_STICKY",
		"_NET_WM_STATE_SKIP_TASKBAR",
		"_NET_WM_STATE_SKIP_PAGER",
	}); err != nil {
		log.Warn().Err(err).Msg("Failed to set window state")
	}
	if err := ewmh.WmWindowOpacitySet(m.xu, win.Id, m.geom.Alpha); err != nil {
		log.Warn().Err(err).Msg("Failed to set window opacity")
	}

	if err := xproto.MapWindowChecked(m.xu.Conn(), win.Id).Check(); err != nil {
		return fmt.Errorf("failed to map window: %w", err)
	}

	gc, err := xproto.NewGcontextId(m.xu.Conn())
	if err != nil {
		return fmt.Errorf("failed to create graphics context: %w", err)
	}
	err = xproto.CreateGCChecked(
		m.xu.Conn(),
		gc,
		xproto.Drawable(win.Id),
		xproto.GcForeground|xproto.GcBackground,
		[]uint32{0xffffffff, 0x00000000},
	).Check()
	if err != nil {
		return fmt.Errorf("failed to create GC: %w", err)
	}
	m.gc = gc

	win.Stack(xproto.StackModeAbove)
	m.xu.Sync()

	log.Info().
		Int("x", m.geom.X).
		Int("y", m.geom.Y).
		Int("width", m.geom.Width).
		Float64("alpha", m.geom.Alpha).
		Uint32("window_id", uint32(win.Id)).
		Msg("Preview window created")
	return nil
}

func findFormat(setup *xproto.SetupInfo, depth byte) (pixmapFormat, bool) {
	for _, f := range setup.PixmapFormats {
		if f.Depth == depth {
			return pixmapFormat{
				depth:        depth,
				bitsPerPixel: int(f.BitsPerPixel),
				scanlinePad:  int(f.ScanlinePad),
				lsbFirst:     setup.ImageByteOrder == xproto.ImageOrderLSBFirst,
			}, true
		}
	}
	return pixmapFormat{}, false
}

// drainEvents keeps the connection's event queue from filling up and
// repaints after exposure
func (m *Manager) drainEvents() {
	defer close(m.drained)
	log := logger.WithComponent("display")

	for {
		ev, err := m.xu.Conn().WaitForEvent()
		if ev == nil && err == nil {
			return
		}
		if err != nil {
			log.Debug().Err(err).Msg("X error on display connection")
			continue
		}
		if expose, ok := ev.(xproto.ExposeEvent); ok && expose.Count == 0 {
			m.mu.RLock()
			last, status := m.last, m.status
			m.mu.RUnlock()
			if last != nil {
				m.ShowFrame(last)
			} else if status != "" {
				m.ShowStatus(status)
			}
		}
	}
}

// ShowFrame paints img scaled to fit the preview
func (m *Manager) ShowFrame(img *image.RGBA) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("display closed")
	}

	m.last = img
	m.status = ""
	return m.putImage(renderFrame(img, m.geom.Width, m.geom.Height))
}

// ShowStatus replaces the preview with a line of text
func (m *Manager) ShowStatus(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("display closed")
	}

	m.last = nil
	m.status = text
	return m.putImage(renderStatus(text, m.geom.Width, m.geom.Height))
}

// Size returns the preview size
func (m *Manager) Size() (int, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.geom.Width, m.geom.Height
}

// Geometry returns the current preview geometry
func (m *Manager) Geometry() Geometry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.geom
}

// Resize changes the preview size and repaints the last content
func (m *Manager) Resize(width, height int) error {
	if width < config.MinWidth {
		width = config.MinWidth
	}
	if height < 1 {
		height = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("display closed")
	}
	if width == m.geom.Width && height == m.geom.Height {
		return nil
	}

	m.geom.Width, m.geom.Height = width, height
	m.win.Resize(width, height)
	m.win.Stack(xproto.StackModeAbove)

	logger.WithComponent("display").Debug().
		Int("width", width).
		Int("height", height).
		Msg("Preview resized")

	if m.last != nil {
		return m.putImage(renderFrame(m.last, width, height))
	}
	if m.status != "" {
		return m.putImage(renderStatus(m.status, width, height))
	}
	return nil
}

// Move positions the preview on the root window
func (m *Manager) Move(x, y int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("display closed")
	}

	m.geom.X, m.geom.Y = x, y
	m.win.Move(x, y)
	m.win.Stack(xproto.StackModeAbove)
	m.xu.Sync()
	return nil
}

// SetOpacity sets the preview opacity, clamped to [MinOpacity, MaxOpacity].
// It returns the applied value.
func (m *Manager) SetOpacity(alpha float64) (float64, error) {
	alpha = ClampOpacity(alpha)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return alpha, fmt.Errorf("display closed")
	}

	if err := ewmh.WmWindowOpacitySet(m.xu, m.win.Id, alpha); err != nil {
		return m.geom.Alpha, fmt.Errorf("failed to set opacity: %w", err)
	}
	m.geom.Alpha = alpha
	return alpha, nil
}

// Close destroys the preview window and closes the X connection
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true

	if m.gc != 0 {
		xproto.FreeGC(m.xu.Conn(), m.gc)
	}
	if m.win != nil {
		m.win.Destroy()
	}
	m.xu.Sync()
	m.xu.Conn().Close()
	m.mu.Unlock()

	<-m.drained
	logger.WithComponent("display").Info().Msg("Preview window closed")
	return nil
}

// putImage uploads img to the window, split into bands that fit the
// server's maximum request size. Callers hold m.mu.
func (m *Manager) putImage(img *image.RGBA) error {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	if width == 0 || height == 0 {
		return nil
	}

	data, stride, err := packZPixmap(img, m.format)
	if err != nil {
		return err
	}

	// PutImage carries a 24 byte header
	rowsPerRequest := (m.maxRequest - 24) / stride
	if rowsPerRequest < 1 {
		return fmt.Errorf("scanline of %d bytes exceeds maximum request size", stride)
	}

	for y := 0; y < height; y += rowsPerRequest {
		rows := rowsPerRequest
		if y+rows > height {
			rows = height - y
		}

		err := xproto.PutImageChecked(
			m.xu.Conn(),
			xproto.ImageFormatZPixmap,
			xproto.Drawable(m.win.Id),
			m.gc,
			uint16(width),
			uint16(rows),
			0, int16(y),
			0,
			m.format.depth,
			data[y*stride:(y+rows)*stride],
		).Check()
		if err != nil {
			return fmt.Errorf("failed to put image: %w", err)
		}
	}
	return nil
}
