package capture

import (
	"fmt"
	"image"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/composite"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/FloatPeek/internal/logger"
	"github.com/bryanchriswhite/FloatPeek/internal/window"
)

// X11Capturer captures client windows through the Composite extension,
// falling back to reading the window drawable directly
type X11Capturer struct {
	conn             *xgb.Conn
	root             xproto.Window
	setup            *xproto.SetupInfo
	compositeEnabled bool
	mu               sync.Mutex
}

// NewX11Capturer connects to the X server and initializes Composite
func NewX11Capturer() (*X11Capturer, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	setup := xproto.Setup(conn)
	c := &X11Capturer{
		conn:  conn,
		root:  setup.DefaultScreen(conn).Root,
		setup: setup,
	}

	log := logger.WithComponent("x11-capturer")
	if err := composite.Init(conn); err != nil {
		log.Warn().
			Err(err).
			Msg("Composite extension not available - occluded windows will capture what covers them")
	} else {
		c.compositeEnabled = true
		log.Info().Msg("Composite extension initialized")
	}

	return c, nil
}

// Close closes the X11 connection
func (c *X11Capturer) Close() error {
	c.conn.Close()
	return nil
}

// Name returns the capturer name
func (c *X11Capturer) Name() string {
	return "x11"
}

// CaptureWindow reads the client area of a window, without WM decorations
func (c *X11Capturer) CaptureWindow(h window.Handle) (*Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	win := xproto.Window(h)
	if win == 0 {
		return nil, ErrStaleHandle
	}

	attrs, err := xproto.GetWindowAttributes(c.conn, win).Reply()
	if err != nil {
		return nil, classifyXError("get window attributes", err)
	}
	if attrs.MapState != xproto.MapStateViewable {
		return nil, fmt.Errorf("%w: map state %d", ErrNotViewable, attrs.MapState)
	}

	geom, err := xproto.GetGeometry(c.conn, xproto.Drawable(win)).Reply()
	if err != nil {
		return nil, classifyXError("get window geometry", err)
	}
	if geom.Width == 0 || geom.Height == 0 {
		return nil, ErrEmptyImage
	}

	drawable, release := c.windowDrawable(win)
	defer release()

	reply, err := xproto.GetImage(
		c.conn,
		xproto.ImageFormatZPixmap,
		drawable,
		0, 0,
		geom.Width, geom.Height,
		0xffffffff,
	).Reply()
	if err != nil {
		return nil, classifyXError("get image", err)
	}

	return c.convertImageData(reply.Data, reply.Depth, int(geom.Width), int(geom.Height))
}

// WindowRect returns the window's client rectangle in root coordinates
func (c *X11Capturer) WindowRect(h window.Handle) (image.Rectangle, error) {
	win := xproto.Window(h)

	geom, err := xproto.GetGeometry(c.conn, xproto.Drawable(win)).Reply()
	if err != nil {
		return image.Rectangle{}, classifyXError("get window geometry", err)
	}
	translate, err := xproto.TranslateCoordinates(c.conn, win, c.root, 0, 0).Reply()
	if err != nil {
		return image.Rectangle{}, classifyXError("translate coordinates", err)
	}

	x, y := int(translate.DstX), int(translate.DstY)
	return image.Rect(x, y, x+int(geom.Width), y+int(geom.Height)), nil
}

// windowDrawable returns the Composite backing pixmap when available so
// occluded windows still render; release frees whatever was allocated.
func (c *X11Capturer) windowDrawable(win xproto.Window) (xproto.Drawable, func()) {
	noop := func() {}
	if !c.compositeEnabled {
		return xproto.Drawable(win), noop
	}

	log := logger.WithComponent("x11-capturer")
	if err := composite.RedirectWindowChecked(c.conn, win, composite.RedirectAutomatic).Check(); err != nil {
		log.Debug().Err(err).Uint32("window_id", uint32(win)).Msg("Composite redirect failed, using window drawable")
		return xproto.Drawable(win), noop
	}

	unredirect := func() {
		composite.UnredirectWindow(c.conn, win, composite.RedirectAutomatic)
	}

	pixmap, err := xproto.NewPixmapId(c.conn)
	if err != nil {
		return xproto.Drawable(win), unredirect
	}
	if err := composite.NameWindowPixmapChecked(c.conn, win, pixmap).Check(); err != nil {
		return xproto.Drawable(win), unredirect
	}

	return xproto.Drawable(pixmap), func() {
		xproto.FreePixmap(c.conn, pixmap)
		unredirect()
	}
}

// convertImageData turns ZPixmap data into an RGBA frame, keeping the
// server's scanline padding as the frame stride
func (c *X11Capturer) convertImageData(data []byte, depth byte, width, height int) (*Frame, error) {
	var bitsPerPixel, scanlinePad int
	for _, format := range c.setup.PixmapFormats {
		if format.Depth == depth {
			bitsPerPixel = int(format.BitsPerPixel)
			scanlinePad = int(format.ScanlinePad)
			break
		}
	}
	if bitsPerPixel != 32 {
		return nil, fmt.Errorf("unsupported pixmap format: depth %d, %d bits per pixel", depth, bitsPerPixel)
	}
	if scanlinePad == 0 {
		scanlinePad = 32
	}

	stride := ((width*bitsPerPixel + scanlinePad - 1) / scanlinePad) * scanlinePad / 8
	if len(data) < stride*height {
		return nil, fmt.Errorf("short image reply: %d bytes, want %d", len(data), stride*height)
	}

	lsbFirst := c.setup.ImageByteOrder == xproto.ImageOrderLSBFirst
	pix := make([]byte, stride*height)
	for y := 0; y < height; y++ {
		row := y * stride
		for x := 0; x < width; x++ {
			i := row + x*4
			if lsbFirst {
				// BGRx in memory
				pix[i] = data[i+2]
				pix[i+1] = data[i+1]
				pix[i+2] = data[i]
			} else {
				// xRGB in memory
				pix[i] = data[i+1]
				pix[i+1] = data[i+2]
				pix[i+2] = data[i+3]
			}
			pix[i+3] = 255
		}
	}

	return &Frame{Width: width, Height: height, Stride: stride, Pix: pix}, nil
}

// classifyXError maps "window is gone" protocol errors to ErrStaleHandle
func classifyXError(op string, err error) error {
	switch err.(type) {
	case xproto.WindowError, xproto.DrawableError:
		return fmt.Errorf("%w: %s: %v", ErrStaleHandle, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
