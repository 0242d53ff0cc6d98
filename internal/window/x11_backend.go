package window

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/xgb/xproto"
	"github.com/BurntSushi/xgbutil"
	"github.com/BurntSushi/xgbutil/ewmh"
	"github.com/BurntSushi/xgbutil/icccm"
	"github.com/bryanchriswhite/FloatPeek/internal/config"
	"github.com/bryanchriswhite/FloatPeek/internal/logger"
)

// _NET_ACTIVE_WINDOW source indication for pagers and taskbars; most window
// managers skip focus-stealing prevention for it.
const activeWindowSourcePager = 2

// X11Backend implements the Backend interface using X11 and EWMH
type X11Backend struct {
	xu   *xgbutil.XUtil
	root xproto.Window
}

// NewX11Backend connects to the X server named by $DISPLAY
func NewX11Backend() (*X11Backend, error) {
	xu, err := xgbutil.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	return &X11Backend{
		xu:   xu,
		root: xu.RootWin(),
	}, nil
}

// Close closes the X11 connection
func (b *X11Backend) Close() error {
	b.xu.Conn().Close()
	return nil
}

// Name returns the backend name
func (b *X11Backend) Name() string {
	return "x11"
}

// XUtil returns the underlying xgbutil connection
func (b *X11Backend) XUtil() *xgbutil.XUtil {
	return b.xu
}

// ListWindows returns client windows using EWMH _NET_CLIENT_LIST with a
// QueryTree fallback
func (b *X11Backend) ListWindows() ([]*config.WindowInfo, error) {
	log := logger.WithComponent("x11-backend")

	ids, err := ewmh.ClientListGet(b.xu)
	if err != nil || len(ids) == 0 {
		if err != nil {
			log.Debug().Err(err).Msg("ListWindows: EWMH failed, falling back to QueryTree")
		} else {
			log.Debug().Msg("ListWindows: EWMH returned empty, falling back to QueryTree")
		}

		tree, treeErr := xproto.QueryTree(b.xu.Conn(), b.root).Reply()
		if treeErr != nil {
			return nil, fmt.Errorf("failed to query window tree: %w", treeErr)
		}
		ids = tree.Children
	}

	windows := make([]*config.WindowInfo, 0, len(ids))
	for _, id := range ids {
		if !b.isNormalWindow(id) {
			continue
		}

		info, err := b.getWindowInfo(id)
		if err != nil {
			log.Debug().Uint32("winID", uint32(id)).Err(err).Msg("ListWindows: failed to get window info")
			continue
		}

		// Skip windows without titles or class (usually not user windows)
		if info.Title == "" && info.Class == "" {
			continue
		}

		windows = append(windows, info)
	}

	log.Debug().Int("count", len(windows)).Msg("ListWindows")
	return windows, nil
}

// ActivateWindow sends a _NET_ACTIVE_WINDOW request for the window
func (b *X11Backend) ActivateWindow(id uint32) error {
	win := xproto.Window(id)
	if err := ewmh.ActiveWindowReqExtra(b.xu, win, activeWindowSourcePager, 0, 0); err != nil {
		return fmt.Errorf("_NET_ACTIVE_WINDOW request failed: %w", err)
	}
	return nil
}

// isNormalWindow rejects desktop, dock, splash and notification windows
func (b *X11Backend) isNormalWindow(win xproto.Window) bool {
	types, err := ewmh.WmWindowTypeGet(b.xu, win)
	if err != nil {
		// If we can't determine type, assume it's normal
		return true
	}

	for _, t := range types {
		switch t {
		case "_NET_WM_WINDOW_TYPE_NORMAL", "_NET_WM_WINDOW_TYPE_DIALOG", "_NET_WM_WINDOW_TYPE_UTILITY":
			return true
		case "_NET_WM_WINDOW_TYPE_DESKTOP",
			"_NET_WM_WINDOW_TYPE_DOCK",
			"_NET_WM_WINDOW_TYPE_SPLASH",
			"_NET_WM_WINDOW_TYPE_NOTIFICATION":
			return false
		}
	}

	return len(types) == 0
}

// getWindowInfo retrieves information about a window
func (b *X11Backend) getWindowInfo(win xproto.Window) (*config.WindowInfo, error) {
	geom, err := xproto.GetGeometry(b.xu.Conn(), xproto.Drawable(win)).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to get geometry: %w", err)
	}

	info := &config.WindowInfo{
		ID: uint32(win),
		Geometry: config.Geometry{
			X:      int(geom.X),
			Y:      int(geom.Y),
			Width:  int(geom.Width),
			Height: int(geom.Height),
		},
		Desktop: -1,
	}

	// Report root-relative position; reparenting WMs put the client inside a frame
	if translate, err := xproto.TranslateCoordinates(b.xu.Conn(), win, b.root, 0, 0).Reply(); err == nil {
		info.Geometry.X = int(translate.DstX)
		info.Geometry.Y = int(translate.DstY)
	}

	if title, err := ewmh.WmNameGet(b.xu, win); err == nil && strings.TrimSpace(title) != "" {
		info.Title = strings.TrimSpace(title)
	} else if title, err := icccm.WmNameGet(b.xu, win); err == nil {
		info.Title = strings.TrimSpace(title)
	}

	if class, err := icccm.WmClassGet(b.xu, win); err == nil && class != nil {
		info.Class = strings.TrimSpace(class.Class)
		info.Instance = strings.TrimSpace(class.Instance)
		if info.Class == "" {
			info.Class = info.Instance
		}
	}

	if pid, err := ewmh.WmPidGet(b.xu, win); err == nil {
		info.PID = int(pid)
	}

	if desktop, err := ewmh.WmDesktopGet(b.xu, win); err == nil && desktop != uint(0xFFFFFFFF) {
		info.Desktop = int(desktop)
	}

	return info, nil
}
