package window

import (
	"github.com/bryanchriswhite/FloatPeek/internal/config"
)

// Handle identifies one live on-screen window. It stays valid only until
// the window closes or is recreated.
type Handle uint32

// Backend defines the platform primitives the resolver is built on
type Backend interface {
	// ListWindows returns all client windows in enumeration order,
	// excluding desktop and dock windows
	ListWindows() ([]*config.WindowInfo, error)

	// ActivateWindow asks the window manager to raise and focus a window
	ActivateWindow(id uint32) error

	// Close releases the connection to the display server
	Close() error

	// Name returns the backend name (e.g., "x11")
	Name() string
}
