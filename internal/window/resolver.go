package window

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bryanchriswhite/FloatPeek/internal/config"
	"github.com/bryanchriswhite/FloatPeek/internal/logger"
)

// ErrNotFound is returned when no window belongs to the requested application
var ErrNotFound = errors.New("no window found for application")

// Resolver maps application names to live window handles.
//
// When several windows match, the first one in backend enumeration order
// wins. That order is defined by the window manager and is not stable
// across runs; callers must not rely on which of several windows is picked.
type Resolver struct {
	backend Backend
	aliases map[string][]string
}

// NewResolver creates a resolver. Each alias group lists names that refer
// to the same application, e.g. a localized name and its bundle id.
func NewResolver(backend Backend, aliasGroups [][]string) *Resolver {
	return &Resolver{
		backend: backend,
		aliases: buildAliasIndex(aliasGroups),
	}
}

func buildAliasIndex(groups [][]string) map[string][]string {
	index := make(map[string][]string)
	for _, group := range groups {
		normalized := make([]string, 0, len(group))
		for _, name := range group {
			if n := normalizeName(name); n != "" {
				normalized = append(normalized, n)
			}
		}
		for _, n := range normalized {
			index[n] = appendUnique(index[n], normalized...)
		}
	}
	return index
}

func appendUnique(dst []string, names ...string) []string {
	for _, n := range names {
		found := false
		for _, existing := range dst {
			if existing == n {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, n)
		}
	}
	return dst
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Names returns every lowercase name treated as a synonym of appName,
// including appName itself.
func (r *Resolver) Names(appName string) []string {
	n := normalizeName(appName)
	if n == "" {
		return nil
	}
	return appendUnique([]string{n}, r.aliases[n]...)
}

// Matches reports whether a window belongs to appName or one of its aliases
func (r *Resolver) Matches(appName string, win *config.WindowInfo) bool {
	return matchesAny(r.Names(appName), win)
}

func matchesAny(names []string, win *config.WindowInfo) bool {
	if win == nil {
		return false
	}
	class := normalizeName(win.Class)
	instance := normalizeName(win.Instance)
	for _, n := range names {
		if n == class || (instance != "" && n == instance) {
			return true
		}
	}
	return false
}

// Resolve returns the first window owned by appName. Enumeration errors are
// logged and reported as "not found".
func (r *Resolver) Resolve(appName string) (Handle, bool) {
	log := logger.WithComponent("resolver")

	names := r.Names(appName)
	if len(names) == 0 {
		return 0, false
	}

	windows, err := r.backend.ListWindows()
	if err != nil {
		log.Warn().Err(err).Str("app", appName).Msg("Window enumeration failed")
		return 0, false
	}

	for _, win := range windows {
		if matchesAny(names, win) {
			log.Debug().
				Str("app", appName).
				Uint32("window_id", win.ID).
				Str("class", win.Class).
				Str("title", win.Title).
				Msg("Resolved window")
			return Handle(win.ID), true
		}
	}

	log.Debug().Str("app", appName).Int("windows", len(windows)).Msg("No matching window")
	return 0, false
}

// Activate brings every window of appName to the foreground. The first
// matching window is activated last so it ends up on top.
func (r *Resolver) Activate(appName string) error {
	log := logger.WithComponent("resolver")

	windows, err := r.backend.ListWindows()
	if err != nil {
		return fmt.Errorf("failed to list windows: %w", err)
	}

	names := r.Names(appName)
	var matched []*config.WindowInfo
	for _, win := range windows {
		if matchesAny(names, win) {
			matched = append(matched, win)
		}
	}
	if len(matched) == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, appName)
	}

	var errs []error
	for i := len(matched) - 1; i >= 0; i-- {
		if err := r.backend.ActivateWindow(matched[i].ID); err != nil {
			errs = append(errs, fmt.Errorf("window %d: %w", matched[i].ID, err))
		}
	}
	if len(errs) == len(matched) {
		return fmt.Errorf("failed to activate %s: %w", appName, errors.Join(errs...))
	}

	log.Info().Str("app", appName).Int("windows", len(matched)).Msg("Activated application")
	return nil
}

// List returns all client windows, optionally filtered to appName
func (r *Resolver) List(appName string) ([]*config.WindowInfo, error) {
	windows, err := r.backend.ListWindows()
	if err != nil {
		return nil, err
	}
	if appName == "" {
		return windows, nil
	}

	names := r.Names(appName)
	filtered := make([]*config.WindowInfo, 0)
	for _, win := range windows {
		if matchesAny(names, win) {
			filtered = append(filtered, win)
		}
	}
	return filtered, nil
}

// Close releases the backend
func (r *Resolver) Close() error {
	return r.backend.Close()
}
