package plugin

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Plugin system errors.
var (
	// ErrPluginNotFound is returned when a plugin cannot be located.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrManifestNotFound is returned when a plugin directory has no manifest.
	ErrManifestNotFound = errors.New("plugin manifest not found")

	// ErrModuleNotFound is returned when the manifest's implementation
	// module cannot be resolved.
	ErrModuleNotFound = errors.New("plugin module not found")

	// ErrDuplicateID is returned when two loaded plugins share an id.
	ErrDuplicateID = errors.New("duplicate plugin id")

	// ErrMissingDependency is returned in strict mode when a plugin
	// depends on an id that is not loaded.
	ErrMissingDependency = errors.New("plugin dependency not loaded")

	// ErrCyclicDependency is returned when the loaded dependency graph
	// contains a cycle.
	ErrCyclicDependency = errors.New("cyclic plugin dependency detected")

	// ErrInitializeFailed is returned when a plugin reports an
	// unsuccessful initialization without a more specific cause.
	ErrInitializeFailed = errors.New("plugin initialization failed")
)

// SettingsError reports per-key settings validation failures.
type SettingsError struct {
	Errors map[string]string
}

func (e *SettingsError) Error() string {
	keys := make([]string, 0, len(e.Errors))
	for k := range e.Errors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Errors[k]))
	}
	return "invalid settings: " + strings.Join(parts, "; ")
}
