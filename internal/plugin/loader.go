package plugin

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"
)

// Factory instantiates a native plugin for a manifest. Packages that ship
// in-process plugins register a Factory under their module name; the Loader
// calls it directly instead of scanning for implementing types.
type Factory func(m *Manifest) (Plugin, error)

// Loader discovers manifests on disk and instantiates plugin implementations.
type Loader struct {
	// Search roots for plugin directories (checked in order)
	paths []string

	// Native factories by module name
	factories map[string]Factory

	log *zap.Logger
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithPaths sets the plugin search paths.
func WithPaths(paths ...string) LoaderOption {
	return func(l *Loader) {
		l.paths = paths
	}
}

// WithLoaderLogger sets the loader's logger.
func WithLoaderLogger(log *zap.Logger) LoaderOption {
	return func(l *Loader) {
		l.log = log
	}
}

// NewLoader creates a new plugin loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		factories: make(map[string]Factory),
		log:       zap.NewNop(),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Paths returns the configured search paths.
func (l *Loader) Paths() []string {
	return l.paths
}

// AddPath adds a search path if not already present.
func (l *Loader) AddPath(path string) {
	for _, p := range l.paths {
		if p == path {
			return
		}
	}
	l.paths = append(l.paths, path)
}

// RegisterFactory registers a native factory for the given module name.
// A manifest whose "module" field matches is instantiated through the
// factory instead of a Lua script.
func (l *Loader) RegisterFactory(module string, f Factory) {
	l.factories[module] = f
}

// Discover walks the search roots and returns every valid manifest found,
// sorted by id. Malformed manifests are logged and skipped; discovery never
// fails as a whole.
func (l *Loader) Discover() []*Manifest {
	byID := make(map[string]*Manifest)

	for _, root := range l.paths {
		if _, err := os.Stat(root); err != nil {
			l.log.Warn("plugin directory not found", zap.String("dir", root))
			continue
		}

		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				l.log.Warn("plugin discovery walk error", zap.String("path", path), zap.Error(err))
				return nil
			}
			if d.IsDir() || d.Name() != ManifestFile {
				return nil
			}

			m, err := LoadManifest(path)
			if err != nil {
				l.log.Error("skipping malformed manifest", zap.String("path", path), zap.Error(err))
				return nil
			}

			// First discovery wins for a given id.
			if _, exists := byID[m.ID]; !exists {
				byID[m.ID] = m
			}
			return nil
		})
		if err != nil {
			l.log.Warn("plugin discovery failed", zap.String("dir", root), zap.Error(err))
		}
	}

	manifests := make([]*Manifest, 0, len(byID))
	for _, m := range byID {
		manifests = append(manifests, m)
	}
	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].ID < manifests[j].ID
	})

	return manifests
}

// Load reads the manifest in the given plugin directory and instantiates
// its implementation. The failure of a single load is never fatal to the
// caller; it is reported as an error for this plugin only.
func (l *Loader) Load(dir string) (Plugin, *Manifest, error) {
	m, err := LoadManifestFromDir(dir)
	if err != nil {
		return nil, nil, err
	}

	if factory, ok := l.factories[m.Module]; ok {
		p, err := factory(m)
		if err != nil {
			return nil, m, fmt.Errorf("factory for module %q: %w", m.Module, err)
		}
		if p == nil {
			return nil, m, fmt.Errorf("factory for module %q returned no plugin", m.Module)
		}
		return p, m, nil
	}

	script := m.ModulePath()
	if _, err := os.Stat(script); err != nil {
		return nil, m, fmt.Errorf("%w: %s", ErrModuleNotFound, script)
	}

	p, err := newLuaPlugin(m, script)
	if err != nil {
		return nil, m, err
	}
	return p, m, nil
}
