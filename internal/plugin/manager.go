package plugin

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Config configures a Manager.
type Config struct {
	// Dirs are the search roots for plugin directories.
	Dirs []string

	// StrictDependencies rejects a loaded plugin whose declared dependency
	// is not itself loaded. When false (the default), edges to absent ids
	// are dropped and treated as optional.
	StrictDependencies bool
}

// instance pairs a live plugin implementation with its manifest, source
// path, and lifecycle state. Instances are owned and mutated only by the
// Manager.
type instance struct {
	plugin   Plugin
	manifest *Manifest
	path     string
	state    State
	lastErr  string
}

// Manager orchestrates plugin discovery, dependency-ordered lifecycle,
// enable/disable, reload, and event broadcast. All public methods serialize
// behind a single mutex; each call runs to completion before the next.
type Manager struct {
	mu sync.Mutex

	loader *Loader
	config Config
	log    *zap.Logger

	plugins    map[string]*instance
	dependents map[string][]string
	initCtx    Context
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger. The loader shares it.
func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) {
		m.log = log
	}
}

// NewManager creates a plugin manager for the configured directories.
func NewManager(config Config, opts ...Option) *Manager {
	m := &Manager{
		config:     config,
		log:        zap.NewNop(),
		plugins:    make(map[string]*instance),
		dependents: make(map[string][]string),
	}

	for _, opt := range opts {
		opt(m)
	}

	m.loader = NewLoader(WithPaths(config.Dirs...), WithLoaderLogger(m.log))
	return m
}

// Loader returns the underlying loader, e.g. to register native factories.
func (m *Manager) Loader() *Loader {
	return m.loader
}

// AddDirectory adds a plugin search root.
func (m *Manager) AddDirectory(dir string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loader.AddPath(dir)
}

// LoadAll discovers and loads every candidate plugin, returning a per-id
// success map. A plugin that fails to load is logged and simply absent;
// ids already loaded are left untouched. In strict mode, plugins whose
// dependencies are absent are evicted until none remain.
func (m *Manager) LoadAll() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	results := make(map[string]bool)

	for _, manifest := range m.loader.Discover() {
		id := manifest.ID
		if _, exists := m.plugins[id]; exists {
			results[id] = true
			continue
		}

		p, man, err := m.loader.Load(manifest.Path())
		if err != nil {
			m.log.Error("failed to load plugin",
				zap.String("plugin", id),
				zap.String("path", manifest.Path()),
				zap.Error(err))
			results[id] = false
			continue
		}

		m.plugins[id] = &instance{
			plugin:   p,
			manifest: man,
			path:     manifest.Path(),
			state:    StateLoaded,
		}
		results[id] = true
		m.log.Info("loaded plugin",
			zap.String("plugin", id),
			zap.String("version", man.Version))
	}

	if m.config.StrictDependencies {
		for id := range m.evictMissingDeps() {
			results[id] = false
		}
	}

	m.rebuildDependents()
	return results
}

// evictMissingDeps removes plugins with unloaded dependencies, iterating to
// a fixpoint since an eviction can orphan further plugins. Must be called
// with mu held.
func (m *Manager) evictMissingDeps() map[string]bool {
	evicted := make(map[string]bool)
	for {
		removed := false
		for id, inst := range m.plugins {
			for _, dep := range inst.manifest.Dependencies {
				if _, ok := m.plugins[dep]; ok {
					continue
				}
				m.log.Error("rejecting plugin with missing dependency",
					zap.String("plugin", id),
					zap.String("dependency", dep))
				m.closeInstance(inst)
				delete(m.plugins, id)
				evicted[id] = true
				removed = true
				break
			}
		}
		if !removed {
			return evicted
		}
	}
}

// InitializeAll initializes every loaded plugin strictly in dependency
// order, one at a time. The context is retained for later Enable and Reload
// calls. A plugin that fails is marked errored and the pass continues; a
// dependency cycle fails the whole pass.
func (m *Manager) InitializeAll(ctx Context) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.initCtx = ctx

	order, err := m.order()
	if err != nil {
		m.log.Error("cannot order plugins", zap.Error(err))
		return nil, err
	}

	results := make(map[string]bool, len(order))
	for _, id := range order {
		inst := m.plugins[id]

		if inst.state == StateEnabled {
			results[id] = true
			continue
		}
		if inst.state.IsDisabled() {
			results[id] = false
			continue
		}

		if err := safeInitialize(inst.plugin, ctx); err != nil {
			m.log.Error("plugin initialization failed",
				zap.String("plugin", id),
				zap.Error(err))
			inst.state = StateErrored
			inst.lastErr = err.Error()
			results[id] = false
			continue
		}

		inst.state = StateEnabled
		inst.lastErr = ""
		results[id] = true
		m.log.Info("initialized plugin", zap.String("plugin", id))
	}

	return results, nil
}

// ShutdownAll shuts down every non-disabled plugin in the exact reverse of
// the initialization order. Shutdown errors are logged and never abort the
// pass.
func (m *Manager) ShutdownAll() (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, err := m.order()
	if err != nil {
		return nil, err
	}

	results := make(map[string]bool, len(order))
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		inst := m.plugins[id]

		if inst.state.IsDisabled() {
			results[id] = false
			continue
		}

		if err := safeShutdown(inst.plugin); err != nil {
			m.log.Error("plugin shutdown failed",
				zap.String("plugin", id),
				zap.Error(err))
			results[id] = false
		} else {
			results[id] = true
		}
		inst.state = StateLoaded
	}

	return results, nil
}

// Enable re-initializes a disabled or errored plugin with the context
// stored by InitializeAll. Failure re-disables the plugin and records the
// error.
func (m *Manager) Enable(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.plugins[id]
	if !ok || !inst.state.IsDisabled() {
		return false
	}

	if err := safeInitialize(inst.plugin, m.initCtx); err != nil {
		m.log.Error("failed to re-initialize plugin",
			zap.String("plugin", id),
			zap.Error(err))
		inst.state = StateErrored
		inst.lastErr = err.Error()
		return false
	}

	inst.state = StateEnabled
	inst.lastErr = ""
	m.log.Info("enabled plugin", zap.String("plugin", id))
	return true
}

// Disable shuts down and disables a plugin. It refuses while any loaded,
// currently-enabled plugin depends on the id; the blockers are logged.
func (m *Manager) Disable(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.plugins[id]
	if !ok || inst.state.IsDisabled() {
		return false
	}

	if blockers := m.enabledDependents(id); len(blockers) > 0 {
		m.log.Warn("cannot disable plugin: required by enabled dependents",
			zap.String("plugin", id),
			zap.Strings("dependents", blockers))
		return false
	}

	if err := safeShutdown(inst.plugin); err != nil {
		m.log.Error("plugin shutdown failed during disable",
			zap.String("plugin", id),
			zap.Error(err))
	}

	inst.state = StateDisabled
	m.log.Info("disabled plugin", zap.String("plugin", id))
	return true
}

// Reload discards the plugin's instance, re-resolves its source path, and
// re-initializes it with the stored context. Any step failing leaves the id
// absent or disabled; there is no rollback to the prior instance.
func (m *Manager) Reload(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.plugins[id]
	if !ok {
		return false
	}
	path := inst.path

	if err := safeShutdown(inst.plugin); err != nil {
		m.log.Error("plugin shutdown failed during reload",
			zap.String("plugin", id),
			zap.Error(err))
	}
	m.closeInstance(inst)
	delete(m.plugins, id)

	p, man, err := m.loader.Load(path)
	if err != nil {
		m.log.Error("failed to reload plugin",
			zap.String("plugin", id),
			zap.String("path", path),
			zap.Error(err))
		m.rebuildDependents()
		return false
	}

	// Re-register under the original id so the graph edges survive a
	// manifest edit.
	m.plugins[id] = &instance{
		plugin:   p,
		manifest: man,
		path:     path,
		state:    StateLoaded,
	}
	m.rebuildDependents()

	inst = m.plugins[id]
	if err := safeInitialize(p, m.initCtx); err != nil {
		m.log.Error("plugin initialization failed after reload",
			zap.String("plugin", id),
			zap.Error(err))
		inst.state = StateErrored
		inst.lastErr = err.Error()
		return false
	}

	inst.state = StateEnabled
	inst.lastErr = ""
	m.log.Info("reloaded plugin", zap.String("plugin", id))
	return true
}

// ByCapability returns the enabled plugins whose capability list contains
// the tag, ordered by id.
func (m *Manager) ByCapability(tag string) []Plugin {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []Plugin
	for _, id := range m.sortedIDs() {
		inst := m.plugins[id]
		if inst.state != StateEnabled {
			continue
		}
		for _, c := range inst.plugin.Capabilities() {
			if c == tag {
				matched = append(matched, inst.plugin)
				break
			}
		}
	}
	return matched
}

// Broadcast delivers an event to every enabled plugin sequentially and
// collects non-nil responses keyed by id. A plugin that fails is excluded
// and logged; the remaining plugins are still invoked.
func (m *Manager) Broadcast(eventType string, data map[string]any) map[string]map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	responses := make(map[string]map[string]any)
	for _, id := range m.sortedIDs() {
		inst := m.plugins[id]
		if inst.state != StateEnabled {
			continue
		}

		resp, err := safeHandleEvent(inst.plugin, eventType, data)
		if err != nil {
			m.log.Error("plugin event handler failed",
				zap.String("plugin", id),
				zap.String("event", eventType),
				zap.Error(err))
			continue
		}
		if resp != nil {
			responses[id] = resp
		}
	}
	return responses
}

// Info is a read-only projection of a loaded plugin for introspection and
// UI use.
type Info struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Version        string         `json:"version"`
	Description    string         `json:"description"`
	Author         string         `json:"author"`
	Dependencies   []string       `json:"dependencies"`
	Capabilities   []string       `json:"capabilities"`
	SettingsSchema map[string]any `json:"settings_schema"`
	Settings       map[string]any `json:"settings"`
	State          string         `json:"state"`
	Enabled        bool           `json:"enabled"`
	Error          string         `json:"error,omitempty"`
	Dependents     []string       `json:"dependents"`
}

// Info returns the projection for a loaded plugin, or nil if the id is
// unknown.
func (m *Manager) Info(id string) *Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.infoLocked(id)
}

// AllInfo returns projections for every loaded plugin, ordered by id.
func (m *Manager) AllInfo() []*Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]*Info, 0, len(m.plugins))
	for _, id := range m.sortedIDs() {
		infos = append(infos, m.infoLocked(id))
	}
	return infos
}

func (m *Manager) infoLocked(id string) *Info {
	inst, ok := m.plugins[id]
	if !ok {
		return nil
	}
	p := inst.plugin
	return &Info{
		ID:             p.ID(),
		Name:           p.Name(),
		Version:        p.Version(),
		Description:    p.Description(),
		Author:         p.Author(),
		Dependencies:   p.Dependencies(),
		Capabilities:   p.Capabilities(),
		SettingsSchema: p.SettingsSchema(),
		Settings:       p.Settings(),
		State:          inst.state.String(),
		Enabled:        inst.state == StateEnabled,
		Error:          inst.lastErr,
		Dependents:     append([]string{}, m.dependents[id]...),
	}
}

// Get returns a loaded plugin by id.
func (m *Manager) Get(id string) (Plugin, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.plugins[id]
	if !ok {
		return nil, false
	}
	return inst.plugin, true
}

// IDs returns the ids of all loaded plugins, sorted.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedIDs()
}

// Count returns the number of loaded plugins.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.plugins)
}

// Close shuts down all plugins and destroys their instances. The manager
// is empty afterwards but remains usable.
func (m *Manager) Close() error {
	if _, err := m.ShutdownAll(); err != nil {
		// A cycle prevents ordered shutdown; fall through and close
		// instances anyway.
		m.log.Error("unordered teardown", zap.Error(err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, inst := range m.plugins {
		m.closeInstance(inst)
	}
	m.plugins = make(map[string]*instance)
	m.dependents = make(map[string][]string)
	return nil
}

// order computes the initialization order over the loaded set. Must be
// called with mu held.
func (m *Manager) order() ([]string, error) {
	manifests := make(map[string]*Manifest, len(m.plugins))
	for id, inst := range m.plugins {
		manifests[id] = inst.manifest
	}
	return NewGraph(manifests).Order()
}

// rebuildDependents recomputes the reverse dependency index from the
// currently-loaded manifests. Must be called with mu held.
func (m *Manager) rebuildDependents() {
	m.dependents = make(map[string][]string, len(m.plugins))
	for id, inst := range m.plugins {
		for _, dep := range inst.manifest.Dependencies {
			if _, loaded := m.plugins[dep]; !loaded {
				continue
			}
			m.dependents[dep] = append(m.dependents[dep], id)
		}
	}
	for _, ids := range m.dependents {
		sort.Strings(ids)
	}
}

// enabledDependents returns loaded, currently-enabled plugins that depend
// on the id. Must be called with mu held.
func (m *Manager) enabledDependents(id string) []string {
	var blockers []string
	for _, dep := range m.dependents[id] {
		if inst, ok := m.plugins[dep]; ok && inst.state == StateEnabled {
			blockers = append(blockers, dep)
		}
	}
	return blockers
}

// closeInstance releases implementation resources (e.g. a Lua state). Must
// be called with mu held.
func (m *Manager) closeInstance(inst *instance) {
	if c, ok := inst.plugin.(io.Closer); ok {
		if err := c.Close(); err != nil {
			m.log.Warn("failed to close plugin",
				zap.String("plugin", inst.manifest.ID),
				zap.Error(err))
		}
	}
}

func (m *Manager) sortedIDs() []string {
	ids := make([]string, 0, len(m.plugins))
	for id := range m.plugins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// safeInitialize calls Initialize with panic recovery. Plugins run
// third-party code; a panic is reported as an ordinary error.
func safeInitialize(p Plugin, ctx Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in Initialize: %v", r)
		}
	}()
	return p.Initialize(ctx)
}

// safeShutdown calls Shutdown with panic recovery.
func safeShutdown(p Plugin) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in Shutdown: %v", r)
		}
	}()
	return p.Shutdown()
}

// safeHandleEvent calls HandleEvent with panic recovery.
func safeHandleEvent(p Plugin, eventType string, data map[string]any) (resp map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = fmt.Errorf("panic in HandleEvent: %v", r)
		}
	}()
	return p.HandleEvent(eventType, data)
}
