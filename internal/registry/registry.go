// Package registry tracks a remote plugin catalog and installs or removes
// plugin packages for a plughost instance.
//
// The registry owns two catalogs: installed plugins scanned from the local
// plugins directory, and available plugins fetched from a remote catalog
// document. An id may appear in both.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/dshills/plughost/internal/plugin"
)

// DefaultRegistryURL is the catalog endpoint used when none is configured.
const DefaultRegistryURL = "https://raw.githubusercontent.com/dshills/plughost-registry/main/plugins.json"

// Registry errors.
var (
	// ErrNotAvailable is returned when an id is absent from the remote
	// catalog.
	ErrNotAvailable = errors.New("plugin not available in catalog")

	// ErrNotInstalled is returned when an id is not locally installed.
	ErrNotInstalled = errors.New("plugin not installed")

	// ErrInvalidRating is returned for ratings outside the 0-5 range.
	ErrInvalidRating = errors.New("rating must be between 0 and 5")
)

// catalogDocument is the remote catalog wire format.
type catalogDocument struct {
	Plugins []*Info `json:"plugins"`
}

// Registry maintains installed/available plugin catalogs and performs
// package install/uninstall. All public methods serialize behind one
// mutex; callers needing bounded fetch/install time pass a context with a
// deadline.
type Registry struct {
	mu sync.Mutex

	dir       string
	url       string
	http      *resty.Client
	installer Installer
	manager   *plugin.Manager
	log       *zap.Logger

	installed map[string]*Info
	available map[string]*Info
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryURL sets the remote catalog URL.
func WithRegistryURL(url string) RegistryOption {
	return func(r *Registry) {
		r.url = url
	}
}

// WithManager binds a plugin manager; installed plugins are loaded into it.
func WithManager(m *plugin.Manager) RegistryOption {
	return func(r *Registry) {
		r.manager = m
	}
}

// WithInstaller sets the package-requirement installer.
func WithInstaller(i Installer) RegistryOption {
	return func(r *Registry) {
		r.installer = i
	}
}

// WithHTTPClient sets the HTTP client used for catalog and archive fetches.
func WithHTTPClient(c *resty.Client) RegistryOption {
	return func(r *Registry) {
		r.http = c
	}
}

// WithRegistryLogger sets the registry's logger.
func WithRegistryLogger(log *zap.Logger) RegistryOption {
	return func(r *Registry) {
		r.log = log
	}
}

// New creates a registry rooted at the given plugins directory, creating it
// if needed and scanning it for installed plugins.
func New(dir string, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		dir:       dir,
		url:       DefaultRegistryURL,
		installer: NopInstaller{},
		log:       zap.NewNop(),
		installed: make(map[string]*Info),
		available: make(map[string]*Info),
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.http == nil {
		r.http = resty.New().
			SetTimeout(30 * time.Second).
			SetRetryCount(2).
			SetHeader("User-Agent", "plughost-registry/1.0")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create plugins directory: %w", err)
	}

	r.scanInstalled()
	r.log.Info("plugin registry initialized",
		zap.String("dir", dir),
		zap.Int("installed", len(r.installed)))
	return r, nil
}

// scanInstalled rebuilds the installed catalog from the plugins directory.
func (r *Registry) scanInstalled() {
	r.installed = make(map[string]*Info)

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		r.log.Warn("cannot read plugins directory", zap.String("dir", r.dir), zap.Error(err))
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		m, err := plugin.LoadManifestFromDir(filepath.Join(r.dir, entry.Name()))
		if err != nil {
			if !errors.Is(err, plugin.ErrManifestNotFound) {
				r.log.Error("skipping installed plugin with bad manifest",
					zap.String("dir", entry.Name()),
					zap.Error(err))
			}
			continue
		}
		r.installed[m.ID] = infoFromManifest(m)
	}
}

// Refresh fetches the remote catalog document. On success the available
// catalog is replaced, overlaying the installed flag for ids present in
// both. On any fetch or parse failure the available catalog is left
// unchanged and the error is returned.
func (r *Registry) Refresh(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	resp, err := r.http.R().SetContext(ctx).Get(r.url)
	if err != nil {
		r.log.Error("catalog fetch failed", zap.String("url", r.url), zap.Error(err))
		return fmt.Errorf("fetch catalog: %w", err)
	}
	if resp.IsError() {
		r.log.Error("catalog fetch failed",
			zap.String("url", r.url),
			zap.Int("status", resp.StatusCode()))
		return fmt.Errorf("fetch catalog: unexpected status %d", resp.StatusCode())
	}

	var doc catalogDocument
	if err := json.Unmarshal(resp.Body(), &doc); err != nil {
		r.log.Error("catalog parse failed", zap.Error(err))
		return fmt.Errorf("parse catalog: %w", err)
	}

	available := make(map[string]*Info, len(doc.Plugins))
	for _, info := range doc.Plugins {
		if info == nil || info.PluginID == "" {
			r.log.Warn("skipping catalog entry without plugin_id")
			continue
		}
		if _, ok := r.installed[info.PluginID]; ok {
			info.Installed = true
		}
		available[info.PluginID] = info
	}

	r.available = available
	r.log.Info("refreshed plugin catalog", zap.Int("available", len(available)))
	return nil
}

// Install installs an available plugin into the plugins directory. An
// already-installed id is a no-op success with no network activity. On any
// failure the partially created directory is removed and the catalogs are
// left untouched. When a manager is bound, the new directory is added to
// its search roots and loaded.
func (r *Registry) Install(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.available[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAvailable, id)
	}
	if _, ok := r.installed[id]; ok {
		r.log.Debug("plugin already installed", zap.String("plugin", id))
		return nil
	}

	dir := filepath.Join(r.dir, id)
	if err := r.installInto(ctx, info, dir); err != nil {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			r.log.Error("failed to clean up partial install",
				zap.String("plugin", id),
				zap.Error(rmErr))
		}
		r.log.Error("plugin install failed", zap.String("plugin", id), zap.Error(err))
		return err
	}

	info.Installed = true
	r.installed[id] = info

	if r.manager != nil {
		r.manager.AddDirectory(dir)
		r.manager.LoadAll()
	}

	r.log.Info("installed plugin",
		zap.String("plugin", id),
		zap.String("version", info.Version))
	return nil
}

// installInto fetches or scaffolds the plugin package into dir and installs
// its declared requirements.
func (r *Registry) installInto(ctx context.Context, info *Info, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create plugin directory: %w", err)
	}

	if info.RepositoryURL != "" {
		if err := r.downloadPackage(ctx, info, dir); err != nil {
			return err
		}
	} else {
		if err := r.scaffold(info, dir); err != nil {
			return err
		}
	}

	for _, req := range info.Requirements {
		if err := r.installer.Install(ctx, req); err != nil {
			return fmt.Errorf("install requirement: %w", err)
		}
	}

	return nil
}

// downloadPackage downloads the plugin archive and extracts it into dir,
// writing a manifest if the archive did not carry one.
func (r *Registry) downloadPackage(ctx context.Context, info *Info, dir string) error {
	resp, err := r.http.R().SetContext(ctx).Get(info.RepositoryURL)
	if err != nil {
		return fmt.Errorf("download package: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("download package: unexpected status %d", resp.StatusCode())
	}

	if err := extractZip(resp.Body(), dir); err != nil {
		return err
	}

	manifestPath := filepath.Join(dir, plugin.ManifestFile)
	if _, err := os.Stat(manifestPath); os.IsNotExist(err) {
		return r.writeManifest(info, dir)
	}
	return nil
}

// scaffold creates a minimal manifest plus a skeleton Lua implementation.
func (r *Registry) scaffold(info *Info, dir string) error {
	if err := r.writeManifest(info, dir); err != nil {
		return err
	}

	skeleton := fmt.Sprintf(`-- %s: %s
-- Author: %s
-- Version: %s

function initialize(ctx)
    return true
end

function shutdown()
    return true
end

function handle_event(event_type, data)
    if event_type == "ping" then
        return { response = "Hello from %s!" }
    end
    return nil
end
`, info.Name, info.Description, info.Author, info.Version, info.Name)

	path := filepath.Join(dir, plugin.DefaultModule+".lua")
	return os.WriteFile(path, []byte(skeleton), 0o644)
}

func (r *Registry) writeManifest(info *Info, dir string) error {
	m := plugin.Manifest{
		ID:            info.PluginID,
		Name:          info.Name,
		Description:   info.Description,
		Version:       info.Version,
		Author:        info.Author,
		Tags:          info.Tags,
		Requirements:  info.Requirements,
		Module:        plugin.DefaultModule,
		RepositoryURL: info.RepositoryURL,
		HomepageURL:   info.HomepageURL,
		IconURL:       info.IconURL,
	}

	data, err := json.MarshalIndent(&m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, plugin.ManifestFile), data, 0o644)
}

// Uninstall removes an installed plugin: best-effort disable through the
// bound manager, recursive directory delete, and catalog updates. Removal
// proceeds even when enabled dependents block the disable; the refusal is
// logged with the affected dependents still loaded.
func (r *Registry) Uninstall(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.installed[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotInstalled, id)
	}

	if r.manager != nil {
		if _, loaded := r.manager.Get(id); loaded {
			if !r.manager.Disable(id) {
				r.log.Warn("disable refused, removing plugin anyway",
					zap.String("plugin", id))
			}
		}
	}

	dir := filepath.Join(r.dir, id)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove plugin directory: %w", err)
	}

	delete(r.installed, id)
	if info, ok := r.available[id]; ok {
		info.Installed = false
	}

	r.log.Info("uninstalled plugin", zap.String("plugin", id))
	return nil
}

// Search returns available catalog entries matching the query by
// case-insensitive substring over name, description, author, and tags,
// ordered by id.
func (r *Registry) Search(query string) []*Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	query = strings.ToLower(query)

	var results []*Info
	for _, id := range sortedKeys(r.available) {
		if info := r.available[id]; info.matches(query) {
			results = append(results, info.clone())
		}
	}
	return results
}

// Rate records a rating for a known plugin. The rating must be in [0, 5].
func (r *Registry) Rate(id string, rating float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rating < 0 || rating > 5 {
		return fmt.Errorf("%w: %v", ErrInvalidRating, rating)
	}

	_, installed := r.installed[id]
	_, available := r.available[id]
	if !installed && !available {
		return fmt.Errorf("%w: %s", ErrNotAvailable, id)
	}

	// TODO: submit the rating to the remote catalog once the registry
	// service exposes a write endpoint.
	r.log.Info("rated plugin", zap.String("plugin", id), zap.Float64("rating", rating))
	return nil
}

// Available returns the available catalog ordered by id.
func (r *Registry) Available() []*Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Info, 0, len(r.available))
	for _, id := range sortedKeys(r.available) {
		out = append(out, r.available[id].clone())
	}
	return out
}

// Installed returns the installed catalog ordered by id.
func (r *Registry) Installed() []*Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Info, 0, len(r.installed))
	for _, id := range sortedKeys(r.installed) {
		out = append(out, r.installed[id].clone())
	}
	return out
}

// GetInfo returns the catalog entry for an id, preferring the installed
// record.
func (r *Registry) GetInfo(id string) (*Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info, ok := r.installed[id]; ok {
		return info.clone(), true
	}
	if info, ok := r.available[id]; ok {
		return info.clone(), true
	}
	return nil, false
}

func sortedKeys(m map[string]*Info) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
