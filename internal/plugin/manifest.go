package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// ManifestFile is the manifest file name expected in every plugin directory.
const ManifestFile = "plugin.json"

// DefaultModule is the implementation module used when the manifest omits one.
const DefaultModule = "plugin"

// Manifest describes a plugin's identity, dependencies, and capabilities.
// A manifest is immutable once loaded.
type Manifest struct {
	// Identity
	ID          string `json:"id"`          // Unique key (e.g., "vim-surround")
	Name        string `json:"name"`        // Human-readable name
	Description string `json:"description"` // Short description
	Version     string `json:"version"`     // Semver (e.g., "1.2.0")
	Author      string `json:"author"`      // Author name or org

	// Classification
	Tags []string `json:"tags"` // Search tags

	// Requirements
	Dependencies []string `json:"dependencies"` // Required plugin ids, in order
	Requirements []string `json:"requirements"` // Host package requirements

	// Capabilities advertised for tag-based lookup
	Capabilities []string `json:"capabilities"`

	// Entry point
	Module string `json:"module"` // Implementation module (default "plugin")

	// Settings schema: key -> {"type": ..., "default": ..., "description": ...}
	SettingsSchema map[string]any `json:"settings_schema"`

	// Links
	RepositoryURL string `json:"repository_url"`
	HomepageURL   string `json:"homepage_url"`
	IconURL       string `json:"icon_url"`

	// Internal: path to the plugin directory
	path string
}

// Validation errors.
var (
	ErrMissingID      = errors.New("manifest: id is required")
	ErrInvalidID      = errors.New("manifest: id must be alphanumeric with hyphens or underscores")
	ErrInvalidVersion = errors.New("manifest: version must be valid semver")
)

// idPattern validates plugin ids.
var idPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*[a-z0-9]$|^[a-z]$`)

// semverPattern validates version strings (simplified semver).
var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.-]+)?(\+[a-zA-Z0-9.-]+)?$`)

// LoadManifest loads and validates a plugin manifest from a file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, path)
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}

	m.path = filepath.Dir(path)
	m.applyDefaults()

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// LoadManifestFromDir loads a manifest from a plugin directory.
func LoadManifestFromDir(dir string) (*Manifest, error) {
	return LoadManifest(filepath.Join(dir, ManifestFile))
}

// applyDefaults sets default values for optional fields.
func (m *Manifest) applyDefaults() {
	if m.Module == "" {
		m.Module = DefaultModule
	}
	if m.Version == "" {
		m.Version = "0.0.0"
	}
	if m.Name == "" {
		m.Name = m.ID
	}
	if m.Author == "" {
		m.Author = "Unknown"
	}
}

// Validate checks that the manifest is valid.
func (m *Manifest) Validate() error {
	if m.ID == "" {
		return ErrMissingID
	}
	if !idPattern.MatchString(m.ID) {
		return fmt.Errorf("%w: %s", ErrInvalidID, m.ID)
	}
	if !semverPattern.MatchString(m.Version) {
		return fmt.Errorf("%w: %s", ErrInvalidVersion, m.Version)
	}
	return nil
}

// Path returns the path to the plugin directory.
func (m *Manifest) Path() string {
	return m.path
}

// ModulePath returns the full path to the implementation Lua script.
func (m *Manifest) ModulePath() string {
	return filepath.Join(m.path, m.Module+".lua")
}

// SettingsDefaults returns the default value of every schema property that
// declares one.
func (m *Manifest) SettingsDefaults() map[string]any {
	defaults := make(map[string]any)
	for key, raw := range m.SettingsSchema {
		prop, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if def, ok := prop["default"]; ok && def != nil {
			defaults[key] = def
		}
	}
	return defaults
}

// String returns a string representation of the manifest.
func (m *Manifest) String() string {
	name := m.Name
	if name == "" {
		name = m.ID
	}
	return fmt.Sprintf("%s v%s", name, m.Version)
}

// Clone creates a deep copy of the manifest.
func (m *Manifest) Clone() *Manifest {
	clone := *m

	if m.Tags != nil {
		clone.Tags = append([]string{}, m.Tags...)
	}
	if m.Dependencies != nil {
		clone.Dependencies = append([]string{}, m.Dependencies...)
	}
	if m.Requirements != nil {
		clone.Requirements = append([]string{}, m.Requirements...)
	}
	if m.Capabilities != nil {
		clone.Capabilities = append([]string{}, m.Capabilities...)
	}
	if m.SettingsSchema != nil {
		clone.SettingsSchema = make(map[string]any, len(m.SettingsSchema))
		for k, v := range m.SettingsSchema {
			clone.SettingsSchema[k] = v
		}
	}

	return &clone
}
