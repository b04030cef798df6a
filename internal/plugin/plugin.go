package plugin

// Context carries host state handed to every plugin at initialization.
type Context map[string]any

// Plugin is the contract every extension implements.
//
// The Manager recovers panics from every method, so a faulty plugin cannot
// abort a lifecycle pass or an event broadcast.
type Plugin interface {
	// Identity.
	ID() string
	Name() string
	Version() string
	Description() string
	Author() string

	// Dependencies returns the ids of plugins that must be initialized
	// before this one.
	Dependencies() []string

	// Capabilities returns the capability tags this plugin advertises.
	Capabilities() []string

	// SettingsSchema describes the plugin's settings.
	SettingsSchema() map[string]any

	// Initialize prepares the plugin for use. A non-nil error marks the
	// plugin as errored and disables it.
	Initialize(ctx Context) error

	// Shutdown releases the plugin's resources. Errors are logged by the
	// caller and never abort a shutdown pass.
	Shutdown() error

	// Settings returns the plugin's current settings.
	Settings() map[string]any

	// UpdateSettings replaces settings after validation.
	UpdateSettings(settings map[string]any) error

	// ValidateSettings returns per-key validation errors, empty if valid.
	ValidateSettings(settings map[string]any) map[string]string

	// HandleEvent processes a broadcast event. A nil response with nil
	// error means the plugin has nothing to contribute.
	HandleEvent(eventType string, data map[string]any) (map[string]any, error)
}

// Base provides manifest-derived identity and no-op lifecycle methods.
// Native plugins embed Base and override what they need.
type Base struct {
	manifest *Manifest
	settings map[string]any
}

// NewBase creates a Base backed by the given manifest.
func NewBase(m *Manifest) Base {
	return Base{manifest: m, settings: m.SettingsDefaults()}
}

func (b *Base) ID() string             { return b.manifest.ID }
func (b *Base) Name() string           { return b.manifest.Name }
func (b *Base) Version() string        { return b.manifest.Version }
func (b *Base) Description() string    { return b.manifest.Description }
func (b *Base) Author() string         { return b.manifest.Author }
func (b *Base) Dependencies() []string { return b.manifest.Dependencies }
func (b *Base) Capabilities() []string { return b.manifest.Capabilities }

func (b *Base) SettingsSchema() map[string]any { return b.manifest.SettingsSchema }

func (b *Base) Initialize(ctx Context) error { return nil }
func (b *Base) Shutdown() error              { return nil }

func (b *Base) Settings() map[string]any {
	out := make(map[string]any, len(b.settings))
	for k, v := range b.settings {
		out[k] = v
	}
	return out
}

func (b *Base) UpdateSettings(settings map[string]any) error {
	if errs := b.ValidateSettings(settings); len(errs) > 0 {
		return &SettingsError{Errors: errs}
	}
	if b.settings == nil {
		b.settings = make(map[string]any)
	}
	for k, v := range settings {
		b.settings[k] = v
	}
	return nil
}

func (b *Base) ValidateSettings(settings map[string]any) map[string]string {
	return map[string]string{}
}

func (b *Base) HandleEvent(eventType string, data map[string]any) (map[string]any, error) {
	return nil, nil
}
