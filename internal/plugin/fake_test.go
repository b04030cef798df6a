package plugin

import "errors"

// fakePlugin is a configurable in-process Plugin used by manager and
// loader tests.
type fakePlugin struct {
	m *Manifest

	initErr    error
	initPanic  bool
	shutErr    error
	shutPanic  bool
	eventResp  map[string]any
	eventErr   error
	eventPanic bool

	initCalls  int
	shutCalls  int
	eventCalls int

	onInit func()
	onShut func()

	settings map[string]any
}

func newFakePlugin(m *Manifest) *fakePlugin {
	return &fakePlugin{m: m, settings: m.SettingsDefaults()}
}

func (f *fakePlugin) ID() string                   { return f.m.ID }
func (f *fakePlugin) Name() string                 { return f.m.Name }
func (f *fakePlugin) Version() string              { return f.m.Version }
func (f *fakePlugin) Description() string          { return f.m.Description }
func (f *fakePlugin) Author() string               { return f.m.Author }
func (f *fakePlugin) Dependencies() []string       { return f.m.Dependencies }
func (f *fakePlugin) Capabilities() []string       { return f.m.Capabilities }
func (f *fakePlugin) SettingsSchema() map[string]any { return f.m.SettingsSchema }

func (f *fakePlugin) Initialize(ctx Context) error {
	f.initCalls++
	if f.onInit != nil {
		f.onInit()
	}
	if f.initPanic {
		panic("initialize blew up")
	}
	return f.initErr
}

func (f *fakePlugin) Shutdown() error {
	f.shutCalls++
	if f.onShut != nil {
		f.onShut()
	}
	if f.shutPanic {
		panic("shutdown blew up")
	}
	return f.shutErr
}

func (f *fakePlugin) Settings() map[string]any { return f.settings }

func (f *fakePlugin) UpdateSettings(settings map[string]any) error {
	if errs := f.ValidateSettings(settings); len(errs) > 0 {
		return errors.New("invalid settings")
	}
	for k, v := range settings {
		f.settings[k] = v
	}
	return nil
}

func (f *fakePlugin) ValidateSettings(settings map[string]any) map[string]string {
	return map[string]string{}
}

func (f *fakePlugin) HandleEvent(eventType string, data map[string]any) (map[string]any, error) {
	f.eventCalls++
	if f.eventPanic {
		panic("handler blew up")
	}
	return f.eventResp, f.eventErr
}
