package plugin

import (
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// Lua entry points a plugin script may define. All are optional.
const (
	luaFnInitialize       = "initialize"
	luaFnShutdown         = "shutdown"
	luaFnHandleEvent      = "handle_event"
	luaFnValidateSettings = "validate_settings"
)

// luaPlugin adapts a sandboxed Lua script to the Plugin contract.
//
// gopher-lua's LState is not goroutine-safe; the mutex serializes all
// cross-boundary calls. Settings live host-side, seeded from the manifest
// schema defaults.
type luaPlugin struct {
	mu sync.Mutex

	manifest *Manifest
	L        *lua.LState
	settings map[string]any
	closed   bool
}

// newLuaPlugin creates a fresh sandboxed Lua state and executes the plugin
// script in it.
func newLuaPlugin(m *Manifest, script string) (*luaPlugin, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	openSafeLibraries(L)

	p := &luaPlugin{
		manifest: m,
		L:        L,
		settings: m.SettingsDefaults(),
	}

	if err := p.doWithRecovery(func() error { return L.DoFile(script) }); err != nil {
		L.Close()
		return nil, fmt.Errorf("failed to load plugin script %s: %w", script, err)
	}

	return p, nil
}

// openSafeLibraries opens only safe Lua standard libraries. io, os, debug,
// and package stay closed: plugins get no ambient filesystem or process
// access from the runtime itself.
func openSafeLibraries(L *lua.LState) {
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
}

func (p *luaPlugin) ID() string             { return p.manifest.ID }
func (p *luaPlugin) Name() string           { return p.manifest.Name }
func (p *luaPlugin) Version() string        { return p.manifest.Version }
func (p *luaPlugin) Description() string    { return p.manifest.Description }
func (p *luaPlugin) Author() string         { return p.manifest.Author }
func (p *luaPlugin) Dependencies() []string { return p.manifest.Dependencies }
func (p *luaPlugin) Capabilities() []string { return p.manifest.Capabilities }

func (p *luaPlugin) SettingsSchema() map[string]any { return p.manifest.SettingsSchema }

// Initialize calls the script's initialize(ctx) function. A missing
// function is a successful no-op; an explicit false return or a Lua error
// fails initialization.
func (p *luaPlugin) Initialize(ctx Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	results, called, err := p.call(luaFnInitialize, toLua(p.L, map[string]any(ctx)))
	if err != nil {
		return err
	}
	if called && len(results) > 0 {
		if ok, isBool := results[0].(lua.LBool); isBool && !bool(ok) {
			return ErrInitializeFailed
		}
	}
	return nil
}

// Shutdown calls the script's shutdown() function if present.
func (p *luaPlugin) Shutdown() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	results, called, err := p.call(luaFnShutdown)
	if err != nil {
		return err
	}
	if called && len(results) > 0 {
		if ok, isBool := results[0].(lua.LBool); isBool && !bool(ok) {
			return fmt.Errorf("plugin %s: shutdown reported failure", p.manifest.ID)
		}
	}
	return nil
}

func (p *luaPlugin) Settings() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]any, len(p.settings))
	for k, v := range p.settings {
		out[k] = v
	}
	return out
}

func (p *luaPlugin) UpdateSettings(settings map[string]any) error {
	if errs := p.ValidateSettings(settings); len(errs) > 0 {
		return &SettingsError{Errors: errs}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for k, v := range settings {
		p.settings[k] = v
	}
	return nil
}

// ValidateSettings delegates to the script's validate_settings function
// when defined; otherwise all settings are accepted.
func (p *luaPlugin) ValidateSettings(settings map[string]any) map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()

	results, called, err := p.call(luaFnValidateSettings, toLua(p.L, settings))
	if err != nil {
		return map[string]string{"settings": err.Error()}
	}
	if !called || len(results) == 0 {
		return map[string]string{}
	}

	errs := make(map[string]string)
	if table, ok := toGo(results[0]).(map[string]any); ok {
		for k, v := range table {
			errs[k] = fmt.Sprintf("%v", v)
		}
	}
	return errs
}

// HandleEvent calls the script's handle_event(type, data) function. A nil
// or missing return value means no response.
func (p *luaPlugin) HandleEvent(eventType string, data map[string]any) (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	results, called, err := p.call(luaFnHandleEvent, lua.LString(eventType), toLua(p.L, data))
	if err != nil {
		return nil, err
	}
	if !called || len(results) == 0 {
		return nil, nil
	}

	if resp, ok := toGo(results[0]).(map[string]any); ok {
		return resp, nil
	}
	return nil, nil
}

// Close releases the Lua state. The plugin is unusable afterwards.
func (p *luaPlugin) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		p.L.Close()
		p.closed = true
	}
	return nil
}

// call invokes a global Lua function with the given arguments. The second
// return value reports whether the function existed. Panics from the Lua
// runtime are converted to errors. Callers must hold p.mu.
func (p *luaPlugin) call(fn string, args ...lua.LValue) (results []lua.LValue, called bool, err error) {
	if p.closed {
		return nil, false, fmt.Errorf("plugin %s: lua state closed", p.manifest.ID)
	}

	fnVal := p.L.GetGlobal(fn)
	if fnVal.Type() != lua.LTFunction {
		return nil, false, nil
	}

	stackTop := p.L.GetTop()
	p.L.Push(fnVal)
	for _, arg := range args {
		p.L.Push(arg)
	}

	err = p.doWithRecovery(func() error {
		return p.L.PCall(len(args), lua.MultRet, nil)
	})
	if err != nil {
		return nil, true, fmt.Errorf("plugin %s: %s: %w", p.manifest.ID, fn, err)
	}

	nRet := p.L.GetTop() - stackTop
	if nRet <= 0 {
		return []lua.LValue{}, true, nil
	}
	results = make([]lua.LValue, nRet)
	for i := 0; i < nRet; i++ {
		results[i] = p.L.Get(stackTop + i + 1)
	}
	p.L.Pop(nRet)

	return results, true, nil
}

// doWithRecovery executes fn converting runtime panics to errors.
func (p *luaPlugin) doWithRecovery(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return fn()
}
