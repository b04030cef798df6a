package plugin

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// managerFixture wires a Manager to a factory that hands out fakePlugin
// instances, so tests can script failures and observe call counts.
type managerFixture struct {
	t     *testing.T
	root  string
	mgr   *Manager
	fakes map[string]*fakePlugin
}

func newManagerFixture(t *testing.T) *managerFixture {
	return newManagerFixtureConfig(t, Config{})
}

func newManagerFixtureConfig(t *testing.T, config Config) *managerFixture {
	t.Helper()

	fx := &managerFixture{
		t:     t,
		root:  t.TempDir(),
		fakes: make(map[string]*fakePlugin),
	}
	config.Dirs = []string{fx.root}
	fx.mgr = NewManager(config)
	t.Cleanup(func() { fx.mgr.Close() })

	fx.mgr.Loader().RegisterFactory("native", func(m *Manifest) (Plugin, error) {
		f, ok := fx.fakes[m.ID]
		if !ok {
			f = newFakePlugin(m)
			fx.fakes[m.ID] = f
		}
		f.m = m
		if f.settings == nil {
			f.settings = m.SettingsDefaults()
		}
		return f, nil
	})
	return fx
}

// addNative writes a manifest for a factory-backed plugin and returns its
// pre-registered fake for scripting.
func (fx *managerFixture) addNative(id string, deps ...string) *fakePlugin {
	fx.t.Helper()

	dir := filepath.Join(fx.root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fx.t.Fatal(err)
	}

	depsJSON := "["
	for i, d := range deps {
		if i > 0 {
			depsJSON += ","
		}
		depsJSON += fmt.Sprintf("%q", d)
	}
	depsJSON += "]"

	manifest := fmt.Sprintf(`{
		"id": %q,
		"version": "1.0.0",
		"module": "native",
		"dependencies": %s,
		"capabilities": ["cap.%s"]
	}`, id, depsJSON, id)
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), []byte(manifest), 0o644); err != nil {
		fx.t.Fatal(err)
	}

	f := &fakePlugin{}
	fx.fakes[id] = f
	return f
}

func TestManagerLoadAll(t *testing.T) {
	fx := newManagerFixture(t)
	fx.addNative("a")
	fx.addNative("b", "a")

	results := fx.mgr.LoadAll()
	if !results["a"] || !results["b"] {
		t.Fatalf("LoadAll() = %v, want both true", results)
	}
	if fx.mgr.Count() != 2 {
		t.Errorf("Count() = %d, want 2", fx.mgr.Count())
	}
}

func TestManagerLoadAllSkipsBroken(t *testing.T) {
	fx := newManagerFixture(t)
	fx.addNative("good")

	// No factory and no script for this module name.
	dir := filepath.Join(fx.root, "broken")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	manifest := `{"id": "broken", "version": "1.0.0", "module": "unregistered"}`
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}

	results := fx.mgr.LoadAll()
	if !results["good"] {
		t.Error("good plugin should load")
	}
	if results["broken"] {
		t.Error("broken plugin should be reported as failed")
	}
	if _, ok := fx.mgr.Get("broken"); ok {
		t.Error("broken plugin should not be registered")
	}
}

func TestManagerLoadAllIdempotent(t *testing.T) {
	fx := newManagerFixture(t)
	fa := fx.addNative("a")

	fx.mgr.LoadAll()
	if _, err := fx.mgr.InitializeAll(Context{}); err != nil {
		t.Fatal(err)
	}

	// A second pass must not replace the live instance.
	results := fx.mgr.LoadAll()
	if !results["a"] {
		t.Fatalf("LoadAll() second pass = %v, want a: true", results)
	}
	if info := fx.mgr.Info("a"); !info.Enabled {
		t.Error("second LoadAll() must not reset an enabled plugin")
	}
	if fa.initCalls != 1 {
		t.Errorf("initCalls = %d, want 1", fa.initCalls)
	}
}

func TestManagerInitializeOrder(t *testing.T) {
	fx := newManagerFixture(t)

	var got []string
	record := func(id string) func() {
		return func() { got = append(got, id) }
	}
	fx.addNative("c", "b").onInit = record("c")
	fx.addNative("a").onInit = record("a")
	fx.addNative("b", "a").onInit = record("b")

	fx.mgr.LoadAll()
	results, err := fx.mgr.InitializeAll(Context{"host": "test"})
	if err != nil {
		t.Fatalf("InitializeAll() error = %v", err)
	}
	for id, ok := range results {
		if !ok {
			t.Errorf("plugin %s failed to initialize", id)
		}
	}

	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("init order = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("init order = %v, want %v", got, want)
		}
	}
}

func TestManagerInitializeCycle(t *testing.T) {
	fx := newManagerFixture(t)
	fx.addNative("a", "b")
	fx.addNative("b", "a")

	fx.mgr.LoadAll()
	if _, err := fx.mgr.InitializeAll(Context{}); !errors.Is(err, ErrCyclicDependency) {
		t.Fatalf("InitializeAll() error = %v, want ErrCyclicDependency", err)
	}
}

func TestManagerInitializeFailureContinues(t *testing.T) {
	fx := newManagerFixture(t)
	fx.addNative("a")
	fx.addNative("b").initErr = errors.New("no database")
	fx.addNative("c", "a")

	fx.mgr.LoadAll()
	results, err := fx.mgr.InitializeAll(Context{})
	if err != nil {
		t.Fatalf("InitializeAll() error = %v", err)
	}

	if !results["a"] || results["b"] || !results["c"] {
		t.Errorf("results = %v, want a,c ok and b failed", results)
	}
	info := fx.mgr.Info("b")
	if info.State != "errored" {
		t.Errorf("state = %q, want errored", info.State)
	}
	if info.Error == "" {
		t.Error("errored plugin should record the failure")
	}
}

func TestManagerInitializePanicIsolated(t *testing.T) {
	fx := newManagerFixture(t)
	fx.addNative("a").initPanic = true
	fx.addNative("b")

	fx.mgr.LoadAll()
	results, err := fx.mgr.InitializeAll(Context{})
	if err != nil {
		t.Fatalf("InitializeAll() error = %v", err)
	}
	if results["a"] {
		t.Error("panicking plugin should be reported as failed")
	}
	if !results["b"] {
		t.Error("other plugins must still initialize")
	}
}

func TestManagerDisableOrdering(t *testing.T) {
	fx := newManagerFixture(t)
	fx.addNative("a")
	fx.addNative("b", "a")
	fx.addNative("c", "b")

	fx.mgr.LoadAll()
	if _, err := fx.mgr.InitializeAll(Context{}); err != nil {
		t.Fatal(err)
	}

	if fx.mgr.Disable("a") {
		t.Error("Disable(a) must refuse while b is enabled")
	}
	if fx.mgr.Disable("b") {
		t.Error("Disable(b) must refuse while c is enabled")
	}

	for _, id := range []string{"c", "b", "a"} {
		if !fx.mgr.Disable(id) {
			t.Errorf("Disable(%s) should succeed once dependents are down", id)
		}
	}
	if fx.fakes["a"].shutCalls != 1 {
		t.Errorf("shutCalls(a) = %d, want 1", fx.fakes["a"].shutCalls)
	}
}

func TestManagerDisableAlreadyDisabled(t *testing.T) {
	fx := newManagerFixture(t)
	fx.addNative("a")

	fx.mgr.LoadAll()
	if _, err := fx.mgr.InitializeAll(Context{}); err != nil {
		t.Fatal(err)
	}

	if !fx.mgr.Disable("a") {
		t.Fatal("first Disable(a) should succeed")
	}
	if fx.mgr.Disable("a") {
		t.Error("second Disable(a) should report false")
	}
	if fx.mgr.Disable("missing") {
		t.Error("Disable on unknown id should report false")
	}
}

func TestManagerEnable(t *testing.T) {
	fx := newManagerFixture(t)
	fa := fx.addNative("a")

	fx.mgr.LoadAll()
	if _, err := fx.mgr.InitializeAll(Context{"k": "v"}); err != nil {
		t.Fatal(err)
	}
	fx.mgr.Disable("a")

	if !fx.mgr.Enable("a") {
		t.Fatal("Enable(a) should succeed")
	}
	if fa.initCalls != 2 {
		t.Errorf("initCalls = %d, want 2 (re-initialized with stored context)", fa.initCalls)
	}
	if !fx.mgr.Info("a").Enabled {
		t.Error("plugin should be enabled")
	}
}

func TestManagerEnableFailureRecordsError(t *testing.T) {
	fx := newManagerFixture(t)
	fa := fx.addNative("a")

	fx.mgr.LoadAll()
	if _, err := fx.mgr.InitializeAll(Context{}); err != nil {
		t.Fatal(err)
	}
	fx.mgr.Disable("a")

	fa.initErr = errors.New("resource gone")
	if fx.mgr.Enable("a") {
		t.Fatal("Enable(a) should fail")
	}

	info := fx.mgr.Info("a")
	if info.State != "errored" || info.Error == "" {
		t.Errorf("state = %q error = %q, want errored with message", info.State, info.Error)
	}

	// An errored plugin is still eligible for another Enable attempt.
	fa.initErr = nil
	if !fx.mgr.Enable("a") {
		t.Error("Enable(a) should succeed after the fault clears")
	}
}

func TestManagerEnableNotDisabled(t *testing.T) {
	fx := newManagerFixture(t)
	fx.addNative("a")

	fx.mgr.LoadAll()
	if _, err := fx.mgr.InitializeAll(Context{}); err != nil {
		t.Fatal(err)
	}

	if fx.mgr.Enable("a") {
		t.Error("Enable on an already-enabled plugin should report false")
	}
	if fx.mgr.Enable("missing") {
		t.Error("Enable on unknown id should report false")
	}
}

func TestManagerShutdownReverseOrder(t *testing.T) {
	fx := newManagerFixture(t)

	var got []string
	record := func(id string) func() {
		return func() { got = append(got, id) }
	}
	fx.addNative("a").onShut = record("a")
	fx.addNative("b", "a").onShut = record("b")
	fx.addNative("c", "b").onShut = record("c")

	fx.mgr.LoadAll()
	if _, err := fx.mgr.InitializeAll(Context{}); err != nil {
		t.Fatal(err)
	}

	results, err := fx.mgr.ShutdownAll()
	if err != nil {
		t.Fatalf("ShutdownAll() error = %v", err)
	}
	for id, ok := range results {
		if !ok {
			t.Errorf("plugin %s failed to shut down", id)
		}
	}

	want := []string{"c", "b", "a"}
	if len(got) != len(want) {
		t.Fatalf("shutdown order = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("shutdown order = %v, want %v", got, want)
		}
	}
}

func TestManagerShutdownSkipsDisabled(t *testing.T) {
	fx := newManagerFixture(t)
	fx.addNative("a")
	fb := fx.addNative("b")

	fx.mgr.LoadAll()
	if _, err := fx.mgr.InitializeAll(Context{}); err != nil {
		t.Fatal(err)
	}
	fx.mgr.Disable("b")
	shutBefore := fb.shutCalls

	results, err := fx.mgr.ShutdownAll()
	if err != nil {
		t.Fatal(err)
	}
	if !results["a"] || results["b"] {
		t.Errorf("results = %v, want a: true, b: false", results)
	}
	if fb.shutCalls != shutBefore {
		t.Error("disabled plugin must not receive Shutdown again")
	}
}

func TestManagerReload(t *testing.T) {
	fx := newManagerFixture(t)
	fa := fx.addNative("a")

	fx.mgr.LoadAll()
	if _, err := fx.mgr.InitializeAll(Context{}); err != nil {
		t.Fatal(err)
	}

	if !fx.mgr.Reload("a") {
		t.Fatal("Reload(a) should succeed")
	}
	if fa.shutCalls != 1 || fa.initCalls != 2 {
		t.Errorf("shutCalls = %d initCalls = %d, want 1 and 2", fa.shutCalls, fa.initCalls)
	}
	if !fx.mgr.Info("a").Enabled {
		t.Error("reloaded plugin should be enabled")
	}
}

func TestManagerReloadMissingSource(t *testing.T) {
	fx := newManagerFixture(t)
	fx.addNative("a")

	fx.mgr.LoadAll()
	if _, err := fx.mgr.InitializeAll(Context{}); err != nil {
		t.Fatal(err)
	}

	if err := os.RemoveAll(filepath.Join(fx.root, "a")); err != nil {
		t.Fatal(err)
	}
	if fx.mgr.Reload("a") {
		t.Error("Reload should fail when the source is gone")
	}
	if _, ok := fx.mgr.Get("a"); ok {
		t.Error("plugin must be unregistered after a failed reload")
	}
}

func TestManagerReloadUnknown(t *testing.T) {
	fx := newManagerFixture(t)
	if fx.mgr.Reload("ghost") {
		t.Error("Reload on unknown id should report false")
	}
}

func TestManagerByCapability(t *testing.T) {
	fx := newManagerFixture(t)
	fx.addNative("a")
	fx.addNative("b")

	fx.mgr.LoadAll()
	if _, err := fx.mgr.InitializeAll(Context{}); err != nil {
		t.Fatal(err)
	}

	matched := fx.mgr.ByCapability("cap.a")
	if len(matched) != 1 || matched[0].ID() != "a" {
		t.Fatalf("ByCapability(cap.a) = %v, want [a]", matched)
	}
	if len(fx.mgr.ByCapability("cap.none")) != 0 {
		t.Error("unknown capability should match nothing")
	}

	fx.mgr.Disable("a")
	if len(fx.mgr.ByCapability("cap.a")) != 0 {
		t.Error("disabled plugins must not be matched")
	}
}

func TestManagerBroadcast(t *testing.T) {
	fx := newManagerFixture(t)
	fa := fx.addNative("a")
	fa.eventResp = map[string]any{"handled": true}
	fb := fx.addNative("b")
	fb.eventErr = errors.New("handler broke")
	fc := fx.addNative("c")
	fc.eventPanic = true
	fd := fx.addNative("d")

	fx.mgr.LoadAll()
	if _, err := fx.mgr.InitializeAll(Context{}); err != nil {
		t.Fatal(err)
	}

	responses := fx.mgr.Broadcast("user.login", map[string]any{"user": "ann"})

	if len(responses) != 1 {
		t.Fatalf("Broadcast() = %v, want only a's response", responses)
	}
	if responses["a"]["handled"] != true {
		t.Errorf("response[a] = %v", responses["a"])
	}
	for id, f := range map[string]*fakePlugin{"a": fa, "b": fb, "c": fc, "d": fd} {
		if f.eventCalls != 1 {
			t.Errorf("eventCalls(%s) = %d, want 1", id, f.eventCalls)
		}
	}
}

func TestManagerBroadcastSkipsDisabled(t *testing.T) {
	fx := newManagerFixture(t)
	fa := fx.addNative("a")
	fa.eventResp = map[string]any{"ok": true}

	fx.mgr.LoadAll()
	if _, err := fx.mgr.InitializeAll(Context{}); err != nil {
		t.Fatal(err)
	}
	fx.mgr.Disable("a")

	if responses := fx.mgr.Broadcast("tick", nil); len(responses) != 0 {
		t.Errorf("Broadcast() = %v, want empty", responses)
	}
	if fa.eventCalls != 0 {
		t.Error("disabled plugin must not receive events")
	}
}

func TestManagerStrictDependencies(t *testing.T) {
	fx := newManagerFixtureConfig(t, Config{StrictDependencies: true})
	fx.addNative("a")
	fx.addNative("b", "ghost")
	fx.addNative("c", "b")

	results := fx.mgr.LoadAll()
	if !results["a"] {
		t.Error("a should load")
	}
	if results["b"] || results["c"] {
		t.Errorf("results = %v, want b and c evicted", results)
	}
	if fx.mgr.Count() != 1 {
		t.Errorf("Count() = %d, want 1", fx.mgr.Count())
	}
}

func TestManagerLenientDependencies(t *testing.T) {
	fx := newManagerFixture(t)
	fx.addNative("b", "ghost")

	results := fx.mgr.LoadAll()
	if !results["b"] {
		t.Fatalf("results = %v, want b loaded with the edge dropped", results)
	}
	if _, err := fx.mgr.InitializeAll(Context{}); err != nil {
		t.Fatalf("InitializeAll() error = %v", err)
	}
}

func TestManagerInfo(t *testing.T) {
	fx := newManagerFixture(t)
	fx.addNative("a")
	fx.addNative("b", "a")

	fx.mgr.LoadAll()
	if _, err := fx.mgr.InitializeAll(Context{}); err != nil {
		t.Fatal(err)
	}

	info := fx.mgr.Info("a")
	if info == nil {
		t.Fatal("Info(a) = nil")
	}
	if info.ID != "a" || info.State != "enabled" || !info.Enabled {
		t.Errorf("Info(a) = %+v", info)
	}
	if len(info.Dependents) != 1 || info.Dependents[0] != "b" {
		t.Errorf("Dependents = %v, want [b]", info.Dependents)
	}

	if fx.mgr.Info("missing") != nil {
		t.Error("Info on unknown id should be nil")
	}

	all := fx.mgr.AllInfo()
	if len(all) != 2 || all[0].ID != "a" || all[1].ID != "b" {
		t.Errorf("AllInfo() ids wrong: %+v", all)
	}
}

func TestManagerClose(t *testing.T) {
	fx := newManagerFixture(t)
	fa := fx.addNative("a")

	fx.mgr.LoadAll()
	if _, err := fx.mgr.InitializeAll(Context{}); err != nil {
		t.Fatal(err)
	}

	if err := fx.mgr.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if fa.shutCalls != 1 {
		t.Errorf("shutCalls = %d, want 1", fa.shutCalls)
	}
	if fx.mgr.Count() != 0 {
		t.Errorf("Count() = %d after Close, want 0", fx.mgr.Count())
	}
}
