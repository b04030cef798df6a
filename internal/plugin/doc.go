// Package plugin provides the plugin system for plughost.
//
// Plugins extend the host with new capabilities. Each plugin lives in its
// own directory containing a plugin.json manifest and an implementation
// module: either a sandboxed Lua script or a native factory registered with
// the Loader.
//
// # Quick Start
//
//	mgr := plugin.NewManager(plugin.Config{Dirs: []string{"./plugins"}})
//	mgr.LoadAll()
//	results, err := mgr.InitializeAll(plugin.Context{"host": "plughost"})
//	if err != nil {
//	    log.Fatal(err) // dependency cycle
//	}
//	defer mgr.ShutdownAll()
//
// # Plugin Structure
//
//	plugins/weather/
//	├── plugin.json   # Manifest
//	└── plugin.lua    # Implementation (name set by the manifest "module" field)
//
// # Manifest
//
//	{
//	  "id": "weather",
//	  "name": "Weather",
//	  "version": "1.0.0",
//	  "description": "Weather lookups",
//	  "dependencies": ["geo"],
//	  "capabilities": ["weather.lookup"],
//	  "module": "plugin"
//	}
//
// # Lifecycle
//
// Plugins are initialized in dependency order and shut down in the exact
// reverse order. A plugin whose initialization fails is disabled and the
// batch continues; a dependency cycle fails the whole ordering pass. A
// plugin may be disabled only while no enabled plugin depends on it.
//
// # Events
//
// Broadcast delivers an event to every enabled plugin sequentially. A
// plugin that panics or returns an error is excluded from the response map
// and logged; the remaining plugins still run.
package plugin
