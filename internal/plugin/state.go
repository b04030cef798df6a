package plugin

// State represents the lifecycle state of a loaded plugin.
type State int

// Plugin states.
const (
	// StateLoaded - Plugin is loaded but not yet initialized.
	StateLoaded State = iota

	// StateEnabled - Plugin initialized successfully and receives events.
	StateEnabled

	// StateDisabled - Plugin was disabled by the host.
	StateDisabled

	// StateErrored - Plugin initialization failed; treated as disabled.
	StateErrored
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateLoaded:
		return "loaded"
	case StateEnabled:
		return "enabled"
	case StateDisabled:
		return "disabled"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// IsDisabled reports whether the state counts as disabled for lifecycle
// and event-dispatch purposes.
func (s State) IsDisabled() bool {
	return s == StateDisabled || s == StateErrored
}
