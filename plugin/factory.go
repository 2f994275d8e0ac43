package plugin

// Factory creates and manages plugin instances of one type and name.
//
// Lifecycle methods:
//   - Setup: create an instance from its config map
//   - Destroy: release the instance
//   - Reload: apply a new config map in place (may return an error if unsupported)
//   - CanDelete: report whether the instance may be destroyed now
//
// Implementations must be safe for concurrent use.
type Factory interface {
	// Type returns the plugin type (e.g., "transport")
	Type() Type

	// Name returns the factory name (e.g., "websocket")
	Name() string

	// Setup creates a new instance from its config map.
	Setup(v map[string]any) (Plugin, error)

	// Destroy releases an instance. The second parameter is reserved.
	Destroy(Plugin, any) error

	// Reload applies a new config map to a live instance.
	Reload(Plugin, map[string]any) error

	// CanDelete returns false while the instance is still in use.
	CanDelete(Plugin) bool
}

var (
	// _factoryMap holds every registered factory, keyed "<plugin_type>_<factory_name>"
	// (e.g., "transport_websocket"). Guarded by _pluginLock.
	_factoryMap = make(map[string]Factory)
)
