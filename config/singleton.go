package config

import "sync"

var (
	_instance     ConfigManager
	_instanceLock sync.Mutex
)

// GetInstance returns the process-wide configuration manager, creating it on first use.
func GetInstance() ConfigManager {
	_instanceLock.Lock()
	defer _instanceLock.Unlock()

	if _instance == nil {
		_instance = NewConfigManager()
	}
	return _instance
}

// ResetInstance closes and drops the process-wide manager. The next GetInstance creates a fresh one.
func ResetInstance() {
	_instanceLock.Lock()
	defer _instanceLock.Unlock()

	if _instance != nil {
		_ = _instance.Close()
	}
	_instance = nil
}

// SetInstanceForTesting replaces the process-wide manager.
func SetInstanceForTesting(cm ConfigManager) {
	_instanceLock.Lock()
	defer _instanceLock.Unlock()
	_instance = cm
}
