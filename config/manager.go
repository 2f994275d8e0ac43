package config

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// ConfigManager loads named YAML configurations and keeps them current.
type ConfigManager interface {
	LoadConfig(configName string, config Config) error
	GetConfig(configName string) (Config, error)
	SetBasePath(path string)
	SetEnvironment(env string)
	Close() error
	AddChangeListener(listener ConfigChangeListener)
	RemoveChangeListener(listener ConfigChangeListener)
	NotifyConfigChanged(configName string, newConfig, oldConfig Config)
}

// ValidatorFunc configuration validation function
type ValidatorFunc func(Config) error

// configManager implementation of ConfigManager interface
type configManager struct {
	mu         sync.RWMutex
	configs    map[string]Config
	watchers   map[string]*fsnotify.Watcher
	validators map[string]ValidatorFunc
	basePath   string
	env        string

	listenerMu sync.RWMutex
	listeners  []ConfigChangeListener
}

// NewConfigManager creates a new configuration manager
func NewConfigManager() ConfigManager {
	return &configManager{
		configs:    make(map[string]Config),
		watchers:   make(map[string]*fsnotify.Watcher),
		validators: make(map[string]ValidatorFunc),
		basePath:   "./configs",
		env:        "development",
	}
}

// RegisterValidator adds an extra validation step for configName on top of Config.Validate.
func RegisterValidator(cm ConfigManager, configName string, validator ValidatorFunc) {
	impl, ok := cm.(*configManager)
	if !ok {
		return
	}
	impl.mu.Lock()
	defer impl.mu.Unlock()
	impl.validators[configName] = validator
}

func (cm *configManager) newViper(configName string) *viper.Viper {
	v := viper.New()
	v.SetConfigName(configName)
	v.SetConfigType("yaml")
	v.AddConfigPath(fmt.Sprintf("%s/%s", cm.basePath, cm.env))
	v.AddConfigPath(cm.basePath)

	// CHANNEL_RPCTIMEOUT style overrides
	v.AutomaticEnv()
	v.SetEnvPrefix(strings.ToUpper(configName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return v
}

func (cm *configManager) decode(configName string, v *viper.Viper, config Config) error {
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config failed: %w", err)
	}
	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("unmarshal config failed: %w", err)
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("validate config failed: %w", err)
	}
	if validator, exists := cm.validators[configName]; exists {
		if err := validator(config); err != nil {
			return fmt.Errorf("validate config failed: %w", err)
		}
	}
	return nil
}

// LoadConfig loads configuration from file
func (cm *configManager) LoadConfig(configName string, config Config) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	v := cm.newViper(configName)
	if err := cm.decode(configName, v, config); err != nil {
		return err
	}

	cm.configs[configName] = config

	if _, watching := cm.watchers[configName]; watching {
		return nil
	}
	if err := cm.watchConfigFile(configName, v); err != nil {
		return fmt.Errorf("watch config file failed: %w", err)
	}
	return nil
}

// GetConfig returns the last successfully loaded configuration for configName.
func (cm *configManager) GetConfig(configName string) (Config, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	config, exists := cm.configs[configName]
	if !exists {
		return nil, fmt.Errorf("config %s not found", configName)
	}
	return config, nil
}

// SetBasePath sets base path for configuration files
func (cm *configManager) SetBasePath(path string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.basePath = path
}

// SetEnvironment sets environment for configuration
func (cm *configManager) SetEnvironment(env string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.env = env
}

func (cm *configManager) AddChangeListener(listener ConfigChangeListener) {
	if listener == nil {
		return
	}
	cm.listenerMu.Lock()
	defer cm.listenerMu.Unlock()
	cm.listeners = append(cm.listeners, listener)
}

func (cm *configManager) RemoveChangeListener(listener ConfigChangeListener) {
	cm.listenerMu.Lock()
	defer cm.listenerMu.Unlock()
	for i, l := range cm.listeners {
		if l == listener {
			cm.listeners = append(cm.listeners[:i:i], cm.listeners[i+1:]...)
			return
		}
	}
}

// NotifyConfigChanged fans a change out to every listener. A failing listener does not stop the others.
func (cm *configManager) NotifyConfigChanged(configName string, newConfig, oldConfig Config) {
	cm.listenerMu.RLock()
	listeners := make([]ConfigChangeListener, len(cm.listeners))
	copy(listeners, cm.listeners)
	cm.listenerMu.RUnlock()

	for _, l := range listeners {
		if err := l.OnConfigChanged(configName, newConfig, oldConfig); err != nil {
			zlog.Warn().Str("configName", configName).Err(err).Msg("config listener rejected change")
		}
	}
}

// watchConfigFile watches configuration file for changes
func (cm *configManager) watchConfigFile(configName string, v *viper.Viper) error {
	configFile := v.ConfigFileUsed()
	if configFile == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	cm.watchers[configName] = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					cm.reloadConfig(configName)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				zlog.Error().Str("configName", configName).Err(err).Msg("config watcher error")
			}
		}
	}()

	return watcher.Add(configFile)
}

// reloadConfig re-reads configName and swaps it in when it decodes and validates.
// On any failure the previous value stays active.
func (cm *configManager) reloadConfig(configName string) {
	cm.mu.Lock()
	oldConfig, exists := cm.configs[configName]
	if !exists {
		cm.mu.Unlock()
		return
	}

	newConfig := reflect.New(reflect.TypeOf(oldConfig).Elem()).Interface().(Config)
	if err := cm.decode(configName, cm.newViper(configName), newConfig); err != nil {
		cm.mu.Unlock()
		zlog.Error().Str("configName", configName).Err(err).Msg("reload config failed, keeping previous value")
		return
	}
	cm.configs[configName] = newConfig
	cm.mu.Unlock()

	cm.NotifyConfigChanged(configName, newConfig, oldConfig)
}

// Close closes the configuration manager
func (cm *configManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for name, watcher := range cm.watchers {
		if err := watcher.Close(); err != nil {
			return err
		}
		delete(cm.watchers, name)
	}
	return nil
}
