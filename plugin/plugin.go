package plugin

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/lcx/signaling/config"
	"github.com/lcx/signaling/log"
)

// Type is a plugin category.
type Type string

const (
	// Transport plugins provide socket dialers.
	Transport Type = "transport"
)

const (
	DefaultInsName = "default" // DefaultInsName is the instance name used when the config has no tag.
)

// PluginConfig maps plugin type -> "<factory>[_suffix]" -> config items.
//
// Example YAML:
//
//	transport:
//	  websocket:
//	    handshakeTimeout: 5s
//	    pingInterval: 15s
//	  websocket_backup:
//	    tag: backup
type PluginConfig map[string]map[string]map[string]any

// GetName implements config.Config.
func (c *PluginConfig) GetName() string {
	return "plugin"
}

// Validate implements config.Config.
func (c *PluginConfig) Validate() error {
	if c == nil || len(*c) == 0 {
		return fmt.Errorf("plugin config is empty")
	}
	for pluginType, factories := range *c {
		if len(factories) == 0 {
			return fmt.Errorf("plugin type %s has no factory config", pluginType)
		}
	}
	return nil
}

// Plugin is a plugin instance.
type Plugin interface { //nolint:revive
	FactoryName() string
}

type pluginMgr struct {
	insMap map[string]map[string]map[string]Plugin
}

var (
	_pluginLock sync.RWMutex
	_pluginMgr  = &pluginMgr{insMap: make(map[string]map[string]map[string]Plugin)}
)

// RegisterPlugin registers a factory. Call it from init.
func RegisterPlugin(f Factory) {
	_pluginLock.Lock()
	defer _pluginLock.Unlock()
	_factoryMap[fmt.Sprintf("%s_%s", f.Type(), f.Name())] = f
}

// Decode copies a config map onto out, honouring mapstructure tags.
// Durations may be given as strings such as "5s".
func Decode(v map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(v)
}

// NewInstance sets up an unregistered instance straight from a factory.
func NewInstance(ft Type, fn string, v map[string]any) (Plugin, error) {
	_pluginLock.RLock()
	f := _factoryMap[fmt.Sprintf("%s_%s", ft, fn)]
	_pluginLock.RUnlock()
	if f == nil {
		return nil, fmt.Errorf("plugin factory [%s/%s] not found, available factories: %v",
			ft, fn, listAvailableFactories(string(ft)))
	}
	if v == nil {
		v = map[string]any{}
	}
	return f.Setup(v)
}

type setupIns struct {
	ft, fn, pn string
	ins        Plugin
}

// InitPlugins loads the "plugin" config from the process config manager,
// sets up every configured instance and follows later reloads.
// A partial failure destroys whatever was already set up.
func InitPlugins() error {
	return InitPluginsWithConfigManager(config.GetInstance())
}

// InitPluginsWithConfigManager is InitPlugins on cm.
func InitPluginsWithConfigManager(cm config.ConfigManager) error {
	var cfg PluginConfig
	if err := cm.LoadConfig("plugin", &cfg); err != nil {
		return fmt.Errorf("load plugin config failed: %v", err)
	}
	if err := setupAll(cfg); err != nil {
		return err
	}
	cm.AddChangeListener(_pluginMgr)
	log.Info().Msg("plugin manager registered as config change listener")
	return nil
}

func setupAll(cfg PluginConfig) error {
	_pluginLock.Lock()
	defer _pluginLock.Unlock()

	created, err := setupLocked(cfg, nil)
	if err != nil {
		return err
	}
	log.Info().Int("count", len(created)).Msg("InitPlugins success")
	return nil
}

// setupLocked creates every instance of cfg not listed in skip. On failure
// the instances created by this call are destroyed and unregistered.
func setupLocked(cfg PluginConfig, skip map[string]bool) ([]setupIns, error) {
	var created []setupIns
	for ft, s := range cfg {
		haveDefault := false
		for k, c := range s {
			fn := getFactoryName(k)
			pn := getPluginNameFromCfg(c)
			if pn == DefaultInsName {
				if haveDefault {
					rollbackLocked(created)
					return nil, fmt.Errorf("plugin type [%s] default instance already exists", ft)
				}
				haveDefault = true
			}
			if skip[insKey(ft, fn, pn)] {
				continue
			}

			f := _factoryMap[fmt.Sprintf("%s_%s", ft, fn)]
			if f == nil {
				rollbackLocked(created)
				return nil, fmt.Errorf("plugin factory [%s/%s] not found, available factories: %v",
					ft, fn, listFactoriesLocked(ft))
			}

			log.Info().Str("type", string(f.Type())).Str("name", f.Name()).Msg("plugin setup begin")
			ins, err := f.Setup(c)
			if err != nil {
				rollbackLocked(created)
				return nil, fmt.Errorf("plugin [%s/%s] setup failed: %v", ft, fn, err)
			}
			if err := registerPluginIns(ft, fn, pn, ins); err != nil {
				_ = f.Destroy(ins, nil)
				rollbackLocked(created)
				return nil, err
			}
			created = append(created, setupIns{ft, fn, pn, ins})

			log.Info().Str("type", ft).Str("name", fn).Str("instance", pn).Msg("plugin setup success")
		}
	}
	return created, nil
}

func registerPluginIns(ft, fn, pn string, ins Plugin) error {
	if _pluginMgr.insMap[ft] == nil {
		_pluginMgr.insMap[ft] = make(map[string]map[string]Plugin)
	}
	if _pluginMgr.insMap[ft][fn] == nil {
		_pluginMgr.insMap[ft][fn] = make(map[string]Plugin)
	}
	if _, ok := _pluginMgr.insMap[ft][fn][pn]; ok {
		return fmt.Errorf("plugin instance [%s/%s/%s] already exists", ft, fn, pn)
	}
	_pluginMgr.insMap[ft][fn][pn] = ins
	return nil
}

func unregisterPluginIns(ft, fn, pn string) {
	if m := _pluginMgr.insMap[ft][fn]; m != nil {
		delete(m, pn)
		if len(m) == 0 {
			delete(_pluginMgr.insMap[ft], fn)
		}
	}
	if len(_pluginMgr.insMap[ft]) == 0 {
		delete(_pluginMgr.insMap, ft)
	}
}

// OnConfigChanged implements config.ConfigChangeListener.
// Instances that survive the change are reloaded in place; the rest are
// destroyed, and new entries are set up.
func (pm *pluginMgr) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != "plugin" {
		return nil
	}
	newPluginConfig, ok := newConfig.(*PluginConfig)
	if !ok {
		return fmt.Errorf("invalid config type: expected *PluginConfig, got %T", newConfig)
	}

	_pluginLock.Lock()
	defer _pluginLock.Unlock()

	for ft, factories := range pm.insMap {
		for fn, instances := range factories {
			f := _factoryMap[fmt.Sprintf("%s_%s", ft, fn)]
			if f == nil {
				continue
			}
			for pn, ins := range instances {
				if !f.CanDelete(ins) {
					return fmt.Errorf("plugin [%s/%s/%s] cannot be deleted: still in use", ft, fn, pn)
				}
			}
		}
	}

	// reload what is still configured
	wanted := make(map[string]bool)
	reloaded := make(map[string]bool)
	for ft, s := range *newPluginConfig {
		for k, c := range s {
			fn := getFactoryName(k)
			pn := getPluginNameFromCfg(c)
			key := insKey(ft, fn, pn)
			wanted[key] = true

			ins, ok := pm.insMap[ft][fn][pn]
			f := _factoryMap[fmt.Sprintf("%s_%s", ft, fn)]
			if !ok || f == nil {
				continue
			}
			if err := f.Reload(ins, c); err != nil {
				log.Warn().Err(err).Str("type", ft).Str("factory", fn).
					Str("instance", pn).Msg("hot reload failed, will recreate plugin")
				continue
			}
			reloaded[key] = true
			log.Info().Str("type", ft).Str("factory", fn).Str("instance", pn).Msg("hot reload success")
		}
	}

	// destroy what was removed or failed to reload
	for ft, factories := range pm.insMap {
		for fn, instances := range factories {
			f := _factoryMap[fmt.Sprintf("%s_%s", ft, fn)]
			for pn, ins := range instances {
				if reloaded[insKey(ft, fn, pn)] {
					continue
				}
				if f != nil {
					if err := f.Destroy(ins, nil); err != nil {
						log.Error().Err(err).Str("type", ft).Str("factory", fn).
							Str("instance", pn).Msg("destroy plugin failed")
					}
				}
				unregisterPluginIns(ft, fn, pn)
			}
		}
	}

	created, err := setupLocked(*newPluginConfig, reloaded)
	if err != nil {
		return err
	}

	log.Info().Int("reloaded", len(reloaded)).Int("recreated", len(created)).
		Msg("all plugins hot reload completed")
	return nil
}

func insKey(ft, fn, pn string) string {
	return ft + "/" + fn + "/" + pn
}

// getPluginNameFromCfg returns the "tag" item, or DefaultInsName.
func getPluginNameFromCfg(c map[string]any) string {
	t, ok := c["tag"]
	if !ok {
		return DefaultInsName
	}
	tag, ok := t.(string)
	if !ok || tag == "" {
		return DefaultInsName
	}
	return tag
}

func getFactoryName(fn string) string {
	return strings.Split(fn, "_")[0]
}

// GetPlugin returns a registered instance.
func GetPlugin(ft, fn, pn string) (Plugin, error) {
	_pluginLock.RLock()
	defer _pluginLock.RUnlock()

	typeMap, ok := _pluginMgr.insMap[ft]
	if !ok {
		return nil, fmt.Errorf("plugin type [%s] not registered", ft)
	}
	factoryMap, ok := typeMap[fn]
	if !ok {
		return nil, fmt.Errorf("plugin factory [%s/%s] not found", ft, fn)
	}
	ins, ok := factoryMap[pn]
	if !ok {
		return nil, fmt.Errorf("plugin instance [%s/%s/%s] not found", ft, fn, pn)
	}
	return ins, nil
}

// GetDefaultPlugin returns the default instance of a factory.
func GetDefaultPlugin(ft, fn string) (Plugin, error) {
	return GetPlugin(ft, fn, DefaultInsName)
}

// ListPlugins returns the registered instance names keyed "type/factory".
func ListPlugins() map[string][]string {
	_pluginLock.RLock()
	defer _pluginLock.RUnlock()

	result := make(map[string][]string)
	for ft, typeMap := range _pluginMgr.insMap {
		for fn, factoryMap := range typeMap {
			key := fmt.Sprintf("%s/%s", ft, fn)
			for pn := range factoryMap {
				result[key] = append(result[key], pn)
			}
			sort.Strings(result[key])
		}
	}
	return result
}

// DestroyAll destroys and unregisters every instance.
func DestroyAll() {
	_pluginLock.Lock()
	defer _pluginLock.Unlock()

	var all []setupIns
	for ft, typeMap := range _pluginMgr.insMap {
		for fn, factoryMap := range typeMap {
			for pn, ins := range factoryMap {
				all = append(all, setupIns{ft, fn, pn, ins})
			}
		}
	}
	rollbackLocked(all)
}

func rollbackLocked(plugins []setupIns) {
	if len(plugins) == 0 {
		return
	}
	log.Warn().Int("count", len(plugins)).Msg("destroying plugins...")

	for i := len(plugins) - 1; i >= 0; i-- {
		p := plugins[i]
		if f := _factoryMap[fmt.Sprintf("%s_%s", p.ft, p.fn)]; f != nil {
			if err := f.Destroy(p.ins, nil); err != nil {
				log.Error().Err(err).Str("type", p.ft).Str("factory", p.fn).
					Str("instance", p.pn).Msg("destroy failed")
			}
		}
		unregisterPluginIns(p.ft, p.fn, p.pn)
	}
}

func listAvailableFactories(ft string) []string {
	_pluginLock.RLock()
	defer _pluginLock.RUnlock()
	return listFactoriesLocked(ft)
}

func listFactoriesLocked(ft string) []string {
	var factories []string
	for key := range _factoryMap {
		if strings.HasPrefix(key, ft+"_") {
			factories = append(factories, strings.TrimPrefix(key, ft+"_"))
		}
	}
	sort.Strings(factories)
	return factories
}
