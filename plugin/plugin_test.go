package plugin

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lcx/signaling/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	name      string
	Interval  time.Duration `mapstructure:"interval"`
	Retries   int           `mapstructure:"retries"`
	destroyed bool
	reloads   int
}

func (p *fakeTransport) FactoryName() string { return p.name }

type fakeFactory struct {
	name      string
	mu        sync.Mutex
	setupErr  error
	reloadErr error
	busy      bool
	created   []*fakeTransport
}

func (f *fakeFactory) Type() Type   { return Transport }
func (f *fakeFactory) Name() string { return f.name }

func (f *fakeFactory) Setup(v map[string]any) (Plugin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setupErr != nil {
		return nil, f.setupErr
	}
	p := &fakeTransport{name: f.name}
	if err := Decode(v, p); err != nil {
		return nil, err
	}
	f.created = append(f.created, p)
	return p, nil
}

func (f *fakeFactory) Destroy(p Plugin, _ any) error {
	p.(*fakeTransport).destroyed = true
	return nil
}

func (f *fakeFactory) Reload(p Plugin, v map[string]any) error {
	if f.reloadErr != nil {
		return f.reloadErr
	}
	t := p.(*fakeTransport)
	t.reloads++
	return Decode(v, t)
}

func (f *fakeFactory) CanDelete(Plugin) bool { return !f.busy }

func registerFake(t *testing.T, name string) *fakeFactory {
	t.Helper()
	f := &fakeFactory{name: name}
	RegisterPlugin(f)
	t.Cleanup(func() {
		DestroyAll()
		_pluginLock.Lock()
		delete(_factoryMap, "transport_"+name)
		_pluginLock.Unlock()
	})
	return f
}

func TestDecode(t *testing.T) {
	p := &fakeTransport{}
	require.NoError(t, Decode(map[string]any{"interval": "250ms", "retries": "3", "tag": "x"}, p))
	assert.Equal(t, 250*time.Millisecond, p.Interval)
	assert.Equal(t, 3, p.Retries)
}

func TestNewInstance(t *testing.T) {
	registerFake(t, "fake")

	p, err := NewInstance(Transport, "fake", map[string]any{"retries": 2})
	require.NoError(t, err)
	assert.Equal(t, "fake", p.FactoryName())
	assert.Equal(t, 2, p.(*fakeTransport).Retries)

	_, err = NewInstance(Transport, "missing", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fake")

	_, err = GetDefaultPlugin(string(Transport), "fake")
	assert.Error(t, err)
}

func TestSetupAllRegistersInstances(t *testing.T) {
	f := registerFake(t, "fake")

	require.NoError(t, setupAll(PluginConfig{
		"transport": {
			"fake":        {"retries": 1},
			"fake_backup": {"tag": "backup", "retries": 5},
		},
	}))

	def, err := GetDefaultPlugin("transport", "fake")
	require.NoError(t, err)
	assert.Equal(t, 1, def.(*fakeTransport).Retries)

	backup, err := GetPlugin("transport", "fake", "backup")
	require.NoError(t, err)
	assert.Equal(t, 5, backup.(*fakeTransport).Retries)

	assert.Equal(t, map[string][]string{"transport/fake": {"backup", "default"}}, ListPlugins())
	assert.Len(t, f.created, 2)
}

func TestSetupAllRollsBack(t *testing.T) {
	f := registerFake(t, "fake")

	err := setupAll(PluginConfig{
		"transport": {
			"fake":    {"retries": 1},
			"missing": {},
		},
	})
	require.Error(t, err)
	assert.Empty(t, ListPlugins())
	for _, p := range f.created {
		assert.True(t, p.destroyed)
	}

	f.setupErr = errors.New("no resources")
	assert.Error(t, setupAll(PluginConfig{"transport": {"fake": {}}}))
	assert.Empty(t, ListPlugins())
}

func TestSetupAllDuplicateDefault(t *testing.T) {
	registerFake(t, "fake")
	registerFake(t, "other")

	err := setupAll(PluginConfig{
		"transport": {
			"fake":  {},
			"other": {},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default instance already exists")
	assert.Empty(t, ListPlugins())
}

func TestOnConfigChangedReloadsAndRecreates(t *testing.T) {
	f := registerFake(t, "fake")
	require.NoError(t, setupAll(PluginConfig{
		"transport": {
			"fake":     {"retries": 1},
			"fake_old": {"tag": "old"},
		},
	}))
	before, err := GetDefaultPlugin("transport", "fake")
	require.NoError(t, err)
	old, err := GetPlugin("transport", "fake", "old")
	require.NoError(t, err)

	next := PluginConfig{
		"transport": {
			"fake":     {"retries": 7},
			"fake_new": {"tag": "new"},
		},
	}
	require.NoError(t, _pluginMgr.OnConfigChanged("plugin", &next, nil))

	after, err := GetDefaultPlugin("transport", "fake")
	require.NoError(t, err)
	assert.Same(t, before, after)
	assert.Equal(t, 7, after.(*fakeTransport).Retries)
	assert.Equal(t, 1, after.(*fakeTransport).reloads)

	assert.True(t, old.(*fakeTransport).destroyed)
	_, err = GetPlugin("transport", "fake", "old")
	assert.Error(t, err)
	_, err = GetPlugin("transport", "fake", "new")
	assert.NoError(t, err)
	assert.Len(t, f.created, 3)
}

func TestOnConfigChangedFallsBackToRecreate(t *testing.T) {
	f := registerFake(t, "fake")
	require.NoError(t, setupAll(PluginConfig{"transport": {"fake": {"retries": 1}}}))
	before, _ := GetDefaultPlugin("transport", "fake")

	f.reloadErr = errors.New("not supported")
	next := PluginConfig{"transport": {"fake": {"retries": 2}}}
	require.NoError(t, _pluginMgr.OnConfigChanged("plugin", &next, nil))

	after, err := GetDefaultPlugin("transport", "fake")
	require.NoError(t, err)
	assert.NotSame(t, before, after)
	assert.True(t, before.(*fakeTransport).destroyed)
	assert.Equal(t, 2, after.(*fakeTransport).Retries)
}

func TestOnConfigChangedRefusesBusyPlugins(t *testing.T) {
	f := registerFake(t, "fake")
	require.NoError(t, setupAll(PluginConfig{"transport": {"fake": {"retries": 1}}}))
	f.busy = true

	next := PluginConfig{"transport": {"fake": {"retries": 2}}}
	assert.Error(t, _pluginMgr.OnConfigChanged("plugin", &next, nil))

	p, err := GetDefaultPlugin("transport", "fake")
	require.NoError(t, err)
	assert.Equal(t, 1, p.(*fakeTransport).Retries)

	assert.NoError(t, _pluginMgr.OnConfigChanged("logger", &next, nil))
}

func TestInitPluginsFromFile(t *testing.T) {
	registerFake(t, "fake")
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.yaml"), []byte(`
transport:
  fake:
    interval: 2s
    retries: 4
`), 0o644))

	cm := config.NewConfigManager()
	t.Cleanup(func() { _ = cm.Close() })
	cm.SetBasePath(dir)

	require.NoError(t, InitPluginsWithConfigManager(cm))
	p, err := GetDefaultPlugin("transport", "fake")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, p.(*fakeTransport).Interval)
	assert.Equal(t, 4, p.(*fakeTransport).Retries)
	cm.RemoveChangeListener(_pluginMgr)
}

func TestPluginConfigValidate(t *testing.T) {
	var empty PluginConfig
	assert.Error(t, empty.Validate())

	cfg := PluginConfig{"transport": {}}
	assert.Error(t, cfg.Validate())

	cfg = PluginConfig{"transport": {"websocket": {}}}
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "plugin", cfg.GetName())
}
