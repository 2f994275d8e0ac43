package log

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/lcx/signaling/config"
	"github.com/rs/zerolog"
)

// LogEvent is a log line under construction. Finish it with Msg or Send.
type LogEvent = zerolog.Event

// Logger fans log lines out to its appenders. The logging path is lock-free;
// configuration and appender changes rebuild the underlying zerolog logger.
//
// Example:
//
//	logger := NewLogger(&LogCfg{LogLevel: "info", ConsoleAppender: true})
//	logger.Info().Str("endpointId", id).Msg("connected")
type Logger struct {
	zl        atomic.Pointer[zerolog.Logger]
	mu        sync.Mutex
	appenders []LogAppender
	cfg       *LogCfg
}

// NewLogger creates a Logger. A nil cfg uses the defaults (info, console only).
func NewLogger(cfg *LogCfg) *Logger {
	if cfg == nil {
		cfg = getDefaultCfg()
	}
	x := &Logger{cfg: cfg}
	x.appenders = appendersFor(cfg)
	x.rebuild()
	return x
}

// NewLoggerWithConfigManager creates a Logger that follows reloads of the "logger" config.
func NewLoggerWithConfigManager(cfg *LogCfg, configManager config.ConfigManager) *Logger {
	x := NewLogger(cfg)
	if configManager != nil {
		configManager.AddChangeListener(x)
	}
	return x
}

func appendersFor(cfg *LogCfg) []LogAppender {
	var appenders []LogAppender
	if cfg.FileAppender && cfg.LogPath != "" {
		appenders = append(appenders, NewFileAppender(cfg))
	}
	if cfg.ConsoleAppender {
		appenders = append(appenders, NewConsoleAppender(!cfg.ConsoleJSON))
	}
	return appenders
}

// rebuild must be called with mu held, or before x is shared.
func (x *Logger) rebuild() {
	level, err := x.cfg.Level()
	if err != nil {
		level = zerolog.InfoLevel
	}

	var zl zerolog.Logger
	switch len(x.appenders) {
	case 0:
		zl = zerolog.Nop()
	case 1:
		zl = zerolog.New(x.appenders[0])
	default:
		writers := make([]io.Writer, len(x.appenders))
		for i, a := range x.appenders {
			writers[i] = a
		}
		zl = zerolog.New(zerolog.MultiLevelWriter(writers...))
	}
	ctx := zl.Level(level).With().Timestamp()
	if x.cfg.EnabledCallerInfo {
		ctx = ctx.Caller()
	}
	built := ctx.Logger()
	x.zl.Store(&built)
}

// OnConfigChanged applies a reloaded "logger" config. Appenders are recreated.
func (x *Logger) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != "logger" {
		return nil
	}
	newCfg, ok := newConfig.(*LogCfg)
	if !ok {
		return nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	for _, a := range x.appenders {
		_ = a.Close()
	}
	x.cfg = newCfg
	x.appenders = appendersFor(newCfg)
	x.rebuild()

	x.Info().Str("level", newCfg.LogLevel).Msg("logger configuration updated")
	return nil
}

// AddAppender adds an output destination.
func (x *Logger) AddAppender(appender LogAppender) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.appenders = append(x.appenders, appender)
	x.rebuild()
}

// GetAppender returns a snapshot of the current appenders.
func (x *Logger) GetAppender() []LogAppender {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]LogAppender, len(x.appenders))
	copy(out, x.appenders)
	return out
}

// GetCurrentConfig returns the active configuration.
func (x *Logger) GetCurrentConfig() *LogCfg {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.cfg
}

// Close closes every appender.
func (x *Logger) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	var firstErr error
	for _, a := range x.appenders {
		if err := a.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	x.appenders = nil
	x.rebuild()
	return firstErr
}

func (x *Logger) load() *zerolog.Logger {
	return x.zl.Load()
}

func (x *Logger) Debug() *LogEvent { return x.load().Debug() }
func (x *Logger) Info() *LogEvent  { return x.load().Info() }
func (x *Logger) Warn() *LogEvent  { return x.load().Warn() }
func (x *Logger) Error() *LogEvent { return x.load().Error() }
func (x *Logger) Fatal() *LogEvent { return x.load().Fatal() }

var _defaultLogger atomic.Pointer[Logger]

func init() {
	_defaultLogger.Store(NewLogger(nil))
}

// Default returns the package-level logger.
func Default() *Logger {
	return _defaultLogger.Load()
}

// SetDefaultLogger replaces the package-level logger.
func SetDefaultLogger(logger *Logger) {
	if logger != nil {
		_defaultLogger.Store(logger)
	}
}

// AddAppender adds an appender to the package-level logger.
func AddAppender(appender LogAppender) {
	Default().AddAppender(appender)
}

// InitializeWithConfigManager loads the "logger" config and installs a
// hot-reloading package-level logger built from it.
func InitializeWithConfigManager(configManager config.ConfigManager) error {
	if configManager == nil {
		return nil
	}
	logCfg := &LogCfg{}
	if err := configManager.LoadConfig("logger", logCfg); err != nil {
		return err
	}
	SetDefaultLogger(NewLoggerWithConfigManager(logCfg, configManager))
	return nil
}

// Initialize is InitializeWithConfigManager on the process-wide config manager.
func Initialize() error {
	return InitializeWithConfigManager(config.GetInstance())
}

func Debug() *LogEvent { return Default().Debug() }
func Info() *LogEvent  { return Default().Info() }
func Warn() *LogEvent  { return Default().Warn() }
func Error() *LogEvent { return Default().Error() }
func Fatal() *LogEvent { return Default().Fatal() }
