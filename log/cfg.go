package log

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// LogCfg configures the signaling client's logging.
// All fields support hot reload through the "logger" config.
type LogCfg struct {
	// LogPath is the file appender target.
	LogPath string `mapstructure:"path"`

	// LogLevel is one of trace, debug, info, warn, error, fatal (case-insensitive).
	LogLevel string `mapstructure:"level"`

	// FileSplitMB rotates the log file once it exceeds this size.
	FileSplitMB int `mapstructure:"splitmb"`

	// FileMaxBackups keeps at most this many rotated files. 0 keeps all.
	FileMaxBackups int `mapstructure:"maxbackups"`

	// FileMaxAgeDays removes rotated files older than this. 0 disables age pruning.
	FileMaxAgeDays int `mapstructure:"maxagedays"`

	// Compress gzips rotated files.
	Compress bool `mapstructure:"compress"`

	FileAppender    bool `mapstructure:"fileAppender"`
	ConsoleAppender bool `mapstructure:"consoleAppender"`

	// ConsoleJSON writes raw JSON lines to stdout instead of the human-readable form.
	ConsoleJSON bool `mapstructure:"consoleJSON"`

	EnabledCallerInfo bool `mapstructure:"enabledCallerInfo"`

	// DebugClients lists client IDs whose component loggers always log at debug level,
	// regardless of LogLevel.
	DebugClients []string `mapstructure:"debugClients"`
}

func (cfg *LogCfg) GetName() string {
	return "logger"
}

func (cfg *LogCfg) Validate() error {
	var result error
	if _, err := cfg.Level(); err != nil {
		result = multierror.Append(result, err)
	}
	if cfg.FileAppender && cfg.LogPath == "" {
		result = multierror.Append(result, fmt.Errorf("path is required when fileAppender is enabled"))
	}
	if cfg.FileSplitMB < 0 {
		result = multierror.Append(result, fmt.Errorf("splitmb must not be negative, got %d", cfg.FileSplitMB))
	}
	if cfg.FileMaxBackups < 0 || cfg.FileMaxAgeDays < 0 {
		result = multierror.Append(result, fmt.Errorf("maxbackups and maxagedays must not be negative"))
	}
	return result
}

// Level parses LogLevel. An empty level means debug.
func (cfg *LogCfg) Level() (zerolog.Level, error) {
	if cfg.LogLevel == "" {
		return zerolog.DebugLevel, nil
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	return lvl, nil
}

// IsDebugClient reports whether clientID is in DebugClients.
func (cfg *LogCfg) IsDebugClient(clientID string) bool {
	for _, id := range cfg.DebugClients {
		if id == clientID {
			return true
		}
	}
	return false
}

func getDefaultCfg() *LogCfg {
	return &LogCfg{
		LogPath:         "./signaling.log",
		LogLevel:        "info",
		FileSplitMB:     50,
		FileMaxBackups:  5,
		ConsoleAppender: true,
	}
}
