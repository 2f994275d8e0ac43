package log

import "github.com/rs/zerolog"

// ComponentLogger tags every line with a component name and, optionally, the
// owning client ID. Clients listed in LogCfg.DebugClients log at debug level
// even when the parent logger is set higher.
type ComponentLogger struct {
	parent    *Logger
	component string
	clientID  string
}

// Named returns a ComponentLogger on the package-level logger.
func Named(component string) *ComponentLogger {
	return &ComponentLogger{component: component}
}

// Named returns a ComponentLogger backed by x.
func (x *Logger) Named(component string) *ComponentLogger {
	return &ComponentLogger{parent: x, component: component}
}

// ForClient returns a copy of c that also tags lines with clientID.
func (c *ComponentLogger) ForClient(clientID string) *ComponentLogger {
	cp := *c
	cp.clientID = clientID
	return &cp
}

func (c *ComponentLogger) base() *Logger {
	if c.parent != nil {
		return c.parent
	}
	return Default()
}

func (c *ComponentLogger) event(level zerolog.Level) *LogEvent {
	b := c.base()
	zl := b.load()
	if level < zl.GetLevel() && c.clientID != "" && b.GetCurrentConfig().IsDebugClient(c.clientID) {
		lowered := zl.Level(zerolog.DebugLevel)
		zl = &lowered
	}
	e := zl.WithLevel(level)
	if e == nil {
		return nil
	}
	e = e.Str("component", c.component)
	if c.clientID != "" {
		e = e.Str("client", c.clientID)
	}
	return e
}

func (c *ComponentLogger) Debug() *LogEvent { return c.event(zerolog.DebugLevel) }
func (c *ComponentLogger) Info() *LogEvent  { return c.event(zerolog.InfoLevel) }
func (c *ComponentLogger) Warn() *LogEvent  { return c.event(zerolog.WarnLevel) }
func (c *ComponentLogger) Error() *LogEvent { return c.event(zerolog.ErrorLevel) }
