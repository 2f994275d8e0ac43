package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogAppender is an output destination for log lines.
type LogAppender interface {
	io.Writer
	Close() error
}

// ConsoleAppender writes to stdout.
type ConsoleAppender struct {
	w io.Writer
}

// NewConsoleAppender creates a stdout appender. When pretty is set lines are
// rendered by zerolog's console writer, otherwise raw JSON is written.
func NewConsoleAppender(pretty bool) *ConsoleAppender {
	if !pretty {
		return &ConsoleAppender{w: os.Stdout}
	}
	return &ConsoleAppender{w: zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339Nano}}
}

func (c *ConsoleAppender) Write(p []byte) (int, error) {
	return c.w.Write(p)
}

func (c *ConsoleAppender) Close() error {
	return nil
}

// FileAppender writes to a size-rotated file.
type FileAppender struct {
	lj *lumberjack.Logger
}

func NewFileAppender(cfg *LogCfg) *FileAppender {
	return &FileAppender{lj: &lumberjack.Logger{
		Filename:   cfg.LogPath,
		MaxSize:    cfg.FileSplitMB,
		MaxBackups: cfg.FileMaxBackups,
		MaxAge:     cfg.FileMaxAgeDays,
		Compress:   cfg.Compress,
	}}
}

func (f *FileAppender) Write(p []byte) (int, error) {
	return f.lj.Write(p)
}

// Rotate closes the current file and starts a new one.
func (f *FileAppender) Rotate() error {
	return f.lj.Rotate()
}

func (f *FileAppender) Close() error {
	return f.lj.Close()
}

// WriterAppender adapts any io.Writer. Close is a no-op.
type WriterAppender struct {
	io.Writer
}

func (WriterAppender) Close() error {
	return nil
}
