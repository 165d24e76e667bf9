package config

import (
	"io"
	"os"
	"path/filepath"

	"github.com/getlantern/golog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var log = golog.LoggerFor("mptcp.config")

// ApplyLogging points the golog outputs at the configured sinks. With no file
// configured it leaves the defaults (errors to stderr, debug to stdout) alone.
// The returned closer releases the log file, if any.
func (c *Config) ApplyLogging() (io.Closer, error) {
	if c.Logging.File == "" {
		return nopCloser{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(c.Logging.File), 0755); err != nil {
		return nil, err
	}
	rotateLogger := &lumberjack.Logger{
		Filename:   c.Logging.File,
		MaxSize:    c.Logging.MaxSize,    // megabytes
		MaxBackups: c.Logging.MaxBackups, // number of backups
		MaxAge:     c.Logging.MaxAge,     // days
		Compress:   true,
	}
	golog.SetOutputs(io.MultiWriter(os.Stderr, rotateLogger), rotateLogger)
	log.Debugf("Logging to %v", c.Logging.File)
	return rotateLogger, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
