// Package logging wraps logrus with the level/format conventions the
// teacher's pkg/logger establishes, adapted for the core's components
// instead of one logger-per-HTTP-service.
package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus.Logger so components can attach structured
// fields without importing logrus directly.
type Logger struct {
	*logrus.Logger
}

// Config controls level and format. Output always goes to stdout: the
// teacher's file-sink branch is dropped here since this core has no
// filesystem log-shipping concern (§1 places that with the surrounding
// application).
type Config struct {
	Level  string `env:"LOG_LEVEL"`
	Format string `env:"LOG_FORMAT"`
}

// New builds a Logger from Config, defaulting to info/text on parse
// failure rather than erroring, matching the teacher's fallback.
func New(cfg Config) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	l.SetOutput(os.Stdout)

	return &Logger{Logger: l}
}

// NewDefault returns an info/text logger for a component; see
// WithComponent for what it does with the name.
func NewDefault(component string) *Logger {
	l := New(Config{Level: "info", Format: "text"})
	return l.WithComponent(component)
}

// WithComponent returns a separate Logger with the same level, formatter
// and output as l. The component name is not attached to it: its
// entries carry no "component" field unless they are built through
// Entry(component).
func (l *Logger) WithComponent(component string) *Logger {
	base := l.Logger
	wrapped := logrus.New()
	wrapped.SetLevel(base.GetLevel())
	wrapped.SetFormatter(base.Formatter)
	wrapped.SetOutput(base.Out)
	return &Logger{Logger: wrapped}
}

// Entry returns a logrus.Entry with the component field pre-applied.
// Components should call this once and reuse the entry's With* chain.
func (l *Logger) Entry(component string) *logrus.Entry {
	return l.Logger.WithField("component", component)
}
