// Package logging configures the logrus logger shared by every component.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	nested "github.com/antonfisher/nested-logrus-formatter"
	"github.com/shiena/ansicolor"
	"github.com/sirupsen/logrus"
)

// Config contains logging settings.
type Config struct {
	Level    string `yaml:"level"`
	Dir      string `yaml:"dir"`
	Terminal bool   `yaml:"terminal"`
}

// New builds a logger writing to the terminal and/or a daily file in Dir.
func New(cfg Config) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetFormatter(&nested.Formatter{
		HideKeys:        true,
		ShowFullLevel:   true,
		FieldsOrder:     []string{"component", "layer", "context"},
		TimestampFormat: "2006-01-02 15:04:05.000",
	})

	outputs := make([]io.Writer, 0, 2)
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		filename := filepath.Join(cfg.Dir, time.Now().Format("2006-01-02.log"))
		file, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		outputs = append(outputs, file)
	}
	if cfg.Terminal || len(outputs) == 0 {
		outputs = append(outputs, os.Stdout)
	}
	log.SetOutput(ansicolor.NewAnsiColorWriter(io.MultiWriter(outputs...)))

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	return log, nil
}

// Discard returns a logger that drops everything. Used as the fallback
// when a component is constructed without a logger.
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	log.SetLevel(logrus.PanicLevel)
	return log
}

// OrDiscard returns log, or a discarding logger when log is nil.
func OrDiscard(log logrus.FieldLogger) logrus.FieldLogger {
	if log == nil {
		return Discard()
	}
	return log
}

// Component tags log entries with the emitting component.
func Component(log logrus.FieldLogger, name string) logrus.FieldLogger {
	return OrDiscard(log).WithField("component", name)
}
