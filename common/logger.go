package common

import (
	"strings"

	"github.com/phuslu/log"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arbor/models"
	"github.com/ternarybob/arbor/writers"
)

// NewLogger builds the console logger shared by every component.
// Unknown levels fall back to info.
func NewLogger(level string) arbor.ILogger {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		level = "info"
	}

	return arbor.NewLogger().WithConsoleWriter(models.WriterConfiguration{
		Type:             models.LogWriterTypeConsole,
		TimeFormat:       "15:04:05",
		OutputType:       models.OutputFormatLogfmt,
		DisableTimestamp: false,
	}).WithLevelFromString(level)
}

// NewNopLogger returns a logger that drops every event. A logger without
// private writers falls through to the global registry, so it gets a
// discarding writer of its own.
func NewNopLogger() arbor.ILogger {
	return arbor.NewLogger().WithWriters([]writers.IWriter{discardWriter{}})
}

type discardWriter struct{}

func (d discardWriter) WithLevel(log.Level) writers.IWriter { return d }
func (discardWriter) Write(p []byte) (int, error)           { return len(p), nil }
func (discardWriter) GetFilePath() string                   { return "" }
func (discardWriter) Close() error                          { return nil }
