// Package logger provides component-tagged structured logging for all
// hubgate processes. Every call names the component it logs for, so the
// front door, workers, and the microservice clients can be filtered apart
// in aggregated output.
package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

var log *logrus.Logger

func init() {
	log = logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetLevel(logrus.InfoLevel)
}

// SetLevel adjusts the global log level ("debug", "info", "warn", "error").
// Unknown levels fall back to info.
func SetLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
}

// SetTextOutput switches to a human-readable formatter (development mode).
func SetTextOutput() {
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

func entry(component string, fields map[string]interface{}) *logrus.Entry {
	e := log.WithField("component", component)
	if fields != nil {
		e = e.WithFields(logrus.Fields(fields))
	}
	return e
}

// DebugC logs a debug message for a component.
func DebugC(component, msg string) { entry(component, nil).Debug(msg) }

// DebugCF logs a debug message with extra fields.
func DebugCF(component, msg string, fields map[string]interface{}) {
	entry(component, fields).Debug(msg)
}

// InfoC logs an info message for a component.
func InfoC(component, msg string) { entry(component, nil).Info(msg) }

// InfoCF logs an info message with extra fields.
func InfoCF(component, msg string, fields map[string]interface{}) {
	entry(component, fields).Info(msg)
}

// WarnC logs a warning for a component.
func WarnC(component, msg string) { entry(component, nil).Warn(msg) }

// WarnCF logs a warning with extra fields.
func WarnCF(component, msg string, fields map[string]interface{}) {
	entry(component, fields).Warn(msg)
}

// ErrorC logs an error for a component.
func ErrorC(component, msg string) { entry(component, nil).Error(msg) }

// ErrorCF logs an error with extra fields.
func ErrorCF(component, msg string, fields map[string]interface{}) {
	entry(component, fields).Error(msg)
}
