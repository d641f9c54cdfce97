// Package logger provides the structured, leveled logging used across the
// embuer daemon. It wraps logrus so callers pass a message and an optional
// set of contextual fields rather than building format strings.
package logger

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Ctx is a set of contextual fields attached to a single log line.
type Ctx map[string]interface{}

var (
	mu  sync.Mutex
	log = newDefault()
)

func newDefault() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)

	return l
}

// SetDebug toggles debug-level logging on or off.
func SetDebug(enabled bool) {
	mu.Lock()
	defer mu.Unlock()

	if enabled {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}
}

func entry(ctx Ctx) *logrus.Entry {
	mu.Lock()
	l := log
	mu.Unlock()

	if ctx == nil {
		return logrus.NewEntry(l)
	}

	return l.WithFields(logrus.Fields(ctx))
}

// Debug logs a debug-level message with optional context.
func Debug(msg string, ctx ...Ctx) {
	entry(mergeCtx(ctx)).Debug(msg)
}

// Info logs an info-level message with optional context.
func Info(msg string, ctx ...Ctx) {
	entry(mergeCtx(ctx)).Info(msg)
}

// Warn logs a warning-level message with optional context.
func Warn(msg string, ctx ...Ctx) {
	entry(mergeCtx(ctx)).Warn(msg)
}

// Error logs an error-level message with optional context.
func Error(msg string, ctx ...Ctx) {
	entry(mergeCtx(ctx)).Error(msg)
}

func mergeCtx(ctxs []Ctx) Ctx {
	if len(ctxs) == 0 {
		return nil
	}

	if len(ctxs) == 1 {
		return ctxs[0]
	}

	merged := Ctx{}
	for _, c := range ctxs {
		for k, v := range c {
			merged[k] = v
		}
	}

	return merged
}
