// Package rlog provides the leveled logging facade used throughout the
// orchestrator. Every component logs through here rather than fmt or the
// standard log package, so that severity classification (see
// internal/pkg/orchestrator.Classify) and log verbosity stay consistent
// between the parent and child processes.
package rlog

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
)

// Level controls which messages reach the handler. It is process-global
// because both the parent and the re-exec'd child read it from the same
// environment variable at startup.
type Level int32

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelVerbose
	LevelDebug
)

var current int32 = int32(LevelInfo)

func init() {
	log.SetHandler(cli.Default)
}

// SetLevel adjusts the process-wide verbosity. Safe to call concurrently,
// though in practice it is only set once at startup in each process.
func SetLevel(l Level) {
	atomic.StoreInt32(&current, int32(l))
}

func enabled(l Level) bool {
	return Level(atomic.LoadInt32(&current)) >= l
}

// Debugf logs fine-grained tracing, normally silent.
func Debugf(format string, a ...interface{}) {
	if enabled(LevelDebug) {
		log.Debug(fmt.Sprintf(format, a...))
	}
}

// Verbosef logs one step above debug: major lifecycle transitions.
func Verbosef(format string, a ...interface{}) {
	if enabled(LevelVerbose) {
		log.Info(fmt.Sprintf(format, a...))
	}
}

// Infof logs user-relevant progress, shown by default.
func Infof(format string, a ...interface{}) {
	if enabled(LevelInfo) {
		log.Info(fmt.Sprintf(format, a...))
	}
}

// Warningf logs a degrading failure: the orchestrator continues past it.
func Warningf(format string, a ...interface{}) {
	if enabled(LevelWarn) {
		log.Warn(fmt.Sprintf(format, a...))
	}
}

// Errorf logs a failure the caller is about to propagate.
func Errorf(format string, a ...interface{}) {
	log.Error(fmt.Sprintf(format, a...))
}

// Fatalf logs an unrecoverable failure and terminates the process
// immediately, matching the teacher's sylog.Fatalf contract: it never
// returns.
func Fatalf(format string, a ...interface{}) {
	log.Error(fmt.Sprintf(format, a...))
	os.Exit(255)
}
