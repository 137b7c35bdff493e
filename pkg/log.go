// Package pkg holds logging, error, and metrics primitives shared by every
// qdb component. Nothing here is specific to USB, the host server, or the
// gadget bridge.
package pkg

import (
	"os"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Component identifies a subsystem for log filtering.
type Component string

// qdb component identifiers.
const (
	ComponentUSB           Component = "usb"
	ComponentEnumerator    Component = "enumerator"
	ComponentDeviceManager Component = "devicemanager"
	ComponentHostServer    Component = "hostserver"
	ComponentServlet       Component = "servlet"
	ComponentGadget        Component = "gadget"
)

var (
	// baseLogger is the process-wide logger all components log through.
	baseLogger log.Logger

	logMutex sync.RWMutex
)

func init() {
	l := log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	l = log.With(l, "ts", log.DefaultTimestampUTC)
	baseLogger = l
}

// SetLogger replaces the process-wide logger. Filtering (level.NewFilter)
// and formatting are the caller's responsibility; qdb only tags entries
// with a component and level.
func SetLogger(logger log.Logger) {
	logMutex.Lock()
	defer logMutex.Unlock()
	baseLogger = logger
}

func current() log.Logger {
	logMutex.RLock()
	defer logMutex.RUnlock()
	return baseLogger
}

// LogDebug logs a debug message tagged with the given component.
func LogDebug(component Component, msg string, kv ...any) {
	_ = level.Debug(current()).Log(withComponent(component, msg, kv)...)
}

// LogInfo logs an info message tagged with the given component.
func LogInfo(component Component, msg string, kv ...any) {
	_ = level.Info(current()).Log(withComponent(component, msg, kv)...)
}

// LogWarn logs a warning message tagged with the given component.
func LogWarn(component Component, msg string, kv ...any) {
	_ = level.Warn(current()).Log(withComponent(component, msg, kv)...)
}

// LogError logs an error message tagged with the given component.
func LogError(component Component, msg string, kv ...any) {
	_ = level.Error(current()).Log(withComponent(component, msg, kv)...)
}

func withComponent(component Component, msg string, kv []any) []any {
	return append([]any{"component", string(component), "msg", msg}, kv...)
}
