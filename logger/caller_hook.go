package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// callerHook reports the first frame outside logrus and this package, so
// lines point at the component that logged rather than at Entry wrappers.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	var pcs [16]uintptr
	n := runtime.Callers(4, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if frame.Function == "" {
			return nil
		}
		if !internalFrame(frame.File) {
			entry.Caller = &frame
			return nil
		}
		if !more {
			return nil
		}
	}
}

func internalFrame(file string) bool {
	return strings.Contains(file, "sirupsen/logrus") ||
		strings.HasSuffix(file, "/logger/logger.go") ||
		strings.HasSuffix(file, "/logger/caller_hook.go")
}
