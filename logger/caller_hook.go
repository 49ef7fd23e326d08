package logger

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

const modulePath = "tickproxy/"

// helperPackages log on behalf of their callers; entries are attributed to
// the first frame outside them.
var helperPackages = []string{
	"github.com/sirupsen/logrus",
	modulePath + "logger",
	modulePath + "internal/metrics",
}

type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 24)
	n := runtime.Callers(4, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if frame.Function != "" && !isHelper(packageOf(frame.Function)) {
			entry.Caller = &frame
			return nil
		}
		if !more {
			return nil
		}
	}
}

func isHelper(pkg string) bool {
	for _, p := range helperPackages {
		if pkg == p {
			return true
		}
	}
	return false
}

// packageOf returns the import path of a runtime function name such as
// "tickproxy/internal/proxy.(*Core).handle.func1".
func packageOf(function string) string {
	slash := strings.LastIndex(function, "/")
	if dot := strings.Index(function[slash+1:], "."); dot >= 0 {
		return function[:slash+1+dot]
	}
	return function
}

// callerLocation renders proxy frames relative to the module root, e.g.
// "internal/proxy/core.go:212", and anything else as file:line.
func callerLocation(f *runtime.Frame) string {
	file := filepath.Base(f.File)
	pkg := packageOf(f.Function)
	if rel, ok := strings.CutPrefix(pkg, modulePath); ok {
		return fmt.Sprintf("%s/%s:%d", rel, file, f.Line)
	}
	return fmt.Sprintf("%s:%d", file, f.Line)
}
