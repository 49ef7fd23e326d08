package logger

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("proxy_core")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "proxy_core" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestEntryChainKeepsFields(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("adapter").WithField("broker", "binance").WithFields(Fields{"conn": 2})
	if entry.Entry.Data["component"] != "adapter" || entry.Entry.Data["broker"] != "binance" || entry.Entry.Data["conn"] != 2 {
		t.Fatalf("unexpected fields: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureInvalidFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestConfigureEnvOverridesLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")

	log := Logger()
	if err := log.Configure("warn", "text", "stderr", 0); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if got := log.GetLevel().String(); got != "debug" {
		t.Fatalf("level = %s, want debug", got)
	}
}

func TestConfigureFileOutput(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	path := filepath.Join(t.TempDir(), "proxy.log")

	log := Logger()
	if err := log.Configure("info", "json", path, 0); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	log.WithComponent("test").Info("hello")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("expected log output in %s", path)
	}
}

func TestWithEnv(t *testing.T) {
	t.Setenv("FOO", "bar")
	log := Logger()
	entry := log.WithEnv("FOO")
	if v, ok := entry.Entry.Data["FOO"]; !ok || v != "bar" {
		t.Fatalf("env field not set: %v", entry.Entry.Data)
	}
}

func TestLogPerformanceEntry(t *testing.T) {
	log := Discard()
	// must not panic with nil fields
	LogPerformanceEntry(log.WithComponent("x"), "x", "dispatch", 1500*time.Microsecond, nil)
}

func TestPackageOf(t *testing.T) {
	tests := []struct{ fn, want string }{
		{"tickproxy/internal/proxy.(*Core).handle.func1", "tickproxy/internal/proxy"},
		{"github.com/sirupsen/logrus.(*Entry).Log", "github.com/sirupsen/logrus"},
		{"main.run", "main"},
		{"tickproxy/internal/metrics.EmitDropMetric", "tickproxy/internal/metrics"},
	}
	for _, tt := range tests {
		if got := packageOf(tt.fn); got != tt.want {
			t.Errorf("packageOf(%s)=%s want %s", tt.fn, got, tt.want)
		}
	}
	if !isHelper("tickproxy/internal/metrics") || !isHelper("github.com/sirupsen/logrus") {
		t.Fatal("metrics and logrus frames must be skipped")
	}
	if isHelper("tickproxy/internal/metricsx") || isHelper("tickproxy/internal/proxy") {
		t.Fatal("only exact helper packages are skipped")
	}
}

func TestCallerLocationIsModuleRelative(t *testing.T) {
	frame := &runtime.Frame{
		Function: "tickproxy/internal/proxy.(*Core).handle",
		File:     "/src/tickproxy/internal/proxy/core.go",
		Line:     212,
	}
	if got := callerLocation(frame); got != "internal/proxy/core.go:212" {
		t.Fatalf("unexpected location %q", got)
	}
	frame = &runtime.Frame{Function: "main.run", File: "/src/tickproxy/main.go", Line: 40}
	if got := callerLocation(frame); got != "main.go:40" {
		t.Fatalf("unexpected location %q", got)
	}
}
