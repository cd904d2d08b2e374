package logging

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPreInitLoggerUsesConfiguredHandler(t *testing.T) {
	logger := L("patching")

	var buf bytes.Buffer
	Init("text", "info", &buf)

	WithPatch(logger, "/tmp/a.msp").Info("transform committed", KeyTransform, "RTM.1")

	out := buf.String()
	if !strings.Contains(out, `msg="transform committed"`) {
		t.Fatalf("expected message, got: %s", out)
	}
	if !strings.Contains(out, "component=patching") {
		t.Fatalf("expected component field, got: %s", out)
	}
	if !strings.Contains(out, "patch=/tmp/a.msp") || !strings.Contains(out, "transform=RTM.1") {
		t.Fatalf("expected patch fields, got: %s", out)
	}
}

func TestPreInitLoggerRespectsConfiguredLevel(t *testing.T) {
	logger := L("msi")

	var buf bytes.Buffer
	Init("text", "warn", &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info log should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn log should be emitted: %s", out)
	}
}

func TestJSONFormatAndGroups(t *testing.T) {
	logger := L("cli").WithGroup("apply")

	var buf bytes.Buffer
	Init("json", "debug", &buf)

	logger.Debug("starting", "patches", 2)

	out := buf.String()
	if !strings.Contains(out, `"component":"cli"`) {
		t.Fatalf("expected component attr, got: %s", out)
	}
	if !strings.Contains(out, `"apply":{"patches":2}`) {
		t.Fatalf("expected grouped attr, got: %s", out)
	}
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext returned nil")
	}

	custom := L("custom")
	if got := FromContext(NewContext(context.Background(), custom)); got != custom {
		t.Fatal("FromContext did not return stored logger")
	}
}

func TestOpenFileCreatesDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "msipatch.log")

	f, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if _, err := f.WriteString("line\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Close()

	data, err := os.ReadFile(path)
	if err != nil || string(data) != "line\n" {
		t.Fatalf("unexpected file content %q, err %v", data, err)
	}
}
