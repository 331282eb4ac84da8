package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func TestVersionCommand(t *testing.T) {
	output := captureOutput(t, func() {
		versionCmd.Run(&cobra.Command{}, nil)
	})
	if !strings.Contains(output, version) {
		t.Fatalf("expected version %q in output, got: %s", version, output)
	}
}

func TestStatusCommand(t *testing.T) {
	dir := t.TempDir()
	workspace = dir
	configPath = filepath.Join(dir, "config.json")
	t.Cleanup(func() { workspace = ""; configPath = "" })

	cfg := map[string]interface{}{
		"dbPath":            filepath.Join(dir, "context.db"),
		"diagnosticsDbPath": filepath.Join(dir, "diagnostics.db"),
	}
	data, _ := json.Marshal(cfg)
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	output := captureOutput(t, func() {
		if err := showStatus(&cobra.Command{}, nil); err != nil {
			t.Fatalf("showStatus returned error: %v", err)
		}
	})

	var report map[string]interface{}
	if err := json.Unmarshal([]byte(output), &report); err != nil {
		t.Fatalf("status output is not JSON: %v\n%s", err, output)
	}
	if report["sessionCount"] != float64(0) {
		t.Errorf("expected zero sessions, got %v", report["sessionCount"])
	}
	if report["version"] != version {
		t.Errorf("expected version %q, got %v", version, report["version"])
	}
}

func TestSetupRejectsMissingConfigFile(t *testing.T) {
	workspace = t.TempDir()
	configPath = filepath.Join(workspace, "does-not-exist.yaml")
	t.Cleanup(func() { workspace = ""; configPath = "" })

	if _, err := setup(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func captureOutput(t *testing.T, fn func()) string {
	t.Helper()

	origOut := os.Stdout
	rOut, wOut, _ := os.Pipe()
	os.Stdout = wOut

	done := make(chan string)
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, rOut)
		done <- buf.String()
	}()

	fn()

	_ = wOut.Close()
	os.Stdout = origOut
	return <-done
}
