package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestEnvOrDefault(t *testing.T) {
	t.Setenv("SECRETARY_TEST_VALUE", "")
	if got := envOrDefault("SECRETARY_TEST_VALUE", "fallback"); got != "fallback" {
		t.Errorf("unset: got %q", got)
	}
	t.Setenv("SECRETARY_TEST_VALUE", "set")
	if got := envOrDefault("SECRETARY_TEST_VALUE", "fallback"); got != "set" {
		t.Errorf("set: got %q", got)
	}
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("SECRETARY_TEST_DURATION", "garbage")
	if got := envDuration("SECRETARY_TEST_DURATION", time.Second); got != time.Second {
		t.Errorf("garbage: got %v", got)
	}
	t.Setenv("SECRETARY_TEST_DURATION", "90s")
	if got := envDuration("SECRETARY_TEST_DURATION", time.Second); got != 90*time.Second {
		t.Errorf("90s: got %v", got)
	}
}

func TestBuildLogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		if _, err := buildLogger(level); err != nil {
			t.Errorf("%s: %v", level, err)
		}
	}
	if _, err := buildLogger("loud"); err == nil {
		t.Error("unknown level accepted")
	}
}

func TestFlagsFromEnvironment(t *testing.T) {
	t.Setenv("SECRETARY_DATA_DIR", "/srv/secretary")
	t.Setenv("SECRETARY_TICK_INTERVAL", "5s")
	cmd := newRootCmd()
	flags := cmd.PersistentFlags()
	if got := flags.Lookup("data-dir").DefValue; got != "/srv/secretary" {
		t.Errorf("data-dir default = %q", got)
	}
	if got := flags.Lookup("tick-interval").DefValue; got != "5s" {
		t.Errorf("tick-interval default = %q", got)
	}
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "secretary dev") {
		t.Errorf("output = %q", out)
	}
}

func TestPluginsList(t *testing.T) {
	out, err := execute(t, "plugins", "list")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"chunker/bytecount", "source/local", "target/local", "target/s3"}
	got := strings.Fields(out)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("plugins mismatch (-want +got):\n%s", diff)
	}
}

func TestSetupsList(t *testing.T) {
	dataDir := t.TempDir()
	setupsDir := filepath.Join(dataDir, "setups")
	if err := os.MkdirAll(setupsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	body := "source: local\nchunker: bytecount\ntarget: local\nnextBackupTime: 2026-10-17T02:00:00Z\nscheduleTime: \"02:00\"\nplugins: {target: {storageFolder: " + t.TempDir() + "}}\n"
	if err := os.WriteFile(filepath.Join(setupsDir, "nightly.yaml"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "setups", "list", "--data-dir", dataDir)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("output:\n%s", out)
	}
	fields := strings.Fields(lines[1])
	if fields[0] != "nightly" || fields[1] != "local" || fields[2] != "bytecount" || !strings.Contains(lines[1], "daily 02:00") {
		t.Errorf("row = %q", lines[1])
	}
}

func TestMigrate(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "nested")
	if _, err := execute(t, "migrate", "--data-dir", dataDir, "--log-level", "error"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dataDir, "secretary.db")); err != nil {
		t.Errorf("database not created: %v", err)
	}
}
