package config

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

const sampleSetup = `
source: local
chunker: bytecount
target: local
nextBackupTime: 2026-10-16T02:00:00Z
scheduleTime: "02:00"
plugins:
  source:
    sourceFiles:
      - /home/me
      - /etc
    excludes: "**/*.tmp"
  chunker:
    chunkSize: 64MiB
`

func TestDecodeAndRead(t *testing.T) {
	n, err := Decode(strings.NewReader(sampleSetup))
	if err != nil {
		t.Fatal(err)
	}

	source, err := n.RequireString("source")
	if err != nil || source != "local" {
		t.Errorf("source = %q, %v", source, err)
	}

	next, err := n.RequireTime("nextBackupTime")
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2026, 10, 16, 2, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("nextBackupTime = %v, want %v", next, want)
	}

	tod, ok, err := n.TimeOfDay("scheduleTime")
	if err != nil || !ok {
		t.Fatalf("scheduleTime: %v %v", ok, err)
	}
	if diff := cmp.Diff(TimeOfDay{Hour: 2}, tod); diff != "" {
		t.Errorf("scheduleTime mismatch (-want +got):\n%s", diff)
	}

	files, err := n.Child("plugins").Child("source").Strings("sourceFiles")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"/home/me", "/etc"}, files); diff != "" {
		t.Errorf("sourceFiles mismatch (-want +got):\n%s", diff)
	}

	excludes, err := n.Child("plugins").Child("source").Strings("excludes")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"**/*.tmp"}, excludes); diff != "" {
		t.Errorf("scalar excludes mismatch (-want +got):\n%s", diff)
	}
}

func TestMissingKey(t *testing.T) {
	n := New()
	_, err := n.Child("plugins").Child("target").RequireString("storageFolder")
	if !errors.Is(err, ErrMissingKey) {
		t.Fatalf("err = %v, want ErrMissingKey", err)
	}
	if !strings.Contains(err.Error(), "plugins.target.storageFolder") {
		t.Errorf("error %q does not name the full key", err)
	}
	if n.Has("plugins") {
		t.Error("reading a child must not materialise it")
	}
}

func TestWrongType(t *testing.T) {
	n := New()
	n.Set("list", []string{"a"})
	if _, _, err := n.String("list"); !errors.Is(err, ErrWrongType) {
		t.Errorf("String on list: err = %v", err)
	}
	n.Set("mixed", []any{"a", 3})
	if _, err := n.Strings("mixed"); !errors.Is(err, ErrWrongType) {
		t.Errorf("Strings on mixed list: err = %v", err)
	}
}

func TestChildWritesReachParent(t *testing.T) {
	root := New()
	root.Child("plugins").Child("target").Set("storageFolder", "/mnt/backup")

	got, err := root.Child("plugins").Child("target").RequireString("storageFolder")
	if err != nil || got != "/mnt/backup" {
		t.Errorf("storageFolder = %q, %v", got, err)
	}
	if diff := cmp.Diff([]string{"plugins"}, root.Keys()); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	root := New()
	next := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	root.Set("nextBackupTime", next)
	root.Set("scheduleTime", TimeOfDay{Hour: 23, Minute: 30})
	root.Child("plugins").Child("source").Set("sourceFiles", []string{"/a", "/b"})

	var buf bytes.Buffer
	if err := Encode(&buf, root); err != nil {
		t.Fatal(err)
	}

	back, err := Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}
	gotNext, err := back.RequireTime("nextBackupTime")
	if err != nil || !gotNext.Equal(next) {
		t.Errorf("nextBackupTime = %v, %v", gotNext, err)
	}
	tod, _, err := back.TimeOfDay("scheduleTime")
	if err != nil || tod.String() != "23:30" {
		t.Errorf("scheduleTime = %v, %v", tod, err)
	}
	files, _ := back.Child("plugins").Child("source").Strings("sourceFiles")
	if diff := cmp.Diff([]string{"/a", "/b"}, files); diff != "" {
		t.Errorf("sourceFiles mismatch (-want +got):\n%s", diff)
	}
}

func TestSaveAndLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "job.yaml")
	root := New()
	root.Set("source", "local")
	if err := SaveFile(path, root); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := loaded.RequireString("source"); got != "local" {
		t.Errorf("source = %q", got)
	}
}

func TestDecodeEmpty(t *testing.T) {
	n, err := Decode(strings.NewReader(""))
	if err != nil {
		t.Fatal(err)
	}
	if len(n.Keys()) != 0 {
		t.Errorf("keys = %v", n.Keys())
	}
}

func TestParseTimeOfDay(t *testing.T) {
	tests := []struct {
		input   string
		want    TimeOfDay
		wantErr bool
	}{
		{input: "02:00", want: TimeOfDay{Hour: 2}},
		{input: "23:59:30", want: TimeOfDay{Hour: 23, Minute: 59, Second: 30}},
		{input: "24:00", wantErr: true},
		{input: "noon", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseTimeOfDay(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseTimeOfDay(%q) err = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseTimeOfDay(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestTimeOfDayOn(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	day := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC) // already Mar 2 in loc
	got := TimeOfDay{Hour: 2}.On(day, loc)
	want := time.Date(2026, 3, 2, 2, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Errorf("On = %v, want %v", got, want)
	}
}
