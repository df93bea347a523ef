package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/DataDog/dd-sdk-android-sub039/internal/config"
)

// runCLI runs one command line against home and returns stdout.
func runCLI(t *testing.T, home string, stdin string, args ...string) (string, error) {
	t.Helper()
	var out, stderr bytes.Buffer
	full := append([]string{"--home", home}, args...)
	err := run(full, strings.NewReader(stdin), &out, &stderr)
	return out.String(), err
}

func mustRun(t *testing.T, home string, args ...string) string {
	t.Helper()
	out, err := runCLI(t, home, "", args...)
	if err != nil {
		t.Fatalf("%v: %v\n%s", args, err, out)
	}
	return out
}

func listUnits(t *testing.T, home string, args ...string) []unitRow {
	t.Helper()
	out := mustRun(t, home, append([]string{"--json", "list"}, args...)...)
	var units []unitRow
	if err := json.Unmarshal([]byte(out), &units); err != nil {
		t.Fatalf("decode list output %q: %v", out, err)
	}
	return units
}

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"version"}, nil, &out, &out); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out.String()) != version {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestWriteListAcrossRuns(t *testing.T) {
	home := t.TempDir()
	mustRun(t, home, "write", "logs", "first", "second")
	if _, err := runCLI(t, home, "third\n\nfourth\n", "write", "logs"); err != nil {
		t.Fatalf("write from stdin: %v", err)
	}

	units := listUnits(t, home, "logs")
	if len(units) != 2 {
		t.Fatalf("expected one unit per run, got %+v", units)
	}
	for _, u := range units {
		if u.Feature != "logs" || u.Consent != "granted" || u.Writable || !u.Sealed {
			t.Fatalf("closed runs should leave sealed granted units, got %+v", u)
		}
	}
}

func TestDrainAndInspect(t *testing.T) {
	home := t.TempDir()
	exports := t.TempDir()
	mustRun(t, home, "write", "--batch-meta", "session=7", "rum", "view-1", "view-2")
	mustRun(t, home, "drain", "--out", exports, "rum")

	files, _ := filepath.Glob(filepath.Join(exports, "rum", "*.msgpack"))
	if len(files) != 1 {
		t.Fatalf("expected one exported batch, got %v", files)
	}
	if units := listUnits(t, home, "rum"); len(units) != 0 {
		t.Fatalf("drained units should be gone, got %+v", units)
	}

	out := mustRun(t, home, "--json", "inspect", files[0])
	var doc struct {
		Feature  string
		Metadata []byte
		Events   []struct{ Data []byte }
	}
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("decode inspect output: %v", err)
	}
	if doc.Feature != "rum" || string(doc.Metadata) != "session=7" || len(doc.Events) != 2 || string(doc.Events[1].Data) != "view-2" {
		t.Fatalf("unexpected export %+v", doc)
	}
}

func TestConsentLifecycle(t *testing.T) {
	home := t.TempDir()
	mustRun(t, home, "consent", "pending")
	if got := strings.TrimSpace(mustRun(t, home, "consent")); got != "pending" {
		t.Fatalf("consent = %q, want pending", got)
	}

	mustRun(t, home, "write", "logs", "held")
	units := listUnits(t, home, "logs")
	if len(units) != 1 || units[0].Consent != "pending" {
		t.Fatalf("expected the record in the pending root, got %+v", units)
	}

	mustRun(t, home, "consent", "granted")
	units = listUnits(t, home, "logs")
	if len(units) != 1 || units[0].Consent != "granted" {
		t.Fatalf("granting should migrate pending data, got %+v", units)
	}

	mustRun(t, home, "consent", "not_granted")
	if _, err := runCLI(t, home, "", "write", "logs", "refused"); err == nil {
		t.Fatal("writes without consent should report dropped records")
	}
}

func TestSlotCommands(t *testing.T) {
	home := t.TempDir()
	mustRun(t, home, "slot", "set", "last-view", "v1")
	mustRun(t, home, "slot", "set", "last-view", "v2")
	if got := strings.TrimSpace(mustRun(t, home, "slot", "get", "last-view")); got != "v2" {
		t.Fatalf("slot value = %q, want v2", got)
	}
	mustRun(t, home, "slot", "clear", "last-view")
	if _, err := runCLI(t, home, "", "slot", "get", "last-view"); err == nil {
		t.Fatal("expected an empty slot after clear")
	}
}

func TestDropAndPurge(t *testing.T) {
	home := t.TempDir()
	if _, err := runCLI(t, home, "", "drop"); !errors.Is(err, errUsage) {
		t.Fatalf("expected a usage error, got %v", err)
	}
	mustRun(t, home, "write", "traces", "span")
	if out := mustRun(t, home, "purge", "traces"); !strings.Contains(out, "nothing to purge") {
		t.Fatalf("fresh units should not be purged, got %q", out)
	}
	mustRun(t, home, "drop", "traces")
	if units := listUnits(t, home, "traces"); len(units) != 0 {
		t.Fatalf("expected no units after drop, got %+v", units)
	}
}

func TestUnknownFeature(t *testing.T) {
	if _, err := runCLI(t, t.TempDir(), "", "write", "metrics", "x"); !errors.Is(err, errUnknownFeature) {
		t.Fatalf("expected errUnknownFeature, got %v", err)
	}
}

func TestConfigFileFeatures(t *testing.T) {
	home := t.TempDir()
	cfg := "compression: none\nfeatures:\n  session-replay:\n    max_items_per_batch: 1\n"
	if err := os.WriteFile(filepath.Join(home, "batchstore.yaml"), []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	mustRun(t, home, "write", "session-replay", "a", "b", "c")
	units := listUnits(t, home)
	if len(units) != 3 {
		t.Fatalf("expected one unit per record, got %d", len(units))
	}
}

func TestTailOnce(t *testing.T) {
	home := t.TempDir()
	logs := t.TempDir()
	if err := os.WriteFile(filepath.Join(logs, "app.log"), []byte("l1\nl2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	out := mustRun(t, home, "tail", "--once", "--from-start", "logs", filepath.Join(logs, "*.log"))
	if !strings.Contains(out, "tailed 2 line(s)") {
		t.Fatalf("unexpected output %q", out)
	}
	// The bookmark prevents a second read.
	out = mustRun(t, home, "tail", "--once", "--from-start", "logs", filepath.Join(logs, "*.log"))
	if !strings.Contains(out, "tailed 0 line(s)") {
		t.Fatalf("expected the bookmark to hold, got %q", out)
	}
}

func TestMemoryBackend(t *testing.T) {
	home := t.TempDir()
	mustRun(t, home, "--backend", "memory", "write", "logs", "gone")
	if units := listUnits(t, home, "--backend", "memory"); len(units) != 0 {
		t.Fatalf("memory data must not survive a run, got %+v", units)
	}
	if _, err := os.Stat(filepath.Join(home, "features")); !os.IsNotExist(err) {
		t.Fatalf("memory backend should not touch the home, stat err %v", err)
	}
}

func TestParseTailSpecs(t *testing.T) {
	specs, err := parseTailSpecs([]string{"logs=/var/log/*.log", "rum=/tmp/rum.log", "logs=/srv/*.log"})
	if err != nil {
		t.Fatal(err)
	}
	if len(specs) != 2 || specs[0].feature != "logs" || len(specs[0].patterns) != 2 || specs[1].feature != "rum" {
		t.Fatalf("unexpected specs %+v", specs)
	}
	for _, bad := range []string{"logs", "=x", "logs="} {
		if _, err := parseTailSpecs([]string{bad}); !errors.Is(err, errUsage) {
			t.Errorf("parseTailSpecs(%q) should fail with errUsage, got %v", bad, err)
		}
	}
}

func TestNewLogger(t *testing.T) {
	file := filepath.Join(t.TempDir(), "logs", "batchstore.log")
	var stderr bytes.Buffer
	logger, filter, closer, err := newLogger(config.LogConfig{
		Level:      "warn",
		Format:     "json",
		File:       file,
		MaxSizeMB:  1,
		Components: map[string]string{"orchestrator": "debug"},
	}, &stderr)
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	defer closer.Close()

	if filter.Level("orchestrator") != slog.LevelDebug || filter.Level("upload-worker") != slog.LevelWarn {
		t.Fatal("component levels not applied")
	}
	logger.With("component", "upload-worker").Info("hidden")
	logger.With("component", "orchestrator").Debug("shown")

	if strings.Contains(stderr.String(), "hidden") || !strings.Contains(stderr.String(), "shown") {
		t.Fatalf("unexpected stderr %q", stderr.String())
	}
	data, err := os.ReadFile(file)
	if err != nil || !strings.Contains(string(data), "shown") {
		t.Fatalf("log file not written: %v %q", err, data)
	}

	if _, _, _, err := newLogger(config.LogConfig{Level: "loud"}, &stderr); err == nil {
		t.Fatal("expected an error for an unknown level")
	}
	if _, _, _, err := newLogger(config.LogConfig{Level: "info", Format: "xml"}, &stderr); err == nil {
		t.Fatal("expected an error for an unknown format")
	}
}

func TestFormatBytes(t *testing.T) {
	tests := map[int64]string{
		0:       "0 B",
		1023:    "1023 B",
		1024:    "1.0 KiB",
		4 << 20: "4.0 MiB",
	}
	for in, want := range tests {
		if got := formatBytes(in); got != want {
			t.Errorf("formatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestMigrateWithoutConsentChange(t *testing.T) {
	home := t.TempDir()
	mustRun(t, home, "consent", "pending")
	mustRun(t, home, "write", "logs", "a", "b")

	out := mustRun(t, home, "migrate", "logs")
	if !strings.Contains(out, "logs") {
		t.Fatalf("unexpected output %q", out)
	}
	units := listUnits(t, home, "logs")
	if len(units) != 1 || units[0].Consent != "granted" {
		t.Fatalf("expected the unit in the granted root, got %+v", units)
	}
	if got := strings.TrimSpace(mustRun(t, home, "consent")); got != "pending" {
		t.Fatalf("migrate must not change consent, got %q", got)
	}
}

func TestBrotliCompressedUnitsDrain(t *testing.T) {
	home := t.TempDir()
	exports := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "batchstore.yaml"), []byte("compression: brotli\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	mustRun(t, home, "write", "traces", "span-1", "span-2")
	mustRun(t, home, "drain", "--out", exports, "traces")

	files, _ := filepath.Glob(filepath.Join(exports, "traces", "*.msgpack"))
	if len(files) != 1 {
		t.Fatalf("expected one exported batch, got %v", files)
	}
	out := mustRun(t, home, "--json", "inspect", files[0])
	if !strings.Contains(out, "traces") {
		t.Fatalf("unexpected inspect output %q", out)
	}
}
