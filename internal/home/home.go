// Package home manages the batchstore home directory layout.
//
// The home directory owns all persistent state: the config file, the
// install identity, and one storage root per feature and consent state.
//
// Layout:
//
//	<root>/
//	  batchstore.yaml                  (optional config file)
//	  install_id                       (stable identity of this install)
//	  features/
//	    <feature>-v2/                  (granted data, uploaded)
//	    <feature>-pending-v2/          (written while consent is pending)
//	    <feature>-badger-v2/           (granted data, badger backend)
//	  slots/
//	    <name>.bin                     (keep-latest single records)
//	  exports/                         (batches drained by the dir exporter)
//	  logs/
//	    batchstore.log                 (rotated CLI log)
package home

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// FeatureVersion is the layout version suffix of feature roots. Bumping it
// orphans roots written by an incompatible layout instead of misreading them.
const FeatureVersion = "v2"

// Dir represents a batchstore home directory.
type Dir struct {
	root string
}

// New creates a Dir with an explicit root path.
func New(root string) Dir {
	return Dir{root: root}
}

// Default returns a Dir using the platform-appropriate default location:
//   - Linux:   ~/.config/batchstore
//   - macOS:   ~/Library/Application Support/batchstore
//   - Windows: %APPDATA%/batchstore
func Default() (Dir, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return Dir{}, fmt.Errorf("determine config directory: %w", err)
	}
	return Dir{root: filepath.Join(base, "batchstore")}, nil
}

// Root returns the home directory path.
func (d Dir) Root() string {
	return d.root
}

// ConfigPath returns the default config file path.
func (d Dir) ConfigPath() string {
	return filepath.Join(d.root, "batchstore.yaml")
}

// FeatureDir returns the storage root of a feature's granted data.
func (d Dir) FeatureDir(feature string) string {
	return filepath.Join(d.root, "features", feature+"-"+FeatureVersion)
}

// PendingDir returns the storage root of data written while tracking
// consent is pending.
func (d Dir) PendingDir(feature string) string {
	return filepath.Join(d.root, "features", feature+"-pending-"+FeatureVersion)
}

// BadgerDir returns the root of a feature stored in badger.
func (d Dir) BadgerDir(feature string) string {
	return filepath.Join(d.root, "features", feature+"-badger-"+FeatureVersion)
}

// SlotPath returns the file of a keep-latest slot.
func (d Dir) SlotPath(name string) string {
	return filepath.Join(d.root, "slots", name+".bin")
}

// TailStatePath returns the bookmark file of a feature's tailer.
func (d Dir) TailStatePath(feature string) string {
	return filepath.Join(d.root, "state", "tail", feature+".state")
}

// ExportDir returns the directory the dir exporter writes batches to.
func (d Dir) ExportDir() string {
	return filepath.Join(d.root, "exports")
}

// LogPath returns the CLI log file path.
func (d Dir) LogPath() string {
	return filepath.Join(d.root, "logs", "batchstore.log")
}

// EnsureExists creates the home directory (and parents) if it doesn't exist.
func (d Dir) EnsureExists() error {
	if err := os.MkdirAll(d.root, 0o750); err != nil {
		return fmt.Errorf("create home directory %s: %w", d.root, err)
	}
	return nil
}

// InstallID reads the install identity from <root>/install_id.
// If the file doesn't exist, a new UUIDv7 is generated and written.
func (d Dir) InstallID() (string, error) {
	return d.readOrCreate("install_id", func() string {
		return uuid.Must(uuid.NewV7()).String()
	})
}

// readOrCreate reads a single-line value from <root>/<filename>.
// If the file doesn't exist, generate() provides the default which is persisted.
func (d Dir) readOrCreate(filename string, generate func() string) (string, error) {
	p := filepath.Join(d.root, filename)
	data, err := os.ReadFile(p) //nolint:gosec // G304: path is constructed from trusted home dir + constant filename
	if err == nil {
		if v := strings.TrimSpace(string(data)); v != "" {
			return v, nil
		}
	}
	v := generate()
	if err := os.WriteFile(p, []byte(v+"\n"), 0o640); err != nil { //nolint:gosec // G306: install id is not secret
		return "", fmt.Errorf("write %s: %w", filename, err)
	}
	return v, nil
}
