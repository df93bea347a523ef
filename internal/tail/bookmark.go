package tail

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
)

// bookmarks are the persisted read positions, keyed by path.
type bookmarks map[string]position

type position struct {
	Inode  uint64 `msgpack:"inode"`
	Offset int64  `msgpack:"offset"`
}

// loadBookmarks reads the state file. A missing or corrupt file yields
// empty state; the tailer then starts at the end of every file.
func loadBookmarks(path string) (bookmarks, error) {
	bm := make(bookmarks)
	if path == "" {
		return bm, nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if errors.Is(err, fs.ErrNotExist) {
		return bm, nil
	}
	if err != nil {
		return bm, err
	}
	if err := msgpack.Unmarshal(data, &bm); err != nil || bm == nil {
		return make(bookmarks), nil //nolint:nilerr // corrupt state is treated as empty
	}
	return bm, nil
}

func saveBookmarks(path string, bm bookmarks) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := msgpack.Marshal(bm)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
