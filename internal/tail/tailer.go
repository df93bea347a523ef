// Package tail follows log files and writes every new line into a feature
// store as one record.
//
// Files are found with doublestar globs, watched with fsnotify and
// re-scanned on a poll interval. Read positions are bookmarked by inode so a
// restarted tailer resumes where it stopped; rotated or truncated files are
// read again from the start.
package tail

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/DataDog/dd-sdk-android-sub039/internal/batch"
	"github.com/DataDog/dd-sdk-android-sub039/internal/logging"

	"github.com/fsnotify/fsnotify"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	DefaultPollInterval = 30 * time.Second
	DefaultMaxLineSize  = 1 << 20

	// ContentType is set on every record the tailer writes.
	ContentType = "text/plain"
)

var (
	ErrNoPatterns  = errors.New("tail: at least one path pattern is required")
	ErrMissingSink = errors.New("tail: sink is required")
)

// Sink receives the lines. persistence.Strategy and consent.Store both
// satisfy it.
type Sink interface {
	Write(rec batch.Record, batchMeta []byte, eventType batch.EventType) bool
}

// LineMeta is the msgpack record metadata of a tailed line.
type LineMeta struct {
	File   string `msgpack:"file"`
	Offset int64  `msgpack:"offset"`
}

// DecodeLineMeta decodes Record.Metadata written by the tailer.
func DecodeLineMeta(b []byte) (LineMeta, error) {
	var m LineMeta
	err := msgpack.Unmarshal(b, &m)
	return m, err
}

// Config configures a Tailer.
type Config struct {
	Patterns []string
	Sink     Sink

	// PollInterval re-globs and re-reads every file. Zero disables polling;
	// negative means DefaultPollInterval.
	PollInterval time.Duration

	// StateFile persists read positions. Empty disables bookmarks.
	StateFile string

	// FromStart reads files without a bookmark from the beginning instead
	// of from their end.
	FromStart bool

	// MaxLineSize drops longer lines. Defaults to DefaultMaxLineSize.
	MaxLineSize int

	Logger *slog.Logger
}

// Stats counts the lines handled so far.
type Stats struct {
	Lines   uint64 // accepted by the sink
	Dropped uint64 // refused by the sink or too long
}

type tailedFile struct {
	path   string
	inode  uint64
	offset int64
	file   *os.File
}

// Tailer follows the files matching a set of patterns.
type Tailer struct {
	patterns     patternSet
	sink         Sink
	pollInterval time.Duration
	stateFile    string
	fromStart    bool
	maxLine      int
	logger       *slog.Logger

	lines   atomic.Uint64
	dropped atomic.Uint64

	mu        sync.Mutex
	files     map[string]*tailedFile
	bookmarks bookmarks
	loaded    bool
}

func New(cfg Config) (*Tailer, error) {
	if cfg.Sink == nil {
		return nil, ErrMissingSink
	}
	patterns, err := newPatternSet(cfg.Patterns)
	if err != nil {
		return nil, err
	}
	poll := cfg.PollInterval
	if poll < 0 {
		poll = DefaultPollInterval
	}
	maxLine := cfg.MaxLineSize
	if maxLine <= 0 {
		maxLine = DefaultMaxLineSize
	}
	return &Tailer{
		patterns:     patterns,
		sink:         cfg.Sink,
		pollInterval: poll,
		stateFile:    cfg.StateFile,
		fromStart:    cfg.FromStart,
		maxLine:      maxLine,
		logger:       logging.Default(cfg.Logger).With("component", "tail"),
		files:        make(map[string]*tailedFile),
	}, nil
}

// Stats returns the line counters.
func (t *Tailer) Stats() Stats {
	return Stats{Lines: t.lines.Load(), Dropped: t.dropped.Load()}
}

// Run scans once, then follows the files until ctx ends. Bookmarks are
// saved on every poll and on return.
func (t *Tailer) Run(ctx context.Context) error {
	defer func() {
		if err := t.Close(); err != nil {
			t.logger.Warn("failed to save bookmarks on shutdown", "error", err)
		}
	}()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	for _, dir := range t.patterns.watchDirs() {
		if err := watcher.Add(dir); err != nil {
			t.logger.Warn("failed to watch directory", "dir", dir, "error", err)
		}
	}

	// Scan after the watches are in place so no file created in between is missed.
	if err := t.Scan(); err != nil {
		return err
	}

	var tick <-chan time.Time
	if t.pollInterval > 0 {
		ticker := time.NewTicker(t.pollInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			t.handleEvent(ev)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			t.logger.Warn("fsnotify error", "error", err)
		case <-tick:
			if err := t.Scan(); err != nil {
				t.logger.Warn("poll failed", "error", err)
			}
		}
	}
}

// Scan discovers new files, reads every tracked file and saves bookmarks.
func (t *Tailer) Scan() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.loadLocked(); err != nil {
		return err
	}
	paths, err := t.patterns.files()
	if err != nil {
		return fmt.Errorf("tail: discover files: %w", err)
	}
	for _, path := range paths {
		t.openLocked(path, t.fromStart)
	}
	for _, tf := range t.files {
		t.readLocked(tf)
	}
	return t.saveLocked()
}

// Close saves bookmarks and closes every file. The tailer can be scanned
// again afterwards.
func (t *Tailer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	err := t.saveLocked()
	for path, tf := range t.files {
		_ = tf.file.Close()
		delete(t.files, path)
	}
	return err
}

func (t *Tailer) loadLocked() error {
	if t.loaded {
		return nil
	}
	bm, err := loadBookmarks(t.stateFile)
	if err != nil {
		return fmt.Errorf("tail: load bookmarks: %w", err)
	}
	t.bookmarks = bm
	t.loaded = true
	return nil
}

func (t *Tailer) saveLocked() error {
	if !t.loaded {
		return nil
	}
	for path, tf := range t.files {
		t.bookmarks[path] = position{Inode: tf.inode, Offset: tf.offset}
	}
	return saveBookmarks(t.stateFile, t.bookmarks)
}

// openLocked starts tracking path. A valid bookmark wins; otherwise the
// file is read from the start or from its current end.
func (t *Tailer) openLocked(path string, fromStart bool) *tailedFile {
	if tf, ok := t.files[path]; ok {
		return tf
	}
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		t.logger.Warn("failed to open file", "path", path, "error", err)
		return nil
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		t.logger.Warn("failed to stat file", "path", path, "error", err)
		return nil
	}
	if !info.Mode().IsRegular() {
		_ = f.Close()
		return nil
	}

	tf :=&tailedFile{path: path, inode: inode(info), file: f}
	switch pos, ok := t.bookmarks[path]; {
	case ok && pos.Inode == tf.inode && pos.Offset <= info.Size():
		tf.offset = pos.Offset
	case fromStart:
		tf.offset = 0
	default:
		tf.offset = info.Size()
	}
	t.files[path] = tf
	t.logger.Debug("tailing file", "path", path, "offset", tf.offset)
	return tf
}

// readLocked writes every complete line past the file offset. A trailing
// line without a newline stays unread until it is completed.
func (t *Tailer) readLocked(tf *tailedFile) {
	info, err := os.Stat(tf.path)
	if err != nil {
		t.logger.Debug("failed to stat file", "path", tf.path, "error", err)
		return
	}

	if ino := inode(info); ino != 0 && tf.inode != 0 && ino != tf.inode {
		f, err := os.Open(tf.path)
		if err != nil {
			t.logger.Warn("failed to reopen rotated file", "path", tf.path, "error", err)
			return
		}
		_ = tf.file.Close()
		tf.file, tf.inode, tf.offset = f, ino, 0
		t.logger.Info("file rotated, reading from start", "path", tf.path)
	}
	if info.Size() < tf.offset {
		t.logger.Info("file truncated, reading from start", "path", tf.path)
		tf.offset = 0
	}
	if info.Size() == tf.offset {
		return
	}

	r := bufio.NewReaderSize(io.NewSectionReader(tf.file, tf.offset, info.Size()-tf.offset), 64<<10)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.logger.Warn("read failed", "path", tf.path, "error", err)
			}
			return
		}
		start := tf.offset
		tf.offset += int64(len(line))
		t.emit(tf.path, start, trimEOL(line))
	}
}

func (t *Tailer) emit(path string, offset int64, line []byte) {
	if len(line) == 0 {
		return
	}
	if len(line) > t.maxLine {
		t.dropped.Add(1)
		t.logger.Warn("line too long, dropping it", "path", path, "offset", offset, "size", len(line))
		return
	}
	meta, err := msgpack.Marshal(&LineMeta{File: path, Offset: offset})
	if err != nil {
		t.dropped.Add(1)
		return
	}
	if !t.sink.Write(batch.Record{Data: line, Metadata: meta, ContentType: ContentType}, nil, batch.EventDefault) {
		t.dropped.Add(1)
		return
	}
	t.lines.Add(1)
}

func (t *Tailer) handleEvent(ev fsnotify.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		tf, ok := t.files[ev.Name]
		if !ok {
			if !t.patterns.match(ev.Name) {
				return
			}
			// Files appearing while we run are read in full.
			if tf = t.openLocked(ev.Name, true); tf == nil {
				return
			}
		}
		t.readLocked(tf)

	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		if tf, ok := t.files[ev.Name]; ok {
			_ = tf.file.Close()
			delete(t.files, ev.Name)
			delete(t.bookmarks, ev.Name)
			t.logger.Debug("file removed", "path", ev.Name)
		}
	}
}

func trimEOL(line []byte) []byte {
	line = line[:len(line)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line
}

func inode(info os.FileInfo) uint64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return st.Ino
	}
	return 0
}
