package upload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/DataDog/dd-sdk-android-sub039/internal/batch"

	"github.com/vmihailenco/msgpack/v5"
)

// ExportedEvent is the msgpack form of a record.
type ExportedEvent struct {
	Data        []byte `msgpack:"data"`
	Metadata    []byte `msgpack:"meta,omitempty"`
	ContentType string `msgpack:"content_type,omitempty"`
}

// ExportedBatch is the msgpack document DirExporter writes per batch.
type ExportedBatch struct {
	ID         string          `msgpack:"id"`
	Feature    string          `msgpack:"feature"`
	Metadata   []byte          `msgpack:"meta,omitempty"`
	Events     []ExportedEvent `msgpack:"events"`
	ExportedAt time.Time       `msgpack:"exported_at"`
}

// DirExporter is an Uploader that writes each batch as a msgpack file under
// <dir>/<feature>/<batch-id>.msgpack. Used by the CLI to drain a store
// without a network intake.
type DirExporter struct {
	dir     string
	feature string
	now     func() time.Time
}

func NewDirExporter(dir, feature string) *DirExporter {
	return &DirExporter{dir: dir, feature: feature, now: time.Now}
}

// Path returns the file a batch is exported to.
func (e *DirExporter) Path(id batch.ID) string {
	return filepath.Join(e.dir, e.feature, id.String()+".msgpack")
}

// Upload writes b atomically. IO failures are retried; a batch that cannot
// be encoded is rejected.
func (e *DirExporter) Upload(ctx context.Context, b batch.Batch) Status {
	if err := ctx.Err(); err != nil {
		return Status{Outcome: Retry, Err: err}
	}

	doc := ExportedBatch{
		ID:         b.ID.String(),
		Feature:    e.feature,
		Metadata:   b.Metadata,
		Events:     make([]ExportedEvent, len(b.Events)),
		ExportedAt: e.now().UTC(),
	}
	for i, ev := range b.Events {
		doc.Events[i] = ExportedEvent{Data: ev.Data, Metadata: ev.Metadata, ContentType: ev.ContentType}
	}
	data, err := msgpack.Marshal(&doc)
	if err != nil {
		return Status{Outcome: Rejected, Err: fmt.Errorf("encode batch %s: %w", b.ID, err)}
	}

	if err := writeFileAtomic(e.Path(b.ID), data); err != nil {
		return Status{Outcome: Retry, Err: err}
	}
	return Status{Outcome: Delivered}
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".export-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// ReadExport decodes a file written by DirExporter.
func ReadExport(path string) (ExportedBatch, error) {
	var doc ExportedBatch
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return doc, err
	}
	if err := msgpack.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("decode %s: %w", path, err)
	}
	return doc, nil
}
