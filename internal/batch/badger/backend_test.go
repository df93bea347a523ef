package badger

import (
	"errors"
	"testing"
	"time"

	"github.com/DataDog/dd-sdk-android-sub039/internal/batch"

	"github.com/dgraph-io/badger/v4"
)

func newInMemoryBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := NewBackend(Config{InMemory: true})
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func frames(t *testing.T, payloads ...string) []byte {
	t.Helper()
	var buf []byte
	for _, p := range payloads {
		var err error
		buf, err = batch.AppendRecord(buf, batch.Record{Data: []byte(p)})
		if err != nil {
			t.Fatal(err)
		}
	}
	return buf
}

// appendFrames appends payloads to u as frames positioned after its
// current content.
func appendFrames(t *testing.T, u batch.Unit, payloads ...string) {
	t.Helper()
	existing, err := u.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	buf := append([]byte(nil), existing...)
	start := len(buf)
	for _, p := range payloads {
		buf, err = batch.AppendRecord(buf, batch.Record{Data: []byte(p)})
		if err != nil {
			t.Fatal(err)
		}
	}
	if err := u.Append(buf[start:]); err != nil {
		t.Fatalf("Append: %v", err)
	}
}

func TestBadgerAppendReadAll(t *testing.T) {
	b := newInMemoryBackend(t)
	createdAt := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	u, err := b.Create(batch.NewIDAt(createdAt), createdAt)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	appendFrames(t, u, "a", "b")
	appendFrames(t, u, "c")
	if err := u.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	data, err := u.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	records, stats := batch.DecodeRecords(data)
	if stats.Skipped != 0 || len(records) != 3 {
		t.Fatalf("expected 3 records, got %d (%+v)", len(records), stats)
	}
	if string(records[2].Data) != "c" {
		t.Fatalf("appends out of order: %q", records[2].Data)
	}
	if u.Size() != int64(len(data)) {
		t.Fatalf("unexpected size %d", u.Size())
	}
}

func TestBadgerSealAndMeta(t *testing.T) {
	b := newInMemoryBackend(t)
	u, _ := b.Create(batch.NewID(), time.Now())

	if meta, err := u.ReadMeta(); err != nil || meta != nil {
		t.Fatalf("expected no sidecar, got %q (%v)", meta, err)
	}
	if err := u.WriteMeta([]byte("batch-meta")); err != nil {
		t.Fatal(err)
	}
	if err := u.Seal(); err != nil {
		t.Fatal(err)
	}
	if err := u.Append(frames(t, "late")); !errors.Is(err, batch.ErrUnitSealed) {
		t.Fatalf("expected ErrUnitSealed, got %v", err)
	}
	meta, _ := u.ReadMeta()
	if string(meta) != "batch-meta" {
		t.Fatalf("expected sidecar, got %q", meta)
	}
}

func TestBadgerLoadOrder(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBackend(Config{Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	var want []batch.ID
	for i := range 3 {
		at := base.Add(time.Duration(i) * time.Minute)
		id := batch.NewIDAt(at)
		want = append(want, id)
		u, _ := b.Create(id, at)
		_ = u.Append(frames(t, "x"))
		if i == 0 {
			_ = u.Seal()
			_ = u.WriteMeta([]byte("m"))
		}
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	b2, err := NewBackend(Config{Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = b2.Close() }()
	units, err := b2.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(units) != 3 {
		t.Fatalf("expected 3 units, got %d", len(units))
	}
	for i, u := range units {
		if u.ID() != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], u.ID())
		}
	}
	if !units[0].Sealed() || units[1].Sealed() {
		t.Fatal("sealed flag not restored")
	}
	if !units[0].CreatedAt().Equal(base) {
		t.Fatalf("created at lost: %v", units[0].CreatedAt())
	}

	// Appending after reload continues the sequence.
	appendFrames(t, units[2], "y")
	data, _ := units[2].ReadAll()
	records, _ := batch.DecodeRecords(data)
	if len(records) != 2 || string(records[1].Data) != "y" {
		t.Fatalf("unexpected records after reload append: %d", len(records))
	}
}

func TestBadgerDelete(t *testing.T) {
	b := newInMemoryBackend(t)
	keep, _ := b.Create(batch.NewID(), time.Now())
	drop, _ := b.Create(batch.NewID(), time.Now())
	_ = keep.Append(frames(t, "keep"))
	_ = drop.Append(frames(t, "drop"))
	_ = drop.WriteMeta([]byte("m"))

	if err := drop.Delete(); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := drop.Delete(); !errors.Is(err, batch.ErrUnitNotFound) {
		t.Fatalf("expected ErrUnitNotFound, got %v", err)
	}
	units, _ := b.Load()
	if len(units) != 1 || units[0].ID() != keep.ID() {
		t.Fatalf("expected only the kept unit, got %d units", len(units))
	}
	data, _ := keep.ReadAll()
	if records, _ := batch.DecodeRecords(data); len(records) != 1 {
		t.Fatal("deleting one unit must not touch another")
	}
}

func TestBadgerCreateDuplicate(t *testing.T) {
	b := newInMemoryBackend(t)
	id := batch.NewID()
	if _, err := b.Create(id, time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Create(id, time.Now()); !errors.Is(err, batch.ErrUnitExists) {
		t.Fatalf("expected ErrUnitExists, got %v", err)
	}
}

func TestWrapError(t *testing.T) {
	tests := []struct {
		in   error
		want error
	}{
		{badger.ErrKeyNotFound, batch.ErrUnitNotFound},
		{badger.ErrDBClosed, ErrClosed},
		{badger.ErrConflict, ErrConflict},
		{badger.ErrTxnTooBig, ErrTxnTooBig},
		{badger.ErrTruncateNeeded, ErrCorrupted},
	}
	for _, tt := range tests {
		if got := WrapError(tt.in); !errors.Is(got, tt.want) {
			t.Errorf("WrapError(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if WrapError(nil) != nil {
		t.Error("WrapError(nil) should be nil")
	}
	if !errors.Is(WrapError(badger.ErrBlockedWrites), badger.ErrBlockedWrites) {
		t.Error("blocked writes should keep the original error")
	}
}
