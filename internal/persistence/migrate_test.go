package persistence_test

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/DataDog/dd-sdk-android-sub039/internal/batch"
	"github.com/DataDog/dd-sdk-android-sub039/internal/batch/file"
	"github.com/DataDog/dd-sdk-android-sub039/internal/batch/memory"
	"github.com/DataDog/dd-sdk-android-sub039/internal/persistence"
)

var errInjected = errors.New("injected create failure")

// failingBackend refuses to create the units listed in fail.
type failingBackend struct {
	*memory.Backend
	fail map[batch.ID]bool
}

func (b *failingBackend) Create(id batch.ID, createdAt time.Time) (batch.Unit, error) {
	if b.fail[id] {
		return nil, errInjected
	}
	return b.Backend.Create(id, createdAt)
}

// seed writes n single-record units with metadata and returns their IDs.
func seed(t *testing.T, s *persistence.Strategy, n int) []batch.ID {
	t.Helper()
	var ids []batch.ID
	for i := range n {
		mustWrite(t, s, rec("unit"), []byte{byte('a' + i)})
		ids = append(ids, s.Units()[len(s.Units())-1].ID)
		s.Rotate()
		time.Sleep(2 * time.Millisecond)
	}
	return ids
}

func readableIDs(s *persistence.Strategy) []batch.ID {
	var ids []batch.ID
	for _, info := range s.Units() {
		if !info.Writable {
			ids = append(ids, info.ID)
		}
	}
	return ids
}

func TestMigrateDataLeavesOnlyLockedUnits(t *testing.T) {
	src := newMemStrategy(t, testStorage())
	dst := newMemStrategy(t, testStorage())

	ids := seed(t, src, 3)
	mustWrite(t, src, rec("writable"), nil)

	locked, ok := src.LockAndReadNext()
	if !ok || locked.ID != ids[0] {
		t.Fatal("expected to lock the oldest unit")
	}

	result := src.MigrateData(dst)
	if len(result.Moved) != 2 || len(result.Failed) != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	if !slices.Equal(result.Skipped, []batch.ID{locked.ID}) {
		t.Fatalf("expected locked unit skipped, got %v", result.Skipped)
	}
	if result.Complete() {
		t.Fatal("migration with a locked unit is not complete")
	}

	if got := readableIDs(src); !slices.Equal(got, []batch.ID{locked.ID}) {
		t.Fatalf("source should only hold the locked unit, got %v", got)
	}
	if infos := src.Units(); !infos[len(infos)-1].Writable {
		t.Fatal("writable unit must stay in the source")
	}

	for i, id := range ids[1:] {
		b, ok := dst.LockAndReadNext()
		if !ok || b.ID != id {
			t.Fatalf("target batch %d: expected %s, got %s", i, id, b.ID)
		}
		if want := []byte{byte('b' + i)}; string(b.Metadata) != string(want) {
			t.Fatalf("target batch %d: metadata %q, want %q", i, b.Metadata, want)
		}
		dst.UnlockAndDelete(b.ID)
	}

	// Releasing the lock and migrating again moves the rest.
	src.UnlockAndKeep(locked.ID)
	result = src.MigrateData(dst)
	if !result.Complete() || len(result.Moved) != 1 {
		t.Fatalf("expected the former locked unit to move, got %+v", result)
	}
}

func TestMigrateDataPartialFailureIsResumable(t *testing.T) {
	src := newMemStrategy(t, testStorage())
	ids := seed(t, src, 3)

	target := &failingBackend{
		Backend: memory.NewBackend(memory.Config{}),
		fail:    map[batch.ID]bool{ids[1]: true},
	}
	dst := newStrategy(t, testStorage(), target, nil)

	result := src.MigrateData(dst)
	if len(result.Moved) != 2 || len(result.Failed) != 1 || result.Failed[0].ID != ids[1] {
		t.Fatalf("unexpected result %+v", result)
	}
	if !errors.Is(result.Failed[0].Err, errInjected) {
		t.Fatalf("expected injected error, got %v", result.Failed[0].Err)
	}
	if got := readableIDs(src); !slices.Equal(got, []batch.ID{ids[1]}) {
		t.Fatalf("failed unit must stay in source, got %v", got)
	}

	delete(target.fail, ids[1])
	result = src.MigrateData(dst)
	if !result.Complete() || !slices.Equal(result.Moved, []batch.ID{ids[1]}) {
		t.Fatalf("retry should move the remaining unit, got %+v", result)
	}
	if got := readableIDs(dst); !slices.Equal(got, ids) {
		t.Fatalf("target should hold all units in order, got %v want %v", got, ids)
	}
}

func TestMigrateDataFileFastPath(t *testing.T) {
	srcBackend, err := file.NewBackend(file.Config{Dir: t.TempDir(), Compression: file.CompressionZstd})
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	defer srcBackend.Close()
	dstBackend, err := file.NewBackend(file.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	defer dstBackend.Close()

	src := newStrategy(t, testStorage(), srcBackend, nil)
	dst := newStrategy(t, testStorage(), dstBackend, nil)
	ids := seed(t, src, 2)

	result := src.MigrateData(dst)
	if !result.Complete() || len(result.Moved) != 2 {
		t.Fatalf("unexpected result %+v", result)
	}
	for i, id := range ids {
		b, ok := dst.LockAndReadNext()
		if !ok || b.ID != id {
			t.Fatalf("expected %s in target", id)
		}
		if len(b.Events) != 1 || string(b.Events[0].Data) != "unit" {
			t.Fatalf("unexpected events %v", b.Events)
		}
		if string(b.Metadata) != string([]byte{byte('a' + i)}) {
			t.Fatalf("metadata lost: %q", b.Metadata)
		}
		dst.UnlockAndDelete(b.ID)
	}
	if len(src.Units()) != 0 {
		t.Fatal("source should be empty")
	}
}

func TestMigrateDataToSelfIsNoop(t *testing.T) {
	s := newMemStrategy(t, testStorage())
	seed(t, s, 1)
	if r := s.MigrateData(s); len(r.Moved) != 0 {
		t.Fatalf("expected no-op, got %+v", r)
	}
	if r := s.MigrateData(nil); len(r.Moved) != 0 {
		t.Fatalf("expected no-op, got %+v", r)
	}
}
