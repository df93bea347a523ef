package orchestrator_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DataDog/dd-sdk-android-sub039/internal/batch"
	"github.com/DataDog/dd-sdk-android-sub039/internal/batch/file"
	"github.com/DataDog/dd-sdk-android-sub039/internal/batch/memory"
	"github.com/DataDog/dd-sdk-android-sub039/internal/orchestrator"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeClock is a settable clock shared by the orchestrator and its policies.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testStorage() batch.Config {
	cfg := batch.DefaultConfig()
	cfg.MaxItemSize = 64
	cfg.MaxItemsPerBatch = 3
	cfg.MaxBatchSize = 100
	cfg.OldBatchThreshold = time.Hour
	cfg.MaxWritableAge = time.Minute
	cfg.MaxDiskSpace = 0
	return cfg
}

func newMemOrchestrator(t *testing.T, storage batch.Config) (*orchestrator.Orchestrator, *memory.Backend, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: t0}
	backend := memory.NewBackend(memory.Config{})
	o, err := orchestrator.New(orchestrator.Config{
		Name:    "test",
		Backend: backend,
		Storage: storage,
		Now:     clock.Now,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o, backend, clock
}

// write appends one record the way the persistence layer does.
func write(t *testing.T, o *orchestrator.Orchestrator, data string) batch.Unit {
	t.Helper()
	rec := batch.Record{Data: []byte(data)}
	u := o.WritableUnit(rec.PayloadSize())
	if u == nil {
		t.Fatalf("no writable unit for %q", data)
	}
	existing, err := u.ReadAll()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	frame, err := batch.EncodeRecordAt(rec, int64(len(existing)))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := u.Append(frame); err != nil {
		t.Fatalf("append: %v", err)
	}
	o.Appended(u, rec.PayloadSize())
	return u
}

func TestNewRequiresBackend(t *testing.T) {
	if _, err := orchestrator.New(orchestrator.Config{Storage: batch.DefaultConfig()}); !errors.Is(err, orchestrator.ErrMissingBackend) {
		t.Fatalf("expected ErrMissingBackend, got %v", err)
	}
}

func TestNewValidatesStorage(t *testing.T) {
	cfg := batch.DefaultConfig()
	cfg.MaxItemSize = cfg.MaxBatchSize + 1
	_, err := orchestrator.New(orchestrator.Config{
		Backend: memory.NewBackend(memory.Config{}),
		Storage: cfg,
	})
	if !errors.Is(err, batch.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestWritableUnitReusedUntilThreshold(t *testing.T) {
	o, _, _ := newMemOrchestrator(t, testStorage())

	a := write(t, o, "one")
	b := write(t, o, "two")
	if a != b {
		t.Fatal("expected same writable unit below thresholds")
	}
	if len(o.AllUnits()) != 0 {
		t.Fatal("writable unit must not be readable")
	}
	if got := o.ReadableUnit(); got != nil {
		t.Fatalf("expected no readable unit, got %s", got.ID())
	}
}

func TestRotationOnRecordCount(t *testing.T) {
	storage := testStorage()
	storage.MaxItemsPerBatch = 2
	o, _, _ := newMemOrchestrator(t, storage)

	first := write(t, o, "aaaaaaaaaa")
	write(t, o, "bbbbbbbbbb")
	second := write(t, o, "cccccccccc")
	if first == second {
		t.Fatal("expected rotation after two records")
	}

	all := o.FlushableUnits()
	if len(all) != 2 {
		t.Fatalf("expected 2 units, got %d", len(all))
	}
	counts := make([]int, 0, 2)
	for _, u := range all {
		raw, err := u.ReadAll()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		recs, _ := batch.DecodeRecords(raw)
		counts = append(counts, len(recs))
	}
	if counts[0] != 2 || counts[1] != 1 {
		t.Fatalf("expected records [2 1], got %v", counts)
	}
	if !first.Sealed() {
		t.Fatal("rotated unit should be sealed")
	}
}

func TestRotationOnSize(t *testing.T) {
	o, _, _ := newMemOrchestrator(t, testStorage())

	first := write(t, o, string(make([]byte, 60)))
	second := write(t, o, string(make([]byte, 50)))
	if first == second {
		t.Fatal("expected size rotation: 60 + 50 > 100")
	}
}

func TestWritableUnitRejectsRecordLargerThanBatch(t *testing.T) {
	o, _, _ := newMemOrchestrator(t, testStorage())
	if u := o.WritableUnit(101); u != nil {
		t.Fatal("expected nil for a record that cannot fit any unit")
	}
	if len(o.FlushableUnits()) != 0 {
		t.Fatal("no unit should have been created")
	}
}

func TestRotateIfDueOnAge(t *testing.T) {
	o, _, clock := newMemOrchestrator(t, testStorage())
	write(t, o, "x")

	if o.RotateIfDue() {
		t.Fatal("young unit should not rotate")
	}
	clock.Advance(2 * time.Minute)
	if !o.RotateIfDue() {
		t.Fatal("expected age rotation")
	}
	if _, ok := o.WritableID(); ok {
		t.Fatal("expected no writable unit after rotation")
	}
	if len(o.AllUnits()) != 1 {
		t.Fatal("rotated unit should be readable")
	}
}

func TestRotateEmptyUnitDeletesIt(t *testing.T) {
	o, backend, _ := newMemOrchestrator(t, testStorage())
	if o.WritableUnit(1) == nil {
		t.Fatal("expected writable unit")
	}
	if !o.Rotate() {
		t.Fatal("expected rotation")
	}
	if len(o.AllUnits()) != 0 {
		t.Fatal("empty unit should not become readable")
	}
	units, _ := backend.Load()
	if len(units) != 0 {
		t.Fatalf("empty unit should be deleted, backend has %d", len(units))
	}
}

func TestReadableUnitOldestFirstWithExclude(t *testing.T) {
	o, _, clock := newMemOrchestrator(t, testStorage())

	var ids []batch.ID
	for range 3 {
		ids = append(ids, write(t, o, "r").ID())
		o.Rotate()
		clock.Advance(time.Second)
	}

	if got := o.ReadableUnit(); got == nil || got.ID() != ids[0] {
		t.Fatalf("expected oldest unit %s", ids[0])
	}
	if got := o.ReadableUnit(ids[0]); got == nil || got.ID() != ids[1] {
		t.Fatalf("expected second unit %s", ids[1])
	}
	if got := o.ReadableUnit(ids...); got != nil {
		t.Fatal("expected nil when everything is excluded")
	}
}

func TestPendingCount(t *testing.T) {
	o, _, _ := newMemOrchestrator(t, testStorage())
	for range 2 {
		write(t, o, "p")
		o.Rotate()
	}
	o.ReadableUnit()

	if got := o.DecrementAndGetPendingCount(); got != 1 {
		t.Fatalf("expected 1 pending, got %d", got)
	}
	if got := o.DecrementAndGetPendingCount(); got != 0 {
		t.Fatalf("expected 0 pending, got %d", got)
	}
	if got := o.DecrementAndGetPendingCount(); got != 0 {
		t.Fatalf("pending count must not go negative, got %d", got)
	}
}

func TestStaleUnitsPurgedOnRead(t *testing.T) {
	o, _, clock := newMemOrchestrator(t, testStorage())
	stale := write(t, o, "old").ID()
	o.Rotate()
	clock.Advance(2 * time.Hour)
	fresh := write(t, o, "new").ID()
	o.Rotate()

	got := o.ReadableUnit()
	if got == nil || got.ID() != fresh {
		t.Fatalf("expected fresh unit %s after purge", fresh)
	}
	for _, u := range o.AllUnits() {
		if u.ID() == stale {
			t.Fatal("stale unit should have been purged")
		}
	}
}

func TestExcludedUnitSurvivesPurge(t *testing.T) {
	o, _, clock := newMemOrchestrator(t, testStorage())
	locked := write(t, o, "locked").ID()
	o.Rotate()
	clock.Advance(2 * time.Hour)

	if evicted := o.Purge(locked); len(evicted) != 0 {
		t.Fatalf("excluded unit must not be purged, got %v", evicted)
	}
	evicted := o.Purge()
	if len(evicted) != 1 || evicted[0].ID != locked || evicted[0].Reason != batch.ReasonObsolete {
		t.Fatalf("expected obsolete eviction of %s, got %v", locked, evicted)
	}
}

func TestDiskQuotaPurgesOldest(t *testing.T) {
	storage := testStorage()
	storage.MaxItemsPerBatch = 1
	storage.MaxDiskSpace = 3 * int64(batch.FrameOverhead+10)
	o, _, clock := newMemOrchestrator(t, storage)

	var ids []batch.ID
	for range 4 {
		ids = append(ids, write(t, o, "0123456789").ID())
		o.Rotate()
		clock.Advance(time.Second)
	}

	evicted := o.Purge()
	if len(evicted) != 1 || evicted[0].ID != ids[0] || evicted[0].Reason != batch.ReasonPurged {
		t.Fatalf("expected oldest unit purged for quota, got %v", evicted)
	}
}

func TestDeleteAndReset(t *testing.T) {
	o, backend, _ := newMemOrchestrator(t, testStorage())
	a := write(t, o, "a").ID()
	o.Rotate()
	write(t, o, "b")

	if err := o.Delete(a, batch.ReasonDelivered); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := o.Delete(a, batch.ReasonDelivered); !errors.Is(err, batch.ErrUnitNotFound) {
		t.Fatalf("expected ErrUnitNotFound, got %v", err)
	}

	if err := o.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if len(o.FlushableUnits()) != 0 {
		t.Fatal("expected no units after reset")
	}
	units, _ := backend.Load()
	if len(units) != 0 {
		t.Fatalf("backend still holds %d units", len(units))
	}
}

func TestRecoveredUnitsAreReadable(t *testing.T) {
	dir := t.TempDir()
	storage := testStorage()

	backend, err := file.NewBackend(file.Config{Dir: dir})
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	o, err := orchestrator.New(orchestrator.Config{Backend: backend, Storage: storage})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id := write(t, o, "survivor").ID()
	// Simulate a crash: release the directory lock without sealing.
	if err := backend.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	backend2, err := file.NewBackend(file.Config{Dir: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer backend2.Close()
	o2, err := orchestrator.New(orchestrator.Config{Backend: backend2, Storage: storage})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	u := o2.ReadableUnit()
	if u == nil || u.ID() != id {
		t.Fatalf("expected recovered unit %s to be readable", id)
	}
	if !u.Sealed() {
		t.Fatal("recovered unit should be sealed")
	}
	if next := write(t, o2, "fresh"); next.ID() == id {
		t.Fatal("recovered unit must not become writable again")
	}
}

func TestSidecar(t *testing.T) {
	o, _, _ := newMemOrchestrator(t, testStorage())
	u := write(t, o, "s")
	side := o.Sidecar(u)

	if meta, err := side.Load(); err != nil || meta != nil {
		t.Fatalf("expected empty sidecar, got %q, %v", meta, err)
	}
	if err := side.Store([]byte("meta")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	meta, err := u.ReadMeta()
	if err != nil || string(meta) != "meta" {
		t.Fatalf("expected sidecar on unit, got %q, %v", meta, err)
	}
}

func TestImport(t *testing.T) {
	o, _, _ := newMemOrchestrator(t, testStorage())
	id := batch.NewIDAt(t0.Add(-time.Minute))
	frame, _ := batch.EncodeRecord(batch.Record{Data: []byte("imported")})

	if err := o.Import(id, t0.Add(-time.Minute), frame, []byte("m")); err != nil {
		t.Fatalf("Import: %v", err)
	}
	if err := o.Import(id, t0, frame, nil); !errors.Is(err, batch.ErrUnitExists) {
		t.Fatalf("expected ErrUnitExists, got %v", err)
	}

	u := o.ReadableUnit()
	if u == nil || u.ID() != id {
		t.Fatal("imported unit should be readable")
	}
	meta, _ := u.ReadMeta()
	if string(meta) != "m" {
		t.Fatalf("expected sidecar preserved, got %q", meta)
	}
}

func TestMoveToMemory(t *testing.T) {
	src, _, _ := newMemOrchestrator(t, testStorage())
	dst, _, _ := newMemOrchestrator(t, testStorage())

	u := write(t, src, "moving")
	if err := src.Sidecar(u).Store([]byte("side")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	id := u.ID()

	if err := src.MoveTo(id, dst); !errors.Is(err, orchestrator.ErrUnitWritable) {
		t.Fatalf("expected ErrUnitWritable, got %v", err)
	}
	src.Rotate()
	if err := src.MoveTo(id, dst); err != nil {
		t.Fatalf("MoveTo: %v", err)
	}

	if len(src.AllUnits()) != 0 {
		t.Fatal("source should be empty")
	}
	moved := dst.ReadableUnit()
	if moved == nil || moved.ID() != id {
		t.Fatal("destination should hold the moved unit")
	}
	meta, _ := moved.ReadMeta()
	if string(meta) != "side" {
		t.Fatalf("sidecar lost, got %q", meta)
	}
}

func TestMoveToCopiesAcrossBackends(t *testing.T) {
	src, _, clock := newMemOrchestrator(t, testStorage())

	backend, err := file.NewBackend(file.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	defer backend.Close()
	dst, err := orchestrator.New(orchestrator.Config{Backend: backend, Storage: testStorage(), Now: clock.Now})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	u := write(t, src, "cross")
	write(t, src, "second")
	id, created := u.ID(), u.CreatedAt()
	src.Rotate()

	if err := src.MoveTo(id, dst); err != nil {
		t.Fatalf("MoveTo: %v", err)
	}
	all := dst.AllUnits()
	if len(all) != 1 {
		t.Fatalf("expected the copied unit in the destination, got %d units", len(all))
	}
	moved := all[0]
	if moved.ID() != id || !moved.CreatedAt().Equal(created) {
		t.Fatal("copied unit should keep ID and creation time")
	}
	raw, _ := moved.ReadAll()
	recs, _ := batch.DecodeRecords(raw)
	if len(recs) != 2 || string(recs[0].Data) != "cross" || string(recs[1].Data) != "second" {
		t.Fatalf("unexpected records %v", recs)
	}
	if len(src.AllUnits()) != 0 {
		t.Fatal("source should be empty after copy")
	}
}

func TestInfos(t *testing.T) {
	o, _, _ := newMemOrchestrator(t, testStorage())
	write(t, o, "a")
	o.Rotate()
	write(t, o, "b")

	infos := o.Infos()
	if len(infos) != 2 {
		t.Fatalf("expected 2 infos, got %d", len(infos))
	}
	if infos[0].Writable || !infos[0].Sealed {
		t.Fatal("first unit should be sealed and readable")
	}
	if !infos[1].Writable {
		t.Fatal("last unit should be writable")
	}
}

// undeletableBackend wraps a memory backend whose units refuse Delete while
// failing is set. It does not implement batch.Transferer, so moves copy.
type undeletableBackend struct {
	inner   *memory.Backend
	failing *atomic.Bool
}

func (b undeletableBackend) Create(id batch.ID, createdAt time.Time) (batch.Unit, error) {
	u, err := b.inner.Create(id, createdAt)
	if err != nil {
		return nil, err
	}
	return undeletableUnit{Unit: u, failing: b.failing}, nil
}

func (b undeletableBackend) Load() ([]batch.Unit, error) { return b.inner.Load() }
func (b undeletableBackend) Close() error                { return b.inner.Close() }

type undeletableUnit struct {
	batch.Unit
	failing *atomic.Bool
}

func (u undeletableUnit) Delete() error {
	if u.failing.Load() {
		return errors.New("device busy")
	}
	return u.Unit.Delete()
}

func TestMoveToRetriesSourceDeleteOnPurge(t *testing.T) {
	var failing atomic.Bool
	inner := memory.NewBackend(memory.Config{})
	clock := &fakeClock{now: t0}
	src, err := orchestrator.New(orchestrator.Config{
		Name:    "src",
		Backend: undeletableBackend{inner: inner, failing: &failing},
		Storage: testStorage(),
		Now:     clock.Now,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	dst, _, _ := newMemOrchestrator(t, testStorage())

	u := write(t, src, "copied")
	src.Rotate()
	failing.Store(true)
	if err := src.MoveTo(u.ID(), dst); err != nil {
		t.Fatalf("MoveTo: %v", err)
	}
	if len(dst.AllUnits()) != 1 || len(src.AllUnits()) != 0 {
		t.Fatal("the copy should complete even when the source delete fails")
	}
	if left, _ := inner.Load(); len(left) != 1 {
		t.Fatalf("expected the undeleted source unit, got %d", len(left))
	}

	failing.Store(false)
	src.Purge()
	if left, _ := inner.Load(); len(left) != 0 {
		t.Fatalf("purge should delete the migrated source unit, %d left", len(left))
	}
}
