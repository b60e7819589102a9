package store

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joshfire/hookmachine"
	"github.com/joshfire/hookmachine/id"
	"github.com/joshfire/hookmachine/job"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(t.TempDir())
	if err := s.EnsureLayout(); err != nil {
		t.Fatalf("EnsureLayout error: %v", err)
	}
	return s
}

// ---------------------------------------------------------------------------
// Layout
// ---------------------------------------------------------------------------

func TestEnsureLayout_CreatesBuckets(t *testing.T) {
	root := t.TempDir()
	s := New(root)

	if err := s.EnsureLayout(); err != nil {
		t.Fatalf("EnsureLayout error: %v", err)
	}
	for _, b := range []Bucket{BucketIndex, BucketPending, BucketRunning} {
		info, err := os.Stat(filepath.Join(root, string(b)))
		if err != nil || !info.IsDir() {
			t.Fatalf("bucket %q not created: %v", b, err)
		}
	}

	// Idempotent.
	if err := s.EnsureLayout(); err != nil {
		t.Fatalf("second EnsureLayout error: %v", err)
	}
}

func TestEnsureLayout_WarnsOnStaleRunning(t *testing.T) {
	root := t.TempDir()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	s := New(root, WithLogger(logger))
	if err := s.EnsureLayout(); err != nil {
		t.Fatalf("EnsureLayout error: %v", err)
	}

	// Simulate a crash mid-job: a record left in running.
	j := job.New(job.Params{"name": "stale"})
	j.Status = job.StatusRunning
	if err := s.Save(j, BucketRunning); err != nil {
		t.Fatalf("save error: %v", err)
	}
	if err := s.Save(j, BucketIndex); err != nil {
		t.Fatalf("save error: %v", err)
	}

	// Second startup over the same directory.
	buf.Reset()
	restarted := New(root, WithLogger(logger))
	if err := restarted.EnsureLayout(); err != nil {
		t.Fatalf("restart EnsureLayout error: %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("running bucket is not empty")) {
		t.Fatal("expected a warning about the stale running bucket")
	}

	// Warn only; the record must not be repaired or requeued.
	got, err := restarted.ReadIndex(j.ID)
	if err != nil {
		t.Fatalf("read index error: %v", err)
	}
	if got.Status != job.StatusRunning {
		t.Fatalf("stale record auto-corrected to %q", got.Status)
	}
	if _, err := restarted.Read(BucketRunning, j.ID); err != nil {
		t.Fatalf("stale running record removed: %v", err)
	}
}

func TestEnsureLayout_LogsLeftoverLockFile(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, LockFileName), nil, 0o644); err != nil {
		t.Fatalf("write lock file: %v", err)
	}

	var buf bytes.Buffer
	s := New(root, WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))
	if err := s.EnsureLayout(); err != nil {
		t.Fatalf("EnsureLayout error: %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("leftover lock file")) {
		t.Fatal("expected a log line about the leftover lock file")
	}
}

// ---------------------------------------------------------------------------
// Save / Read / Remove
// ---------------------------------------------------------------------------

func TestSaveReadRoundTrip(t *testing.T) {
	s := newTestStore(t)

	j := job.New(job.Params{"name": "build", "branch": "main"})
	if err := s.Save(j, BucketIndex); err != nil {
		t.Fatalf("save error: %v", err)
	}

	got, err := s.ReadIndex(j.ID)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if got.ID.String() != j.ID.String() {
		t.Errorf("ID mismatch: %s vs %s", got.ID, j.ID)
	}
	if got.Status != job.StatusPending {
		t.Errorf("status mismatch: %q", got.Status)
	}
	if got.Params["branch"] != "main" {
		t.Errorf("params not preserved: %v", got.Params)
	}
}

func TestSave_OverwritesExistingRecord(t *testing.T) {
	s := newTestStore(t)

	j := job.New(job.Params{"name": "build"})
	if err := s.Save(j, BucketIndex); err != nil {
		t.Fatalf("save error: %v", err)
	}

	now := time.Now().UTC()
	j.Status = job.StatusSuccess
	j.DateFinished = &now
	if err := s.Save(j, BucketIndex); err != nil {
		t.Fatalf("second save error: %v", err)
	}

	got, err := s.ReadIndex(j.ID)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if got.Status != job.StatusSuccess {
		t.Errorf("overwrite not applied, status %q", got.Status)
	}
	if got.DateFinished == nil {
		t.Error("DateFinished lost on overwrite")
	}
}

func TestRead_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ReadIndex(id.NewJobID())
	if !errors.Is(err, hookmachine.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestRead_CorruptRecord(t *testing.T) {
	s := newTestStore(t)

	jobID := id.NewJobID()
	path := filepath.Join(s.Root(), string(BucketIndex), jobID.String()+".json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt record: %v", err)
	}

	_, err := s.ReadIndex(jobID)
	if !errors.Is(err, hookmachine.ErrCorruptRecord) {
		t.Fatalf("expected ErrCorruptRecord, got %v", err)
	}
}

func TestRemove(t *testing.T) {
	s := newTestStore(t)

	j := job.New(job.Params{"name": "build"})
	if err := s.Save(j, BucketPending); err != nil {
		t.Fatalf("save error: %v", err)
	}
	if err := s.Remove(j, BucketPending); err != nil {
		t.Fatalf("remove error: %v", err)
	}
	// Removing again is not an error.
	if err := s.Remove(j, BucketPending); err != nil {
		t.Fatalf("second remove error: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Pending listing
// ---------------------------------------------------------------------------

func TestListPending_SortedByCreation(t *testing.T) {
	s := newTestStore(t)

	var created []string
	for range 5 {
		j := job.New(job.Params{"name": "build"})
		if err := s.Save(j, BucketPending); err != nil {
			t.Fatalf("save error: %v", err)
		}
		created = append(created, j.ID.String())
		time.Sleep(2 * time.Millisecond) // distinct ID timestamps
	}

	ids, err := s.ListPending()
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if len(ids) != len(created) {
		t.Fatalf("expected %d entries, got %d", len(created), len(ids))
	}
	for i := range created {
		if ids[i].String() != created[i] {
			t.Fatalf("entry %d is %s, want %s (not creation order)", i, ids[i], created[i])
		}
	}
}

func TestListPending_SkipsForeignFiles(t *testing.T) {
	s := newTestStore(t)

	if err := os.WriteFile(filepath.Join(s.Root(), string(BucketPending), "README.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write foreign file: %v", err)
	}
	j := job.New(job.Params{"name": "build"})
	if err := s.Save(j, BucketPending); err != nil {
		t.Fatalf("save error: %v", err)
	}

	ids, err := s.ListPending()
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if len(ids) != 1 || ids[0].String() != j.ID.String() {
		t.Fatalf("expected only the job record, got %v", ids)
	}
}

func TestListPending_Empty(t *testing.T) {
	s := newTestStore(t)
	ids, err := s.ListPending()
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected empty listing, got %v", ids)
	}
}
