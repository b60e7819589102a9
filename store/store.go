// Package store implements the filesystem-backed durable representation of
// jobs: an authoritative index bucket keyed by job ID plus secondary
// pending and running buckets used for queue traversal.
//
// All operations are lock-agnostic: the caller must hold the task-queue
// Lock around any multi-step read-modify-write sequence.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joshfire/hookmachine"
	"github.com/joshfire/hookmachine/id"
	"github.com/joshfire/hookmachine/job"
)

// Bucket names a logical partition of the store.
type Bucket string

const (
	// BucketIndex holds the authoritative record for every job ever
	// created, reflecting its current status.
	BucketIndex Bucket = "index"
	// BucketPending lists jobs awaiting execution.
	BucketPending Bucket = "pending"
	// BucketRunning lists jobs currently executing.
	BucketRunning Bucket = "running"
)

// LockFileName is the advisory lock file kept under the store root.
const LockFileName = "hookmachine.lock"

const recordExt = ".json"

// Store reads and writes job records under a root task directory.
type Store struct {
	root   string
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the structured logger for the store.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a Store rooted at dir. Call EnsureLayout before first use.
func New(dir string, opts ...Option) *Store {
	s := &Store{
		root:   dir,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Root returns the store's root task directory.
func (s *Store) Root() string { return s.root }

// LockPath returns the path of the advisory lock file under the root.
func (s *Store) LockPath() string { return filepath.Join(s.root, LockFileName) }

// EnsureLayout idempotently creates the three bucket directories. It also
// inspects the running bucket and warns, without repairing, when it is
// non-empty, which means a previous process died mid-job; recovery of such
// records is a manual operation. A leftover lock file from a crashed
// process is harmless (advisory locks die with their process) and only
// rates a log line.
func (s *Store) EnsureLayout() error {
	for _, b := range []Bucket{BucketIndex, BucketPending, BucketRunning} {
		if err := os.MkdirAll(s.dir(b), 0o755); err != nil {
			return fmt.Errorf("%w: %s: %v", hookmachine.ErrStoreLayout, b, err)
		}
	}

	entries, err := os.ReadDir(s.dir(BucketRunning))
	if err != nil {
		return fmt.Errorf("%w: inspect running bucket: %v", hookmachine.ErrStoreLayout, err)
	}
	if len(entries) > 0 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		s.logger.Warn("running bucket is not empty at startup; a previous run likely crashed mid-job, records left as-is",
			slog.Int("count", len(names)),
			slog.Any("records", names),
		)
	}

	if _, statErr := os.Stat(s.LockPath()); statErr == nil {
		s.logger.Info("found leftover lock file from a previous run",
			slog.String("path", s.LockPath()),
		)
	}

	return nil
}

// Save serializes the job and writes it under bucket/<id>.json,
// overwriting any existing record for that ID in that bucket.
func (s *Store) Save(j *job.Job, bucket Bucket) error {
	data, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return fmt.Errorf("hookmachine: marshal job %s: %w", j.ID, err)
	}
	path := s.recordPath(bucket, j.ID)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("hookmachine: write %s: %w", path, err)
	}
	return nil
}

// Remove deletes the record for the job's ID from the bucket. A missing
// file is not an error; a racing path may already have removed it.
func (s *Store) Remove(j *job.Job, bucket Bucket) error {
	return s.RemoveID(j.ID, bucket)
}

// RemoveID is Remove for callers that only have the ID.
func (s *Store) RemoveID(jobID id.JobID, bucket Bucket) error {
	path := s.recordPath(bucket, jobID)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("hookmachine: remove %s: %w", path, err)
	}
	return nil
}

// ListPending returns the job IDs currently in the pending bucket, sorted
// lexicographically. IDs are K-sortable, so this is creation order and the
// first entry is the oldest pending job.
func (s *Store) ListPending() ([]id.JobID, error) {
	entries, err := os.ReadDir(s.dir(BucketPending))
	if err != nil {
		return nil, fmt.Errorf("hookmachine: list pending bucket: %w", err)
	}

	ids := make([]id.JobID, 0, len(entries))
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), recordExt)
		if !ok {
			continue
		}
		jobID, parseErr := id.ParseJobID(name)
		if parseErr != nil {
			s.logger.Warn("skipping foreign file in pending bucket",
				slog.String("file", e.Name()),
			)
			continue
		}
		ids = append(ids, jobID)
	}

	sort.Slice(ids, func(i, k int) bool {
		return ids[i].String() < ids[k].String()
	})
	return ids, nil
}

// Read loads and parses the record for jobID from the bucket. A missing
// record yields hookmachine.ErrJobNotFound; an unparsable one yields
// hookmachine.ErrCorruptRecord.
func (s *Store) Read(bucket Bucket, jobID id.JobID) (*job.Job, error) {
	path := s.recordPath(bucket, jobID)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", hookmachine.ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("hookmachine: read %s: %w", path, err)
	}

	var j job.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", hookmachine.ErrCorruptRecord, path, err)
	}
	return &j, nil
}

// ReadIndex loads the authoritative record for jobID.
func (s *Store) ReadIndex(jobID id.JobID) (*job.Job, error) {
	return s.Read(BucketIndex, jobID)
}

func (s *Store) dir(b Bucket) string {
	return filepath.Join(s.root, string(b))
}

func (s *Store) recordPath(b Bucket, jobID id.JobID) string {
	return filepath.Join(s.dir(b), jobID.String()+recordExt)
}
