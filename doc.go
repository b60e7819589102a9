// Package hookmachine is a small automation daemon that turns GitHub-style
// webhook notifications and periodic timer checks into background jobs.
// Each job clones or updates a Git repository, checks out a branch, and runs
// a script against the working tree.
//
// The heart of the system is a durable, filesystem-backed task queue: jobs
// are persisted as JSON records in three buckets (index, pending, running)
// under a task directory, every read-modify-write sequence is serialized
// through a two-tier lock (in-process FIFO mutex plus a cross-process
// advisory file lock), and execution is bounded by a configurable
// concurrency cap.
//
// Subsystem packages:
//
//   - lock: the two-tier FIFO lock guarding the task directory
//   - store: the filesystem bucket layout and record I/O
//   - queue: the scheduler, Push/Get/RunningCount and the dispatch loop
//   - job: the Job record and the closed failure taxonomy
//   - worker: the script worker (clone, checkout, run)
//   - webhook: the HTTP listener that accepts hook deliveries
//   - timer: the periodic repository checker
//
// The root package holds shared configuration and sentinel errors only.
package hookmachine
