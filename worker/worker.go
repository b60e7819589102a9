// Package worker implements the script worker invoked by the task queue:
// it clones or updates a Git repository, checks out the requested branch,
// and runs the configured script against the working tree.
//
// The queue treats the worker as opaque; the only contract is the
// queue.Worker signature and the failure classification carried back
// through job.Failure. The worker enforces its own timeout and kills the
// script when it expires; a killed script is still reported as a job
// failure, never dropped.
package worker

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	giturls "github.com/whilp/git-urls"

	"github.com/joshfire/hookmachine/job"
)

// DefaultBranch is checked out when the job params carry no branch.
const DefaultBranch = "master"

// outputTailLimit bounds how much script output is kept on the job result.
const outputTailLimit = 4 * 1024

// Script runs job scripts against per-repository clones kept under a
// work directory.
type Script struct {
	workDir string
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Script worker.
type Option func(*Script)

// WithTimeout sets the maximum time a job's script may run before it is
// killed. Zero disables the timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Script) { s.timeout = d }
}

// WithLogger sets the structured logger for the worker.
func WithLogger(l *slog.Logger) Option {
	return func(s *Script) { s.logger = l }
}

// NewScript creates a Script worker keeping clones under workDir.
func NewScript(workDir string, opts ...Option) *Script {
	s := &Script{
		workDir: workDir,
		timeout: 10 * time.Minute,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// params is the worker's view of the opaque job payload.
type params struct {
	name       string
	repository string
	branch     string
	script     string
	timeout    time.Duration
}

// parseParams validates the payload. Anything missing or of the wrong
// shape is a parameter-class failure.
func (s *Script) parseParams(p job.Params) (params, error) {
	out := params{
		branch:  DefaultBranch,
		timeout: s.timeout,
	}
	out.name, _ = p["name"].(string)

	repo, ok := p["repository"].(string)
	if !ok || repo == "" {
		return out, job.Failuref(job.FailureParam, "params.repository is required")
	}
	out.repository = repo

	script, ok := p["script"].(string)
	if !ok || script == "" {
		return out, job.Failuref(job.FailureParam, "params.script is required")
	}
	if filepath.IsAbs(script) || strings.Contains(script, "..") {
		return out, job.Failuref(job.FailureParam, "params.script must be a plain path inside the repository")
	}
	out.script = script

	if branch, ok := p["branch"].(string); ok && branch != "" {
		out.branch = branch
	}

	// JSON numbers decode as float64; the value is seconds.
	if secs, ok := p["timeout"].(float64); ok && secs > 0 {
		out.timeout = time.Duration(secs * float64(time.Second))
	}

	return out, nil
}

// Run implements queue.Worker.
func (s *Script) Run(ctx context.Context, p job.Params) (job.Result, error) {
	cfg, err := s.parseParams(p)
	if err != nil {
		return nil, err
	}

	dir, err := s.cloneDir(cfg.repository)
	if err != nil {
		return nil, err
	}

	commit, err := s.syncRepository(ctx, dir, cfg)
	if err != nil {
		return nil, err
	}

	output, elapsed, err := s.runScript(ctx, dir, cfg)
	if err != nil {
		return nil, err
	}

	return job.Result{
		"commit":     commit,
		"output":     output,
		"durationMs": elapsed.Milliseconds(),
	}, nil
}

// cloneDir maps a repository URL to a stable directory under workDir,
// mirroring the remote's host/path layout.
func (s *Script) cloneDir(repoURL string) (string, error) {
	u, err := giturls.Parse(repoURL)
	if err != nil {
		return "", job.Failuref(job.FailureParam, "params.repository: %v", err)
	}

	host := u.Hostname()
	if host == "" {
		host = "local"
	}
	path := strings.TrimSuffix(strings.TrimPrefix(u.Path, "/"), ".git")
	return filepath.Join(s.workDir, host, filepath.FromSlash(path)), nil
}

// syncRepository clones the repository on first use, fetches on
// subsequent runs, checks out the requested branch, and returns the HEAD
// commit hash.
func (s *Script) syncRepository(ctx context.Context, dir string, cfg params) (string, error) {
	repo, err := git.PlainOpen(dir)
	switch {
	case errors.Is(err, git.ErrRepositoryNotExists):
		s.logger.Info("cloning repository",
			slog.String("repository", cfg.repository),
			slog.String("dir", dir),
		)
		repo, err = git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
			URL: cfg.repository,
		})
		if err != nil {
			return "", job.Failuref(job.FailureUpstream, "clone %s: %v", cfg.repository, err)
		}
	case err != nil:
		return "", job.Failuref(job.FailureInternal, "open clone %s: %v", dir, err)
	default:
		fetchErr := repo.FetchContext(ctx, &git.FetchOptions{RemoteName: git.DefaultRemoteName})
		if fetchErr != nil && !errors.Is(fetchErr, git.NoErrAlreadyUpToDate) {
			return "", job.Failuref(job.FailureUpstream, "fetch %s: %v", cfg.repository, fetchErr)
		}
	}

	wt, err := repo.Worktree()
	if err != nil {
		return "", job.Failuref(job.FailureInternal, "worktree: %v", err)
	}

	branchRef := plumbing.NewBranchReferenceName(cfg.branch)
	checkoutErr := wt.Checkout(&git.CheckoutOptions{Branch: branchRef, Force: true})
	if errors.Is(checkoutErr, plumbing.ErrReferenceNotFound) {
		// No local branch yet; track the remote one.
		remoteRef, refErr := repo.Reference(plumbing.NewRemoteReferenceName(git.DefaultRemoteName, cfg.branch), true)
		if refErr != nil {
			return "", job.Failuref(job.FailureParam, "branch %q not found in %s", cfg.branch, cfg.repository)
		}
		checkoutErr = wt.Checkout(&git.CheckoutOptions{
			Hash:   remoteRef.Hash(),
			Branch: branchRef,
			Create: true,
			Force:  true,
		})
	}
	if checkoutErr != nil {
		return "", job.Failuref(job.FailureInternal, "checkout %q: %v", cfg.branch, checkoutErr)
	}

	// Fast-forward the local branch to the remote tip when one exists.
	if remoteRef, refErr := repo.Reference(plumbing.NewRemoteReferenceName(git.DefaultRemoteName, cfg.branch), true); refErr == nil {
		if resetErr := wt.Reset(&git.ResetOptions{Commit: remoteRef.Hash(), Mode: git.HardReset}); resetErr != nil {
			return "", job.Failuref(job.FailureInternal, "reset to remote tip: %v", resetErr)
		}
	}

	head, err := repo.Head()
	if err != nil {
		return "", job.Failuref(job.FailureInternal, "resolve HEAD: %v", err)
	}
	return head.Hash().String(), nil
}

// runScript executes the configured script inside the working tree under
// the job timeout.
func (s *Script) runScript(ctx context.Context, dir string, cfg params) (string, time.Duration, error) {
	scriptPath := filepath.Join(dir, filepath.FromSlash(cfg.script))

	runCtx := ctx
	if cfg.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, scriptPath)
	cmd.Dir = dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	s.logger.Info("running script",
		slog.String("job_name", cfg.name),
		slog.String("script", cfg.script),
		slog.String("dir", dir),
	)

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return "", elapsed, job.Failuref(job.FailureKilled,
				"script %s killed after %s: no exit status", cfg.script, cfg.timeout)
		}
		if errors.Is(err, fs.ErrNotExist) {
			return "", elapsed, job.Failuref(job.FailureParam, "script %s not found in repository", cfg.script)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", elapsed, job.Failuref(job.FailureInternal,
				"script %s exited with status %d: %s", cfg.script, exitErr.ExitCode(), tail(buf.Bytes()))
		}
		return "", elapsed, job.Failuref(job.FailureInternal, "run script %s: %v", cfg.script, err)
	}

	return tail(buf.Bytes()), elapsed, nil
}

// tail returns the last outputTailLimit bytes of the script output.
func tail(b []byte) string {
	if len(b) > outputTailLimit {
		b = b[len(b)-outputTailLimit:]
	}
	return string(b)
}
