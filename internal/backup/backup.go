// Package backup runs one incremental backup: bootstrap the archive, lock its local
// state, scan and fingerprint the source, plan the upload, then either upload and
// publish a manifest or stage the upload onto sneakernet media.
package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/syftbackup/internal/cache"
	"github.com/openmined/syftbackup/internal/config"
	"github.com/openmined/syftbackup/internal/lock"
	"github.com/openmined/syftbackup/internal/manifest"
	"github.com/openmined/syftbackup/internal/planner"
	"github.com/openmined/syftbackup/internal/remote"
	"github.com/openmined/syftbackup/internal/scan"
	"github.com/openmined/syftbackup/internal/sneakernet"
)

const (
	lockFileName        = "lock"
	fingerprintFileName = "fingerprints.db"
	presenceFileName    = "presence.db"
)

type Outcome int

const (
	// OutcomeCompleted means every candidate was uploaded and the manifest published
	OutcomeCompleted Outcome = iota
	// OutcomeStaged means the upload was written to sneakernet media instead
	OutcomeStaged
	// OutcomeDryRun means the plan was computed and nothing was transferred
	OutcomeDryRun
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeStaged:
		return "staged"
	case OutcomeDryRun:
		return "dry-run"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Summary reports what a run did
type Summary struct {
	Outcome   Outcome
	ArchiveID string
	StartedAt time.Time
	Duration  time.Duration

	Files       int
	Fingerprint cache.FingerprintStats
	Plan        *planner.Plan

	Uploaded      int
	UploadedBytes int64
	Manifest      string

	Staging *sneakernet.Result
}

type Runner struct {
	opts       config.Options
	store      remote.Store
	sneakernet []sneakernet.Option
	now        func() time.Time
}

type Option func(*Runner)

// WithSneakernetOptions passes options to the sneakernet manager the run creates
func WithSneakernetOptions(opts ...sneakernet.Option) Option {
	return func(r *Runner) { r.sneakernet = append(r.sneakernet, opts...) }
}

// WithClock overrides the source of the run's start time
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

func New(opts config.Options, store remote.Store, options ...Option) *Runner {
	r := &Runner{
		opts:  opts,
		store: store,
		now:   time.Now,
	}
	for _, o := range options {
		o(r)
	}
	return r
}

// StateDir is the local working directory of an archive
func StateDir(root, archiveID string) string {
	return filepath.Join(root, archiveID)
}

// Run performs one backup. The store must already be connected.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	start := r.now()
	summary := &Summary{StartedAt: start}

	archiveID, err := r.store.Bootstrap(ctx)
	if err != nil {
		return nil, fmt.Errorf("bootstrap %s: %w", r.store.Describe(), err)
	}
	summary.ArchiveID = archiveID
	slog.Info("archive", "id", archiveID, "destination", r.store.Describe())

	stateDir := StateDir(r.opts.StateDir, archiveID)
	runLock := lock.New(filepath.Join(stateDir, lockFileName))
	if err := runLock.Acquire(); err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return nil, fmt.Errorf("another backup of archive %s is running: %w", archiveID, err)
		}
		return nil, err
	}
	defer func() {
		if err := runLock.Release(); err != nil {
			slog.Error("failed to release lock", "path", runLock.Path(), "error", err)
		}
	}()

	fingerprints := cache.LoadFingerprintCache(filepath.Join(stateDir, fingerprintFileName))
	presence := cache.LoadPresenceCache(filepath.Join(stateDir, presenceFileName))

	files, err := r.scan(ctx)
	if err != nil {
		return nil, err
	}
	summary.Files = len(files)

	fingerprinted, stats, err := fingerprints.Resolve(ctx, files, r.opts.Jobs)
	if err != nil {
		return nil, err
	}
	summary.Fingerprint = stats
	if err := fingerprints.Save(); err != nil {
		return nil, err
	}

	plan, err := planner.New(r.store, presence, r.opts.Jobs).Plan(ctx, fingerprinted)
	if err != nil {
		return nil, err
	}
	summary.Plan = plan

	mgr := sneakernet.New(r.opts, r.sneakernet...)
	state, err := mgr.Decide(plan.TotalSize)
	if err != nil {
		return nil, err
	}

	if r.opts.DryRun {
		summary.Outcome = OutcomeDryRun
		slog.Info("dry run, nothing transferred",
			"path", state.String(),
			"upload", len(plan.Candidates),
			"size", humanize.IBytes(uint64(plan.TotalSize)),
		)
		summary.Duration = time.Since(start)
		return summary, nil
	}

	if state == sneakernet.Overflow {
		result, err := mgr.Transfer(ctx, plan.Candidates)
		if err != nil {
			return nil, err
		}
		summary.Outcome = OutcomeStaged
		summary.Staging = result
		summary.Duration = time.Since(start)
		return summary, nil
	}

	if err := r.upload(ctx, plan.Candidates, presence, summary); err != nil {
		return nil, err
	}

	name, err := manifest.NewWriter(r.store).Publish(ctx, manifest.New(start, r.opts.Source, fingerprinted))
	if err != nil {
		return nil, fmt.Errorf("publish manifest: %w", err)
	}
	summary.Manifest = name
	summary.Outcome = OutcomeCompleted
	summary.Duration = time.Since(start)
	return summary, nil
}

func (r *Runner) scan(ctx context.Context) ([]scan.SourceFile, error) {
	rules, err := scan.NewRuleSet(r.opts.Excludes, r.opts.Includes)
	if err != nil {
		return nil, err
	}
	if err := rules.LoadIgnoreFile(filepath.Join(r.opts.Source, config.DefaultIgnoreFile)); err != nil {
		return nil, err
	}
	return scan.NewScanner(r.opts.Source, rules).Scan(ctx)
}

// upload publishes candidates one at a time. The presence cache is saved even when an
// upload fails so that confirmed publishes are not repeated.
func (r *Runner) upload(ctx context.Context, candidates []planner.Candidate, presence *cache.PresenceCache, summary *Summary) (err error) {
	defer func() {
		if saveErr := presence.Save(); saveErr != nil {
			err = errors.Join(err, saveErr)
		}
	}()

	for i, c := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.publish(ctx, c); err != nil {
			return fmt.Errorf("upload %s: %w", c.RelPath, err)
		}
		presence.MarkPresent(c.Hash)
		summary.Uploaded++
		summary.UploadedBytes += c.Size
		slog.Info("uploaded",
			"path", c.RelPath,
			"hash", c.Hash,
			"size", humanize.IBytes(uint64(c.Size)),
			"progress", fmt.Sprintf("%d/%d", i+1, len(candidates)),
		)
	}
	return nil
}

func (r *Runner) publish(ctx context.Context, c planner.Candidate) error {
	file, err := os.Open(c.Path)
	if err != nil {
		return err
	}
	defer file.Close()

	return r.store.PublishBlob(ctx, c.Hash, file, c.Size)
}
