// Package planner computes the minimal set of files to upload: one file per distinct hash
// that the archive does not have yet.
package planner

import (
	"context"
	"fmt"
	"log/slog"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dustin/go-humanize"
	"github.com/openmined/syftbackup/internal/cache"
	"github.com/openmined/syftbackup/internal/remote"
	"golang.org/x/sync/errgroup"
)

// Candidate is the representative file chosen to carry a hash's content
type Candidate struct {
	Path    string
	RelPath string
	Hash    string
	Size    int64
}

type Plan struct {
	Candidates []Candidate
	TotalSize  int64

	Files          int
	DistinctHashes int
	KnownPresent   int // answered by the presence cache
	Checked        int // asked the remote
	FoundRemote    int // confirmed by the remote
	Duplicates     int // paths dropped because an earlier path has the same hash
}

type Planner struct {
	store    remote.Store
	presence *cache.PresenceCache
	jobs     int
}

func New(store remote.Store, presence *cache.PresenceCache, jobs int) *Planner {
	return &Planner{store: store, presence: presence, jobs: max(jobs, 1)}
}

// Plan partitions the fingerprinted files by presence, asks the remote about every
// hash the presence cache cannot answer (once per hash), persists the presence cache,
// and returns the upload candidates in input order.
func (p *Planner) Plan(ctx context.Context, files []cache.Fingerprinted) (*Plan, error) {
	plan := &Plan{Files: len(files)}

	// distinct hashes in order of first appearance
	seen := mapset.NewThreadUnsafeSet[string]()
	var unchecked []string
	for _, f := range files {
		if !seen.Add(f.Hash) {
			continue
		}
		if p.presence.IsPresent(f.Hash) {
			plan.KnownPresent++
			continue
		}
		unchecked = append(unchecked, f.Hash)
	}
	plan.DistinctHashes = seen.Cardinality()

	found, err := p.checkRemote(ctx, unchecked)
	if err != nil {
		return nil, err
	}
	plan.Checked = len(unchecked)
	plan.FoundRemote = len(found)

	for _, h := range found {
		p.presence.MarkPresent(h)
	}
	if err := p.presence.Save(); err != nil {
		return nil, err
	}

	chosen := mapset.NewThreadUnsafeSet[string]()
	for _, f := range files {
		if p.presence.IsPresent(f.Hash) {
			continue
		}
		if !chosen.Add(f.Hash) {
			plan.Duplicates++
			slog.Info("duplicate content, skipping", "path", f.RelPath, "hash", f.Hash)
			continue
		}
		plan.Candidates = append(plan.Candidates, Candidate{
			Path:    f.Path,
			RelPath: f.RelPath,
			Hash:    f.Hash,
			Size:    f.Size,
		})
		plan.TotalSize += f.Size
	}

	slog.Info("plan",
		"files", plan.Files,
		"distinct", plan.DistinctHashes,
		"cached", plan.KnownPresent,
		"checked", plan.Checked,
		"found", plan.FoundRemote,
		"upload", len(plan.Candidates),
		"size", humanize.IBytes(uint64(plan.TotalSize)),
	)
	return plan, nil
}

// checkRemote returns the hashes the remote confirms it has, in input order
func (p *Planner) checkRemote(ctx context.Context, hashes []string) ([]string, error) {
	results := make([]remote.Presence, len(hashes))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(p.jobs)
	for i, h := range hashes {
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			presence, err := p.store.Exists(egCtx, h)
			if err != nil {
				slog.Debug("existence check failed, treating as absent", "hash", h, "error", err)
			}
			results[i] = presence
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("existence check: %w", err)
	}

	var found []string
	for i, presence := range results {
		if presence.Confirmed() {
			found = append(found, hashes[i])
		}
	}
	return found, nil
}
