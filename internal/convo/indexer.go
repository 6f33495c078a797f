// Package convo keeps an incremental SQLite index of Claude conversation
// logs and answers listing, search and stats queries from it.
package convo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/joescharf/devkit/internal/models"
	"github.com/joescharf/devkit/internal/store"
)

// MetadataVersion identifies the extraction rules. Bumping it wipes the
// cache on the next refresh.
const MetadataVersion = 3

const metadataVersionKey = "metadata_version"

// ListingOptions scopes a listing or search.
type ListingOptions struct {
	Project          string // directory name or filesystem path; empty = all
	IncludeSubagents bool
	Limit            int // 0 = no limit
	Progress         func(done, total int)
}

// Listing is the result of a refresh followed by a query.
type Listing struct {
	Sessions     []*models.SessionMetadata `json:"sessions"`
	Total        int                       `json:"total"`
	Subagents    int                       `json:"subagents"`
	Indexed      int                       `json:"indexed"`
	StaleRemoved int                       `json:"staleRemoved"`
	Reindexed    bool                      `json:"reindexed"`
	ProjectCount int                       `json:"projectCount"`
	Scope        string                    `json:"scope,omitempty"`
}

// RefreshResult reports what a refresh pass changed.
type RefreshResult struct {
	Scanned      int
	Indexed      int
	Failed       int
	StaleRemoved int
	Reindexed    bool
}

func (r RefreshResult) changed() bool {
	return r.Indexed > 0 || r.StaleRemoved > 0 || r.Reindexed
}

// Indexer maintains the metadata cache for one projects directory.
type Indexer struct {
	store       store.Store
	projectsDir string
	log         zerolog.Logger
}

// NewIndexer creates an indexer over projectsDir backed by s.
func NewIndexer(s store.Store, projectsDir string, log zerolog.Logger) *Indexer {
	return &Indexer{store: s, projectsDir: projectsDir, log: log}
}

// ProjectsDir returns the directory the indexer scans.
func (ix *Indexer) ProjectsDir() string {
	return ix.projectsDir
}

// Listing refreshes the cache for the requested scope and returns the
// newest sessions in it.
func (ix *Indexer) Listing(ctx context.Context, opts ListingOptions) (*Listing, error) {
	return ix.query(ctx, "", opts)
}

// Search refreshes the cache and returns sessions whose titles, first
// prompt or user text contain query, case-insensitively.
func (ix *Indexer) Search(ctx context.Context, query string, opts ListingOptions) (*Listing, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("search query is empty")
	}
	return ix.query(ctx, query, opts)
}

func (ix *Indexer) query(ctx context.Context, q string, opts ListingOptions) (*Listing, error) {
	scope := EncodeProject(opts.Project)
	res, err := ix.Refresh(ctx, scope, opts.Progress)
	if err != nil {
		return nil, err
	}

	sessions, err := ix.store.ListSessionMetadata(ctx, store.MetadataFilter{
		Project:          scope,
		IncludeSubagents: opts.IncludeSubagents,
		Query:            q,
		Limit:            opts.Limit,
	})
	if err != nil {
		return nil, err
	}
	total, subagents, err := ix.store.CountSessionMetadata(ctx, scope)
	if err != nil {
		return nil, err
	}
	projects, err := ix.store.CountProjects(ctx, scope)
	if err != nil {
		return nil, err
	}

	return &Listing{
		Sessions:     sessions,
		Total:        total,
		Subagents:    subagents,
		Indexed:      res.Indexed,
		StaleRemoved: res.StaleRemoved,
		Reindexed:    res.Reindexed,
		ProjectCount: projects,
		Scope:        scope,
	}, nil
}

// Refresh brings the cache up to date for one project directory name, or
// for every project when scope is empty. Files whose mtime matches the
// cache are skipped; rows whose files vanished are removed, but only
// within scope.
func (ix *Indexer) Refresh(ctx context.Context, scope string, progress func(done, total int)) (RefreshResult, error) {
	var res RefreshResult

	reindexed, err := ix.checkVersion(ctx)
	if err != nil {
		return res, err
	}
	res.Reindexed = reindexed

	files, err := ScanLogs(ix.projectsDir, scope)
	if err != nil {
		return res, fmt.Errorf("scan %s: %w", ix.projectsDir, err)
	}
	res.Scanned = len(files)

	stored, err := ix.store.FileMtimes(ctx, scope)
	if err != nil {
		return res, err
	}

	type pending struct {
		file  LogFile
		mtime int64
	}
	var work []pending
	seen := make(map[string]bool, len(files))
	for _, lf := range files {
		seen[lf.Path] = true
		info, err := os.Stat(lf.Path)
		if err != nil {
			ix.log.Debug().Err(err).Str("file", lf.Path).Msg("stat failed, skipping")
			continue
		}
		mtime := info.ModTime().UnixNano()
		if prev, ok := stored[lf.Path]; ok && prev == mtime {
			continue
		}
		work = append(work, pending{file: lf, mtime: mtime})
	}

	for i, p := range work {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := ix.indexFile(ctx, p.file, p.mtime); err != nil {
			ix.log.Warn().Err(err).Str("file", p.file.Path).Msg("failed to index conversation log")
			res.Failed++
		} else {
			res.Indexed++
		}
		if progress != nil {
			progress(i+1, len(work))
		}
	}

	for path := range stored {
		if seen[path] {
			continue
		}
		if err := ix.store.DeleteSessionMetadata(ctx, path); err != nil {
			ix.log.Warn().Err(err).Str("file", path).Msg("failed to remove stale cache row")
			continue
		}
		res.StaleRemoved++
	}

	if res.changed() {
		if err := ix.store.RebuildDailyStats(ctx); err != nil {
			return res, err
		}
	}
	if res.Indexed > 0 || res.StaleRemoved > 0 {
		ix.log.Debug().
			Int("indexed", res.Indexed).
			Int("stale", res.StaleRemoved).
			Str("scope", scope).
			Msg("metadata cache refreshed")
	}
	return res, nil
}

func (ix *Indexer) indexFile(ctx context.Context, lf LogFile, mtime int64) error {
	x, err := ExtractFile(lf)
	if err != nil {
		return err
	}
	if x.Malformed > 0 {
		ix.log.Debug().Int("lines", x.Malformed).Str("file", lf.Path).Msg("skipped malformed lines")
	}
	x.Meta.Mtime = mtime
	x.Index.Mtime = mtime
	return ix.store.UpsertSessionMetadata(ctx, &x.Meta, &x.Index)
}

// checkVersion wipes the cache when it was built by different extraction
// rules. A cache without a stored version is stamped without a wipe.
func (ix *Indexer) checkVersion(ctx context.Context) (bool, error) {
	want := strconv.Itoa(MetadataVersion)
	got, err := ix.store.GetCacheMeta(ctx, metadataVersionKey)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return false, ix.store.SetCacheMeta(ctx, metadataVersionKey, want)
	case err != nil:
		return false, err
	case got == want:
		return false, nil
	}

	ix.log.Info().Str("from", got).Str("to", want).Msg("metadata version changed, rebuilding cache")
	if err := ix.store.ResetMetadataCache(ctx); err != nil {
		return false, err
	}
	if err := ix.store.SetCacheMeta(ctx, metadataVersionKey, want); err != nil {
		return false, err
	}
	return true, nil
}

// Reindex drops every cached row and rebuilds the whole cache.
func (ix *Indexer) Reindex(ctx context.Context, progress func(done, total int)) (RefreshResult, error) {
	if err := ix.store.ResetMetadataCache(ctx); err != nil {
		return RefreshResult{}, err
	}
	res, err := ix.Refresh(ctx, "", progress)
	res.Reindexed = true
	return res, err
}

// Get returns one session by id or unique id prefix, refreshing the cache
// when it is not found.
func (ix *Indexer) Get(ctx context.Context, sessionID string) (*models.SessionMetadata, error) {
	meta, err := ix.store.GetSessionMetadata(ctx, sessionID)
	if !errors.Is(err, store.ErrNotFound) {
		return meta, err
	}
	if _, err := ix.Refresh(ctx, "", nil); err != nil {
		return nil, err
	}
	return ix.store.GetSessionMetadata(ctx, sessionID)
}

// Stats returns per-day activity, refreshing the scope first.
func (ix *Indexer) Stats(ctx context.Context, project string) ([]*models.DailyStat, error) {
	scope := EncodeProject(project)
	if _, err := ix.Refresh(ctx, scope, nil); err != nil {
		return nil, err
	}
	return ix.store.ListDailyStats(ctx, scope)
}
