package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/devkit/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	err = s.Migrate(context.Background())
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "subdir", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(filepath.Join(dir, "subdir"))
	assert.NoError(t, err, "should create parent directory")
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Running migrate again should be a no-op
	err := s.Migrate(ctx)
	assert.NoError(t, err)
}

// --- References ---

func TestReference_FirstWriteWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.PutReference(ctx, &models.Reference{SourceHash: "abc", Tag: "e1.rs.body", Value: "first"})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.PutReference(ctx, &models.Reference{SourceHash: "abc", Tag: "e1.rs.body", Value: "second"})
	require.NoError(t, err)
	assert.False(t, created, "existing tag must not be overwritten")

	got, err := s.GetReference(ctx, "abc", "e1.rs.body")
	require.NoError(t, err)
	assert.Equal(t, "first", got.Value)
	assert.NotEmpty(t, got.ID)
}

func TestReference_ScopedBySourceHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.PutReference(ctx, &models.Reference{SourceHash: "aaa", Tag: "e0.rs.body", Value: "one"})
	require.NoError(t, err)
	_, err = s.PutReference(ctx, &models.Reference{SourceHash: "bbb", Tag: "e0.rs.body", Value: "two"})
	require.NoError(t, err)

	got, err := s.GetReference(ctx, "bbb", "e0.rs.body")
	require.NoError(t, err)
	assert.Equal(t, "two", got.Value)

	_, err = s.GetReference(ctx, "ccc", "e0.rs.body")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReference_ListAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, tag := range []string{"e0.rs.body", "e1.rs.body", "e1.rq.body"} {
		_, err := s.PutReference(ctx, &models.Reference{SourceHash: "abc", Tag: tag, Value: tag})
		require.NoError(t, err)
	}
	_, err := s.PutReference(ctx, &models.Reference{SourceHash: "other", Tag: "e0.rs.body", Value: "x"})
	require.NoError(t, err)

	refs, err := s.ListReferences(ctx, "abc")
	require.NoError(t, err)
	assert.Len(t, refs, 3)

	n, err := s.DeleteReferences(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	refs, err = s.ListReferences(ctx, "abc")
	require.NoError(t, err)
	assert.Empty(t, refs)

	refs, err = s.ListReferences(ctx, "other")
	require.NoError(t, err)
	assert.Len(t, refs, 1)
}

// --- Cache meta ---

func TestCacheMeta(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetCacheMeta(ctx, "metadata_version")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetCacheMeta(ctx, "metadata_version", "1"))
	require.NoError(t, s.SetCacheMeta(ctx, "metadata_version", "2"))

	v, err := s.GetCacheMeta(ctx, "metadata_version")
	require.NoError(t, err)
	assert.Equal(t, "2", v)
}

// --- Session metadata ---

func seedMetadata(t *testing.T, s *SQLiteStore, path, sessionID, project string, mtime int64, subagent bool) {
	t.Helper()
	meta := &models.SessionMetadata{
		FilePath:       path,
		SessionID:      sessionID,
		FirstPrompt:    "prompt for " + sessionID,
		Project:        project,
		Mtime:          mtime,
		FirstTimestamp: "2026-01-02T10:00:00Z",
		IsSubagent:     subagent,
		AllUserText:    "user text " + sessionID,
	}
	idx := &models.FileIndex{
		FilePath:     path,
		Mtime:        mtime,
		MessageCount: 4,
		FirstDate:    "2026-01-02T10:00:00Z",
		LastDate:     "2026-01-02T11:00:00Z",
		Project:      project,
		IsSubagent:   subagent,
	}
	require.NoError(t, s.UpsertSessionMetadata(context.Background(), meta, idx))
}

func TestSessionMetadata_UpsertAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedMetadata(t, s, "/p/a/1.jsonl", "s1", "a", 100, false)
	seedMetadata(t, s, "/p/a/2.jsonl", "s2", "a", 300, false)
	seedMetadata(t, s, "/p/b/3.jsonl", "s3", "b", 200, false)
	seedMetadata(t, s, "/p/a/s1/subagents/agent-x.jsonl", "s1", "a", 400, true)

	all, err := s.ListSessionMetadata(ctx, MetadataFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "s2", all[0].SessionID, "sorted by mtime desc")
	assert.Equal(t, "s3", all[1].SessionID)
	assert.Equal(t, "s1", all[2].SessionID)
	assert.Equal(t, 4, all[0].MessageCount)

	withSub, err := s.ListSessionMetadata(ctx, MetadataFilter{IncludeSubagents: true})
	require.NoError(t, err)
	assert.Len(t, withSub, 4)

	scoped, err := s.ListSessionMetadata(ctx, MetadataFilter{Project: "b"})
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "s3", scoped[0].SessionID)

	limited, err := s.ListSessionMetadata(ctx, MetadataFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	sessions, subagents, err := s.CountSessionMetadata(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, sessions)
	assert.Equal(t, 1, subagents)

	projects, err := s.CountProjects(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, projects)

	// Upsert overwrites
	seedMetadata(t, s, "/p/a/1.jsonl", "s1", "a", 500, false)
	all, err = s.ListSessionMetadata(ctx, MetadataFilter{})
	require.NoError(t, err)
	assert.Equal(t, "s1", all[0].SessionID)
	assert.Equal(t, int64(500), all[0].Mtime)
}

func TestSessionMetadata_Query(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedMetadata(t, s, "/p/a/1.jsonl", "s1", "a", 100, false)
	seedMetadata(t, s, "/p/a/2.jsonl", "s2", "a", 200, false)

	got, err := s.ListSessionMetadata(ctx, MetadataFilter{Query: "USER TEXT S2"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "s2", got[0].SessionID)

	got, err = s.ListSessionMetadata(ctx, MetadataFilter{Query: "100%"})
	require.NoError(t, err)
	assert.Empty(t, got, "wildcards in the query are literal")

	got, err = s.ListSessionMetadata(ctx, MetadataFilter{Query: "user text", Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1, "limit applies after matching")
	assert.Equal(t, "s2", got[0].SessionID)
}

func TestSessionMetadata_QueryFoldsNonASCII(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	meta := &models.SessionMetadata{
		FilePath:    "/p/a/1.jsonl",
		SessionID:   "s1",
		Project:     "a",
		Mtime:       100,
		CustomTitle: "Überarbeitung der Ölpreis-Analyse",
	}
	require.NoError(t, s.UpsertSessionMetadata(ctx, meta, &models.FileIndex{FilePath: meta.FilePath, Mtime: 100, Project: "a"}))

	for _, q := range []string{"überarbeitung", "ÖLPREIS"} {
		got, err := s.ListSessionMetadata(ctx, MetadataFilter{Query: q})
		require.NoError(t, err)
		require.Len(t, got, 1, q)
		assert.Equal(t, "s1", got[0].SessionID)
	}
}

func TestSessionMetadata_FileMtimesAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedMetadata(t, s, "/p/a/1.jsonl", "s1", "a", 100, false)
	seedMetadata(t, s, "/p/b/2.jsonl", "s2", "b", 200, false)

	mtimes, err := s.FileMtimes(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"/p/a/1.jsonl": 100}, mtimes)

	require.NoError(t, s.DeleteSessionMetadata(ctx, "/p/a/1.jsonl"))

	mtimes, err = s.FileMtimes(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"/p/b/2.jsonl": 200}, mtimes)
}

func TestGetSessionMetadata(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedMetadata(t, s, "/p/a/1.jsonl", "abc-111", "a", 100, false)
	seedMetadata(t, s, "/p/a/2.jsonl", "abc-222", "a", 200, false)
	seedMetadata(t, s, "/p/a/abc-111/subagents/agent-1.jsonl", "abc-111", "a", 300, true)

	got, err := s.GetSessionMetadata(ctx, "abc-111")
	require.NoError(t, err)
	assert.Equal(t, "/p/a/1.jsonl", got.FilePath, "top-level row preferred over subagent")

	got, err = s.GetSessionMetadata(ctx, "abc-2")
	require.NoError(t, err)
	assert.Equal(t, "abc-222", got.SessionID)

	_, err = s.GetSessionMetadata(ctx, "abc")
	assert.ErrorContains(t, err, "ambiguous")

	_, err = s.GetSessionMetadata(ctx, "zzz")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGeneratedTitle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedMetadata(t, s, "/p/a/1.jsonl", "s1", "a", 100, false)
	require.NoError(t, s.SetGeneratedTitle(ctx, "s1", "Fix flaky tests", "claude-haiku"))

	got, err := s.GetSessionMetadata(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Fix flaky tests", got.GeneratedTitle)

	// Titles survive a cache reset
	require.NoError(t, s.ResetMetadataCache(ctx))
	seedMetadata(t, s, "/p/a/1.jsonl", "s1", "a", 100, false)
	got, err = s.GetSessionMetadata(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Fix flaky tests", got.GeneratedTitle)
}

func TestDailyStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedMetadata(t, s, "/p/a/1.jsonl", "s1", "a", 100, false)
	seedMetadata(t, s, "/p/a/2.jsonl", "s2", "a", 200, false)
	seedMetadata(t, s, "/p/b/3.jsonl", "s3", "b", 300, false)
	seedMetadata(t, s, "/p/b/sub/agent-1.jsonl", "s3", "b", 300, true)

	require.NoError(t, s.RebuildDailyStats(ctx))

	stats, err := s.ListDailyStats(ctx, "")
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "2026-01-02", stats[0].Date)
	assert.Equal(t, "a", stats[0].Project)
	assert.Equal(t, 2, stats[0].SessionCount)
	assert.Equal(t, 8, stats[0].MessageCount)

	stats, err = s.ListDailyStats(ctx, "b")
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].SessionCount, "subagents are not counted")
}

func TestResetMetadataCache(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedMetadata(t, s, "/p/a/1.jsonl", "s1", "a", time.Now().UnixNano(), false)
	require.NoError(t, s.RebuildDailyStats(ctx))
	require.NoError(t, s.ResetMetadataCache(ctx))

	all, err := s.ListSessionMetadata(ctx, MetadataFilter{IncludeSubagents: true})
	require.NoError(t, err)
	assert.Empty(t, all)

	mtimes, err := s.FileMtimes(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, mtimes)

	stats, err := s.ListDailyStats(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, stats)
}
