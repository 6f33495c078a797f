package store

import (
	"context"
	"errors"

	"github.com/joescharf/devkit/internal/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// MetadataFilter specifies filters for listing cached conversation metadata.
type MetadataFilter struct {
	Project          string // empty = all projects
	IncludeSubagents bool
	Query            string // case-insensitive substring over titles and user text
	Limit            int    // 0 = no limit
}

// Store defines the persistence interface for devkit.
type Store interface {
	// References
	GetReference(ctx context.Context, sourceHash, tag string) (*models.Reference, error)
	PutReference(ctx context.Context, ref *models.Reference) (bool, error)
	ListReferences(ctx context.Context, sourceHash string) ([]*models.Reference, error)
	DeleteReferences(ctx context.Context, sourceHash string) (int64, error)

	// Conversation metadata cache
	GetCacheMeta(ctx context.Context, key string) (string, error)
	SetCacheMeta(ctx context.Context, key, value string) error
	ResetMetadataCache(ctx context.Context) error
	FileMtimes(ctx context.Context, project string) (map[string]int64, error)
	UpsertSessionMetadata(ctx context.Context, meta *models.SessionMetadata, idx *models.FileIndex) error
	DeleteSessionMetadata(ctx context.Context, filePath string) error
	ListSessionMetadata(ctx context.Context, filter MetadataFilter) ([]*models.SessionMetadata, error)
	CountSessionMetadata(ctx context.Context, project string) (sessions int, subagents int, err error)
	CountProjects(ctx context.Context, project string) (int, error)
	GetSessionMetadata(ctx context.Context, sessionID string) (*models.SessionMetadata, error)
	RebuildDailyStats(ctx context.Context) error
	ListDailyStats(ctx context.Context, project string) ([]*models.DailyStat, error)
	SetGeneratedTitle(ctx context.Context, sessionID, title, model string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
