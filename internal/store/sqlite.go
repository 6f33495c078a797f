package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/devkit/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single connection
	// serializes access within the process; busy_timeout covers other
	// devkit processes touching the same file.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// Set busy timeout so concurrent writes wait instead of failing immediately
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// boolToInt converts a bool to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	// Create migrations tracking table
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	// Sort by filename
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		// Check if already applied
		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- References ---

func (s *SQLiteStore) GetReference(ctx context.Context, sourceHash, tag string) (*models.Reference, error) {
	r := &models.Reference{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, source_hash, tag, value, created_at FROM references_store WHERE source_hash = ? AND tag = ?`,
		sourceHash, tag,
	).Scan(&r.ID, &r.SourceHash, &r.Tag, &r.Value, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reference %s: %w", tag, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get reference: %w", err)
	}
	return r, nil
}

// PutReference stores ref unless a value already exists for its
// (SourceHash, Tag). It reports whether a new row was written; an existing
// value is never overwritten.
func (s *SQLiteStore) PutReference(ctx context.Context, ref *models.Reference) (bool, error) {
	if ref.ID == "" {
		ref.ID = newULID()
	}
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO references_store (id, source_hash, tag, value, created_at) VALUES (?, ?, ?, ?, ?)`,
		ref.ID, ref.SourceHash, ref.Tag, ref.Value, ref.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("put reference: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("put reference: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) ListReferences(ctx context.Context, sourceHash string) ([]*models.Reference, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_hash, tag, value, created_at FROM references_store WHERE source_hash = ? ORDER BY created_at, tag`,
		sourceHash)
	if err != nil {
		return nil, fmt.Errorf("list references: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var refs []*models.Reference
	for rows.Next() {
		r := &models.Reference{}
		if err := rows.Scan(&r.ID, &r.SourceHash, &r.Tag, &r.Value, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reference: %w", err)
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

func (s *SQLiteStore) DeleteReferences(ctx context.Context, sourceHash string) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM references_store WHERE source_hash = ?", sourceHash)
	if err != nil {
		return 0, fmt.Errorf("delete references: %w", err)
	}
	return result.RowsAffected()
}

// --- Cache meta ---

func (s *SQLiteStore) GetCacheMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM cache_meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("cache meta %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get cache meta: %w", err)
	}
	return value, nil
}

func (s *SQLiteStore) SetCacheMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set cache meta: %w", err)
	}
	return nil
}

// ResetMetadataCache removes every extracted row. Generated titles are kept.
func (s *SQLiteStore) ResetMetadataCache(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reset: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"session_metadata", "file_index", "daily_stats"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// --- Session metadata ---

// FileMtimes returns the stored mtime of every indexed file, optionally
// restricted to one project.
func (s *SQLiteStore) FileMtimes(ctx context.Context, project string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT file_path, mtime FROM file_index WHERE (? = '' OR project = ?)`, project, project)
	if err != nil {
		return nil, fmt.Errorf("list file mtimes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make(map[string]int64)
	for rows.Next() {
		var path string
		var mtime int64
		if err := rows.Scan(&path, &mtime); err != nil {
			return nil, fmt.Errorf("scan file mtime: %w", err)
		}
		result[path] = mtime
	}
	return result, rows.Err()
}

// UpsertSessionMetadata writes the metadata row and its file_index row in one
// transaction. Concurrent writers resolve as last-writer-wins.
func (s *SQLiteStore) UpsertSessionMetadata(ctx context.Context, meta *models.SessionMetadata, idx *models.FileIndex) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO session_metadata (file_path, session_id, custom_title, summary, first_prompt, git_branch, project, cwd, mtime, first_timestamp, is_subagent, all_user_text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_path) DO UPDATE SET
			session_id = excluded.session_id,
			custom_title = excluded.custom_title,
			summary = excluded.summary,
			first_prompt = excluded.first_prompt,
			git_branch = excluded.git_branch,
			project = excluded.project,
			cwd = excluded.cwd,
			mtime = excluded.mtime,
			first_timestamp = excluded.first_timestamp,
			is_subagent = excluded.is_subagent,
			all_user_text = excluded.all_user_text`,
		meta.FilePath, meta.SessionID, meta.CustomTitle, meta.Summary, meta.FirstPrompt, meta.GitBranch,
		meta.Project, meta.Cwd, meta.Mtime, meta.FirstTimestamp, boolToInt(meta.IsSubagent), meta.AllUserText,
	)
	if err != nil {
		return fmt.Errorf("upsert session metadata: %w", err)
	}

	if idx.LastIndexed.IsZero() {
		idx.LastIndexed = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO file_index (file_path, mtime, message_count, first_date, last_date, project, is_subagent, last_indexed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_path) DO UPDATE SET
			mtime = excluded.mtime,
			message_count = excluded.message_count,
			first_date = excluded.first_date,
			last_date = excluded.last_date,
			project = excluded.project,
			is_subagent = excluded.is_subagent,
			last_indexed = excluded.last_indexed`,
		idx.FilePath, idx.Mtime, idx.MessageCount, idx.FirstDate, idx.LastDate, idx.Project,
		boolToInt(idx.IsSubagent), idx.LastIndexed,
	)
	if err != nil {
		return fmt.Errorf("upsert file index: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) DeleteSessionMetadata(ctx context.Context, filePath string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM session_metadata WHERE file_path = ?", filePath); err != nil {
		return fmt.Errorf("delete session metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM file_index WHERE file_path = ?", filePath); err != nil {
		return fmt.Errorf("delete file index: %w", err)
	}
	return tx.Commit()
}

const metadataColumns = `m.file_path, m.session_id, m.custom_title, m.summary, m.first_prompt, m.git_branch,
	m.project, m.cwd, m.mtime, m.first_timestamp, m.is_subagent, m.all_user_text,
	COALESCE(g.title, ''), COALESCE(f.message_count, 0)`

const metadataFrom = `FROM session_metadata m
	LEFT JOIN generated_titles g ON g.session_id = m.session_id AND m.is_subagent = 0
	LEFT JOIN file_index f ON f.file_path = m.file_path`

func scanMetadata(rows interface{ Scan(...any) error }) (*models.SessionMetadata, error) {
	m := &models.SessionMetadata{}
	err := rows.Scan(&m.FilePath, &m.SessionID, &m.CustomTitle, &m.Summary, &m.FirstPrompt, &m.GitBranch,
		&m.Project, &m.Cwd, &m.Mtime, &m.FirstTimestamp, &m.IsSubagent, &m.AllUserText,
		&m.GeneratedTitle, &m.MessageCount)
	return m, err
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// metadataMatches reports whether any searchable field contains needle,
// which must already be lower-cased. SQLite LIKE only folds ASCII, so text
// search runs here.
func metadataMatches(m *models.SessionMetadata, needle string) bool {
	for _, field := range []string{m.CustomTitle, m.Summary, m.FirstPrompt, m.AllUserText, m.GeneratedTitle} {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

func (s *SQLiteStore) ListSessionMetadata(ctx context.Context, filter MetadataFilter) ([]*models.SessionMetadata, error) {
	query := "SELECT " + metadataColumns + " " + metadataFrom + " WHERE 1=1"
	var args []any

	if filter.Project != "" {
		query += " AND m.project = ?"
		args = append(args, filter.Project)
	}
	if !filter.IncludeSubagents {
		query += " AND m.is_subagent = 0"
	}
	needle := strings.ToLower(filter.Query)
	query += " ORDER BY m.mtime DESC, m.file_path"
	if filter.Limit > 0 && needle == "" {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list session metadata: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*models.SessionMetadata
	for rows.Next() {
		m, err := scanMetadata(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session metadata: %w", err)
		}
		if needle != "" && !metadataMatches(m, needle) {
			continue
		}
		result = append(result, m)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, rows.Err()
}

// CountSessionMetadata returns the number of top-level sessions and of
// subagent logs, optionally restricted to one project.
func (s *SQLiteStore) CountSessionMetadata(ctx context.Context, project string) (int, int, error) {
	var sessions, subagents int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(CASE WHEN is_subagent = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN is_subagent = 1 THEN 1 ELSE 0 END), 0)
		FROM session_metadata WHERE (? = '' OR project = ?)`, project, project,
	).Scan(&sessions, &subagents)
	if err != nil {
		return 0, 0, fmt.Errorf("count session metadata: %w", err)
	}
	return sessions, subagents, nil
}

func (s *SQLiteStore) CountProjects(ctx context.Context, project string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT project) FROM session_metadata WHERE (? = '' OR project = ?)`, project, project,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count projects: %w", err)
	}
	return n, nil
}

// GetSessionMetadata resolves a session id or a unique id prefix to its
// top-level metadata row.
func (s *SQLiteStore) GetSessionMetadata(ctx context.Context, sessionID string) (*models.SessionMetadata, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is empty: %w", ErrNotFound)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+metadataColumns+" "+metadataFrom+
			` WHERE m.is_subagent = 0 AND (m.session_id = ? OR m.session_id LIKE ? ESCAPE '\')
			ORDER BY (m.session_id = ?) DESC, m.mtime DESC`,
		sessionID, likeEscaper.Replace(sessionID)+"%", sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session metadata: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var matches []*models.SessionMetadata
	ids := make(map[string]bool)
	for rows.Next() {
		m, err := scanMetadata(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session metadata: %w", err)
		}
		if m.SessionID == sessionID {
			return m, nil
		}
		matches = append(matches, m)
		ids[m.SessionID] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch {
	case len(matches) == 0:
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	case len(ids) > 1:
		return nil, fmt.Errorf("session id prefix %q is ambiguous (%d matches)", sessionID, len(ids))
	default:
		return matches[0], nil
	}
}

// RebuildDailyStats recomputes daily_stats from file_index.
func (s *SQLiteStore) RebuildDailyStats(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin daily stats: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM daily_stats"); err != nil {
		return fmt.Errorf("clear daily stats: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO daily_stats (date, project, session_count, message_count)
		SELECT substr(first_date, 1, 10), project, COUNT(*), SUM(message_count)
		FROM file_index
		WHERE is_subagent = 0 AND first_date != ''
		GROUP BY substr(first_date, 1, 10), project`)
	if err != nil {
		return fmt.Errorf("aggregate daily stats: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListDailyStats(ctx context.Context, project string) ([]*models.DailyStat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date, project, session_count, message_count FROM daily_stats
		WHERE (? = '' OR project = ?) ORDER BY date DESC, project`, project, project)
	if err != nil {
		return nil, fmt.Errorf("list daily stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var stats []*models.DailyStat
	for rows.Next() {
		d := &models.DailyStat{}
		if err := rows.Scan(&d.Date, &d.Project, &d.SessionCount, &d.MessageCount); err != nil {
			return nil, fmt.Errorf("scan daily stat: %w", err)
		}
		stats = append(stats, d)
	}
	return stats, rows.Err()
}

func (s *SQLiteStore) SetGeneratedTitle(ctx context.Context, sessionID, title, model string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO generated_titles (session_id, title, model, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET title = excluded.title, model = excluded.model, created_at = excluded.created_at`,
		sessionID, title, model, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set generated title: %w", err)
	}
	return nil
}
