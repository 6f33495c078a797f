package har

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/joescharf/devkit/internal/models"
)

// DefaultSessionTTL is how long a loaded session is kept before the expiry
// sweep removes it, measured from CreatedAt.
const DefaultSessionTTL = 24 * time.Hour

// minHashPrefix is the shortest hash prefix RequireSession resolves.
const minHashPrefix = 4

// ReferenceCleaner removes the stored references of a session.
type ReferenceCleaner interface {
	DeleteReferences(ctx context.Context, sourceHash string) (int64, error)
}

// SessionInfo is the listing view of a stored session.
type SessionInfo struct {
	Hash       string    `json:"hash"`
	ShortHash  string    `json:"shortHash"`
	SourceFile string    `json:"sourceFile"`
	Entries    int       `json:"entries"`
	Errors     int       `json:"errors"`
	CreatedAt  time.Time `json:"createdAt"`
	Current    bool      `json:"current"`
	Expired    bool      `json:"expired"`
}

// Manager loads HAR files into sessions and tracks the last used one.
type Manager struct {
	backend SessionBackend
	refs    ReferenceCleaner
	log     zerolog.Logger

	TTL time.Duration
	now func() time.Time
}

// NewManager creates a session manager. refs may be nil when references are
// not persisted.
func NewManager(backend SessionBackend, refs ReferenceCleaner, log zerolog.Logger) *Manager {
	return &Manager{
		backend: backend,
		refs:    refs,
		log:     log,
		TTL:     DefaultSessionTTL,
		now:     time.Now,
	}
}

// CreateSession loads a HAR file. When a session with the same content hash
// exists it is reused without re-parsing and reused is true. Either way the
// session becomes the last used one.
func (m *Manager) CreateSession(ctx context.Context, path string) (sess *models.Session, reused bool, err error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, false, fmt.Errorf("resolve path: %w", err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}
	hash := HashContent(data)

	existing, err := m.backend.Get(ctx, hash)
	switch {
	case err == nil:
		if existing.SourceFile != absPath {
			existing.SourceFile = absPath
			if err := m.backend.Save(ctx, existing); err != nil {
				m.log.Warn().Err(err).Str("hash", hash).Msg("failed to update session source path")
			}
		}
		if err := m.backend.SetPointer(ctx, hash); err != nil {
			return nil, false, fmt.Errorf("set current session: %w", err)
		}
		return existing, true, nil
	case !errors.Is(err, ErrSessionNotFound):
		m.log.Warn().Err(err).Str("hash", hash).Msg("cached session unreadable, re-parsing")
	}

	archive, err := Parse(data, m.log)
	if err != nil {
		return nil, false, fmt.Errorf("parse %s: %w", path, err)
	}

	entries := archive.IndexedEntries()
	stats := ComputeStats(entries)
	stats.SkippedEntries = archive.Skipped

	sess = &models.Session{
		SourceFile: absPath,
		SourceHash: hash,
		Entries:    entries,
		Stats:      stats,
		CreatedAt:  m.now().UTC(),
	}
	rec, err := archive.Record()
	if err != nil {
		return nil, false, err
	}
	if err := m.backend.SaveEntries(ctx, hash, rec); err != nil {
		return nil, false, fmt.Errorf("save session entries: %w", err)
	}
	if err := m.backend.Save(ctx, sess); err != nil {
		return nil, false, fmt.Errorf("save session: %w", err)
	}
	if err := m.backend.SetPointer(ctx, hash); err != nil {
		return nil, false, fmt.Errorf("set current session: %w", err)
	}
	return sess, false, nil
}

// LoadSession returns the last used session, or nil when there is none.
func (m *Manager) LoadSession(ctx context.Context) (*models.Session, error) {
	hash, err := m.backend.Pointer(ctx)
	if err != nil {
		return nil, err
	}
	if hash == "" {
		return nil, nil
	}
	sess, err := m.backend.Get(ctx, hash)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// RequireSession returns the session named by hash (full hash or a unique
// prefix), or the last used session when hash is empty. It fails with
// ErrNoSession when nothing matches.
func (m *Manager) RequireSession(ctx context.Context, hash string) (*models.Session, error) {
	if hash == "" {
		sess, err := m.LoadSession(ctx)
		if err != nil {
			return nil, err
		}
		if sess == nil {
			return nil, ErrNoSession
		}
		return sess, nil
	}

	sess, err := m.backend.Get(ctx, hash)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}

	if len(hash) >= minHashPrefix {
		all, err := m.backend.List(ctx)
		if err != nil {
			return nil, err
		}
		var matches []*models.Session
		for _, s := range all {
			if strings.HasPrefix(s.SourceHash, hash) {
				matches = append(matches, s)
			}
		}
		if len(matches) == 1 {
			return matches[0], nil
		}
		if len(matches) > 1 {
			return nil, fmt.Errorf("session prefix %q is ambiguous (%d matches)", hash, len(matches))
		}
	}
	return nil, fmt.Errorf("session %s not found: %w", hash, ErrNoSession)
}

// Use makes the session with the given hash the last used one.
func (m *Manager) Use(ctx context.Context, hash string) (*models.Session, error) {
	sess, err := m.RequireSession(ctx, hash)
	if err != nil {
		return nil, err
	}
	if err := m.backend.SetPointer(ctx, sess.SourceHash); err != nil {
		return nil, fmt.Errorf("set current session: %w", err)
	}
	return sess, nil
}

// ListSessions returns all stored sessions, newest first.
func (m *Manager) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	all, err := m.backend.List(ctx)
	if err != nil {
		return nil, err
	}
	current, err := m.backend.Pointer(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("failed to read current session pointer")
	}

	infos := make([]SessionInfo, 0, len(all))
	for _, s := range all {
		infos = append(infos, SessionInfo{
			Hash:       s.SourceHash,
			ShortHash:  s.ShortHash(),
			SourceFile: s.SourceFile,
			Entries:    len(s.Entries),
			Errors:     s.Stats.ErrorCount,
			CreatedAt:  s.CreatedAt,
			Current:    s.SourceHash == current,
			Expired:    m.expired(s),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.After(infos[j].CreatedAt)
	})
	return infos, nil
}

func (m *Manager) expired(s *models.Session) bool {
	return m.TTL > 0 && m.now().Sub(s.CreatedAt) > m.TTL
}

// CleanExpiredSessions deletes sessions older than TTL and their
// references. Individual failures are logged and skipped; the count of
// removed sessions is returned.
func (m *Manager) CleanExpiredSessions(ctx context.Context) (int, error) {
	return m.clean(ctx, m.expired)
}

// CleanAllSessions deletes every stored session and clears the pointer.
func (m *Manager) CleanAllSessions(ctx context.Context) (int, error) {
	n, err := m.clean(ctx, func(*models.Session) bool { return true })
	if err != nil {
		return n, err
	}
	if err := m.backend.SetPointer(ctx, ""); err != nil {
		m.log.Warn().Err(err).Msg("failed to clear session pointer")
	}
	return n, nil
}

func (m *Manager) clean(ctx context.Context, match func(*models.Session) bool) (int, error) {
	all, err := m.backend.List(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, s := range all {
		if !match(s) {
			continue
		}
		if err := m.backend.Delete(ctx, s.SourceHash); err != nil {
			m.log.Warn().Err(err).Str("hash", s.ShortHash()).Msg("failed to delete session")
			continue
		}
		removed++
		if m.refs != nil {
			if _, err := m.refs.DeleteReferences(ctx, s.SourceHash); err != nil {
				m.log.Warn().Err(err).Str("hash", s.ShortHash()).Msg("failed to delete session references")
			}
		}
	}
	return removed, nil
}

// OpenArchive returns the full request and response data of a session from
// its stored entries. Sessions saved without entries fall back to re-reading
// the source file, which fails with ErrSourceChanged when the content no
// longer matches.
func (m *Manager) OpenArchive(ctx context.Context, sess *models.Session) (*Archive, error) {
	rec, err := m.backend.Entries(ctx, sess.SourceHash)
	switch {
	case err == nil:
		return rec.Archive(sess.SourceHash)
	case !errors.Is(err, ErrSessionNotFound):
		m.log.Warn().Err(err).Str("hash", sess.ShortHash()).Msg("stored entries unreadable, reading source file")
	}

	data, err := os.ReadFile(sess.SourceFile)
	if err != nil {
		return nil, fmt.Errorf("read source file: %w", err)
	}
	if HashContent(data) != sess.SourceHash {
		return nil, fmt.Errorf("%s: %w", sess.SourceFile, ErrSourceChanged)
	}
	return Parse(data, m.log)
}
