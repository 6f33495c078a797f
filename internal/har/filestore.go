package har

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/joescharf/devkit/internal/models"
)

// SessionBackend persists sessions and the "last used" pointer.
type SessionBackend interface {
	Save(ctx context.Context, sess *models.Session) error
	Get(ctx context.Context, hash string) (*models.Session, error)
	List(ctx context.Context) ([]*models.Session, error)
	Delete(ctx context.Context, hash string) error
	SaveEntries(ctx context.Context, hash string, rec *EntriesRecord) error
	Entries(ctx context.Context, hash string) (*EntriesRecord, error)
	Pointer(ctx context.Context) (string, error)
	SetPointer(ctx context.Context, hash string) error
}

const (
	pointerFile   = "last.json"
	entriesSuffix = ".entries.json"
)

type pointerRecord struct {
	LastSessionHash string `json:"lastSessionHash"`
}

// FileStore is a SessionBackend keeping one JSON file per session, named by
// content hash, a <hash>.entries.json file with its raw entries, plus a
// last.json pointer record.
type FileStore struct {
	Dir string
	log zerolog.Logger
}

// NewFileStore creates a file-backed session store rooted at dir.
func NewFileStore(dir string, log zerolog.Logger) *FileStore {
	return &FileStore{Dir: dir, log: log}
}

func (fs *FileStore) sessionPath(hash string) string {
	return filepath.Join(fs.Dir, hash+".json")
}

func (fs *FileStore) entriesPath(hash string) string {
	return filepath.Join(fs.Dir, hash+entriesSuffix)
}

// validHash rejects names that would escape the store or alias the pointer
// record.
func validHash(hash string) bool {
	return hash != "" && !strings.ContainsAny(hash, `/\.`) && hash+".json" != pointerFile
}

// writeFile replaces path atomically so concurrent readers never see a
// partially written record.
func (fs *FileStore) writeFile(path string, v any) error {
	if err := os.MkdirAll(fs.Dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(fs.Dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Save writes the session record.
func (fs *FileStore) Save(_ context.Context, sess *models.Session) error {
	if sess.SourceHash == "" {
		return errors.New("save session: empty source hash")
	}
	return fs.writeFile(fs.sessionPath(sess.SourceHash), sess)
}

// Get reads the session with the given hash.
func (fs *FileStore) Get(_ context.Context, hash string) (*models.Session, error) {
	if !validHash(hash) {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, hash)
	}
	return fs.read(fs.sessionPath(hash))
}

func (fs *FileStore) read(path string) (*models.Session, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, strings.TrimSuffix(filepath.Base(path), ".json"))
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	var sess models.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", filepath.Base(path), err)
	}
	return &sess, nil
}

// List reads every session record. Unreadable records are logged and
// skipped.
func (fs *FileStore) List(_ context.Context) ([]*models.Session, error) {
	entries, err := os.ReadDir(fs.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var sessions []*models.Session
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == pointerFile || strings.HasPrefix(name, ".") ||
			strings.HasSuffix(name, entriesSuffix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		sess, err := fs.read(filepath.Join(fs.Dir, name))
		if err != nil {
			fs.log.Warn().Err(err).Str("file", name).Msg("skipping unreadable session record")
			continue
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// Delete removes the session record and its stored entries.
func (fs *FileStore) Delete(_ context.Context, hash string) error {
	if !validHash(hash) {
		return fmt.Errorf("%w: %q", ErrSessionNotFound, hash)
	}
	err := os.Remove(fs.sessionPath(hash))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, hash)
	}
	if err != nil {
		return err
	}
	if err := os.Remove(fs.entriesPath(hash)); err != nil && !errors.Is(err, os.ErrNotExist) {
		fs.log.Warn().Err(err).Str("hash", hash).Msg("failed to remove stored entries")
	}
	return nil
}

// SaveEntries writes the raw entries of a session.
func (fs *FileStore) SaveEntries(_ context.Context, hash string, rec *EntriesRecord) error {
	if !validHash(hash) {
		return fmt.Errorf("save entries: invalid hash %q", hash)
	}
	return fs.writeFile(fs.entriesPath(hash), rec)
}

// Entries reads the raw entries of a session. Records written before entries
// were stored fail with ErrSessionNotFound.
func (fs *FileStore) Entries(_ context.Context, hash string) (*EntriesRecord, error) {
	if !validHash(hash) {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, hash)
	}
	data, err := os.ReadFile(fs.entriesPath(hash))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: entries of %s", ErrSessionNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("read entries: %w", err)
	}
	var rec EntriesRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode entries of %s: %w", hash, err)
	}
	return &rec, nil
}

// Pointer returns the last used session hash, or "" when unset.
func (fs *FileStore) Pointer(_ context.Context) (string, error) {
	data, err := os.ReadFile(filepath.Join(fs.Dir, pointerFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read session pointer: %w", err)
	}
	var p pointerRecord
	if err := json.Unmarshal(data, &p); err != nil {
		return "", fmt.Errorf("invalid session pointer: %w", err)
	}
	return p.LastSessionHash, nil
}

// SetPointer records hash as the last used session. An empty hash clears it.
func (fs *FileStore) SetPointer(_ context.Context, hash string) error {
	if hash == "" {
		err := os.Remove(filepath.Join(fs.Dir, pointerFile))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	return fs.writeFile(filepath.Join(fs.Dir, pointerFile), pointerRecord{LastSessionHash: hash})
}
