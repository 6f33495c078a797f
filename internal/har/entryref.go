package har

import (
	"strconv"
	"strings"

	"github.com/joescharf/devkit/internal/models"
)

// ParseEntryRef accepts "e14", "E14" or "14" and returns the index.
func ParseEntryRef(ref string) (int, bool) {
	s := strings.TrimSpace(ref)
	if len(s) > 0 && (s[0] == 'e' || s[0] == 'E') {
		s = s[1:]
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// LookupEntry resolves an entry reference within a session.
func LookupEntry(sess *models.Session, ref string) (models.IndexedEntry, error) {
	idx, ok := ParseEntryRef(ref)
	if !ok || idx >= len(sess.Entries) {
		return models.IndexedEntry{}, &EntryNotFoundError{Ref: ref, Count: len(sess.Entries)}
	}
	return sess.Entries[idx], nil
}
