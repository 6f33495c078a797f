// Package refstore deduplicates large text values across CLI invocations.
//
// The first time a value above the threshold is rendered under a context tag
// it is stored and printed in full. Later renders of the same tag print a
// short preview of the stored value plus a [ref:<tag>] pointer that Expand
// resolves. The first stored value for a tag is never replaced, so reference
// ids stay stable for the lifetime of a session.
package refstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/joescharf/devkit/internal/models"
	"github.com/joescharf/devkit/internal/store"
)

const (
	// DefaultThreshold is the length (in characters) below which values are
	// always printed verbatim.
	DefaultThreshold = 200

	previewLength = 120
)

// Backend is the persistence the formatter needs.
type Backend interface {
	GetReference(ctx context.Context, sourceHash, tag string) (*models.Reference, error)
	PutReference(ctx context.Context, ref *models.Reference) (bool, error)
}

// FormatOptions controls a single FormatValue call.
type FormatOptions struct {
	// Full prints the value verbatim and neither reads nor writes references.
	Full bool
}

// Formatter renders values for one session, identified by its source hash.
type Formatter struct {
	backend    Backend
	sourceHash string
	log        zerolog.Logger

	Threshold int
}

// NewFormatter creates a formatter scoped to sourceHash. A nil backend
// renders everything in full.
func NewFormatter(backend Backend, sourceHash string, log zerolog.Logger) *Formatter {
	return &Formatter{
		backend:    backend,
		sourceHash: sourceHash,
		log:        log,
		Threshold:  DefaultThreshold,
	}
}

// FormatValue renders raw under the context tag.
func (f *Formatter) FormatValue(ctx context.Context, raw, tag string, opts FormatOptions) string {
	n := utf8.RuneCountInString(raw)
	if n < f.Threshold || opts.Full || f.backend == nil {
		return raw
	}

	existing, err := f.backend.GetReference(ctx, f.sourceHash, tag)
	switch {
	case err == nil:
		return renderPreview(existing)
	case !errors.Is(err, store.ErrNotFound):
		f.log.Warn().Err(err).Str("tag", tag).Msg("reference lookup failed, rendering in full")
		return raw
	}

	created, err := f.backend.PutReference(ctx, &models.Reference{
		SourceHash: f.sourceHash,
		Tag:        tag,
		Value:      raw,
	})
	if err != nil {
		f.log.Warn().Err(err).Str("tag", tag).Msg("failed to store reference, rendering in full")
		return raw
	}
	if !created {
		// Another process stored this tag between lookup and insert.
		if existing, err := f.backend.GetReference(ctx, f.sourceHash, tag); err == nil {
			return renderPreview(existing)
		}
		return raw
	}
	return renderFirst(tag, raw, n)
}

// Expand returns the stored value for a reference id. Accepted forms are
// "tag", "ref:tag" and "[ref:tag]".
func (f *Formatter) Expand(ctx context.Context, refID string) (string, bool) {
	if f.backend == nil {
		return "", false
	}
	tag := NormalizeRefID(refID)
	if tag == "" {
		return "", false
	}
	ref, err := f.backend.GetReference(ctx, f.sourceHash, tag)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			f.log.Warn().Err(err).Str("tag", tag).Msg("reference lookup failed")
		}
		return "", false
	}
	return ref.Value, true
}

// NormalizeRefID strips the optional "[ref:...]" decoration from a
// reference id.
func NormalizeRefID(refID string) string {
	s := strings.TrimSpace(refID)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	s = strings.TrimPrefix(s, "ref:")
	return strings.TrimSpace(s)
}

func renderFirst(tag, raw string, n int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "── ref:%s (%d chars, first render) ──\n", tag, n)
	b.WriteString(raw)
	if !strings.HasSuffix(raw, "\n") {
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "── end ref:%s ──", tag)
	return b.String()
}

func renderPreview(ref *models.Reference) string {
	n := utf8.RuneCountInString(ref.Value)
	return fmt.Sprintf("%s… [ref:%s] (%d chars, expand with: devkit har expand %s)",
		Preview(ref.Value, previewLength), ref.Tag, n, ref.Tag)
}

// Preview collapses whitespace in s and truncates it to limit runes.
func Preview(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}
