package convo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/joescharf/devkit/internal/models"
)

// TitleGenerator produces a short display title for a conversation.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, firstPrompt, userText string) (string, error)
	Model() string
}

// ErrNothingToSummarize is returned for sessions without user text.
var ErrNothingToSummarize = errors.New("session has no user text to summarize")

const maxTitleLength = 80

// Summarize generates and stores a title for a session. An existing
// generated title is kept unless force is set.
func (ix *Indexer) Summarize(ctx context.Context, sessionID string, gen TitleGenerator, force bool) (*models.SessionMetadata, error) {
	meta, err := ix.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if meta.GeneratedTitle != "" && !force {
		return meta, nil
	}
	if meta.FirstPrompt == "" && meta.AllUserText == "" {
		return nil, fmt.Errorf("%s: %w", meta.SessionID, ErrNothingToSummarize)
	}

	title, err := gen.GenerateTitle(ctx, meta.FirstPrompt, meta.AllUserText)
	if err != nil {
		return nil, fmt.Errorf("generate title: %w", err)
	}
	title = cleanTitle(title)
	if title == "" {
		return nil, errors.New("generate title: empty response")
	}

	if err := ix.store.SetGeneratedTitle(ctx, meta.SessionID, title, gen.Model()); err != nil {
		return nil, err
	}
	meta.GeneratedTitle = title
	return meta, nil
}

// cleanTitle keeps the first line, drops wrapping quotes and caps length.
func cleanTitle(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.Trim(strings.TrimSpace(s), `"'`+"`")
	return truncateRunes(strings.TrimSpace(s), maxTitleLength)
}
