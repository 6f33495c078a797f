package har

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/joescharf/devkit/internal/models"
)

// Search scopes.
const (
	ScopeURL     = "url"
	ScopeHeaders = "headers"
	ScopeBody    = "body"
	ScopeAll     = "all"
)

const snippetRadius = 40

// SearchHit is one entry matching a search query.
type SearchHit struct {
	Entry   models.IndexedEntry `json:"entry"`
	Fields  []string            `json:"fields"`
	Snippet string              `json:"snippet"`
}

// SearchEntries runs a case-insensitive substring search over the given
// entries of an archive. limit <= 0 returns every hit.
func SearchEntries(a *Archive, entries []models.IndexedEntry, query, scope string, limit int) ([]SearchHit, error) {
	if scope == "" {
		scope = ScopeAll
	}
	switch scope {
	case ScopeURL, ScopeHeaders, ScopeBody, ScopeAll:
	default:
		return nil, fmt.Errorf("unknown search scope %q (use: url, headers, body, all)", scope)
	}
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("search query is empty")
	}
	// Offsets come from the original text; lowercasing can change byte lengths.
	needle := regexp.MustCompile("(?i)" + regexp.QuoteMeta(query))

	var hits []SearchHit
	for _, ie := range entries {
		if ie.Index < 0 || ie.Index >= len(a.Entries) {
			continue
		}
		e := a.Entries[ie.Index]

		var fields []string
		var snippet string
		check := func(field, text string) {
			loc := needle.FindStringIndex(text)
			if loc == nil {
				return
			}
			fields = append(fields, field)
			if snippet == "" {
				snippet = makeSnippet(text, loc[0], loc[1]-loc[0])
			}
		}

		if scope == ScopeURL || scope == ScopeAll {
			check("url", e.Request.URL)
		}
		if scope == ScopeHeaders || scope == ScopeAll {
			check("request.headers", formatHeaders(e.Request.Headers))
			check("response.headers", formatHeaders(e.Response.Headers))
		}
		if scope == ScopeBody || scope == ScopeAll {
			if e.Request.PostData != nil {
				check("request.body", e.Request.PostData.Text)
			}
			check("response.body", formatBody(e.Response.Content.Text, e.Response.Content.Encoding, e.Response.Content.MimeType, true))
		}

		if len(fields) > 0 {
			hits = append(hits, SearchHit{Entry: ie, Fields: fields, Snippet: snippet})
			if limit > 0 && len(hits) >= limit {
				break
			}
		}
	}
	return hits, nil
}

func makeSnippet(text string, pos, n int) string {
	start := max(pos-snippetRadius, 0)
	end := min(pos+n+snippetRadius, len(text))
	// Avoid cutting through a multi-byte rune.
	for start > 0 && !isRuneStart(text[start]) {
		start--
	}
	for end < len(text) && !isRuneStart(text[end]) {
		end++
	}
	s := strings.Join(strings.Fields(text[start:end]), " ")
	if start > 0 {
		s = "…" + s
	}
	if end < len(text) {
		s += "…"
	}
	return s
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
