package har

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/dustin/go-humanize"

	"github.com/joescharf/devkit/internal/models"
	"github.com/joescharf/devkit/internal/refstore"
)

// ValueFormatter renders large values, typically through the reference
// store.
type ValueFormatter interface {
	FormatValue(ctx context.Context, raw, tag string, opts refstore.FormatOptions) string
}

// Sections accepted by ShowOptions.Section.
var Sections = []string{"all", "summary", "request", "response", "headers", "body", "timings"}

// ShowOptions controls RenderEntry.
type ShowOptions struct {
	Raw     bool   // print bodies as captured, without JSON pretty-printing
	Full    bool   // bypass the reference store
	Section string // one of Sections; empty means "all"
}

// ValidSection reports whether s names a known section.
func ValidSection(s string) bool {
	if s == "" {
		return true
	}
	for _, v := range Sections {
		if s == v {
			return true
		}
	}
	return false
}

// RenderEntry writes a human-readable view of one entry.
func RenderEntry(ctx context.Context, w io.Writer, ie models.IndexedEntry, e Entry, f ValueFormatter, opts ShowOptions) error {
	section := opts.Section
	if section == "" {
		section = "all"
	}
	if !ValidSection(section) {
		return fmt.Errorf("unknown section %q (use: %s)", section, strings.Join(Sections, ", "))
	}
	fo := refstore.FormatOptions{Full: opts.Full}
	ref := ie.Ref()
	show := func(names ...string) bool {
		if section == "all" {
			return true
		}
		for _, n := range names {
			if n == section {
				return true
			}
		}
		return false
	}

	var b strings.Builder
	if show("summary") {
		fmt.Fprintf(&b, "%s  %s %s\n", ref, ie.Method, ie.URL)
		fmt.Fprintf(&b, "Status:  %d %s\n", ie.Status, ie.StatusText)
		if ie.MimeType != "" {
			fmt.Fprintf(&b, "Type:    %s\n", ie.MimeType)
		}
		fmt.Fprintf(&b, "Size:    %s response, %s request\n",
			humanize.Bytes(uint64(max(ie.ResponseSize, 0))), humanize.Bytes(uint64(max(ie.RequestSize, 0))))
		fmt.Fprintf(&b, "Time:    %.1f ms\n", ie.TimeMs)
		if ie.StartedDateTime != "" {
			fmt.Fprintf(&b, "Started: %s\n", ie.StartedDateTime)
		}
		if ie.RedirectURL != "" {
			fmt.Fprintf(&b, "Location: %s\n", ie.RedirectURL)
		}
		b.WriteString("\n")
	}

	if show("request", "headers") {
		b.WriteString("── Request headers ──\n")
		b.WriteString(f.FormatValue(ctx, formatHeaders(e.Request.Headers), ref+".rq.headers", fo))
		b.WriteString("\n")
		if len(e.Request.QueryString) > 0 && show("request") {
			b.WriteString("── Query ──\n")
			b.WriteString(formatHeaders(e.Request.QueryString))
			b.WriteString("\n")
		}
	}
	if show("request", "body") && e.Request.PostData != nil && e.Request.PostData.Text != "" {
		b.WriteString("── Request body ──\n")
		body := formatBody(e.Request.PostData.Text, "", e.Request.PostData.MimeType, opts.Raw)
		b.WriteString(f.FormatValue(ctx, body, ref+".rq.body", fo))
		b.WriteString("\n\n")
	}

	if show("response", "headers") {
		b.WriteString("── Response headers ──\n")
		b.WriteString(f.FormatValue(ctx, formatHeaders(e.Response.Headers), ref+".rs.headers", fo))
		b.WriteString("\n")
	}
	if show("response", "body") {
		c := e.Response.Content
		if c.Text != "" {
			b.WriteString("── Response body ──\n")
			body := formatBody(c.Text, c.Encoding, c.MimeType, opts.Raw)
			b.WriteString(f.FormatValue(ctx, body, ref+".rs.body", fo))
			b.WriteString("\n\n")
		} else if section == "body" {
			b.WriteString("(no response body captured)\n")
		}
	}

	if show("timings") {
		t := e.Timings
		b.WriteString("── Timings (ms) ──\n")
		for _, p := range []struct {
			name string
			v    float64
		}{
			{"blocked", t.Blocked}, {"dns", t.DNS}, {"connect", t.Connect}, {"ssl", t.SSL},
			{"send", t.Send}, {"wait", t.Wait}, {"receive", t.Receive},
		} {
			if p.v < 0 {
				continue
			}
			fmt.Fprintf(&b, "%-8s %8.1f\n", p.name, p.v)
		}
		fmt.Fprintf(&b, "%-8s %8.1f\n", "total", e.Time)
	}

	_, err := io.WriteString(w, strings.TrimRight(b.String(), "\n")+"\n")
	return err
}

func formatHeaders(headers []NameValue) string {
	var b strings.Builder
	for i, h := range headers {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s: %s", h.Name, h.Value)
	}
	return b.String()
}

// formatBody decodes base64 content and pretty-prints JSON unless raw is set.
func formatBody(text, encoding, mimeType string, raw bool) string {
	if strings.EqualFold(encoding, "base64") {
		decoded, err := base64.StdEncoding.DecodeString(text)
		if err != nil {
			return text
		}
		if !utf8.Valid(decoded) {
			return fmt.Sprintf("<binary %s, %s>", normalizeMime(mimeType), humanize.Bytes(uint64(len(decoded))))
		}
		text = string(decoded)
	}
	if raw {
		return text
	}
	trimmed := strings.TrimSpace(text)
	if (strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")) && json.Valid([]byte(trimmed)) {
		var buf bytes.Buffer
		if err := json.Indent(&buf, []byte(trimmed), "", "  "); err == nil {
			return buf.String()
		}
	}
	return text
}
