package har

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/joescharf/devkit/internal/models"
)

// Redacted replaces sensitive values in exported archives.
const Redacted = "[REDACTED]"

var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"cookie":              true,
	"set-cookie":          true,
	"x-api-key":           true,
	"x-auth-token":        true,
	"x-csrf-token":        true,
	"x-xsrf-token":        true,
}

var sensitiveParamWords = []string{"token", "key", "secret", "password", "passwd", "auth", "session", "signature", "sig", "code"}

// ExportOptions controls Export.
type ExportOptions struct {
	Redact      bool // mask credentials in headers, cookies and query strings
	StripBodies bool // drop request and response body text
	Indent      bool
}

// Export writes a new HAR document containing only the given entries. The
// rest of the source document (creator, pages, ...) is kept as is.
func Export(a *Archive, entries []models.IndexedEntry, opts ExportOptions) ([]byte, error) {
	var list bytes.Buffer
	list.WriteByte('[')
	n := 0
	for _, ie := range entries {
		if ie.Index < 0 || ie.Index >= len(a.Raw) {
			continue
		}
		raw := []byte(a.Raw[ie.Index])
		var err error
		if opts.Redact {
			if raw, err = redactEntry(raw); err != nil {
				return nil, fmt.Errorf("redact %s: %w", ie.Ref(), err)
			}
		}
		if opts.StripBodies {
			if raw, err = stripBodies(raw); err != nil {
				return nil, fmt.Errorf("strip %s: %w", ie.Ref(), err)
			}
		}
		if n > 0 {
			list.WriteByte(',')
		}
		list.Write(raw)
		n++
	}
	list.WriteByte(']')

	out, err := sjson.SetRawBytes(a.Data, "log.entries", list.Bytes())
	if err != nil {
		return nil, fmt.Errorf("rebuild log.entries: %w", err)
	}
	if opts.Indent {
		var buf bytes.Buffer
		if err := json.Indent(&buf, out, "", "  "); err != nil {
			return nil, err
		}
		buf.WriteByte('\n')
		return buf.Bytes(), nil
	}
	return out, nil
}

func isSensitiveHeader(name string) bool {
	return sensitiveHeaders[strings.ToLower(name)]
}

func isSensitiveParam(name string) bool {
	lower := strings.ToLower(name)
	for _, w := range sensitiveParamWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// redactEntry masks the values of sensitive headers, every cookie and
// sensitive query and form parameters, including those embedded in
// request.url and form-encoded request bodies.
func redactEntry(raw []byte) ([]byte, error) {
	var err error
	for _, path := range []string{"request.headers", "response.headers"} {
		if raw, err = maskArray(raw, path, isSensitiveHeader); err != nil {
			return nil, err
		}
	}
	all := func(string) bool { return true }
	for _, path := range []string{"request.cookies", "response.cookies"} {
		if raw, err = maskArray(raw, path, all); err != nil {
			return nil, err
		}
	}
	for _, path := range []string{"request.queryString", "request.postData.params"} {
		if raw, err = maskArray(raw, path, isSensitiveParam); err != nil {
			return nil, err
		}
	}

	mime := gjson.GetBytes(raw, "request.postData.mimeType").String()
	if strings.HasPrefix(strings.ToLower(mime), "application/x-www-form-urlencoded") {
		text := gjson.GetBytes(raw, "request.postData.text").String()
		if redacted, changed := redactForm(text); changed {
			if raw, err = sjson.SetBytes(raw, "request.postData.text", redacted); err != nil {
				return nil, err
			}
		}
	}

	rawURL := gjson.GetBytes(raw, "request.url").String()
	if redacted, changed := redactURL(rawURL); changed {
		if raw, err = sjson.SetBytes(raw, "request.url", redacted); err != nil {
			return nil, err
		}
	}
	return raw, nil
}

// maskArray sets .value to Redacted for every {name, value} element of the
// array at path whose name matches.
func maskArray(raw []byte, path string, match func(string) bool) ([]byte, error) {
	var targets []int
	for i, item := range gjson.GetBytes(raw, path).Array() {
		if match(item.Get("name").String()) {
			targets = append(targets, i)
		}
	}
	var err error
	for _, i := range targets {
		raw, err = sjson.SetBytes(raw, fmt.Sprintf("%s.%d.value", path, i), Redacted)
		if err != nil {
			return nil, err
		}
	}
	return raw, nil
}

func redactURL(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.RawQuery == "" {
		return rawURL, false
	}
	q, changed := redactForm(u.RawQuery)
	if !changed {
		return rawURL, false
	}
	u.RawQuery = q
	return u.String(), true
}

// redactForm masks sensitive parameters of a URL-encoded form or query
// string.
func redactForm(encoded string) (string, bool) {
	if encoded == "" {
		return encoded, false
	}
	// Malformed pairs are dropped; the rest is still masked.
	q, _ := url.ParseQuery(encoded)
	changed := false
	for name, values := range q {
		if isSensitiveParam(name) {
			for i := range values {
				values[i] = Redacted
			}
			changed = true
		}
	}
	if !changed {
		return encoded, false
	}
	return q.Encode(), true
}

func stripBodies(raw []byte) ([]byte, error) {
	var err error
	for _, path := range []string{"request.postData.text", "request.postData.params", "response.content.text", "response.content.encoding"} {
		if !gjson.GetBytes(raw, path).Exists() {
			continue
		}
		if raw, err = sjson.DeleteBytes(raw, path); err != nil {
			return nil, err
		}
	}
	return raw, nil
}
