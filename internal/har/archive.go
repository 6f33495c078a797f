package har

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tidwall/sjson"

	"github.com/joescharf/devkit/internal/models"
)

// NameValue is a HAR header, query parameter or cookie.
type NameValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// PostData is a HAR request body.
type PostData struct {
	MimeType string      `json:"mimeType"`
	Text     string      `json:"text"`
	Params   []NameValue `json:"params,omitempty"`
}

// Request is the request half of a HAR entry.
type Request struct {
	Method      string      `json:"method"`
	URL         string      `json:"url"`
	HTTPVersion string      `json:"httpVersion"`
	Headers     []NameValue `json:"headers"`
	QueryString []NameValue `json:"queryString"`
	Cookies     []NameValue `json:"cookies"`
	PostData    *PostData   `json:"postData,omitempty"`
	HeadersSize int64       `json:"headersSize"`
	BodySize    int64       `json:"bodySize"`
}

// Content is a HAR response body.
type Content struct {
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
	Text     string `json:"text"`
	Encoding string `json:"encoding,omitempty"`
}

// Response is the response half of a HAR entry.
type Response struct {
	Status      int         `json:"status"`
	StatusText  string      `json:"statusText"`
	HTTPVersion string      `json:"httpVersion"`
	Headers     []NameValue `json:"headers"`
	Cookies     []NameValue `json:"cookies"`
	Content     Content     `json:"content"`
	RedirectURL string      `json:"redirectURL"`
	HeadersSize int64       `json:"headersSize"`
	BodySize    int64       `json:"bodySize"`
}

// Timings holds HAR phase durations in milliseconds; -1 means not applicable.
type Timings struct {
	Blocked float64 `json:"blocked"`
	DNS     float64 `json:"dns"`
	Connect float64 `json:"connect"`
	SSL     float64 `json:"ssl"`
	Send    float64 `json:"send"`
	Wait    float64 `json:"wait"`
	Receive float64 `json:"receive"`
}

// Entry is one HAR log entry.
type Entry struct {
	StartedDateTime string   `json:"startedDateTime"`
	Time            float64  `json:"time"`
	Request         Request  `json:"request"`
	Response        Response `json:"response"`
	Timings         Timings  `json:"timings"`
	ServerIPAddress string   `json:"serverIPAddress,omitempty"`
}

// Archive is a parsed HAR file. Entries[i] and Raw[i] describe the entry
// with index i; entries that failed to decode are dropped and counted in
// Skipped.
type Archive struct {
	Hash    string
	Data    []byte
	Entries []Entry
	Raw     []json.RawMessage
	Skipped int
}

type harDocument struct {
	Log *struct {
		Entries []json.RawMessage `json:"entries"`
	} `json:"log"`
}

// HashContent returns the hex sha256 of data.
func HashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Parse decodes a HAR document. A malformed entry is logged and skipped; a
// document without log.entries fails with ErrInvalidHAR.
func Parse(data []byte, log zerolog.Logger) (*Archive, error) {
	var doc harDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHAR, err)
	}
	if doc.Log == nil || doc.Log.Entries == nil {
		return nil, fmt.Errorf("%w: missing log.entries", ErrInvalidHAR)
	}

	a := &Archive{Hash: HashContent(data), Data: data}
	for pos, raw := range doc.Log.Entries {
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			log.Warn().Err(err).Int("position", pos).Msg("skipping malformed HAR entry")
			a.Skipped++
			continue
		}
		a.Entries = append(a.Entries, e)
		a.Raw = append(a.Raw, raw)
	}
	return a, nil
}

// EntriesRecord is the persisted form of an archive: the source document
// with an empty log.entries array, plus the raw entries in index order.
type EntriesRecord struct {
	Envelope json.RawMessage   `json:"envelope"`
	Entries  []json.RawMessage `json:"entries"`
}

// Record builds the persisted form of the archive.
func (a *Archive) Record() (*EntriesRecord, error) {
	envelope, err := sjson.SetRawBytes(a.Data, "log.entries", []byte("[]"))
	if err != nil {
		return nil, fmt.Errorf("build envelope: %w", err)
	}
	return &EntriesRecord{Envelope: envelope, Entries: a.Raw}, nil
}

// Archive rebuilds an archive from a stored record.
func (r *EntriesRecord) Archive(hash string) (*Archive, error) {
	a := &Archive{Hash: hash, Data: r.Envelope, Raw: r.Entries}
	a.Entries = make([]Entry, len(r.Entries))
	for i, raw := range r.Entries {
		if err := json.Unmarshal(raw, &a.Entries[i]); err != nil {
			return nil, fmt.Errorf("decode stored entry e%d: %w", i, err)
		}
	}
	return a, nil
}

// IndexedEntries normalizes every entry of the archive.
func (a *Archive) IndexedEntries() []models.IndexedEntry {
	out := make([]models.IndexedEntry, len(a.Entries))
	for i, e := range a.Entries {
		out[i] = Normalize(i, e)
	}
	return out
}

// Normalize converts a HAR entry into its indexed form.
func Normalize(index int, e Entry) models.IndexedEntry {
	ie := models.IndexedEntry{
		Index:           index,
		Method:          strings.ToUpper(e.Request.Method),
		URL:             e.Request.URL,
		Status:          e.Response.Status,
		StatusText:      e.Response.StatusText,
		MimeType:        normalizeMime(e.Response.Content.MimeType),
		ResponseSize:    responseSize(e.Response),
		RequestSize:     requestSize(e.Request),
		TimeMs:          e.Time,
		StartedDateTime: e.StartedDateTime,
		IsError:         e.Response.Status >= 400,
		RedirectURL:     e.Response.RedirectURL,
	}
	if u, err := url.Parse(e.Request.URL); err == nil {
		ie.Host = strings.ToLower(u.Hostname())
		ie.Path = u.Path
	}
	isRedirectStatus := e.Response.Status >= 300 && e.Response.Status < 400 && e.Response.Status != 304
	ie.IsRedirect = isRedirectStatus || e.Response.RedirectURL != ""
	return ie
}

func normalizeMime(mt string) string {
	mt, _, _ = strings.Cut(mt, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}

func responseSize(r Response) int64 {
	switch {
	case r.Content.Size > 0:
		return r.Content.Size
	case r.BodySize > 0:
		return r.BodySize
	default:
		return 0
	}
}

func requestSize(r Request) int64 {
	if r.BodySize > 0 {
		return r.BodySize
	}
	if r.PostData != nil {
		return int64(len(r.PostData.Text))
	}
	return 0
}

// StatusClass returns "2xx" style class names; anything outside 100-599
// is "other".
func StatusClass(status int) string {
	if status < 100 || status > 599 {
		return "other"
	}
	return fmt.Sprintf("%dxx", status/100)
}

// ComputeStats summarizes a list of entries.
func ComputeStats(entries []models.IndexedEntry) models.SessionStats {
	st := models.SessionStats{
		TotalEntries:  len(entries),
		StatusClasses: make(map[string]int),
		Hosts:         make(map[string]int),
		MimeTypes:     make(map[string]int),
	}

	var started []string
	for _, e := range entries {
		if e.IsError {
			st.ErrorCount++
		}
		if e.IsRedirect {
			st.RedirectCount++
		}
		st.TotalResponseBytes += e.ResponseSize
		st.TotalTimeMs += e.TimeMs
		st.StatusClasses[StatusClass(e.Status)]++
		if e.Host != "" {
			st.Hosts[e.Host]++
		}
		if e.MimeType != "" {
			st.MimeTypes[e.MimeType]++
		}
		if e.StartedDateTime != "" {
			started = append(started, e.StartedDateTime)
		}
	}

	// ISO-8601 timestamps with a common offset sort lexically.
	if len(started) > 0 {
		sort.Strings(started)
		st.FirstStarted = started[0]
		st.LastStarted = started[len(started)-1]
	}
	return st
}
