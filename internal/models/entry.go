package models

import "time"

// IndexedEntry is one captured HTTP transaction from a HAR file, normalized
// for filtering. Index is the entry's position in the source file and is the
// handle users pass around as "e<index>".
type IndexedEntry struct {
	Index           int     `json:"index"`
	Method          string  `json:"method"`
	URL             string  `json:"url"`
	Host            string  `json:"host"`
	Path            string  `json:"path"`
	Status          int     `json:"status"`
	StatusText      string  `json:"statusText"`
	MimeType        string  `json:"mimeType"`
	ResponseSize    int64   `json:"responseSize"`
	RequestSize     int64   `json:"requestSize"`
	TimeMs          float64 `json:"timeMs"`
	StartedDateTime string  `json:"startedDateTime"`
	IsError         bool    `json:"isError"`
	IsRedirect      bool    `json:"isRedirect"`
	RedirectURL     string  `json:"redirectURL,omitempty"`
}

// Ref returns the textual entry reference, e.g. "e14".
func (e IndexedEntry) Ref() string {
	return EntryRef(e.Index)
}

// SessionStats summarizes the entries of a loaded HAR file.
type SessionStats struct {
	TotalEntries       int            `json:"totalEntries"`
	ErrorCount         int            `json:"errorCount"`
	RedirectCount      int            `json:"redirectCount"`
	SkippedEntries     int            `json:"skippedEntries"`
	TotalResponseBytes int64          `json:"totalResponseBytes"`
	TotalTimeMs        float64        `json:"totalTimeMs"`
	StatusClasses      map[string]int `json:"statusClasses"`
	Hosts              map[string]int `json:"hosts"`
	MimeTypes          map[string]int `json:"mimeTypes"`
	FirstStarted       string         `json:"firstStarted,omitempty"`
	LastStarted        string         `json:"lastStarted,omitempty"`
}

// Session is the cached parse of one HAR file, identified by the sha256 of
// its content. A Session owns its Entries.
type Session struct {
	SourceFile string         `json:"sourceFile"`
	SourceHash string         `json:"sourceHash"`
	Entries    []IndexedEntry `json:"entries"`
	Stats      SessionStats   `json:"stats"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// ShortHash returns the first 12 characters of the content hash.
func (s *Session) ShortHash() string {
	if len(s.SourceHash) <= 12 {
		return s.SourceHash
	}
	return s.SourceHash[:12]
}
