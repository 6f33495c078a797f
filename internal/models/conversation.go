package models

import "time"

// SessionMetadata is the cached summary of one conversation log file.
// Mtime holds the file's modification time (unix nanoseconds) at the last
// successful extraction.
type SessionMetadata struct {
	FilePath       string `json:"filePath"`
	SessionID      string `json:"sessionId"`
	CustomTitle    string `json:"customTitle,omitempty"`
	Summary        string `json:"summary,omitempty"`
	FirstPrompt    string `json:"firstPrompt,omitempty"`
	GitBranch      string `json:"gitBranch,omitempty"`
	Project        string `json:"project"`
	Cwd            string `json:"cwd,omitempty"`
	Mtime          int64  `json:"mtime"`
	FirstTimestamp string `json:"firstTimestamp,omitempty"`
	IsSubagent     bool   `json:"isSubagent"`
	AllUserText    string `json:"-"`
	GeneratedTitle string `json:"generatedTitle,omitempty"`
	MessageCount   int    `json:"messageCount"`
}

// ModifiedAt returns Mtime as a time.Time.
func (m *SessionMetadata) ModifiedAt() time.Time {
	return time.Unix(0, m.Mtime)
}

// Title picks the best available display title.
func (m *SessionMetadata) Title() string {
	switch {
	case m.CustomTitle != "":
		return m.CustomTitle
	case m.Summary != "":
		return m.Summary
	case m.GeneratedTitle != "":
		return m.GeneratedTitle
	default:
		return m.FirstPrompt
	}
}

// FileIndex tracks per-file indexing state and counters.
type FileIndex struct {
	FilePath     string
	Mtime        int64
	MessageCount int
	FirstDate    string
	LastDate     string
	Project      string
	IsSubagent   bool
	LastIndexed  time.Time
}

// DailyStat aggregates conversation activity per day and project.
type DailyStat struct {
	Date         string `json:"date"`
	Project      string `json:"project"`
	SessionCount int    `json:"sessionCount"`
	MessageCount int    `json:"messageCount"`
}
