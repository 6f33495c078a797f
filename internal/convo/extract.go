package convo

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/joescharf/devkit/internal/models"
)

const (
	// MaxUserText caps SessionMetadata.AllUserText in bytes.
	MaxUserText = 64 * 1024
	// MaxFirstPrompt caps SessionMetadata.FirstPrompt in runes.
	MaxFirstPrompt = 500
)

// Extraction is the bounded metadata read from one conversation log.
type Extraction struct {
	Meta      models.SessionMetadata
	Index     models.FileIndex
	Malformed int
}

// ExtractFile reads a JSONL conversation log line by line. Lines that are
// not valid JSON are counted and skipped. The caller fills in Mtime.
func ExtractFile(lf LogFile) (*Extraction, error) {
	f, err := os.Open(lf.Path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	x, err := extract(f, lf)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", lf.Path, err)
	}
	return x, nil
}

func extract(r io.Reader, lf LogFile) (*Extraction, error) {
	x := &Extraction{}
	m := &x.Meta
	m.FilePath = lf.Path
	m.Project = lf.Project
	m.IsSubagent = lf.Subagent

	var userText strings.Builder
	var lastTimestamp string
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			if !processLine(x, &userText, &lastTimestamp, line) {
				x.Malformed++
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
	}

	if m.SessionID == "" {
		stem := strings.TrimSuffix(filepath.Base(lf.Path), filepath.Ext(lf.Path))
		if _, err := uuid.Parse(stem); err == nil {
			m.SessionID = stem
		}
	}
	m.AllUserText = userText.String()

	x.Index = models.FileIndex{
		FilePath:     m.FilePath,
		MessageCount: m.MessageCount,
		FirstDate:    m.FirstTimestamp,
		LastDate:     lastTimestamp,
		Project:      m.Project,
		IsSubagent:   m.IsSubagent,
	}
	return x, nil
}

// processLine folds one log record into x. It returns false for lines that
// are not JSON objects.
func processLine(x *Extraction, userText *strings.Builder, lastTimestamp *string, line []byte) bool {
	line = trimLine(line)
	if len(line) == 0 {
		return true
	}
	if !gjson.ValidBytes(line) {
		return false
	}
	rec := gjson.ParseBytes(line)
	if !rec.IsObject() {
		return false
	}

	m := &x.Meta
	setOnce(&m.SessionID, rec.Get("sessionId").String())
	setOnce(&m.GitBranch, rec.Get("gitBranch").String())
	setOnce(&m.Cwd, rec.Get("cwd").String())
	if ts := rec.Get("timestamp").String(); ts != "" {
		setOnce(&m.FirstTimestamp, ts)
		*lastTimestamp = ts
	}
	if rec.Get("isSidechain").Bool() {
		m.IsSubagent = true
	}

	switch rec.Get("type").String() {
	case "user":
		m.MessageCount++
		if rec.Get("isMeta").Bool() || rec.Get("isCompactSummary").Bool() {
			return true
		}
		text := userPrompt(rec.Get("message.content"))
		if text == "" {
			return true
		}
		if m.FirstPrompt == "" {
			m.FirstPrompt = truncateRunes(text, MaxFirstPrompt)
		}
		appendCapped(userText, text, MaxUserText)
	case "assistant":
		m.MessageCount++
	case "summary":
		if s := rec.Get("summary").String(); s != "" {
			m.Summary = s
		}
	case "custom-title":
		if s := rec.Get("customTitle").String(); s != "" {
			m.CustomTitle = s
		}
	}
	return true
}

// userPrompt returns the user-typed text of a message body, which is either
// a string or an array of content blocks. Tool results and system-injected
// blocks are ignored.
func userPrompt(content gjson.Result) string {
	if content.Type == gjson.String {
		return filterSystemTags(content.String())
	}
	var parts []string
	for _, block := range content.Array() {
		if block.Get("type").String() != "text" {
			continue
		}
		if text := filterSystemTags(block.Get("text").String()); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n")
}

func filterSystemTags(text string) string {
	text = strings.TrimSpace(text)
	for _, prefix := range []string{"<ide_", "<system-reminder>", "<command-", "<local-command-"} {
		if strings.HasPrefix(text, prefix) {
			return ""
		}
	}
	return text
}

func trimLine(line []byte) []byte {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}

func setOnce(dst *string, v string) {
	if *dst == "" && v != "" {
		*dst = v
	}
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// appendCapped appends text to b, separated by a newline, without letting
// b grow past limit bytes or splitting a rune.
func appendCapped(b *strings.Builder, text string, limit int) {
	if b.Len() > 0 {
		if b.Len()+1 > limit {
			return
		}
		b.WriteByte('\n')
	}
	room := limit - b.Len()
	if len(text) > room {
		cut := room
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	b.WriteString(text)
}
