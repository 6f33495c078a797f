package har

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEntry struct {
	method   string
	url      string
	status   int
	mime     string
	size     int64
	timeMs   float64
	body     string
	redirect string
}

// buildHAR renders a minimal HAR 1.2 document.
func buildHAR(t *testing.T, entries ...testEntry) []byte {
	t.Helper()
	var list []map[string]any
	for i, e := range entries {
		list = append(list, map[string]any{
			"startedDateTime": "2026-01-02T10:00:0" + string(rune('0'+i%10)) + ".000Z",
			"time":            e.timeMs,
			"request": map[string]any{
				"method":      e.method,
				"url":         e.url,
				"httpVersion": "HTTP/1.1",
				"headers": []map[string]string{
					{"name": "Accept", "value": "*/*"},
					{"name": "Authorization", "value": "Bearer secret-token"},
				},
				"queryString": []map[string]string{},
				"cookies":     []map[string]string{{"name": "sid", "value": "abc123"}},
				"headersSize": -1,
				"bodySize":    0,
			},
			"response": map[string]any{
				"status":      e.status,
				"statusText":  "",
				"httpVersion": "HTTP/1.1",
				"headers":     []map[string]string{{"name": "Content-Type", "value": e.mime}},
				"cookies":     []map[string]string{},
				"content":     map[string]any{"size": e.size, "mimeType": e.mime, "text": e.body},
				"redirectURL": e.redirect,
				"headersSize": -1,
				"bodySize":    e.size,
			},
			"timings": map[string]any{"blocked": -1, "dns": -1, "connect": -1, "ssl": -1, "send": 1, "wait": e.timeMs - 2, "receive": 1},
		})
	}
	doc := map[string]any{"log": map[string]any{
		"version": "1.2",
		"creator": map[string]string{"name": "test", "version": "1"},
		"entries": list,
	}}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	return data
}

func writeHAR(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func sampleEntries() []testEntry {
	return []testEntry{
		{method: "GET", url: "https://api.example.com/users?id=1", status: 200, mime: "application/json; charset=utf-8", size: 120, timeMs: 45, body: `{"id":1,"name":"Ada"}`},
		{method: "POST", url: "https://api.example.com/login", status: 302, mime: "text/html", size: 0, timeMs: 80, redirect: "https://app.example.com/home"},
		{method: "GET", url: "https://cdn.example.com/app.js", status: 304, mime: "application/javascript", size: 0, timeMs: 12},
		{method: "get", url: "https://API.example.com/missing", status: 404, mime: "text/plain", size: 9, timeMs: 30, body: "not found"},
		{method: "DELETE", url: "https://api.example.com/users/1", status: 500, mime: "application/json", size: 40, timeMs: 1500, body: `{"error":"boom"}`},
	}
}

func TestParse(t *testing.T) {
	a, err := Parse(buildHAR(t, sampleEntries()...), zerolog.Nop())
	require.NoError(t, err)

	assert.Len(t, a.Entries, 5)
	assert.Len(t, a.Raw, 5)
	assert.Zero(t, a.Skipped)
	assert.Len(t, a.Hash, 64)
}

func TestParse_InvalidDocument(t *testing.T) {
	_, err := Parse([]byte(`not json`), zerolog.Nop())
	assert.ErrorIs(t, err, ErrInvalidHAR)

	_, err = Parse([]byte(`{"log":{}}`), zerolog.Nop())
	assert.ErrorIs(t, err, ErrInvalidHAR)

	a, err := Parse([]byte(`{"log":{"entries":[]}}`), zerolog.Nop())
	require.NoError(t, err)
	assert.Empty(t, a.Entries)
}

func TestParse_SkipsMalformedEntries(t *testing.T) {
	data := []byte(`{"log":{"entries":[
		{"request":{"method":"GET","url":"https://a.test/"},"response":{"status":200,"content":{}}},
		{"request":"broken","response":{}},
		{"request":{"method":"GET","url":"https://b.test/"},"response":{"status":404,"content":{}}}
	]}}`)
	a, err := Parse(data, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, 1, a.Skipped)
	entries := a.IndexedEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, 0, entries[0].Index)
	assert.Equal(t, 1, entries[1].Index)
	assert.Equal(t, "b.test", entries[1].Host)
}

func TestNormalize(t *testing.T) {
	a, err := Parse(buildHAR(t, sampleEntries()...), zerolog.Nop())
	require.NoError(t, err)
	entries := a.IndexedEntries()

	first := entries[0]
	assert.Equal(t, "e0", first.Ref())
	assert.Equal(t, "api.example.com", first.Host)
	assert.Equal(t, "/users", first.Path)
	assert.Equal(t, "application/json", first.MimeType)
	assert.Equal(t, int64(120), first.ResponseSize)
	assert.False(t, first.IsError)
	assert.False(t, first.IsRedirect)

	assert.True(t, entries[1].IsRedirect)
	assert.Equal(t, "https://app.example.com/home", entries[1].RedirectURL)
	assert.False(t, entries[2].IsRedirect, "304 is not a redirect")

	assert.Equal(t, "GET", entries[3].Method)
	assert.Equal(t, "api.example.com", entries[3].Host)
	assert.True(t, entries[3].IsError)
}

func TestComputeStats(t *testing.T) {
	a, err := Parse(buildHAR(t, sampleEntries()...), zerolog.Nop())
	require.NoError(t, err)
	st := ComputeStats(a.IndexedEntries())

	assert.Equal(t, 5, st.TotalEntries)
	assert.Equal(t, 2, st.ErrorCount)
	assert.Equal(t, 1, st.RedirectCount)
	assert.Equal(t, int64(169), st.TotalResponseBytes)
	assert.Equal(t, map[string]int{"2xx": 1, "3xx": 2, "4xx": 1, "5xx": 1}, st.StatusClasses)
	assert.Equal(t, 4, st.Hosts["api.example.com"])
	assert.Equal(t, 1, st.Hosts["cdn.example.com"])
	assert.Equal(t, "2026-01-02T10:00:00.000Z", st.FirstStarted)
	assert.Equal(t, "2026-01-02T10:00:04.000Z", st.LastStarted)
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", StatusClass(204))
	assert.Equal(t, "5xx", StatusClass(599))
	assert.Equal(t, "other", StatusClass(0))
	assert.Equal(t, "other", StatusClass(600))
}
