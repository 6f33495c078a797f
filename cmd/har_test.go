package cmd

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/devkit/internal/har"
	"github.com/joescharf/devkit/internal/models"
)

var longBody = strings.Repeat("lorem ipsum ", 30)

// writeTestHAR writes a capture with a 200, a 404 and a 500 entry.
func writeTestHAR(t *testing.T, dir string) string {
	t.Helper()
	entry := func(url string, status int, mime, body string, ms float64) map[string]any {
		return map[string]any{
			"startedDateTime": "2026-03-01T10:00:00.000Z",
			"time":            ms,
			"request": map[string]any{
				"method":      "GET",
				"url":         url,
				"httpVersion": "HTTP/1.1",
				"headers": []map[string]string{
					{"name": "Authorization", "value": "Bearer secret-token"},
				},
				"queryString": []any{},
				"headersSize": -1,
				"bodySize":    0,
			},
			"response": map[string]any{
				"status":      status,
				"statusText":  "",
				"httpVersion": "HTTP/1.1",
				"headers":     []map[string]string{{"name": "Content-Type", "value": mime}},
				"content":     map[string]any{"size": len(body), "mimeType": mime, "text": body},
				"redirectURL": "",
				"headersSize": -1,
				"bodySize":    len(body),
			},
			"timings": map[string]any{"send": 1, "wait": ms - 2, "receive": 1},
		}
	}
	doc := map[string]any{
		"log": map[string]any{
			"version": "1.2",
			"creator": map[string]string{"name": "test", "version": "1"},
			"entries": []any{
				entry("https://api.example.com/users", 200, "application/json", `{"users":[]}`, 120),
				entry("https://api.example.com/missing", 404, "text/plain", longBody, 40),
				entry("https://cdn.example.com/boom", 500, "text/html", "<h1>boom</h1>", 1500),
			},
		},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)

	path := filepath.Join(dir, "capture.har")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestHar_NoSession(t *testing.T) {
	testEnv(t)
	captureOutput(t)

	err := harListRun(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, har.ErrNoSession)

	err = harShowRun(context.Background(), "e0")
	assert.ErrorIs(t, err, har.ErrNoSession)
}

func TestHar_LoadListShow(t *testing.T) {
	dir := testEnv(t)
	path := writeTestHAR(t, dir)
	ctx := context.Background()

	buf := captureOutput(t)
	require.NoError(t, harLoadRun(ctx, path))
	assert.Contains(t, buf.String(), "Loaded")
	assert.Contains(t, buf.String(), "3 entries")

	buf.Reset()
	harFilter.Status = "4xx"
	require.NoError(t, harListRun(ctx))
	out := buf.String()
	assert.Contains(t, out, "e1")
	assert.Contains(t, out, "/missing")
	assert.NotContains(t, out, "/users")
	assert.NotContains(t, out, "/boom")

	err := harShowRun(ctx, "e99")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "valid range e0-e2")

	buf.Reset()
	harFilter = har.EntryFilter{}
	require.NoError(t, harShowRun(ctx, "e0"))
	assert.Contains(t, buf.String(), "https://api.example.com/users")
	assert.Contains(t, buf.String(), `"users": []`)
}

func TestHar_LoadTwiceReusesSession(t *testing.T) {
	dir := testEnv(t)
	path := writeTestHAR(t, dir)
	ctx := context.Background()

	buf := captureOutput(t)
	require.NoError(t, harLoadRun(ctx, path))
	buf.Reset()
	require.NoError(t, harLoadRun(ctx, path))
	assert.Contains(t, buf.String(), "Reusing cached session")
}

func TestHar_ListJSON(t *testing.T) {
	dir := testEnv(t)
	path := writeTestHAR(t, dir)
	ctx := context.Background()

	buf := captureOutput(t)
	require.NoError(t, harLoadRun(ctx, path))

	buf.Reset()
	harJSON = true
	harFilter.Status = "!2xx"
	require.NoError(t, harListRun(ctx))

	var entries []models.IndexedEntry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, 404, entries[0].Status)
	assert.Equal(t, 500, entries[1].Status)
}

func TestHar_ShowStoresReferenceThenExpand(t *testing.T) {
	dir := testEnv(t)
	path := writeTestHAR(t, dir)
	ctx := context.Background()

	buf := captureOutput(t)
	require.NoError(t, harLoadRun(ctx, path))

	harSection = "body"
	buf.Reset()
	require.NoError(t, harShowRun(ctx, "e1"))
	assert.Contains(t, buf.String(), "first render")
	assert.Contains(t, buf.String(), longBody)

	buf.Reset()
	require.NoError(t, harShowRun(ctx, "e1"))
	assert.Contains(t, buf.String(), "[ref:e1.rs.body]")
	assert.NotContains(t, buf.String(), longBody)

	buf.Reset()
	require.NoError(t, harExpandRun(ctx, "[ref:e1.rs.body]"))
	assert.Contains(t, buf.String(), longBody)

	buf.Reset()
	harFull = true
	require.NoError(t, harShowRun(ctx, "e1"))
	assert.Contains(t, buf.String(), longBody)
	assert.NotContains(t, buf.String(), "[ref:")
}

func TestHar_ExpandUnknownRef(t *testing.T) {
	dir := testEnv(t)
	path := writeTestHAR(t, dir)
	ctx := context.Background()

	captureOutput(t)
	require.NoError(t, harLoadRun(ctx, path))

	err := harExpandRun(ctx, "e0.rs.body")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestHar_ShowUnknownSection(t *testing.T) {
	testEnv(t)
	harSection = "cookies"

	err := harShowRun(context.Background(), "e0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown section")
}

func TestHar_Search(t *testing.T) {
	dir := testEnv(t)
	path := writeTestHAR(t, dir)
	ctx := context.Background()

	buf := captureOutput(t)
	require.NoError(t, harLoadRun(ctx, path))

	buf.Reset()
	require.NoError(t, harSearchRun(ctx, "BOOM"))
	assert.Contains(t, buf.String(), "e2")
	assert.NotContains(t, buf.String(), "e0 ")

	harScope = "cookies"
	assert.Error(t, harSearchRun(ctx, "boom"))
}

func TestHar_ExportSanitized(t *testing.T) {
	dir := testEnv(t)
	path := writeTestHAR(t, dir)
	ctx := context.Background()

	captureOutput(t)
	require.NoError(t, harLoadRun(ctx, path))

	outPath := filepath.Join(dir, "out.har")
	harOutput = outPath
	harSanitize = true
	harFilter.Status = "5xx"
	t.Cleanup(func() { harOutput, harSanitize = "", false })

	require.NoError(t, harExportRun(ctx))

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "/boom")
	assert.NotContains(t, string(data), "/users")
	assert.NotContains(t, string(data), "secret-token")
	assert.Contains(t, string(data), har.Redacted)
}

func TestHar_SessionsUseAndClean(t *testing.T) {
	dir := testEnv(t)
	path := writeTestHAR(t, dir)
	ctx := context.Background()

	buf := captureOutput(t)
	require.NoError(t, harLoadRun(ctx, path))

	sess, err := getManager().LoadSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, sess)

	buf.Reset()
	require.NoError(t, harSessionsRun(ctx))
	assert.Contains(t, buf.String(), sess.ShortHash())

	buf.Reset()
	require.NoError(t, harUseRun(ctx, sess.SourceHash[:8]))
	assert.Contains(t, buf.String(), "Current session")

	harClean, harCleanAll = true, true
	dryRun = true
	ui.DryRun = true
	buf.Reset()
	require.NoError(t, harSessionsRun(ctx))
	assert.Contains(t, buf.String(), "Would delete session")

	dryRun = false
	ui.DryRun = false
	buf.Reset()
	require.NoError(t, harSessionsRun(ctx))
	assert.Contains(t, buf.String(), "Deleted 1 session")

	assert.ErrorIs(t, harListRun(ctx), har.ErrNoSession)
}

func TestHar_Stats(t *testing.T) {
	dir := testEnv(t)
	path := writeTestHAR(t, dir)
	ctx := context.Background()

	buf := captureOutput(t)
	require.NoError(t, harLoadRun(ctx, path))

	buf.Reset()
	require.NoError(t, harStatsRun(ctx))
	out := buf.String()
	assert.Contains(t, out, "Entries:    3 (2 errors")
	assert.Contains(t, out, "api.example.com")
	assert.Contains(t, out, "5xx")
}

func TestHar_ShowAfterSourceRemoved(t *testing.T) {
	dir := testEnv(t)
	path := writeTestHAR(t, dir)
	ctx := context.Background()

	buf := captureOutput(t)
	require.NoError(t, harLoadRun(ctx, path))
	require.NoError(t, os.Remove(path))

	buf.Reset()
	require.NoError(t, harShowRun(ctx, "e2"))
	assert.Contains(t, buf.String(), "<h1>boom</h1>")

	buf.Reset()
	require.NoError(t, harSearchRun(ctx, "boom"))
	assert.Contains(t, buf.String(), "e2")
}
