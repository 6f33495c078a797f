package convo

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestEncodeProject(t *testing.T) {
	assert.Equal(t, "-home-ada-my-app", EncodeProject("/home/ada/my.app"))
	assert.Equal(t, "-home-ada-my-app", EncodeProject("/home/ada/my_app"))
	assert.Equal(t, "C--src-x", EncodeProject(`C:\src\x`))
	assert.Equal(t, "-home-ada-caf-", EncodeProject("/home/ada/café"))
	assert.Equal(t, "-home-ada-app", EncodeProject("-home-ada-app"), "directory names pass through")
	assert.Empty(t, EncodeProject(""))
}

func TestScanLogs(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "-a", "s1.jsonl"), "")
	touch(t, filepath.Join(root, "-a", "agent-123.jsonl"), "")
	touch(t, filepath.Join(root, "-a", "s1", "subagents", "x.jsonl"), "")
	touch(t, filepath.Join(root, "-a", "notes.txt"), "")
	touch(t, filepath.Join(root, "-b", "s2.jsonl"), "")
	touch(t, filepath.Join(root, "stray.jsonl"), "")

	files, err := ScanLogs(root, "")
	require.NoError(t, err)
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	require.Len(t, files, 4)
	byName := make(map[string]LogFile)
	for _, f := range files {
		rel, _ := filepath.Rel(root, f.Path)
		byName[filepath.ToSlash(rel)] = f
	}
	assert.False(t, byName["-a/s1.jsonl"].Subagent)
	assert.True(t, byName["-a/agent-123.jsonl"].Subagent)
	assert.True(t, byName["-a/s1/subagents/x.jsonl"].Subagent)
	assert.Equal(t, "-a", byName["-a/s1/subagents/x.jsonl"].Project)
	assert.Equal(t, "-b", byName["-b/s2.jsonl"].Project)

	scoped, err := ScanLogs(root, "-b")
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "-b", scoped[0].Project)
}

func TestScanLogs_Missing(t *testing.T) {
	files, err := ScanLogs(filepath.Join(t.TempDir(), "nope"), "")
	assert.NoError(t, err)
	assert.Empty(t, files)

	files, err = ScanLogs(t.TempDir(), "-missing")
	assert.NoError(t, err)
	assert.Empty(t, files)
}
