package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"har", "load"}, {"har", "list"}, {"har", "show"}, {"har", "expand"},
		{"har", "search"}, {"har", "export"}, {"har", "sessions"}, {"har", "use"}, {"har", "stats"},
		{"convo", "list"}, {"convo", "search"}, {"convo", "show"}, {"convo", "stats"},
		{"convo", "reindex"}, {"convo", "watch"}, {"convo", "title"},
		{"mcp"}, {"config", "show"}, {"version"},
	} {
		c, _, err := rootCmd.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], c.Name())
	}
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	t.Cleanup(func() { versionCmd.SetOut(nil) })

	versionCmd.Run(versionCmd, nil)
	assert.Contains(t, buf.String(), "devkit dev")
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".claude", "projects"), expandHome("~/.claude/projects"))
	assert.Equal(t, home, expandHome("~"))
	assert.Equal(t, "/tmp/x", expandHome("/tmp/x"))
	assert.Equal(t, "~user/x", expandHome("~user/x"))
}

func TestGetStore_MigratesOnce(t *testing.T) {
	dir := testEnv(t)

	s1, err := getStore()
	require.NoError(t, err)
	s2, err := getStore()
	require.NoError(t, err)
	assert.Same(t, s1, s2)

	_, err = os.Stat(filepath.Join(dir, "devkit.db"))
	assert.NoError(t, err)
}
