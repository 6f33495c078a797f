package convo

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// LogFile is a conversation log found under the projects directory.
type LogFile struct {
	Path     string
	Project  string // top-level project directory name
	Subagent bool
}

// EncodeProject maps a project reference to its directory name. A plain
// directory name is returned unchanged; a filesystem path is encoded the
// way Claude names project directories, with every rune that is not a
// letter or digit replaced by '-'.
func EncodeProject(ref string) string {
	if ref == "" || !strings.ContainsAny(ref, `/\`) {
		return ref
	}
	return strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return r
		}
		return '-'
	}, ref)
}

// ScanLogs lists every *.jsonl file below root, or below root/project when
// project is set. A missing directory yields no files.
func ScanLogs(root, project string) ([]LogFile, error) {
	start := root
	if project != "" {
		start = filepath.Join(root, project)
	}

	var files []LogFile
	work := []string{start}
	for len(work) > 0 {
		dir := work[len(work)-1]
		work = work[:len(work)-1]

		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && dir == start {
				return nil, nil
			}
			if dir == start {
				return nil, err
			}
			continue
		}
		for _, e := range entries {
			path := filepath.Join(dir, e.Name())
			if e.IsDir() {
				work = append(work, path)
				continue
			}
			if !e.Type().IsRegular() || !strings.HasSuffix(e.Name(), ".jsonl") {
				continue
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				continue
			}
			parts := strings.Split(filepath.ToSlash(rel), "/")
			if len(parts) < 2 {
				// Logs directly under root belong to no project.
				continue
			}
			files = append(files, LogFile{
				Path:     path,
				Project:  parts[0],
				Subagent: isSubagentPath(parts),
			})
		}
	}
	return files, nil
}

func isSubagentPath(parts []string) bool {
	for _, p := range parts[1 : len(parts)-1] {
		if p == "subagents" {
			return true
		}
	}
	return strings.HasPrefix(parts[len(parts)-1], "agent-")
}
