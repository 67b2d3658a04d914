package main

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/withObsrvr/obsrvr-remote-run/internal/patch"
)

// parseNameStatus reads changed files in the `git diff --name-status`
// line format. Relative paths are resolved against repoRoot. Renames and
// copies list both paths as UNKNOWN, so a vanished source becomes a delete
// and an existing target a replace.
func parseNameStatus(r io.Reader, repoRoot string) ([]patch.ChangedResource, error) {
	var out []patch.ChangedResource
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	for line := 1; sc.Scan(); line++ {
		text := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(text) == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Split(text, "\t")
		if len(fields) < 2 || fields[0] == "" {
			return nil, fmt.Errorf("line %d: want <status>\\t<path>, got %q", line, text)
		}

		status := patch.StatusUnknown
		switch fields[0][0] {
		case 'A':
			status = patch.StatusAdded
		case 'M':
			status = patch.StatusModified
		case 'D':
			status = patch.StatusDeleted
		}
		if status != patch.StatusUnknown && len(fields) != 2 {
			return nil, fmt.Errorf("line %d: %c takes one path, got %d", line, fields[0][0], len(fields)-1)
		}

		for _, p := range fields[1:] {
			if p == "" {
				return nil, fmt.Errorf("line %d: empty path", line)
			}
			if !filepath.IsAbs(p) {
				p = filepath.Join(repoRoot, filepath.FromSlash(p))
			}
			out = append(out, patch.ChangedResource{AbsolutePath: p, Status: status})
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read changes: %w", err)
	}
	return out, nil
}
