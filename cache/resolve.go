package cache

import (
	"os"
	"path/filepath"
	"strings"
)

// ResolvePath resolves a cache's raw, document-declared path (builtin or
// definitions.caches) against workspaceDir per spec.md §4.5: a leading "~"
// expands to the user's home directory, an absolute path is used as-is, and
// anything else is taken relative to the workspace.
func ResolvePath(raw, workspaceDir string) (string, error) {
	if raw == "~" || strings.HasPrefix(raw, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(raw, "~")), nil
	}
	if filepath.IsAbs(raw) {
		return raw, nil
	}
	return filepath.Join(workspaceDir, raw), nil
}
