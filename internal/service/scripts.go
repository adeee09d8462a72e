package service

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"scriptcron/internal/core"
)

// ScriptInfo describes one runnable file in the scripts root.
type ScriptInfo struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	Extension   string `json:"extension"`
	Description string `json:"description,omitempty"`
}

// ScriptContent is a script with its source text.
type ScriptContent struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Content string `json:"content"`
}

const maxScriptBytes = 1 << 20

// ListScripts lists files in the scripts root whose extension has a launcher.
// A missing root yields an empty list.
func (s *Service) ListScripts() ([]ScriptInfo, error) {
	entries, err := os.ReadDir(s.scriptsDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []ScriptInfo{}, nil
		}
		return nil, fmt.Errorf("read scripts dir: %w", err)
	}
	scripts := make([]ScriptInfo, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !core.IsSupportedScript(name) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(s.scriptsDir, name)
		scripts = append(scripts, ScriptInfo{
			Name:        name,
			Path:        path,
			Size:        info.Size(),
			Extension:   strings.ToLower(filepath.Ext(name)),
			Description: scriptDescription(path),
		})
	}
	sort.Slice(scripts, func(i, j int) bool { return scripts[i].Name < scripts[j].Name })
	return scripts, nil
}

// GetScript returns the content of a file directly inside the scripts root.
func (s *Service) GetScript(name string) (*ScriptContent, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return nil, core.NewValidationError("name", "must be a plain file name")
	}
	path := filepath.Join(s.scriptsDir, name)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", core.ErrScriptNotFound, name)
	}
	if info.Size() > maxScriptBytes {
		return nil, core.NewValidationError("name", "script is too large to display")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return &ScriptContent{Name: name, Path: path, Content: string(data)}, nil
}

var commentPrefixes = []string{"#", "//", `"""`, "'''", "::", "REM ", "rem "}

// scriptDescription returns the first comment line, skipping a shebang.
func scriptDescription(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for i := 0; i < 2 && sc.Scan(); i++ {
		line := strings.TrimSpace(sc.Text())
		if i == 0 && strings.HasPrefix(line, "#!") {
			continue
		}
		for _, prefix := range commentPrefixes {
			if strings.HasPrefix(line, prefix) {
				return strings.TrimSpace(strings.Trim(strings.TrimPrefix(line, prefix), `#"'/ `))
			}
		}
		return ""
	}
	return ""
}
