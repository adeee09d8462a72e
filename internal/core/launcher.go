package core

import (
	"fmt"
	"path/filepath"
	"strings"
)

// launcher maps a set of script extensions to an interpreter. Candidates are
// probed in order; the first one found on PATH is used.
type launcher struct {
	extensions []string
	candidates []string
	args       []string
}

var launchers = []launcher{
	{extensions: []string{".py"}, candidates: []string{"python3", "python"}},
	{extensions: []string{".sh"}, candidates: []string{"bash", "sh"}},
	{extensions: []string{".bash"}, candidates: []string{"bash"}},
	{extensions: []string{".bat", ".cmd"}, candidates: []string{"cmd.exe"}, args: []string{"/c"}},
	{extensions: []string{".js", ".mjs", ".cjs"}, candidates: []string{"node", "nodejs"}},
	{extensions: []string{".ts"}, candidates: []string{"npx"}, args: []string{"ts-node"}},
	{extensions: []string{".ps1"}, candidates: []string{"pwsh", "powershell"}, args: []string{"-File"}},
	{extensions: []string{".rb"}, candidates: []string{"ruby"}},
	{extensions: []string{".php"}, candidates: []string{"php", "php-cli"}},
	{extensions: []string{".pl"}, candidates: []string{"perl"}},
}

func (l launcher) matches(ext string) bool {
	for _, e := range l.extensions {
		if e == ext {
			return true
		}
	}
	return false
}

// SupportedExtensions lists every extension with a known launcher.
func SupportedExtensions() []string {
	var exts []string
	for _, l := range launchers {
		exts = append(exts, l.extensions...)
	}
	return exts
}

// IsSupportedScript reports whether name has an extension in the launcher table.
func IsSupportedScript(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, l := range launchers {
		if l.matches(ext) {
			return true
		}
	}
	return false
}

// buildCommand returns argv for running scriptPath with args. direct is true
// when no launcher matched and the file is executed as-is.
func (e *ProcessExecutor) buildCommand(scriptPath string, args []string) (argv []string, direct bool, err error) {
	ext := strings.ToLower(filepath.Ext(scriptPath))
	for _, l := range launchers {
		if !l.matches(ext) {
			continue
		}
		for _, name := range l.candidates {
			path, lookErr := e.lookPath(name)
			if lookErr != nil {
				continue
			}
			argv = make([]string, 0, 1+len(l.args)+1+len(args))
			argv = append(argv, path)
			argv = append(argv, l.args...)
			argv = append(argv, scriptPath)
			argv = append(argv, args...)
			return argv, false, nil
		}
		return nil, false, fmt.Errorf("%w: %s (for %s)", ErrExecutableNotFound, strings.Join(l.candidates, ", "), strings.Join(l.extensions, ", "))
	}
	argv = append([]string{scriptPath}, args...)
	return argv, true, nil
}
