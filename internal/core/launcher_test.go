package core

import (
	"errors"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executorWithPath(available ...string) *ProcessExecutor {
	e := NewProcessExecutor(ExecutorConfig{}, nil)
	e.lookPath = func(name string) (string, error) {
		for _, a := range available {
			if a == name {
				return "/usr/bin/" + name, nil
			}
		}
		return "", exec.ErrNotFound
	}
	return e
}

func TestBuildCommandLauncherOrder(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		available []string
		script    string
		args      []string
		want      []string
	}{
		{name: "python3 preferred", available: []string{"python", "python3"}, script: "/s/a.py", want: []string{"/usr/bin/python3", "/s/a.py"}},
		{name: "python fallback", available: []string{"python"}, script: "/s/a.py", args: []string{"-v"}, want: []string{"/usr/bin/python", "/s/a.py", "-v"}},
		{name: "shell", available: []string{"sh"}, script: "/s/job.sh", want: []string{"/usr/bin/sh", "/s/job.sh"}},
		{name: "extension case insensitive", available: []string{"bash"}, script: "/s/JOB.SH", want: []string{"/usr/bin/bash", "/s/JOB.SH"}},
		{name: "launcher args", available: []string{"pwsh"}, script: "/s/x.ps1", args: []string{"a"}, want: []string{"/usr/bin/pwsh", "-File", "/s/x.ps1", "a"}},
		{name: "batch", available: []string{"cmd.exe"}, script: "/s/x.bat", want: []string{"/usr/bin/cmd.exe", "/c", "/s/x.bat"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			argv, direct, err := executorWithPath(tt.available...).buildCommand(tt.script, tt.args)
			require.NoError(t, err)
			assert.False(t, direct)
			assert.Equal(t, tt.want, argv)
		})
	}
}

func TestBuildCommandMissingLauncher(t *testing.T) {
	t.Parallel()
	_, _, err := executorWithPath().buildCommand("/s/a.rb", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExecutableNotFound))
	assert.Contains(t, err.Error(), "ruby")
}

func TestBuildCommandUnknownExtensionRunsDirectly(t *testing.T) {
	t.Parallel()
	argv, direct, err := executorWithPath().buildCommand("/s/tool", []string{"x"})
	require.NoError(t, err)
	assert.True(t, direct)
	assert.Equal(t, []string{"/s/tool", "x"}, argv)
}

func TestIsSupportedScript(t *testing.T) {
	t.Parallel()
	assert.True(t, IsSupportedScript("backup.py"))
	assert.True(t, IsSupportedScript("deploy.SH"))
	assert.True(t, IsSupportedScript("run.mjs"))
	assert.False(t, IsSupportedScript("notes.txt"))
	assert.False(t, IsSupportedScript("Makefile"))
	assert.Contains(t, SupportedExtensions(), ".ps1")
}

func TestScriptLogPath(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "/logs/backup.log", ScriptLogPath("/logs", "nested/dir/backup.py"))
	assert.Equal(t, "/logs/noext.log", ScriptLogPath("/logs", "noext"))
}
