package agentloop

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/bladerunner/permissions"
	"github.com/martinemde/bladerunner/safety"
)

func coreTool(t *testing.T, name string) Tool {
	t.Helper()
	reg := NewToolRegistry()
	require.NoError(t, RegisterCoreTools(reg))
	tool, ok := reg.Get(name)
	require.True(t, ok)
	return tool
}

func TestNilGateAllows(t *testing.T) {
	var g *Gate
	_, ok := g.Check(context.Background(), nil, coreTool(t, ToolBash), map[string]any{"command": "rm -rf /"})
	assert.True(t, ok)
}

func TestGateCriticalBashDenied(t *testing.T) {
	p := &scriptedPrompter{answers: []string{"n"}}
	g := NewGate(safety.NewApprover(nil, p, nil), nil, nil, nil)

	out, ok := g.Check(context.Background(), nil, coreTool(t, ToolBash), map[string]any{"command": "rm -rf /tmp/data"})
	require.False(t, ok)
	assert.Equal(t, KindDenied, out.Kind)
	assert.Equal(t, "Error: Critical operation denied by user", out.Text())
	assert.Equal(t, 1, p.asked())

	// The denial is cached: no second prompt.
	_, ok = g.Check(context.Background(), nil, coreTool(t, ToolBash), map[string]any{"command": "rm -rf /tmp/data"})
	assert.False(t, ok)
	assert.Equal(t, 1, p.asked())
}

func TestGateCriticalWriteAlwaysApproved(t *testing.T) {
	p := &scriptedPrompter{answers: []string{"a"}}
	g := NewGate(safety.NewApprover(nil, p, nil), nil, nil, nil)
	args := map[string]any{"file_path": "/etc/hosts", "content": "x"}

	_, ok := g.Check(context.Background(), nil, coreTool(t, ToolWrite), args)
	require.True(t, ok)
	_, ok = g.Check(context.Background(), nil, coreTool(t, ToolWrite), args)
	require.True(t, ok)
	assert.Equal(t, 1, p.asked())
}

func TestGateCriticalWriteDeniedMessage(t *testing.T) {
	p := &scriptedPrompter{answers: []string{"no"}}
	g := NewGate(safety.NewApprover(nil, p, nil), nil, nil, nil)

	out, ok := g.Check(context.Background(), nil, coreTool(t, ToolEdit),
		map[string]any{"file_path": "/etc/passwd", "old_string": "a", "new_string": "b"})
	require.False(t, ok)
	assert.Equal(t, "Error: Critical file write denied by user", out.Text())
}

func TestGateNonCriticalSkipsApproval(t *testing.T) {
	p := &scriptedPrompter{}
	g := NewGate(safety.NewApprover(nil, p, nil), nil, nil, nil)
	_, ok := g.Check(context.Background(), nil, coreTool(t, ToolBash), map[string]any{"command": "ls -la"})
	assert.True(t, ok)
	assert.Zero(t, p.asked())
}

func TestGatePermissionDeny(t *testing.T) {
	profile, err := permissions.NewProfile("test", map[permissions.Category]permissions.Rule{
		permissions.FileRead:  {Default: permissions.Allow, Deny: []string{"*.env"}},
		permissions.FileWrite: {Default: permissions.Deny},
		permissions.Bash:      {Default: permissions.Deny},
	})
	require.NoError(t, err)
	g := NewGate(nil, profile, nil, nil)

	tests := []struct {
		tool string
		args map[string]any
		want string
	}{
		{ToolRead, map[string]any{"file_path": "prod.env"}, "Error: Permission denied to read 'prod.env'"},
		{ToolWrite, map[string]any{"file_path": "a.go", "content": ""}, "Error: Permission denied to write 'a.go'"},
		{ToolBash, map[string]any{"command": "ls"}, "Error: Permission denied to execute command: ls"},
	}
	for _, tt := range tests {
		out, ok := g.Check(context.Background(), nil, coreTool(t, tt.tool), tt.args)
		assert.False(t, ok, tt.tool)
		assert.Equal(t, tt.want, out.Text())
	}

	_, ok := g.Check(context.Background(), nil, coreTool(t, ToolRead), map[string]any{"file_path": "main.go"})
	assert.True(t, ok)
}

func TestGatePermissionAskIsNotCached(t *testing.T) {
	profile, err := permissions.NewProfile("ask", map[permissions.Category]permissions.Rule{
		permissions.Bash: {Default: permissions.Ask},
	})
	require.NoError(t, err)
	p := &scriptedPrompter{answers: []string{"y", "N"}}
	g := NewGate(nil, profile, p, nil)
	args := map[string]any{"command": "make test"}

	_, ok := g.Check(context.Background(), nil, coreTool(t, ToolBash), args)
	assert.True(t, ok)

	out, ok := g.Check(context.Background(), nil, coreTool(t, ToolBash), args)
	assert.False(t, ok)
	assert.Equal(t, "Error: User denied permission to execute: make test", out.Text())
	assert.Equal(t, 2, p.asked())
	assert.Contains(t, p.questions[0], "Operation: Execute command")
	assert.Contains(t, p.questions[0], "Details: make test")
	assert.Contains(t, p.questions[0], "Allow? [y/N]: ")
}

func TestGatePermissionAskInterrupted(t *testing.T) {
	profile, err := permissions.NewProfile("ask", map[permissions.Category]permissions.Rule{
		permissions.FileWrite: {Default: permissions.Ask},
	})
	require.NoError(t, err)
	g := NewGate(nil, profile, &scriptedPrompter{err: safety.ErrInterrupted}, nil)

	out, ok := g.Check(context.Background(), nil, coreTool(t, ToolWrite), map[string]any{"file_path": "a.go", "content": ""})
	assert.False(t, ok)
	assert.Equal(t, "Error: User denied permission to write 'a.go'", out.Text())
}

func TestGateEmptyTargetSkipsPermissions(t *testing.T) {
	profile, err := permissions.NewProfile("strict", map[permissions.Category]permissions.Rule{
		permissions.FileRead: {Default: permissions.Deny},
	})
	require.NoError(t, err)
	g := NewGate(nil, profile, nil, nil)

	_, ok := g.Check(context.Background(), nil, coreTool(t, ToolGlob), map[string]any{"pattern": "*.go"})
	assert.True(t, ok)
	_, ok = g.Check(context.Background(), nil, coreTool(t, ToolGlob), map[string]any{"pattern": "*.go", "path": "src"})
	assert.False(t, ok)
}

func TestGateSearchWithoutPathChecksWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	env := NewLocalExecutionEnvironment(dir)
	p := &scriptedPrompter{answers: []string{"n", "y"}}
	g := NewGate(nil, permissions.Lookup(permissions.ProfileStrict), p, nil)

	out, ok := g.Check(context.Background(), env, coreTool(t, ToolGrep), map[string]any{"pattern": "TODO"})
	assert.False(t, ok)
	assert.Equal(t, "Error: User denied permission to read '"+dir+"'", out.Text())
	require.Equal(t, 1, p.asked())
	assert.Contains(t, p.questions[0], "Details: "+dir)

	_, ok = g.Check(context.Background(), env, coreTool(t, ToolGlob), map[string]any{"pattern": "*.go"})
	assert.True(t, ok)
	assert.Equal(t, 2, p.asked())
}
