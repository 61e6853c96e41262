package agentloop

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Core tool names.
const (
	ToolRead  = "Read"
	ToolWrite = "Write"
	ToolEdit  = "Edit"
	ToolBash  = "Bash"
	ToolGrep  = "Grep"
	ToolGlob  = "Glob"
)

const defaultReadLimit = 2000

type readArgs struct {
	FilePath string `json:"file_path" jsonschema:"description=Path of the file to read" validate:"required"`
	Offset   int    `json:"offset,omitempty" jsonschema:"description=1-based line number to start reading from" validate:"gte=0"`
	Limit    int    `json:"limit,omitempty" jsonschema:"description=Maximum number of lines to read (default 2000)" validate:"gte=0"`
}

type writeArgs struct {
	FilePath string `json:"file_path" jsonschema:"description=Path of the file to write" validate:"required"`
	Content  string `json:"content" jsonschema:"description=Full content to write"`
}

type editArgs struct {
	FilePath   string `json:"file_path" jsonschema:"description=Path of the file to edit" validate:"required"`
	OldString  string `json:"old_string" jsonschema:"description=Exact text to replace" validate:"required"`
	NewString  string `json:"new_string" jsonschema:"description=Replacement text"`
	ReplaceAll bool   `json:"replace_all,omitempty" jsonschema:"description=Replace every occurrence instead of requiring a unique match"`
}

type bashArgs struct {
	Command string `json:"command" jsonschema:"description=Shell command to execute" validate:"required"`
}

type grepArgs struct {
	Pattern         string `json:"pattern" jsonschema:"description=Regular expression to search for" validate:"required"`
	Path            string `json:"path,omitempty" jsonschema:"description=File or directory to search (default: working directory)"`
	Glob            string `json:"glob,omitempty" jsonschema:"description=Only search files matching this glob"`
	CaseInsensitive bool   `json:"case_insensitive,omitempty" jsonschema:"description=Ignore case"`
}

type globArgs struct {
	Pattern string `json:"pattern" jsonschema:"description=Glob pattern such as *.go" validate:"required"`
	Path    string `json:"path,omitempty" jsonschema:"description=Directory to search from (default: working directory)"`
}

// CoreTools returns the built-in tools in the order they are offered.
func CoreTools() ([]Tool, error) {
	builders := []func() (Tool, error){
		func() (Tool, error) {
			return NewTypedTool(ToolRead, "Read a file and return its line-numbered content.",
				CapabilityRead, "file_path", readFile)
		},
		func() (Tool, error) {
			return NewTypedTool(ToolWrite, "Write content to a file. Creates parent directories as needed.",
				CapabilityWrite, "file_path", writeFile)
		},
		func() (Tool, error) {
			return NewTypedTool(ToolEdit, "Replace an exact string in a file. old_string must be unique unless replace_all is set.",
				CapabilityWrite, "file_path", editFile)
		},
		func() (Tool, error) {
			return NewTypedTool(ToolBash, "Execute a shell command.",
				CapabilityExecute, "command", runBash)
		},
		func() (Tool, error) {
			return NewTypedTool(ToolGrep, "Search file contents with a regular expression.",
				CapabilityRead, "path", grepFiles)
		},
		func() (Tool, error) {
			return NewTypedTool(ToolGlob, "List files matching a glob pattern.",
				CapabilityRead, "path", globFiles)
		},
	}
	tools := make([]Tool, 0, len(builders))
	for _, build := range builders {
		t, err := build()
		if err != nil {
			return nil, err
		}
		tools = append(tools, t)
	}
	return tools, nil
}

// RegisterCoreTools registers the built-in tools on reg.
func RegisterCoreTools(reg *ToolRegistry) error {
	tools, err := CoreTools()
	if err != nil {
		return err
	}
	for _, t := range tools {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func readFile(_ context.Context, env ExecutionEnvironment, a readArgs) ToolOutcome {
	data, err := env.ReadFile(a.FilePath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return Failure(KindExecution, "File '%s' not found", a.FilePath)
	case errors.Is(err, fs.ErrPermission):
		return Failure(KindExecution, "Permission denied reading '%s'", a.FilePath)
	case err != nil:
		return Failure(KindExecution, "Could not read '%s': %v", a.FilePath, err)
	}
	if len(data) > 0 && !isText(data) {
		return Failure(KindExecution, "File '%s' looks binary (%s)", a.FilePath, mimetype.Detect(data).String())
	}

	limit := a.Limit
	if limit == 0 {
		limit = defaultReadLimit
	}
	return Success(numberLines(string(data), a.Offset, limit))
}

// isText reports whether data sniffs as text/plain or one of its descendants.
func isText(data []byte) bool {
	for m := mimetype.Detect(data); m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

func numberLines(content string, offset, limit int) string {
	lines := strings.Split(content, "\n")
	if len(lines) > 1 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	start := 0
	if offset > 0 {
		start = offset - 1
	}
	if start >= len(lines) {
		return ""
	}
	end := len(lines)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	var sb strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&sb, "%d | %s\n", i+1, lines[i])
	}
	return sb.String()
}

func writeFile(_ context.Context, env ExecutionEnvironment, a writeArgs) ToolOutcome {
	if err := env.WriteFile(a.FilePath, a.Content); err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return Failure(KindExecution, "Permission denied writing to '%s'", a.FilePath)
		}
		return Failure(KindExecution, "Could not write '%s': %v", a.FilePath, err)
	}
	return Success("Successfully wrote to " + a.FilePath)
}

func editFile(_ context.Context, env ExecutionEnvironment, a editArgs) ToolOutcome {
	data, err := env.ReadFile(a.FilePath)
	if errors.Is(err, fs.ErrNotExist) {
		return Failure(KindExecution, "File '%s' not found", a.FilePath)
	}
	if err != nil {
		return Failure(KindExecution, "Could not read '%s': %v", a.FilePath, err)
	}
	content := string(data)

	count := strings.Count(content, a.OldString)
	if count == 0 {
		return Failure(KindExecution, "old_string not found in %s", a.FilePath)
	}
	if count > 1 && !a.ReplaceAll {
		return Failure(KindExecution,
			"old_string occurs %d times in %s; add surrounding context or set replace_all", count, a.FilePath)
	}

	replaced := 1
	if a.ReplaceAll {
		content = strings.ReplaceAll(content, a.OldString, a.NewString)
		replaced = count
	} else {
		content = strings.Replace(content, a.OldString, a.NewString, 1)
	}
	if err := env.WriteFile(a.FilePath, content); err != nil {
		return Failure(KindExecution, "Could not write '%s': %v", a.FilePath, err)
	}
	return Success(fmt.Sprintf("Replaced %d occurrence(s) in %s", replaced, a.FilePath))
}

func runBash(ctx context.Context, env ExecutionEnvironment, a bashArgs) ToolOutcome {
	res, err := env.ExecCommand(ctx, a.Command, "", nil)
	if err != nil {
		if ctx.Err() != nil {
			return Failure(KindCancelled, "Command interrupted")
		}
		return Failure(KindExecution, "Could not execute command: %v", err)
	}
	if res.TimedOut {
		return Failure(KindTimeout, "Command timed out")
	}
	output := res.Output()
	if res.ExitCode != 0 {
		output += fmt.Sprintf("\n(Exit code: %d)", res.ExitCode)
	}
	if output == "" {
		return Success("Command executed successfully")
	}
	return Success(output)
}

func grepFiles(ctx context.Context, env ExecutionEnvironment, a grepArgs) ToolOutcome {
	out, err := env.Grep(ctx, a.Pattern, a.Path, GrepOptions{
		GlobFilter:      a.Glob,
		CaseInsensitive: a.CaseInsensitive,
		MaxResults:      100,
	})
	if err != nil {
		return Failure(KindExecution, "Search failed: %v", err)
	}
	if strings.TrimSpace(out) == "" {
		return Success("No matches")
	}
	return Success(out)
}

func globFiles(_ context.Context, env ExecutionEnvironment, a globArgs) ToolOutcome {
	matches, err := env.Glob(a.Pattern, a.Path)
	if err != nil {
		return Failure(KindExecution, "Glob failed: %v", err)
	}
	if len(matches) == 0 {
		return Success("No files matched")
	}
	return Success(strings.Join(matches, "\n"))
}
