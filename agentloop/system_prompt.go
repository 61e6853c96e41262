package agentloop

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/martinemde/bladerunner/router"
)

const maxProjectDocBytes = 32 * 1024

// ProjectDocNames are instruction files loaded into the system prompt, from
// the repository root down to the working directory.
var ProjectDocNames = []string{"AGENTS.md", "BLADERUNNER.md"}

const basePrompt = `You are a software engineering agent working in the user's project.
Use the available tools to inspect and change files and to run commands.
Call tools when you need information or need to act; answer directly once the task is done.
Keep answers short and report what you changed.`

// BuildSystemPrompt assembles the system message: the base instructions
// shaped by the routed specialization, the environment block, and any
// project instruction files.
func BuildSystemPrompt(spec router.Specialization, env ExecutionEnvironment, model string, tools []string) string {
	var sb strings.Builder
	sb.WriteString(spec.EnhancePrompt(basePrompt))
	sb.WriteString("\n\n")
	sb.WriteString(BuildEnvironmentContext(env, model))
	if len(tools) > 0 {
		sb.WriteString("\n\nAvailable tools: ")
		sb.WriteString(strings.Join(tools, ", "))
	}
	if docs := DiscoverProjectDocs(env.WorkingDirectory()); docs != "" {
		sb.WriteString("\n\n")
		sb.WriteString(docs)
	}
	return sb.String()
}

// BuildEnvironmentContext renders the <environment> block.
func BuildEnvironmentContext(env ExecutionEnvironment, model string) string {
	workingDir := env.WorkingDirectory()
	root := gitRoot(workingDir)

	var sb strings.Builder
	sb.WriteString("<environment>\n")
	fmt.Fprintf(&sb, "Working directory: %s\n", workingDir)
	fmt.Fprintf(&sb, "Is git repository: %v\n", root != "")
	if root != "" {
		if branch := gitBranch(workingDir); branch != "" {
			fmt.Fprintf(&sb, "Git branch: %s\n", branch)
		}
	}
	fmt.Fprintf(&sb, "Platform: %s\n", env.Platform())
	fmt.Fprintf(&sb, "OS version: %s\n", env.OSVersion())
	fmt.Fprintf(&sb, "Today's date: %s\n", time.Now().Format("2006-01-02"))
	if model != "" {
		fmt.Fprintf(&sb, "Model: %s\n", model)
	}
	sb.WriteString("</environment>")
	return sb.String()
}

// DiscoverProjectDocs loads ProjectDocNames from the git root (or the
// working directory) down to the working directory, capped at 32KB total.
func DiscoverProjectDocs(workingDir string) string {
	root := gitRoot(workingDir)
	if root == "" {
		root = workingDir
	}

	var docs []string
	total := 0
	for _, dir := range pathHierarchy(root, workingDir) {
		for _, name := range ProjectDocNames {
			content, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				continue
			}
			remaining := maxProjectDocBytes - total
			if remaining <= 0 {
				return strings.Join(append(docs, "[project instructions truncated at 32KB]"), "\n\n---\n\n")
			}
			text := string(content)
			if len(text) > remaining {
				text = text[:remaining] + "\n[project instructions truncated at 32KB]"
			}
			docs = append(docs, fmt.Sprintf("# %s (from %s)\n\n%s", name, dir, text))
			total += len(text)
		}
	}
	return strings.Join(docs, "\n\n---\n\n")
}

// pathHierarchy returns directories from root to target, inclusive.
func pathHierarchy(root, target string) []string {
	root = filepath.Clean(root)
	target = filepath.Clean(target)
	dirs := []string{root}
	if root == target {
		return dirs
	}
	rel, err := filepath.Rel(root, target)
	if err != nil || strings.HasPrefix(rel, "..") {
		return dirs
	}
	current := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if part == "." || part == "" {
			continue
		}
		current = filepath.Join(current, part)
		dirs = append(dirs, current)
	}
	return dirs
}

func gitRoot(dir string) string {
	return gitOutput(dir, "rev-parse", "--show-toplevel")
}

func gitBranch(dir string) string {
	return gitOutput(dir, "rev-parse", "--abbrev-ref", "HEAD")
}

func gitOutput(dir string, args ...string) string {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
