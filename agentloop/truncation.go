package agentloop

import (
	"fmt"
	"strings"
)

// TruncationMode specifies which part of oversized output survives.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

const defaultCharLimit = 30000

// ToolCharLimits caps the characters of tool output entering the
// conversation. Tools not listed use defaultCharLimit.
var ToolCharLimits = map[string]int{
	ToolRead:  50000,
	ToolBash:  30000,
	ToolGrep:  20000,
	ToolGlob:  20000,
	ToolEdit:  10000,
	ToolWrite: 1000,
}

// ToolTruncationModes picks the mode per tool; the default is head_tail.
var ToolTruncationModes = map[string]TruncationMode{
	ToolGrep:  TruncateTail,
	ToolGlob:  TruncateTail,
	ToolEdit:  TruncateTail,
	ToolWrite: TruncateTail,
}

// ToolLineLimits caps lines after character truncation.
var ToolLineLimits = map[string]int{
	ToolBash: 256,
	ToolGrep: 200,
	ToolGlob: 500,
}

// TruncateOutput cuts output to maxChars, keeping the head and tail or only
// the tail, with a marker saying how much was removed.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	if maxChars <= 0 || len(output) <= maxChars {
		return output
	}
	removed := len(output) - maxChars
	if mode == TruncateTail {
		return fmt.Sprintf("[output truncated: first %d characters removed]\n\n", removed) +
			output[len(output)-maxChars:]
	}
	half := maxChars / 2
	return output[:half] +
		fmt.Sprintf("\n\n[output truncated: %d characters removed from the middle; rerun with narrower arguments to see them]\n\n", removed) +
		output[len(output)-half:]
}

// TruncateLines keeps the first and last lines when output exceeds maxLines.
func TruncateLines(output string, maxLines int) string {
	lines := strings.Split(output, "\n")
	if maxLines <= 0 || len(lines) <= maxLines {
		return output
	}
	head := maxLines / 2
	tail := maxLines - head
	omitted := len(lines) - head - tail
	return strings.Join(lines[:head], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tail:], "\n")
}

// TruncateToolOutput applies the character limit and then the line limit
// configured for toolName.
func TruncateToolOutput(output string, toolName string) string {
	maxChars, ok := ToolCharLimits[toolName]
	if !ok {
		maxChars = defaultCharLimit
	}
	mode, ok := ToolTruncationModes[toolName]
	if !ok {
		mode = TruncateHeadTail
	}
	result := TruncateOutput(output, maxChars, mode)
	return TruncateLines(result, ToolLineLimits[toolName])
}
