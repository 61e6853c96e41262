package agentloop

import (
	"fmt"
	"strings"
)

// OutcomeKind classifies a failed tool invocation.
type OutcomeKind string

const (
	KindInvalidArguments OutcomeKind = "invalid_arguments"
	KindUnknownTool      OutcomeKind = "unknown_tool"
	KindDenied           OutcomeKind = "denied"
	KindTimeout          OutcomeKind = "timeout"
	KindExecution        OutcomeKind = "execution"
	KindPanic            OutcomeKind = "panic"
	KindCancelled        OutcomeKind = "cancelled"
)

// ToolOutcome is the result of one tool invocation. Successful outcomes carry
// Output; failures carry a Kind and a human-readable Message.
type ToolOutcome struct {
	OK      bool        `json:"ok"`
	Output  string      `json:"output,omitempty"`
	Kind    OutcomeKind `json:"kind,omitempty"`
	Message string      `json:"message,omitempty"`
}

// Success wraps tool output.
func Success(output string) ToolOutcome {
	return ToolOutcome{OK: true, Output: output}
}

// Failure builds a failed outcome with a formatted message.
func Failure(kind OutcomeKind, format string, args ...any) ToolOutcome {
	return ToolOutcome{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Text renders the outcome the way the model sees it. Failures always start
// with "Error: ".
func (o ToolOutcome) Text() string {
	if o.OK {
		return o.Output
	}
	return "Error: " + o.Message
}

// Failed reports whether the attempt should count as a failure for retry
// purposes: either the tool failed outright or its text looks like an error.
func (o ToolOutcome) Failed() bool {
	return !o.OK || NeedsReflection(o.Text())
}

// TrackerError is the string handed to the effectiveness tracker. The kind
// prefix becomes the error bucket.
func (o ToolOutcome) TrackerError() string {
	if o.OK {
		return ""
	}
	return string(o.Kind) + ": " + o.Message
}

// ReflectionKeywords mark tool output as worth reflecting on, matched
// case-insensitively as substrings.
var ReflectionKeywords = []string{
	"error",
	"failed",
	"traceback",
	"exception",
	"not found",
	"permission denied",
	"invalid",
}

// NeedsReflection reports whether output contains any reflection keyword.
// Successful output that merely mentions an error (a grep hit on "error",
// say) also matches; that is accepted.
func NeedsReflection(output string) bool {
	lower := strings.ToLower(output)
	for _, kw := range ReflectionKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
