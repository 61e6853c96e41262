package agentloop

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/martinemde/bladerunner/permissions"
	"github.com/martinemde/bladerunner/safety"
)

// Gate authorizes tool calls before they run. Critical-operation approval
// runs first, then the permission profile. A nil approver or profile
// disables that layer.
type Gate struct {
	approver *safety.Approver
	profile  *permissions.Profile
	prompter safety.Prompter
	logger   *zap.Logger
}

// NewGate composes the two authorization layers. prompter answers the
// permission profile's Ask decisions.
func NewGate(approver *safety.Approver, profile *permissions.Profile, prompter safety.Prompter, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{approver: approver, profile: profile, prompter: prompter, logger: logger}
}

// Check returns a denied outcome and false when the call may not run.
// Read tools called without a target are checked against env's working
// directory, which is what they search.
func (g *Gate) Check(ctx context.Context, env ExecutionEnvironment, tool Tool, args map[string]any) (ToolOutcome, bool) {
	if g == nil {
		return ToolOutcome{}, true
	}
	target := tool.Target(args)
	if target == "" && tool.Capability == CapabilityRead && env != nil {
		target = env.WorkingDirectory()
	}

	if g.approver != nil {
		switch tool.Capability {
		case CapabilityExecute:
			if critical, reason := safety.IsCriticalBash(target); critical {
				if !g.approver.RequestApproval(ctx, safety.OpExecuteBash, reason, target) {
					return Failure(KindDenied, "Critical operation denied by user"), false
				}
			}
		case CapabilityWrite:
			if critical, reason := safety.IsCriticalFileWrite(target); critical {
				if !g.approver.RequestApproval(ctx, safety.OpWriteFile, reason, target) {
					return Failure(KindDenied, "Critical file write denied by user"), false
				}
			}
		}
	}

	if g.profile == nil || target == "" {
		return ToolOutcome{}, true
	}

	var (
		category  permissions.Category
		operation string
		denied    string
		refused   string
	)
	switch tool.Capability {
	case CapabilityRead:
		category, operation = permissions.FileRead, "Read file"
		denied = fmt.Sprintf("Permission denied to read '%s'", target)
		refused = fmt.Sprintf("User denied permission to read '%s'", target)
	case CapabilityWrite:
		category, operation = permissions.FileWrite, "Write file"
		denied = fmt.Sprintf("Permission denied to write '%s'", target)
		refused = fmt.Sprintf("User denied permission to write '%s'", target)
	case CapabilityExecute:
		category, operation = permissions.Bash, "Execute command"
		denied = fmt.Sprintf("Permission denied to execute command: %s", target)
		refused = fmt.Sprintf("User denied permission to execute: %s", target)
	default:
		return ToolOutcome{}, true
	}

	switch g.profile.Check(target, category) {
	case permissions.Allow:
		return ToolOutcome{}, true
	case permissions.Deny:
		g.logger.Info("permission denied",
			zap.String("tool", tool.Name),
			zap.String("profile", g.profile.Name()),
			zap.String("target", target))
		return Failure(KindDenied, "%s", denied), false
	default:
		if g.confirm(ctx, operation, target) {
			return ToolOutcome{}, true
		}
		return Failure(KindDenied, "%s", refused), false
	}
}

// PermissionMessage renders the question for an Ask decision.
func PermissionMessage(operation, details string) string {
	return fmt.Sprintf("\nPermission required:\n  Operation: %s\n  Details: %s\nAllow? [y/N]: ", operation, details)
}

// confirm asks the operator once. Answers are never cached.
func (g *Gate) confirm(ctx context.Context, operation, target string) bool {
	if g.prompter == nil {
		g.logger.Warn("no prompter configured, denying", zap.String("operation", operation))
		return false
	}
	answer, err := g.prompter.Ask(ctx, PermissionMessage(operation, target))
	if err != nil {
		g.logger.Info("permission prompt cancelled", zap.String("operation", operation), zap.Error(err))
		return false
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}
