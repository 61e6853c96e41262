// Package router picks a specialization profile for a task by keyword.
// The chosen profile only shapes the system prompt.
package router

import "strings"

// Role identifies a specialization.
type Role string

const (
	RoleGeneral   Role = "general"
	RoleCode      Role = "code"
	RoleTest      Role = "test"
	RoleDocs      Role = "docs"
	RoleArchitect Role = "architect"
)

// Specialization describes how an agent in a role should behave.
type Specialization struct {
	Role           Role     `json:"role"`
	Name           string   `json:"agent_name"`
	PromptSuffix   string   `json:"system_prompt_suffix"`
	PreferredTools []string `json:"preferred_tools"`
	Description    string   `json:"description"`
}

// EnhancePrompt appends the role's suffix to a base system prompt.
func (s Specialization) EnhancePrompt(base string) string {
	return base + "\n\n" + s.PromptSuffix
}

// Info returns a one-line description for display.
func (s Specialization) Info() string {
	return "[" + s.Name + "] " + s.Description
}

var specializations = map[Role]Specialization{
	RoleGeneral: {
		Role: RoleGeneral,
		Name: "General Assistant",
		PromptSuffix: "You are a general-purpose AI assistant. " +
			"Handle any task the user requests.",
		PreferredTools: []string{"Read", "Write", "Bash", "WebSearch"},
		Description:    "General purpose agent for any task",
	},
	RoleCode: {
		Role: RoleCode,
		Name: "Code Specialist",
		PromptSuffix: "You are an expert code generation and refactoring agent. " +
			"Focus on writing clean, tested, maintainable code. " +
			"Always consider error handling, types, and best practices. " +
			"Prioritize code quality over quick solutions.",
		PreferredTools: []string{"Write", "Bash", "Read"},
		Description:    "Specialized in code generation and refactoring",
	},
	RoleTest: {
		Role: RoleTest,
		Name: "Testing Specialist",
		PromptSuffix: "You are an expert in testing and debugging. " +
			"Write comprehensive tests, identify edge cases, and " +
			"debug problems. Focus on test coverage and reliability. " +
			"Always verify solutions work correctly.",
		PreferredTools: []string{"Bash", "Write", "Read"},
		Description:    "Specialized in testing and debugging",
	},
	RoleDocs: {
		Role: RoleDocs,
		Name: "Documentation Specialist",
		PromptSuffix: "You are a documentation expert. " +
			"Write clear, comprehensive documentation with examples. " +
			"Explain complex concepts simply. " +
			"Include usage patterns and troubleshooting.",
		PreferredTools: []string{"Write", "Read", "WebSearch"},
		Description:    "Specialized in writing documentation",
	},
	RoleArchitect: {
		Role: RoleArchitect,
		Name: "Architecture Specialist",
		PromptSuffix: "You are a system architect. " +
			"Design scalable, maintainable systems. " +
			"Consider tradeoffs, performance, and future evolution. " +
			"Think about data flow, separation of concerns, and APIs.",
		PreferredTools: []string{"Read", "Write", "WebSearch"},
		Description:    "Specialized in system design and architecture",
	},
}

type keywordRule struct {
	role     Role
	keywords []string
}

// Evaluated in order; the first rule with any matching keyword wins.
var keywordRules = []keywordRule{
	{RoleCode, []string{"write", "code", "function", "class", "refactor", "implement", "generate", "script", "module"}},
	{RoleTest, []string{"test", "debug", "fix", "bug", "error", "issue", "verify", "check"}},
	{RoleDocs, []string{"document", "readme", "guide", "explain", "tutorial", "example", "comment"}},
	{RoleArchitect, []string{"design", "architecture", "system", "structure", "scalable", "plan", "organize"}},
}

// SelectRole classifies task by case-insensitive substring match.
func SelectRole(task string) Role {
	lower := strings.ToLower(task)
	for _, rule := range keywordRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.role
			}
		}
	}
	return RoleGeneral
}

// Lookup returns the specialization for role, falling back to general.
func Lookup(role Role) Specialization {
	if s, ok := specializations[role]; ok {
		return s
	}
	return specializations[RoleGeneral]
}

// Route classifies task and returns its specialization.
func Route(task string) Specialization {
	return Lookup(SelectRole(task))
}
