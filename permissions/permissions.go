// Package permissions evaluates tool targets against named rule profiles.
//
// A profile holds one rule per operation category. Each rule has a default
// decision plus allow and deny pattern lists. Deny patterns win over allow
// patterns, which win over the default.
package permissions

import (
	"fmt"
	"strings"
)

// Decision is the outcome of a permission check.
type Decision string

const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
	Ask   Decision = "ask"
)

// Category identifies the kind of operation being checked.
type Category string

const (
	FileRead  Category = "file-read"
	FileWrite Category = "file-write"
	Bash      Category = "bash"
)

// Rule is the policy for one category.
type Rule struct {
	Default Decision `yaml:"default" json:"default"`
	Allow   []string `yaml:"allow,omitempty" json:"allow,omitempty"`
	Deny    []string `yaml:"deny,omitempty" json:"deny,omitempty"`
}

// Profile is a named, immutable set of rules.
type Profile struct {
	name  string
	rules map[Category]Rule
}

// NewProfile builds a profile from explicit rules. Categories with no rule
// resolve to Ask.
func NewProfile(name string, rules map[Category]Rule) (*Profile, error) {
	copied := make(map[Category]Rule, len(rules))
	for cat, rule := range rules {
		switch rule.Default {
		case Allow, Deny, Ask:
		default:
			return nil, fmt.Errorf("profile %s: category %s: invalid default %q", name, cat, rule.Default)
		}
		for _, p := range append(append([]string{}, rule.Allow...), rule.Deny...) {
			if _, err := compilePattern(p); err != nil {
				return nil, fmt.Errorf("profile %s: category %s: %w", name, cat, err)
			}
		}
		copied[cat] = Rule{
			Default: rule.Default,
			Allow:   append([]string(nil), rule.Allow...),
			Deny:    append([]string(nil), rule.Deny...),
		}
	}
	return &Profile{name: name, rules: copied}, nil
}

// Name returns the profile name.
func (p *Profile) Name() string { return p.name }

// Rule returns the rule for a category.
func (p *Profile) Rule(cat Category) (Rule, bool) {
	r, ok := p.rules[cat]
	return r, ok
}

// Check evaluates target against the rule for cat.
func (p *Profile) Check(target string, cat Category) Decision {
	rule, ok := p.rules[cat]
	if !ok {
		return Ask
	}
	for _, pattern := range rule.Deny {
		if Match(pattern, target) {
			return Deny
		}
	}
	for _, pattern := range rule.Allow {
		if Match(pattern, target) {
			return Allow
		}
	}
	return rule.Default
}

const (
	ProfilePermissive = "permissive"
	ProfileStandard   = "standard"
	ProfileStrict     = "strict"
)

var builtinRules = map[string]map[Category]Rule{
	ProfilePermissive: {
		FileRead:  {Default: Allow},
		FileWrite: {Default: Allow},
		Bash:      {Default: Allow},
	},
	ProfileStandard: {
		FileRead: {
			Default: Allow,
			Deny:    []string{"**/secret*", "**/.env*", "**/password*"},
		},
		FileWrite: {
			Default: Ask,
			Allow:   []string{"test/**", "docs/**", "*.md"},
			Deny:    []string{"**/production/**", "**/prod/**"},
		},
		Bash: {
			Default: Ask,
			Deny:    []string{"rm -rf *", "sudo *", "curl * | *", "wget * | *"},
		},
	},
	ProfileStrict: {
		FileRead: {
			Default: Ask,
			Deny:    []string{"**/secret*", "**/.env*"},
		},
		FileWrite: {
			Default: Deny,
			Allow:   []string{"test/**"},
		},
		Bash: {
			Default: Deny,
			Allow:   []string{"ls *", "cat *", "grep *", "echo *"},
		},
	},
}

// ProfileNames lists the built-in profiles.
func ProfileNames() []string {
	return []string{ProfilePermissive, ProfileStandard, ProfileStrict}
}

// Lookup returns a built-in profile. Unknown names fall back to standard.
func Lookup(name string) *Profile {
	rules, ok := builtinRules[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		name = ProfileStandard
		rules = builtinRules[ProfileStandard]
	}
	p, err := NewProfile(strings.ToLower(strings.TrimSpace(name)), rules)
	if err != nil {
		panic(err)
	}
	return p
}
