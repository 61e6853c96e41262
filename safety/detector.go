// Package safety flags irreversible or sensitive tool operations and asks
// the operator to approve them, remembering "always" and "no" answers for
// the lifetime of the process.
package safety

import (
	"fmt"
	"regexp"
	"strings"
)

type commandRule struct {
	pattern *regexp.Regexp
	reason  string
}

type substringRule struct {
	needle string
	reason string
}

var (
	rmReason = "Delete files with 'rm' command"
	ddReason = "Disk write with 'dd' command"

	commandRules = []commandRule{
		{regexp.MustCompile(`\brm\s+-`), rmReason},
		{regexp.MustCompile(`\brm\s+/`), rmReason},
		{regexp.MustCompile(`>>\s*/dev/null`), rmReason},
		{regexp.MustCompile(`\bdd\s+if=`), ddReason},
		{regexp.MustCompile(`\bdd\s+of=`), ddReason},
	}

	// Checked in order after commandRules. Matching is a plain substring
	// test, so "dd" also fires on words such as "add".
	commandSubstrings = []substringRule{
		{"mkfs", "Format filesystem"},
		{"fdisk", "Partition disk"},
		{"parted", "Partition disk"},
		{"dd", "Low-level disk write"},
		{":`", "Execute shell"},
	}

	pathSubstrings = []substringRule{
		{"/etc", "System configuration"},
		{"/sys", "System kernel interface"},
		{"/proc", "Process information"},
		{"~/.ssh", "SSH keys"},
		{"~/.aws", "AWS credentials"},
		{".env", "Environment variables (may contain secrets)"},
	}

	secretExtensions = []string{".key", ".pem", ".p12", ".pfx"}
)

// IsCriticalBash reports whether a shell command looks destructive and,
// if so, why.
func IsCriticalBash(command string) (bool, string) {
	lower := strings.ToLower(command)
	for _, rule := range commandRules {
		if rule.pattern.MatchString(lower) {
			return true, rule.reason
		}
	}
	for _, rule := range commandSubstrings {
		if strings.Contains(lower, rule.needle) {
			return true, rule.reason
		}
	}
	return false, ""
}

// IsCriticalFileWrite reports whether writing to path touches a sensitive
// location or a likely secret file.
func IsCriticalFileWrite(path string) (bool, string) {
	lower := strings.ToLower(path)
	for _, rule := range pathSubstrings {
		if strings.Contains(lower, rule.needle) {
			return true, "Write to sensitive path: " + rule.reason
		}
	}
	for _, ext := range secretExtensions {
		if strings.HasSuffix(path, ext) {
			return true, fmt.Sprintf("Write to %s file (possible secret)", ext)
		}
	}
	return false, ""
}
