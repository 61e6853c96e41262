package permissions

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

var patternCache sync.Map // pattern -> *regexp.Regexp

// Match reports whether name matches a shell-style pattern. Unlike
// filepath.Match, '*' also matches path separators, so "**/prod/**" and
// "rm -rf *" behave like their fnmatch counterparts. Supported syntax: '*',
// '?', and bracket sets with an optional leading '!'.
func Match(pattern, name string) bool {
	re, err := compilePattern(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(name)
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	if cached, ok := patternCache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(translate(pattern))
	if err != nil {
		return nil, fmt.Errorf("pattern %q: %w", pattern, err)
	}
	patternCache.Store(pattern, re)
	return re, nil
}

// translate converts a shell pattern into an anchored regular expression.
func translate(pattern string) string {
	var sb strings.Builder
	sb.WriteString(`(?s)^`)
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch c {
		case '*':
			sb.WriteString(`.*`)
		case '?':
			sb.WriteString(`.`)
		case '[':
			j := i + 1
			if j < len(runes) && runes[j] == '!' {
				j++
			}
			if j < len(runes) && runes[j] == ']' {
				j++
			}
			for j < len(runes) && runes[j] != ']' {
				j++
			}
			if j >= len(runes) {
				// Unterminated set is a literal bracket.
				sb.WriteString(`\[`)
				continue
			}
			set := string(runes[i+1 : j])
			set = strings.ReplaceAll(set, `\`, `\\`)
			if strings.HasPrefix(set, "!") {
				set = "^" + set[1:]
			} else if strings.HasPrefix(set, "^") {
				set = `\` + set
			}
			sb.WriteString("[" + set + "]")
			i = j
		default:
			sb.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	sb.WriteString(`$`)
	return sb.String()
}
