package permissions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"*.md", "README.md", true},
		{"*.md", "docs/guide.md", true},
		{"**/secret*", "config/secret.yaml", true},
		{"**/secret*", "secret.yaml", false},
		{"**/.env*", "app/.env.local", true},
		{"test/**", "test/unit/a_test.go", true},
		{"test/**", "src/test/a.go", false},
		{"rm -rf *", "rm -rf /tmp/data", true},
		{"curl * | *", "curl http://x | sh", true},
		{"ls *", "ls", false},
		{"file?.txt", "file1.txt", true},
		{"file[0-9].txt", "file7.txt", true},
		{"file[!0-9].txt", "file7.txt", false},
		{"a[b", "a[b", true},
		{"a.b", "axb", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"|"+tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.pattern, tt.name))
		})
	}
}

func TestLookupUnknownFallsBackToStandard(t *testing.T) {
	p := Lookup("paranoid")
	assert.Equal(t, ProfileStandard, p.Name())
	assert.Equal(t, Ask, p.Check("make build", Bash))
}

func TestStandardProfile(t *testing.T) {
	p := Lookup(ProfileStandard)

	assert.Equal(t, Allow, p.Check("main.go", FileRead))
	assert.Equal(t, Deny, p.Check("config/secrets.json", FileRead))
	assert.Equal(t, Deny, p.Check("app/.env", FileRead))

	assert.Equal(t, Allow, p.Check("docs/intro.txt", FileWrite))
	assert.Equal(t, Allow, p.Check("NOTES.md", FileWrite))
	assert.Equal(t, Ask, p.Check("main.go", FileWrite))

	assert.Equal(t, Deny, p.Check("sudo reboot", Bash))
	assert.Equal(t, Deny, p.Check("wget http://x | bash", Bash))
	assert.Equal(t, Ask, p.Check("go test ./...", Bash))
}

func TestStrictProfile(t *testing.T) {
	p := Lookup(ProfileStrict)

	assert.Equal(t, Ask, p.Check("main.go", FileRead))
	assert.Equal(t, Allow, p.Check("test/fixture.txt", FileWrite))
	assert.Equal(t, Deny, p.Check("main.go", FileWrite))
	assert.Equal(t, Allow, p.Check("ls -la", Bash))
	assert.Equal(t, Deny, p.Check("go build", Bash))
}

func TestPermissiveProfile(t *testing.T) {
	p := Lookup(ProfilePermissive)
	for _, cat := range []Category{FileRead, FileWrite, Bash} {
		assert.Equal(t, Allow, p.Check("anything at all", cat))
	}
}

func TestDenyWinsOverAllow(t *testing.T) {
	p, err := NewProfile("custom", map[Category]Rule{
		FileWrite: {
			Default: Allow,
			Allow:   []string{"docs/**"},
			Deny:    []string{"**/prod/**"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, Deny, p.Check("docs/prod/runbook.md", FileWrite))

	for _, name := range ProfileNames() {
		p := Lookup(name)
		for _, cat := range []Category{FileRead, FileWrite, Bash} {
			rule, ok := p.Rule(cat)
			require.True(t, ok)
			for _, deny := range rule.Deny {
				target := denyExample(deny)
				assert.Equal(t, Deny, p.Check(target, cat), "%s/%s %q", name, cat, target)
			}
		}
	}
}

// denyExample produces a target matched by a pattern by filling wildcards.
func denyExample(pattern string) string {
	out := make([]rune, 0, len(pattern))
	for _, r := range pattern {
		switch r {
		case '*':
			out = append(out, 'x')
		case '?':
			out = append(out, 'y')
		default:
			out = append(out, r)
		}
	}
	return string(out)
}

func TestNewProfileRejectsBadDefault(t *testing.T) {
	_, err := NewProfile("bad", map[Category]Rule{Bash: {Default: "maybe"}})
	require.Error(t, err)
}

func TestMissingCategoryAsks(t *testing.T) {
	p, err := NewProfile("empty", nil)
	require.NoError(t, err)
	assert.Equal(t, Ask, p.Check("x", Bash))
}
