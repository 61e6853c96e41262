package safety

import (
	"context"
	"io"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedPrompter struct {
	answers []string
	errs    []error
	asked   []string
}

func (p *scriptedPrompter) Ask(_ context.Context, question string) (string, error) {
	p.asked = append(p.asked, question)
	i := len(p.asked) - 1
	if i < len(p.errs) && p.errs[i] != nil {
		return "", p.errs[i]
	}
	if i < len(p.answers) {
		return p.answers[i], nil
	}
	return "", ErrInterrupted
}

func TestApprovalKeyTruncates(t *testing.T) {
	key := ApprovalKey(OpExecuteBash, strings.Repeat("x", 200))
	assert.Len(t, []rune(key), 100)
	assert.True(t, strings.HasPrefix(key, OpExecuteBash+":"))
	assert.Equal(t, "op:short", ApprovalKey("op", "short"))

	// Counted in characters, so multi-byte details are never split.
	wide := ApprovalKey("op", strings.Repeat("é", 200))
	assert.Len(t, []rune(wide), 100)
	assert.True(t, utf8.ValidString(wide))
}

func TestRequestApprovalAlwaysIsCached(t *testing.T) {
	p := &scriptedPrompter{answers: []string{"a"}}
	a := NewApprover(nil, p, nil)
	ctx := context.Background()

	assert.True(t, a.RequestApproval(ctx, OpExecuteBash, "reason", "rm -rf build"))
	assert.True(t, a.RequestApproval(ctx, OpExecuteBash, "reason", "rm -rf build"))
	assert.Len(t, p.asked, 1)
}

func TestRequestApprovalYesIsNotCached(t *testing.T) {
	p := &scriptedPrompter{answers: []string{"y", "yes"}}
	a := NewApprover(nil, p, nil)
	ctx := context.Background()

	assert.True(t, a.RequestApproval(ctx, OpWriteFile, "reason", "/etc/hosts"))
	assert.True(t, a.RequestApproval(ctx, OpWriteFile, "reason", "/etc/hosts"))
	assert.Len(t, p.asked, 2)
	assert.Equal(t, 0, a.Cache().Len())
}

func TestRequestApprovalDenyIsCached(t *testing.T) {
	p := &scriptedPrompter{answers: []string{"n"}}
	a := NewApprover(nil, p, nil)
	ctx := context.Background()

	assert.False(t, a.RequestApproval(ctx, OpExecuteBash, "reason", "mkfs /dev/sda"))
	assert.False(t, a.RequestApproval(ctx, OpExecuteBash, "reason", "mkfs /dev/sda"))
	assert.Len(t, p.asked, 1)
}

func TestRequestApprovalInterruptDeniesWithoutCaching(t *testing.T) {
	p := &scriptedPrompter{errs: []error{ErrInterrupted}, answers: []string{"", "y"}}
	a := NewApprover(nil, p, nil)
	ctx := context.Background()

	assert.False(t, a.RequestApproval(ctx, OpExecuteBash, "reason", "dd if=x"))
	assert.True(t, a.RequestApproval(ctx, OpExecuteBash, "reason", "dd if=x"))
	assert.Len(t, p.asked, 2)
}

func TestRequestApprovalDistinctDetailsPromptSeparately(t *testing.T) {
	p := &scriptedPrompter{answers: []string{"always", "always"}}
	a := NewApprover(nil, p, nil)
	ctx := context.Background()

	require.True(t, a.RequestApproval(ctx, OpExecuteBash, "r", "rm -rf a"))
	require.True(t, a.RequestApproval(ctx, OpExecuteBash, "r", "rm -rf b"))
	assert.Len(t, p.asked, 2)
	assert.Contains(t, p.asked[0], "Details: rm -rf a")
}

func TestRequestApprovalWithoutPrompterDenies(t *testing.T) {
	a := NewApprover(nil, nil, nil)
	assert.False(t, a.RequestApproval(context.Background(), OpExecuteBash, "r", "rm -rf /"))
}

func TestTerminalPrompter(t *testing.T) {
	var out strings.Builder
	p := NewTerminalPrompter(strings.NewReader("yes\nno"), &out)
	ctx := context.Background()

	got, err := p.Ask(ctx, "first? ")
	require.NoError(t, err)
	assert.Equal(t, "yes", got)

	got, err = p.Ask(ctx, "second? ")
	require.NoError(t, err)
	assert.Equal(t, "no", got)

	_, err = p.Ask(ctx, "third? ")
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.Equal(t, "first? second? third? ", out.String())
}

func TestTerminalPrompterCancelledAskKeepsNextLine(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	var out strings.Builder
	p := NewTerminalPrompter(r, &out)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Ask(ctx, "first? ")
	assert.ErrorIs(t, err, ErrInterrupted)

	go func() { _, _ = io.WriteString(w, "always\n") }()
	got, err := p.Ask(context.Background(), "second? ")
	require.NoError(t, err)
	assert.Equal(t, "always", got)
}
