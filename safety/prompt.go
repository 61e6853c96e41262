package safety

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// TerminalPrompter reads answers line by line from an input stream. A
// single reader goroutine owns the stream, so an Ask abandoned by
// cancellation leaves the next line for the following Ask.
type TerminalPrompter struct {
	mu    sync.Mutex
	in    *bufio.Reader
	out   io.Writer
	once  sync.Once
	lines chan string
}

// NewTerminalPrompter wraps the given streams, typically os.Stdin and
// os.Stderr.
func NewTerminalPrompter(in io.Reader, out io.Writer) *TerminalPrompter {
	return &TerminalPrompter{in: bufio.NewReader(in), out: out, lines: make(chan string)}
}

// readLines feeds complete lines to p.lines and closes it at end of input.
// A final unterminated line is still delivered.
func (p *TerminalPrompter) readLines() {
	defer close(p.lines)
	for {
		line, err := p.in.ReadString('\n')
		if line != "" && (err == nil || err == io.EOF) {
			p.lines <- strings.TrimRight(line, "\r\n")
		}
		if err != nil {
			return
		}
	}
}

// Ask writes question and waits for one line of input. End of input and
// context cancellation both surface as ErrInterrupted.
func (p *TerminalPrompter) Ask(ctx context.Context, question string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := fmt.Fprint(p.out, question); err != nil {
		return "", fmt.Errorf("write prompt: %w", err)
	}
	p.once.Do(func() { go p.readLines() })

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %v", ErrInterrupted, ctx.Err())
	case line, ok := <-p.lines:
		if !ok {
			return "", ErrInterrupted
		}
		return line, nil
	}
}
