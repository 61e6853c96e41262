// Package memory stores successful task solutions and retrieves similar
// ones by word overlap.
package memory

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SolutionsFile is the append-only log inside the data dir.
const SolutionsFile = "solutions.jsonl"

// Retrieval defaults.
const (
	DefaultThreshold = 0.3
	DefaultLimit     = 3
)

// Solution is one remembered task and the steps that solved it.
type Solution struct {
	Task      string    `json:"task"`
	Steps     []string  `json:"steps"`
	Timestamp time.Time `json:"timestamp"`
	ToolsUsed []string  `json:"tools_used"`
}

// Store is the episodic memory backed by a JSONL file.
type Store struct {
	path      string
	logger    *zap.Logger
	now       func() time.Time
	mu        sync.Mutex
	solutions []Solution
}

// New opens the store under dir, loading any existing solutions. Corrupt
// lines are skipped.
func New(dir string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		path:   filepath.Join(dir, SolutionsFile),
		logger: logger,
		now:    time.Now,
	}
	s.load()
	return s
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to read solutions", zap.String("path", s.path), zap.Error(err))
		}
		return
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var sol Solution
		if err := json.Unmarshal(line, &sol); err != nil {
			s.logger.Warn("skipping corrupt solution record", zap.Error(err))
			continue
		}
		s.solutions = append(s.solutions, sol)
	}
}

// Similarity is the Jaccard index of the lowercase whitespace-separated
// word sets of a and b. Either side empty yields 0.
func Similarity(a, b string) float64 {
	wa := wordSet(a)
	wb := wordSet(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	inter := 0
	for w := range wa {
		if _, ok := wb[w]; ok {
			inter++
		}
	}
	union := len(wa) + len(wb) - inter
	return float64(inter) / float64(union)
}

func wordSet(s string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(s))
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// ToolsFromSteps extracts distinct tool names from "tool:Name(args)"
// steps in first-seen order.
func ToolsFromSteps(steps []string) []string {
	seen := make(map[string]struct{})
	tools := []string{}
	for _, step := range steps {
		idx := strings.Index(strings.ToLower(step), "tool:")
		if idx < 0 {
			continue
		}
		rest := strings.TrimSpace(step[idx+len("tool:"):])
		if paren := strings.IndexByte(rest, '('); paren >= 0 {
			rest = rest[:paren]
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		name := fields[0]
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		tools = append(tools, name)
	}
	return tools
}

// Store records a solution. Unsuccessful runs are ignored.
func (s *Store) Store(task string, steps []string, success bool) {
	if !success {
		return
	}
	sol := Solution{
		Task:      task,
		Steps:     append([]string(nil), steps...),
		Timestamp: s.now(),
		ToolsUsed: ToolsFromSteps(steps),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.solutions = append(s.solutions, sol)
	if err := s.appendLocked(sol); err != nil {
		s.logger.Warn("failed to persist solution", zap.String("path", s.path), zap.Error(err))
	}
}

func (s *Store) appendLocked(sol Solution) error {
	line, err := json.Marshal(sol)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Match is a retrieved solution with its similarity score.
type Match struct {
	Solution   Solution
	Similarity float64
}

// FindSimilar returns up to limit solutions whose similarity to task is at
// least threshold, most similar first.
func (s *Store) FindSimilar(task string, threshold float64, limit int) []Match {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matches []Match
	for _, sol := range s.solutions {
		sim := Similarity(task, sol.Task)
		if sim >= threshold {
			matches = append(matches, Match{Solution: sol, Similarity: sim})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	if limit >= 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// Context formats similar past solutions for injection into the
// conversation, or returns "" when none qualify.
func (s *Store) Context(task string) string {
	similar := s.FindSimilar(task, DefaultThreshold, DefaultLimit)
	if len(similar) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("\n[Similar Past Solutions]\n")
	for i, m := range similar {
		fmt.Fprintf(&sb, "%d. Task: %s\n", i+1, m.Solution.Task)
		fmt.Fprintf(&sb, "   Steps: %s\n", strings.Join(m.Solution.Steps, " → "))
		fmt.Fprintf(&sb, "   Tools: %s\n\n", strings.Join(m.Solution.ToolsUsed, ", "))
	}
	return sb.String()
}

// Len returns the number of stored solutions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.solutions)
}

// ToolCount is the number of stored solutions that used a tool.
type ToolCount struct {
	Tool      string
	Solutions int
}

// Stats counts solutions per tool, most frequent first.
func (s *Store) Stats() []ToolCount {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int)
	var order []string
	for _, sol := range s.solutions {
		for _, tool := range sol.ToolsUsed {
			if _, ok := counts[tool]; !ok {
				order = append(order, tool)
			}
			counts[tool]++
		}
	}
	out := make([]ToolCount, 0, len(order))
	for _, tool := range order {
		out = append(out, ToolCount{Tool: tool, Solutions: counts[tool]})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Solutions > out[j].Solutions })
	return out
}

// Clear forgets every solution and removes the log file.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.solutions = nil
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear memory: %w", err)
	}
	return nil
}
