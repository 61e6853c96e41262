// Package evaluation records per-task execution metrics and maintains an
// aggregate summary recomputed from the full history.
package evaluation

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

// File names inside the metrics dir.
const (
	ExecutionsFile = "executions.jsonl"
	SummaryFile    = "evaluation_summary.json"
)

// TaskExecution is the record of one task run.
type TaskExecution struct {
	TaskID           string     `json:"task_id"`
	Prompt           string     `json:"prompt"`
	StartTime        time.Time  `json:"start_time"`
	EndTime          *time.Time `json:"end_time,omitempty"`
	Success          bool       `json:"success"`
	Iterations       int        `json:"iterations"`
	TotalTokens      int        `json:"total_tokens"`
	PromptTokens     int        `json:"prompt_tokens"`
	CompletionTokens int        `json:"completion_tokens"`
	ToolsUsed        []string   `json:"tools_used"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	Model            string     `json:"model,omitempty"`
	Duration         float64    `json:"duration,omitempty"`
	TokensPerSecond  float64    `json:"tokens_per_second,omitempty"`
}

// DurationSeconds is end minus start, or 0 while the task is in flight.
func (e TaskExecution) DurationSeconds() float64 {
	if e.EndTime == nil {
		return 0
	}
	return e.EndTime.Sub(e.StartTime).Seconds()
}

func (e *TaskExecution) finalize() {
	e.Duration = e.DurationSeconds()
	if e.Duration > 0 {
		e.TokensPerSecond = float64(e.TotalTokens) / e.Duration
	}
}

// ToolCount pairs a tool with how often it was used.
type ToolCount struct {
	Tool  string `json:"tool"`
	Count int    `json:"count"`
}

// ModelStats counts tasks per model.
type ModelStats struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
}

// Summary aggregates every recorded task.
type Summary struct {
	LastUpdated          time.Time             `json:"last_updated"`
	TotalTasks           int                   `json:"total_tasks"`
	SuccessfulTasks      int                   `json:"successful_tasks"`
	FailedTasks          int                   `json:"failed_tasks"`
	SuccessRate          float64               `json:"success_rate"`
	AvgIterationsPerTask float64               `json:"avg_iterations_per_task"`
	AvgDurationSeconds   float64               `json:"avg_duration_seconds"`
	TotalTokensUsed      int                   `json:"total_tokens_used"`
	AvgTokensPerTask     float64               `json:"avg_tokens_per_task"`
	ToolUsage            map[string]int        `json:"tool_usage"`
	MostUsedTools        []ToolCount           `json:"most_used_tools"`
	ModelPerformance     map[string]ModelStats `json:"model_performance"`
}

// Evaluator owns the in-flight task and the execution history.
type Evaluator struct {
	dir     string
	logger  *zap.Logger
	now     func() time.Time
	mu      sync.Mutex
	current *TaskExecution
	history []TaskExecution
}

// New opens the evaluator under dir and loads prior executions.
func New(dir string, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Evaluator{dir: dir, logger: logger, now: time.Now}
	e.load()
	return e
}

func (e *Evaluator) executionsPath() string { return filepath.Join(e.dir, ExecutionsFile) }
func (e *Evaluator) summaryPath() string    { return filepath.Join(e.dir, SummaryFile) }

func (e *Evaluator) load() {
	data, err := os.ReadFile(e.executionsPath())
	if err != nil {
		if !os.IsNotExist(err) {
			e.logger.Warn("failed to read execution history", zap.Error(err))
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
		var rec TaskExecution
		if err := json.Unmarshal(line, &rec); err != nil {
			e.logger.Warn("skipping corrupt execution record", zap.Error(err))
			continue
		}
		e.history = append(e.history, rec)
	}
}

// StartTask begins tracking a task and returns its id. A task already in
// flight is discarded.
func (e *Evaluator) StartTask(prompt, model string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := e.now()
	id := fmt.Sprintf("task_%d", start.UnixMilli())
	e.current = &TaskExecution{
		TaskID:    id,
		Prompt:    prompt,
		StartTime: start,
		Model:     model,
		ToolsUsed: []string{},
	}
	return id
}

// RecordIteration counts one model request.
func (e *Evaluator) RecordIteration() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != nil {
		e.current.Iterations++
	}
}

// RecordToolUse appends a tool to the in-flight task's sequence.
func (e *Evaluator) RecordToolUse(tool string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != nil {
		e.current.ToolsUsed = append(e.current.ToolsUsed, tool)
	}
}

// RecordTokens adds token counts to the in-flight task.
func (e *Evaluator) RecordTokens(total, prompt, completion int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != nil {
		e.current.TotalTokens += total
		e.current.PromptTokens += prompt
		e.current.CompletionTokens += completion
	}
}

// Current returns a copy of the in-flight task.
func (e *Evaluator) Current() (TaskExecution, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return TaskExecution{}, false
	}
	cp := *e.current
	cp.ToolsUsed = append([]string(nil), e.current.ToolsUsed...)
	return cp, true
}

// EndTask finalizes the in-flight task, appends it to the history, and
// rewrites the summary. Persistence failures are logged.
func (e *Evaluator) EndTask(success bool, errMsg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return
	}
	end := e.now()
	rec := *e.current
	rec.EndTime = &end
	rec.Success = success
	rec.ErrorMessage = errMsg
	rec.finalize()
	e.current = nil

	e.history = append(e.history, rec)
	if err := e.appendLocked(rec); err != nil {
		e.logger.Warn("failed to save execution", zap.String("task_id", rec.TaskID), zap.Error(err))
	}
	if err := e.writeSummaryLocked(); err != nil {
		e.logger.Warn("failed to save evaluation summary", zap.Error(err))
	}
}

func (e *Evaluator) appendLocked(rec TaskExecution) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(e.executionsPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (e *Evaluator) writeSummaryLocked() error {
	data, err := json.MarshalIndent(summarize(e.history, e.now()), "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(e.summaryPath(), data, 0o644)
}

// summarize recomputes the aggregate from scratch. Cost is linear in the
// history length on every call.
func summarize(history []TaskExecution, now time.Time) Summary {
	s := Summary{
		LastUpdated:      now,
		ToolUsage:        map[string]int{},
		MostUsedTools:    []ToolCount{},
		ModelPerformance: map[string]ModelStats{},
	}
	s.TotalTasks = len(history)
	if s.TotalTasks == 0 {
		return s
	}

	var iterations, durationsN int
	var durations float64
	var toolOrder []string
	for _, rec := range history {
		if rec.Success {
			s.SuccessfulTasks++
		}
		iterations += rec.Iterations
		s.TotalTokensUsed += rec.TotalTokens
		if d := rec.DurationSeconds(); d > 0 {
			durations += d
			durationsN++
		}
		for _, tool := range rec.ToolsUsed {
			if _, ok := s.ToolUsage[tool]; !ok {
				toolOrder = append(toolOrder, tool)
			}
			s.ToolUsage[tool]++
		}
		if rec.Model != "" {
			ms := s.ModelPerformance[rec.Model]
			ms.Total++
			if rec.Success {
				ms.Successful++
			}
			s.ModelPerformance[rec.Model] = ms
		}
	}
	s.FailedTasks = s.TotalTasks - s.SuccessfulTasks
	total := float64(s.TotalTasks)
	s.SuccessRate = float64(s.SuccessfulTasks) / total
	s.AvgIterationsPerTask = float64(iterations) / total
	s.AvgTokensPerTask = float64(s.TotalTokensUsed) / total
	if durationsN > 0 {
		s.AvgDurationSeconds = durations / float64(durationsN)
	}

	for _, tool := range toolOrder {
		s.MostUsedTools = append(s.MostUsedTools, ToolCount{Tool: tool, Count: s.ToolUsage[tool]})
	}
	sort.SliceStable(s.MostUsedTools, func(i, j int) bool {
		return s.MostUsedTools[i].Count > s.MostUsedTools[j].Count
	})
	if len(s.MostUsedTools) > 10 {
		s.MostUsedTools = s.MostUsedTools[:10]
	}
	return s
}

// Summary recomputes the aggregate over the loaded history.
func (e *Evaluator) Summary() Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return summarize(e.history, e.now())
}

// RecentExecutions returns up to n executions, newest first.
func (e *Evaluator) RecentExecutions(n int) []TaskExecution {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n > len(e.history) {
		n = len(e.history)
	}
	if n < 0 {
		n = 0
	}
	out := make([]TaskExecution, 0, n)
	for i := len(e.history) - 1; i >= len(e.history)-n; i-- {
		out = append(out, e.history[i])
	}
	return out
}

// Export writes the summary and full history to path. An empty path
// writes export_<unix>.json in the metrics dir. It returns the path used.
func (e *Evaluator) Export(path string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if path == "" {
		path = filepath.Join(e.dir, fmt.Sprintf("export_%d.json", e.now().Unix()))
	}
	payload := struct {
		Summary    Summary         `json:"summary"`
		Executions []TaskExecution `json:"executions"`
	}{
		Summary:    summarize(e.history, e.now()),
		Executions: append([]TaskExecution{}, e.history...),
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode metrics: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("export metrics: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("export metrics: %w", err)
	}
	return path, nil
}

// Clear drops the history and removes both files.
func (e *Evaluator) Clear() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = nil
	for _, p := range []string{e.executionsPath(), e.summaryPath()} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("clear metrics: %w", err)
		}
	}
	return nil
}

// Report renders the summary for the terminal.
func Report(s Summary) string {
	if s.TotalTasks == 0 {
		return "No evaluation data available yet."
	}
	var sb strings.Builder
	rule := strings.Repeat("=", 60)
	sb.WriteString(rule + "\nAGENT PERFORMANCE EVALUATION SUMMARY\n" + rule + "\n")
	fmt.Fprintf(&sb, "\nLast Updated: %s\n", s.LastUpdated.Format(time.RFC3339))
	fmt.Fprintf(&sb, "\nTotal Tasks: %d\n", s.TotalTasks)
	fmt.Fprintf(&sb, "  Successful: %d\n", s.SuccessfulTasks)
	fmt.Fprintf(&sb, "  Failed: %d\n", s.FailedTasks)
	fmt.Fprintf(&sb, "  Success Rate: %.1f%%\n", s.SuccessRate*100)
	fmt.Fprintf(&sb, "\nAverage Iterations per Task: %.1f\n", s.AvgIterationsPerTask)
	fmt.Fprintf(&sb, "Average Duration: %.2fs\n", s.AvgDurationSeconds)
	fmt.Fprintf(&sb, "\nTotal Tokens Used: %d\n", s.TotalTokensUsed)
	fmt.Fprintf(&sb, "Average Tokens per Task: %.0f\n", s.AvgTokensPerTask)

	if len(s.MostUsedTools) > 0 {
		sb.WriteString("\nMost Used Tools:\n")
		for i, tc := range s.MostUsedTools {
			if i == 5 {
				break
			}
			fmt.Fprintf(&sb, "  - %s: %d times\n", tc.Tool, tc.Count)
		}
	}
	if len(s.ModelPerformance) > 0 {
		models := make([]string, 0, len(s.ModelPerformance))
		for m := range s.ModelPerformance {
			models = append(models, m)
		}
		sort.Strings(models)
		sb.WriteString("\nModel Performance:\n")
		for _, m := range models {
			ms := s.ModelPerformance[m]
			fmt.Fprintf(&sb, "  - %s: %d tasks (%.1f%% success)\n", m, ms.Total, float64(ms.Successful)/float64(ms.Total)*100)
		}
	}
	sb.WriteString("\n" + rule)
	return sb.String()
}
