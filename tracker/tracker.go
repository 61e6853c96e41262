// Package tracker keeps durable per-tool success and failure counters.
package tracker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"go.uber.org/zap"
)

// StatsFile is the name of the statistics document inside the data dir.
const StatsFile = "tool_stats.json"

// MinRankedAttempts is the sample size below which a tool is not ranked.
const MinRankedAttempts = 3

// NeutralSuccessRate is reported for tools that have never run.
const NeutralSuccessRate = 0.5

// ToolStat holds the all-time counters for one tool.
type ToolStat struct {
	Total       int            `json:"total"`
	Successful  int            `json:"successful"`
	Failed      int            `json:"failed"`
	SuccessRate float64        `json:"success_rate"`
	LastUsed    *time.Time     `json:"last_used"`
	Errors      map[string]int `json:"errors"`
}

// SessionStat counts calls made by this process only.
type SessionStat struct {
	Calls     int `json:"calls"`
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
}

// Ranked is one row of the reliability ranking.
type Ranked struct {
	Tool        string  `json:"tool"`
	SuccessRate float64 `json:"success_rate"`
	Total       int     `json:"total"`
	Successful  int     `json:"successful"`
}

// Tracker records tool outcomes and persists the full table after every
// update. Tools keep the order in which they were first seen.
type Tracker struct {
	path    string
	logger  *zap.Logger
	now     func() time.Time
	mu      sync.Mutex
	stats   *orderedmap.OrderedMap[string, *ToolStat]
	session map[string]*SessionStat
}

// New opens the tracker stored under dir. A missing or unreadable file
// starts an empty table.
func New(dir string, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		path:    filepath.Join(dir, StatsFile),
		logger:  logger,
		now:     time.Now,
		stats:   orderedmap.New[string, *ToolStat](),
		session: make(map[string]*SessionStat),
	}
	t.load()
	return t
}

func (t *Tracker) load() {
	data, err := os.ReadFile(t.path)
	if err != nil {
		if !os.IsNotExist(err) {
			t.logger.Warn("failed to read tool stats", zap.String("path", t.path), zap.Error(err))
		}
		return
	}
	loaded := orderedmap.New[string, *ToolStat]()
	if err := json.Unmarshal(data, loaded); err != nil {
		t.logger.Warn("ignoring corrupt tool stats", zap.String("path", t.path), zap.Error(err))
		return
	}
	for pair := loaded.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value == nil {
			continue
		}
		if pair.Value.Errors == nil {
			pair.Value.Errors = make(map[string]int)
		}
		t.stats.Set(pair.Key, pair.Value)
	}
}

// ErrorKind buckets an error message by the text before its first colon.
func ErrorKind(message string) string {
	kind, _, _ := strings.Cut(message, ":")
	return kind
}

// Record counts one execution attempt of tool. errMsg is bucketed into the
// error histogram when the attempt failed.
func (t *Tracker) Record(tool string, success bool, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	stat, ok := t.stats.Get(tool)
	if !ok {
		stat = &ToolStat{Errors: make(map[string]int)}
		t.stats.Set(tool, stat)
	}
	now := t.now()
	stat.Total++
	stat.LastUsed = &now
	if success {
		stat.Successful++
	} else {
		stat.Failed++
		if errMsg != "" {
			stat.Errors[ErrorKind(errMsg)]++
		}
	}
	stat.SuccessRate = float64(stat.Successful) / float64(stat.Total)

	sess, ok := t.session[tool]
	if !ok {
		sess = &SessionStat{}
		t.session[tool] = sess
	}
	sess.Calls++
	if success {
		sess.Successes++
	} else {
		sess.Failures++
	}

	t.saveLocked()
}

func (t *Tracker) saveLocked() {
	data, err := json.MarshalIndent(t.stats, "", "  ")
	if err != nil {
		t.logger.Warn("failed to encode tool stats", zap.Error(err))
		return
	}
	if err := writeFileAtomic(t.path, data); err != nil {
		t.logger.Warn("failed to persist tool stats", zap.String("path", t.path), zap.Error(err))
	}
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Stat returns a copy of the counters for tool.
func (t *Tracker) Stat(tool string) (ToolStat, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	stat, ok := t.stats.Get(tool)
	if !ok {
		return ToolStat{}, false
	}
	cp := *stat
	cp.Errors = make(map[string]int, len(stat.Errors))
	for k, v := range stat.Errors {
		cp.Errors[k] = v
	}
	return cp, true
}

// Tools lists tool names in first-seen order.
func (t *Tracker) Tools() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, t.stats.Len())
	for pair := t.stats.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// SuccessRate returns the tool's success rate, or NeutralSuccessRate for
// unseen tools.
func (t *Tracker) SuccessRate(tool string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	stat, ok := t.stats.Get(tool)
	if !ok {
		return NeutralSuccessRate
	}
	return stat.SuccessRate
}

// Ranking returns tools with at least MinRankedAttempts attempts, best
// success rate first. Ties keep first-seen order.
func (t *Tracker) Ranking() []Ranked {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ranked []Ranked
	for pair := t.stats.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.Total < MinRankedAttempts {
			continue
		}
		ranked = append(ranked, Ranked{
			Tool:        pair.Key,
			SuccessRate: pair.Value.SuccessRate,
			Total:       pair.Value.Total,
			Successful:  pair.Value.Successful,
		})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].SuccessRate > ranked[j].SuccessRate
	})
	return ranked
}

// Health bands.
const (
	HealthUntested  = "Untested"
	HealthExcellent = "Excellent"
	HealthFair      = "Fair"
	HealthPoor      = "Poor"
	HealthFailing   = "Failing"
)

// HealthBand maps a sample size and success rate onto a qualitative band.
func HealthBand(total int, rate float64) string {
	switch {
	case total < MinRankedAttempts:
		return HealthUntested
	case rate >= 0.9:
		return HealthExcellent
	case rate >= 0.7:
		return HealthFair
	case rate >= 0.5:
		return HealthPoor
	default:
		return HealthFailing
	}
}

// Health returns a "<band> (NN%)" label for every known tool.
func (t *Tracker) Health() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	health := make(map[string]string, t.stats.Len())
	for pair := t.stats.Oldest(); pair != nil; pair = pair.Next() {
		s := pair.Value
		health[pair.Key] = fmt.Sprintf("%s (%.0f%%)", HealthBand(s.Total, s.SuccessRate), s.SuccessRate*100)
	}
	return health
}

// Recommendation names the most reliable ranked tool when its success rate
// is at least 80%.
func (t *Tracker) Recommendation() (string, bool) {
	ranking := t.Ranking()
	if len(ranking) == 0 || ranking[0].SuccessRate < 0.8 {
		return "", false
	}
	best := ranking[0]
	return fmt.Sprintf("Recommend: %s (%.0f%% success rate)", best.Tool, best.SuccessRate*100), true
}

// Session returns a copy of this process's counters.
func (t *Tracker) Session() map[string]SessionStat {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]SessionStat, len(t.session))
	for k, v := range t.session {
		out[k] = *v
	}
	return out
}

// SessionSummary renders this process's counters, or "" when nothing ran.
func (t *Tracker) SessionSummary() string {
	session := t.Session()
	if len(session) == 0 {
		return ""
	}
	names := make([]string, 0, len(session))
	for name := range session {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString("Tool Execution Summary (This Session):\n")
	totalCalls, totalSuccesses := 0, 0
	for _, name := range names {
		s := session[name]
		totalCalls += s.Calls
		totalSuccesses += s.Successes
		fmt.Fprintf(&sb, "  %s: %d calls, %d success, %d failed (%.0f%%)\n",
			name, s.Calls, s.Successes, s.Failures, percent(s.Successes, s.Calls))
	}
	fmt.Fprintf(&sb, "  Total: %d calls, %.0f%% success rate", totalCalls, percent(totalSuccesses, totalCalls))
	return sb.String()
}

// RankingSummary renders the top five ranked tools, or "" when none qualify.
func (t *Tracker) RankingSummary() string {
	ranking := t.Ranking()
	if len(ranking) == 0 {
		return ""
	}
	if len(ranking) > 5 {
		ranking = ranking[:5]
	}
	var sb strings.Builder
	sb.WriteString("Tool Reliability Ranking (All Time):")
	for i, r := range ranking {
		fmt.Fprintf(&sb, "\n  %d. %s: %.0f%% (%d/%d calls)", i+1, r.Tool, r.SuccessRate*100, r.Successful, r.Total)
	}
	return sb.String()
}

func percent(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d) * 100
}
