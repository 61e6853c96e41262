package usage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/martinemde/bladerunner/unifiedllm"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "nested", "usage_test.db")
	s, err := NewStore(dbPath, nil)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecord_And_Summary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	recs := []Record{
		{Timestamp: now, SessionID: "s1", Model: "anthropic/claude-haiku-4.5", Provider: "openrouter", Purpose: "agent", InputTokens: 1000, OutputTokens: 500},
		{Timestamp: now, SessionID: "s1", Model: "anthropic/claude-haiku-4.5", Provider: "openrouter", Purpose: "planning", InputTokens: 200, OutputTokens: 100},
		{Timestamp: now, SessionID: "s2", Model: "llama-3.1-70b-versatile", Provider: "groq", InputTokens: 300, OutputTokens: 50},
	}
	for _, r := range recs {
		if err := s.Record(ctx, r); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	sum, err := s.Summary(now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 3 {
		t.Errorf("TotalRecords = %d, want 3", sum.TotalRecords)
	}
	if sum.TotalInputTokens != 1500 {
		t.Errorf("TotalInputTokens = %d, want 1500", sum.TotalInputTokens)
	}
	if sum.TotalOutputTokens != 650 {
		t.Errorf("TotalOutputTokens = %d, want 650", sum.TotalOutputTokens)
	}

	byModel, err := s.SummaryByModel(time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("SummaryByModel: %v", err)
	}
	if got := byModel["anthropic/claude-haiku-4.5"]; got == nil || got.TotalRecords != 2 {
		t.Errorf("haiku summary = %+v, want 2 records", got)
	}

	byPurpose, err := s.SummaryByPurpose(time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("SummaryByPurpose: %v", err)
	}
	if got := byPurpose["agent"]; got == nil || got.TotalRecords != 2 {
		t.Errorf("agent purpose = %+v, want 2 records (empty purpose defaults to agent)", got)
	}
	if got := byPurpose["planning"]; got == nil || got.TotalInputTokens != 200 {
		t.Errorf("planning purpose = %+v", got)
	}
}

func TestSummary_TimeWindow(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	for _, ts := range []time.Time{old, recent} {
		if err := s.Record(ctx, Record{Timestamp: ts, Model: "m", Provider: "p", InputTokens: 10}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	sum, err := s.Summary(recent.Add(-time.Hour), time.Time{})
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 1 {
		t.Errorf("TotalRecords = %d, want 1", sum.TotalRecords)
	}
}

func TestMiddleware(t *testing.T) {
	s := testStore(t)

	next := func(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error) {
		return &unifiedllm.Response{Usage: unifiedllm.Usage{InputTokens: 40, OutputTokens: 2}}, nil
	}
	req := unifiedllm.Request{
		Model:    "anthropic/claude-haiku-4.5",
		Provider: "openrouter",
		Metadata: map[string]string{
			unifiedllm.MetadataPurpose: unifiedllm.PurposeReflection,
			unifiedllm.MetadataSession: "20260301_120000",
			unifiedllm.MetadataTask:    "task_1",
		},
	}
	if _, err := s.Middleware()(context.Background(), req, next); err != nil {
		t.Fatalf("middleware: %v", err)
	}

	byPurpose, err := s.SummaryByPurpose(time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("SummaryByPurpose: %v", err)
	}
	got := byPurpose[unifiedllm.PurposeReflection]
	if got == nil || got.TotalInputTokens != 40 || got.TotalOutputTokens != 2 {
		t.Errorf("reflection summary = %+v", got)
	}
}

func TestMiddleware_ErrorNotRecorded(t *testing.T) {
	s := testStore(t)
	boom := errors.New("boom")
	next := func(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error) {
		return nil, boom
	}
	if _, err := s.Middleware()(context.Background(), unifiedllm.Request{Model: "m"}, next); !errors.Is(err, boom) {
		t.Fatalf("expected passthrough error, got %v", err)
	}
	sum, err := s.Summary(time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 0 {
		t.Errorf("TotalRecords = %d, want 0", sum.TotalRecords)
	}
}

func TestMiddleware_LedgerFailureSwallowed(t *testing.T) {
	s := testStore(t)
	s.Close()

	next := func(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error) {
		return &unifiedllm.Response{}, nil
	}
	resp, err := s.Middleware()(context.Background(), unifiedllm.Request{Model: "m"}, next)
	if err != nil || resp == nil {
		t.Fatalf("expected response despite closed ledger, got %v %v", resp, err)
	}
}

func TestStreamMiddleware(t *testing.T) {
	s := testStore(t)

	next := func(ctx context.Context, req unifiedllm.Request) (<-chan unifiedllm.StreamEvent, error) {
		ch := make(chan unifiedllm.StreamEvent, 3)
		ch <- unifiedllm.StreamEvent{Type: unifiedllm.StreamStart}
		ch <- unifiedllm.StreamEvent{Type: unifiedllm.TextDelta, Delta: "hi"}
		ch <- unifiedllm.StreamEvent{
			Type:     unifiedllm.StreamFinish,
			Response: &unifiedllm.Response{Usage: unifiedllm.Usage{InputTokens: 12, OutputTokens: 3}},
		}
		close(ch)
		return ch, nil
	}
	req := unifiedllm.Request{Model: "m", Metadata: map[string]string{unifiedllm.MetadataPurpose: unifiedllm.PurposeAgent}}
	events, err := s.StreamMiddleware()(context.Background(), req, next)
	if err != nil {
		t.Fatalf("stream middleware: %v", err)
	}
	var n int
	for range events {
		n++
	}
	if n != 3 {
		t.Errorf("forwarded %d events, want 3", n)
	}

	sum, err := s.Summary(time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 1 || sum.TotalInputTokens != 12 || sum.TotalOutputTokens != 3 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestStreamMiddleware_ErrorStreamNotRecorded(t *testing.T) {
	s := testStore(t)

	next := func(ctx context.Context, req unifiedllm.Request) (<-chan unifiedllm.StreamEvent, error) {
		ch := make(chan unifiedllm.StreamEvent, 1)
		ch <- unifiedllm.StreamEvent{Type: unifiedllm.StreamError, Error: errors.New("boom")}
		close(ch)
		return ch, nil
	}
	events, err := s.StreamMiddleware()(context.Background(), unifiedllm.Request{Model: "m"}, next)
	if err != nil {
		t.Fatalf("stream middleware: %v", err)
	}
	for range events {
	}

	sum, err := s.Summary(time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 0 {
		t.Errorf("TotalRecords = %d, want 0", sum.TotalRecords)
	}
}
