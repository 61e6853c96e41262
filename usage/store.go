// Package usage keeps a persistent ledger of token usage for every
// completion request. Records are append-only and indexed by timestamp and
// session for aggregation queries.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/martinemde/bladerunner/unifiedllm"
)

// tsLayout is fixed width so timestamps compare correctly as text.
const tsLayout = "2006-01-02T15:04:05.000000Z"

// Record is one completion request's token usage.
type Record struct {
	ID           string
	Timestamp    time.Time
	SessionID    string
	TaskID       string
	Model        string
	Provider     string
	Purpose      string // "agent", "planning", "reflection"
	InputTokens  int
	OutputTokens int
}

// Summary holds aggregated token totals.
type Summary struct {
	TotalRecords      int
	TotalInputTokens  int64
	TotalOutputTokens int64
}

// Store is an append-only SQLite store for usage records. It is safe for
// concurrent use.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewStore opens or creates the ledger at dbPath.
func NewStore(dbPath string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create usage directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_records (
		id            TEXT PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		session_id    TEXT,
		task_id       TEXT,
		model         TEXT NOT NULL,
		provider      TEXT NOT NULL,
		purpose       TEXT NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_usage_session ON usage_records(session_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists a usage record. If rec.ID is empty, a UUIDv7 is
// generated.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if rec.Purpose == "" {
		rec.Purpose = unifiedllm.PurposeAgent
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records
			(id, timestamp, session_id, task_id, model, provider, purpose, input_tokens, output_tokens)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(tsLayout),
		rec.SessionID,
		rec.TaskID,
		rec.Model,
		rec.Provider,
		rec.Purpose,
		rec.InputTokens,
		rec.OutputTokens,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Summary returns totals for records within [start, end). A zero end means
// no upper bound.
func (s *Store) Summary(start, end time.Time) (*Summary, error) {
	lo, hi := bounds(start, end)
	row := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM usage_records
		 WHERE timestamp >= ? AND timestamp < ?`,
		lo, hi,
	)

	var sum Summary
	if err := row.Scan(&sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByModel returns per-model totals for records within [start, end).
func (s *Store) SummaryByModel(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("model", start, end)
}

// SummaryByPurpose returns per-purpose totals for records within [start, end).
func (s *Store) SummaryByPurpose(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("purpose", start, end)
}

func (s *Store) summaryGroupedBy(column string, start, end time.Time) (map[string]*Summary, error) {
	// column only ever comes from the methods above.
	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM usage_records
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s`,
		column, column,
	)

	lo, hi := bounds(start, end)
	rows, err := s.db.Query(query, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}

func bounds(start, end time.Time) (string, string) {
	hi := "9999"
	if !end.IsZero() {
		hi = end.UTC().Format(tsLayout)
	}
	return start.UTC().Format(tsLayout), hi
}

// Middleware records every successful completion that passes through a
// client. Ledger failures are logged and never fail the request.
func (s *Store) Middleware() unifiedllm.Middleware {
	return func(ctx context.Context, req unifiedllm.Request, next func(context.Context, unifiedllm.Request) (*unifiedllm.Response, error)) (*unifiedllm.Response, error) {
		resp, err := next(ctx, req)
		if err != nil {
			return resp, err
		}
		s.recordRequest(ctx, req, resp.Usage)
		return resp, nil
	}
}

// StreamMiddleware records the usage carried by a stream's finish event.
// Events are forwarded unchanged; streams that end in error are not recorded.
func (s *Store) StreamMiddleware() unifiedllm.StreamMiddleware {
	return func(ctx context.Context, req unifiedllm.Request, next func(context.Context, unifiedllm.Request) (<-chan unifiedllm.StreamEvent, error)) (<-chan unifiedllm.StreamEvent, error) {
		in, err := next(ctx, req)
		if err != nil {
			return nil, err
		}
		out := make(chan unifiedllm.StreamEvent, cap(in))
		go func() {
			defer close(out)
			for ev := range in {
				if ev.Type == unifiedllm.StreamFinish {
					switch {
					case ev.Response != nil:
						s.recordRequest(ctx, req, ev.Response.Usage)
					case ev.Usage != nil:
						s.recordRequest(ctx, req, *ev.Usage)
					}
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					// Drain so the producer can finish and close.
					for range in {
					}
					return
				}
			}
		}()
		return out, nil
	}
}

func (s *Store) recordRequest(ctx context.Context, req unifiedllm.Request, u unifiedllm.Usage) {
	rec := Record{
		SessionID:    req.Metadata[unifiedllm.MetadataSession],
		TaskID:       req.Metadata[unifiedllm.MetadataTask],
		Model:        req.Model,
		Provider:     req.Provider,
		Purpose:      req.Purpose(),
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
	}
	// The ledger write must not be aborted by a cancelled request.
	if err := s.Record(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Warn("usage record failed", zap.Error(err), zap.String("model", rec.Model))
	}
}
