// Package archive keeps an append-only SQLite record of every external
// call, one row per CostRecord. The key-value store remains the source of
// truth for live budget buckets; the archive exists for offline analysis
// and survives the buckets' TTL expiry.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/gridion/gridion-ai/internal/models"
)

// Schema versions are tracked in the schema_versions table.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_versions (
    version     INTEGER PRIMARY KEY,
    applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS cost_records (
    id                  TEXT PRIMARY KEY,
    agent_type          TEXT NOT NULL,
    model               TEXT NOT NULL,
    input_tokens        INTEGER NOT NULL DEFAULT 0,
    output_tokens       INTEGER NOT NULL DEFAULT 0,
    cache_read_tokens   INTEGER NOT NULL DEFAULT 0,
    cache_write_tokens  INTEGER NOT NULL DEFAULT 0,
    cost_usd            REAL NOT NULL DEFAULT 0.0,
    timestamp           DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cost_records_timestamp ON cost_records(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_cost_records_agent     ON cost_records(agent_type, timestamp DESC);
`,
	},
}

// Archive is the SQLite-backed cost-record archive.
type Archive struct {
	db *sql.DB
}

// Open opens (or creates) the archive database at the given path and runs
// all pending schema migrations. Pass ":memory:" for an in-memory archive.
func Open(path string) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// WAL so readers do not block the append path.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	a := &Archive{db: db}
	if err := a.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return a, nil
}

// migrate applies any unapplied migrations in order.
func (a *Archive) migrate() error {
	_, err := a.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := a.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}

		if _, err := a.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := a.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (a *Archive) Close() error { return a.db.Close() }

func (a *Archive) Ping(ctx context.Context) error { return a.db.PingContext(ctx) }

// Append inserts one cost record. Records are immutable; a duplicate ID is
// an error, never an update.
func (a *Archive) Append(ctx context.Context, rec *models.CostRecord) error {
	_, err := a.db.ExecContext(ctx, `
        INSERT INTO cost_records(id, agent_type, model, input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, cost_usd, timestamp)
        VALUES(?,?,?,?,?,?,?,?,?)
    `,
		rec.ID, string(rec.AgentType), rec.Model,
		rec.InputTokens, rec.OutputTokens, rec.CacheReadTokens, rec.CacheWriteTokens,
		rec.CostUSD, rec.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert cost record: %w", err)
	}
	return nil
}

// Query filters archived records, newest first.
type Query struct {
	Agent models.AgentType
	Model string
	From  time.Time
	To    time.Time
	Limit int
}

func (a *Archive) Records(ctx context.Context, q Query) ([]*models.CostRecord, error) {
	query := `SELECT id,agent_type,model,input_tokens,output_tokens,cache_read_tokens,cache_write_tokens,cost_usd,timestamp FROM cost_records WHERE 1=1`
	args := []any{}

	if q.Agent != "" {
		query += ` AND agent_type = ?`
		args = append(args, string(q.Agent))
	}
	if q.Model != "" {
		query += ` AND model = ?`
		args = append(args, q.Model)
	}
	if !q.From.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, q.From.UTC())
	}
	if !q.To.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, q.To.UTC())
	}
	query += ` ORDER BY timestamp DESC`
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, q.Limit)
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.CostRecord
	for rows.Next() {
		rec := &models.CostRecord{}
		var agent, ts string
		if err := rows.Scan(&rec.ID, &agent, &rec.Model,
			&rec.InputTokens, &rec.OutputTokens, &rec.CacheReadTokens, &rec.CacheWriteTokens,
			&rec.CostUSD, &ts); err != nil {
			return nil, err
		}
		rec.AgentType = models.AgentType(agent)
		rec.Timestamp, _ = parseTime(ts)
		result = append(result, rec)
	}
	return result, rows.Err()
}

// AgentTotal holds one agent's archived aggregates for a window.
type AgentTotal struct {
	Agent        models.AgentType
	Calls        int64
	CostUSD      float64
	InputTokens  int64
	OutputTokens int64
}

// SummaryByAgent aggregates archived spend per agent inside [from, to].
// Zero times leave that bound open.
func (a *Archive) SummaryByAgent(ctx context.Context, from, to time.Time) ([]AgentTotal, error) {
	query := `SELECT agent_type, COUNT(*), COALESCE(SUM(cost_usd),0), COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0) FROM cost_records WHERE 1=1`
	args := []any{}
	if !from.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, from.UTC())
	}
	if !to.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, to.UTC())
	}
	query += ` GROUP BY agent_type ORDER BY agent_type ASC`

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []AgentTotal
	for rows.Next() {
		var t AgentTotal
		var agent string
		if err := rows.Scan(&agent, &t.Calls, &t.CostUSD, &t.InputTokens, &t.OutputTokens); err != nil {
			return nil, err
		}
		t.Agent = models.AgentType(agent)
		result = append(result, t)
	}
	return result, rows.Err()
}

// parseTime handles the datetime formats SQLite hands back.
func parseTime(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}
