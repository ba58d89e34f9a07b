package query

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"

	_ "github.com/marcboeker/go-duckdb"
	"github.com/xtxerr/lidarlog/internal/errors"
	"github.com/xtxerr/lidarlog/internal/storage/parquet"
)

// Service provides query capabilities over parquet exports.
// It uses an in-memory DuckDB database to scan the files in place.
type Service struct {
	mu sync.Mutex
	db *sql.DB

	// Statistics
	stats ServiceStats
}

// Options configures the query service.
type Options struct {
	// MemoryLimit caps DuckDB memory, e.g. "512MB". Empty keeps the default.
	MemoryLimit string
}

// SessionStat is the per-session row of SessionStats.
type SessionStat struct {
	Day         string  `json:"day"`
	Session     string  `json:"session"`
	Rows        int64   `json:"rows"`
	Returns     int64   `json:"returns"`
	MinDistance float64 `json:"min_distance"`
	MaxDistance float64 `json:"max_distance"`
	AvgDistance float64 `json:"avg_distance"`
	FirstTs     float64 `json:"first_ts"`
	LastTs      float64 `json:"last_ts"`
}

// Query selects readings from an export. Zero fields do not filter.
type Query struct {
	Day      string
	Session  string
	MinAngle *float64
	MaxAngle *float64
	Limit    int
}

// Match reports whether row passes the filters of q. Limit is not applied.
func (q Query) Match(row *parquet.ReadingRow) bool {
	switch {
	case q.Day != "" && row.Day != q.Day:
		return false
	case q.Session != "" && row.Session != q.Session:
		return false
	case q.MinAngle != nil && row.Angle < *q.MinAngle:
		return false
	case q.MaxAngle != nil && row.Angle > *q.MaxAngle:
		return false
	}
	return true
}

// Scan answers q by reading the export directly, without DuckDB. Exports
// are written in day, session and timestamp order, so rows come back in
// the same order Service.Readings returns them.
func Scan(path string, q Query) ([]parquet.ReadingRow, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%s: %w", path, errors.ErrFileNotFound)
	}
	return parquet.Select(path, q.Match, q.Limit)
}

// New creates a new query service.
func New(opts Options) (*Service, error) {
	// Open in-memory DuckDB database
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	// Configure DuckDB
	if opts.MemoryLimit != "" {
		_, err = db.Exec(fmt.Sprintf("SET memory_limit=%s", quote(opts.MemoryLimit)))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("set memory limit: %w", err)
		}
	}

	return &Service{db: db}, nil
}

// Close closes the query service.
func (s *Service) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SessionStats returns per-session row counts and distance statistics of
// the export at path, in storage order.
func (s *Service) SessionStats(ctx context.Context, path string) ([]SessionStat, error) {
	src, err := source(path)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT
			day, session,
			count(*) AS rows,
			count(*) FILTER (WHERE distance > 0) AS returns,
			coalesce(min(distance) FILTER (WHERE distance > 0), 0),
			coalesce(max(distance) FILTER (WHERE distance > 0), 0),
			coalesce(avg(distance) FILTER (WHERE distance > 0), 0),
			min(timestamp), max(timestamp)
		FROM ` + src + `
		GROUP BY day, session
		ORDER BY day, session
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, s.fail(fmt.Errorf("query session stats: %w", err))
	}
	defer rows.Close()

	var out []SessionStat
	for rows.Next() {
		var st SessionStat
		if err := rows.Scan(
			&st.Day, &st.Session,
			&st.Rows, &st.Returns,
			&st.MinDistance, &st.MaxDistance, &st.AvgDistance,
			&st.FirstTs, &st.LastTs,
		); err != nil {
			return nil, s.fail(fmt.Errorf("scan row: %w", err))
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(err)
	}

	s.done(len(out))
	return out, nil
}

// Readings returns the readings of the export at path selected by q.
func (s *Service) Readings(ctx context.Context, path string, q Query) ([]parquet.ReadingRow, error) {
	src, err := source(path)
	if err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	if q.Day != "" {
		args = append(args, q.Day)
		where = append(where, fmt.Sprintf("day = $%d", len(args)))
	}
	if q.Session != "" {
		args = append(args, q.Session)
		where = append(where, fmt.Sprintf("session = $%d", len(args)))
	}
	if q.MinAngle != nil {
		args = append(args, *q.MinAngle)
		where = append(where, fmt.Sprintf("angle >= $%d", len(args)))
	}
	if q.MaxAngle != nil {
		args = append(args, *q.MaxAngle)
		where = append(where, fmt.Sprintf("angle <= $%d", len(args)))
	}

	query := "SELECT day, session, timestamp, angle, distance FROM " + src
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY day, session, timestamp"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.fail(fmt.Errorf("query readings: %w", err))
	}
	defer rows.Close()

	var out []parquet.ReadingRow
	for rows.Next() {
		var r parquet.ReadingRow
		if err := rows.Scan(&r.Day, &r.Session, &r.Timestamp, &r.Angle, &r.Distance); err != nil {
			return nil, s.fail(fmt.Errorf("scan row: %w", err))
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(err)
	}

	s.done(len(out))
	return out, nil
}

// ExecuteSQL executes a raw SQL query using DuckDB.
// This is useful for ad-hoc queries and debugging.
func (s *Service) ExecuteSQL(ctx context.Context, query string) ([]map[string]interface{}, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, s.fail(err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []map[string]interface{}

	for rows.Next() {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, err
		}

		row := make(map[string]interface{})
		for i, col := range columns {
			row[col] = values[i]
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(err)
	}

	s.done(len(results))
	return results, nil
}

// ServiceStats holds service statistics.
type ServiceStats struct {
	QueriesExecuted int64
	RowsReturned    int64
	Errors          int64
}

// Stats returns query statistics.
func (s *Service) Stats() ServiceStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Service) done(rows int) {
	s.mu.Lock()
	s.stats.QueriesExecuted++
	s.stats.RowsReturned += int64(rows)
	s.mu.Unlock()
}

func (s *Service) fail(err error) error {
	s.mu.Lock()
	s.stats.Errors++
	s.mu.Unlock()
	return err
}

// source returns the read_parquet table expression for path.
func source(path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%s: %w", path, errors.ErrFileNotFound)
	}
	return "read_parquet(" + quote(path) + ")", nil
}

// quote renders s as a SQL string literal.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
