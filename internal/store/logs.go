package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Field caps applied on append so one oversized exchange cannot bloat
// the log table.
const (
	maxLogPathLen  = 1000
	maxLogBodyLen  = 10000
	maxLogErrorLen = 2000
)

// RequestLog is one forwarded exchange recorded against a tunnel.
type RequestLog struct {
	ID              int64
	TunnelID        int64
	Domain          string
	Method          string
	Path            string
	RequestHeaders  string
	RequestBody     string
	ResponseStatus  int
	ResponseHeaders string
	ResponseBody    string
	Error           string
	DurationMS      int64
	CreatedAt       time.Time
}

// AppendLog records one exchange. Oversized fields are truncated.
func (s *Store) AppendLog(ctx context.Context, log *RequestLog) error {
	createdAt := log.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tunnel_request_logs
		 (tunnel_id, domain, method, path, request_headers, request_body,
		  response_status, response_headers, response_body, error, duration_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		log.TunnelID, log.Domain, log.Method,
		truncate(log.Path, maxLogPathLen),
		nullable(truncate(log.RequestHeaders, maxLogBodyLen)),
		nullable(truncate(log.RequestBody, maxLogBodyLen)),
		log.ResponseStatus,
		nullable(truncate(log.ResponseHeaders, maxLogBodyLen)),
		nullable(truncate(log.ResponseBody, maxLogBodyLen)),
		nullable(truncate(log.Error, maxLogErrorLen)),
		log.DurationMS, createdAt,
	)
	if err != nil {
		return fmt.Errorf("append request log: %w", err)
	}
	return nil
}

// RecentLogs returns the newest logs for a domain. limit <= 0 means no limit.
func (s *Store) RecentLogs(ctx context.Context, domain string, limit, offset int) ([]*RequestLog, error) {
	query := `SELECT id, tunnel_id, domain, method, path, request_headers, request_body,
	          response_status, response_headers, response_body, error, duration_ms, created_at
	          FROM tunnel_request_logs WHERE domain = $1 ORDER BY created_at DESC, id DESC`

	args := []any{domain}
	n := 1
	if limit > 0 {
		n++
		query += fmt.Sprintf(" LIMIT $%d", n)
		args = append(args, limit)
	}
	if offset > 0 {
		n++
		query += fmt.Sprintf(" OFFSET $%d", n)
		args = append(args, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list request logs: %w", err)
	}
	defer rows.Close()

	var logs []*RequestLog
	for rows.Next() {
		var l RequestLog
		var reqHeaders, reqBody, respHeaders, respBody, logError sql.NullString
		var status, duration sql.NullInt64
		err := rows.Scan(&l.ID, &l.TunnelID, &l.Domain, &l.Method, &l.Path,
			&reqHeaders, &reqBody, &status, &respHeaders, &respBody,
			&logError, &duration, &l.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan request log: %w", err)
		}
		l.RequestHeaders = reqHeaders.String
		l.RequestBody = reqBody.String
		l.ResponseStatus = int(status.Int64)
		l.ResponseHeaders = respHeaders.String
		l.ResponseBody = respBody.String
		l.Error = logError.String
		l.DurationMS = duration.Int64
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

// CountLogs returns how many logs exist for a domain.
func (s *Store) CountLogs(ctx context.Context, domain string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tunnel_request_logs WHERE domain = $1", domain).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count request logs: %w", err)
	}
	return count, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
