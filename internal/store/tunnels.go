package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Tunnel modes. Mode is fixed at create time.
const (
	ModeHTTP = "http"
	ModeTCP  = "tcp"
)

// ErrNotFound is returned when no tunnel matches the given domain or token.
var ErrNotFound = errors.New("tunnel not found")

// ErrDomainTaken is returned by Create when the domain already exists.
var ErrDomainTaken = errors.New("domain already registered")

// Tunnel is one persisted tunnel record.
type Tunnel struct {
	ID              int64
	Domain          string
	Token           string
	Mode            string
	Enabled         bool
	Name            string
	Description     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastConnectedAt *time.Time
	TotalRequests   int64
}

// UpdateParams carries the mutable tunnel fields. Nil means leave unchanged.
type UpdateParams struct {
	Name        *string
	Description *string
	Enabled     *bool
}

// GenerateToken produces a new tunnel secret: "tun_" followed by 32
// random bytes, url-safe base64 without padding.
func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return "tun_" + base64.RawURLEncoding.EncodeToString(buf), nil
}

const tunnelColumns = "id, domain, token, mode, enabled, name, description, created_at, updated_at, last_connected_at, total_requests"

// CreateTunnel inserts a new tunnel. An empty token is auto-generated;
// an empty mode defaults to http.
func (s *Store) CreateTunnel(ctx context.Context, domain, token, mode, name, description string) (*Tunnel, error) {
	if token == "" {
		var err error
		token, err = GenerateToken()
		if err != nil {
			return nil, err
		}
	}
	if mode == "" {
		mode = ModeHTTP
	}

	now := time.Now().UTC()
	var id int64
	if s.dialect == "postgres" {
		err := s.db.QueryRowContext(ctx,
			"INSERT INTO tunnels (domain, token, mode, enabled, name, description, created_at, updated_at) VALUES ($1, $2, $3, TRUE, $4, $5, $6, $7) RETURNING id",
			domain, token, mode, nullable(name), nullable(description), now, now,
		).Scan(&id)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, ErrDomainTaken
			}
			return nil, fmt.Errorf("create tunnel: %w", err)
		}
	} else {
		res, err := s.db.ExecContext(ctx,
			"INSERT INTO tunnels (domain, token, mode, enabled, name, description, created_at, updated_at) VALUES ($1, $2, $3, TRUE, $4, $5, $6, $7)",
			domain, token, mode, nullable(name), nullable(description), now, now,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, ErrDomainTaken
			}
			return nil, fmt.Errorf("create tunnel: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("create tunnel: %w", err)
		}
	}

	return &Tunnel{
		ID:          id,
		Domain:      domain,
		Token:       token,
		Mode:        mode,
		Enabled:     true,
		Name:        name,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// TunnelByDomain returns the tunnel record for a domain.
func (s *Store) TunnelByDomain(ctx context.Context, domain string) (*Tunnel, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+tunnelColumns+" FROM tunnels WHERE domain = $1", domain)
	return scanTunnel(row)
}

// TunnelByToken returns the tunnel record for a token.
func (s *Store) TunnelByToken(ctx context.Context, token string) (*Tunnel, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+tunnelColumns+" FROM tunnels WHERE token = $1", token)
	return scanTunnel(row)
}

// ListTunnels returns tunnels ordered by creation time, newest first.
// limit <= 0 means no limit.
func (s *Store) ListTunnels(ctx context.Context, enabledOnly bool, limit, offset int) ([]*Tunnel, error) {
	query := "SELECT " + tunnelColumns + " FROM tunnels"
	if enabledOnly {
		query += " WHERE enabled = TRUE"
	}
	query += " ORDER BY created_at DESC, id DESC"

	var args []any
	n := 0
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
		return nil, fmt.Errorf("list tunnels: %w", err)
	}
	defer rows.Close()

	var tunnels []*Tunnel
	for rows.Next() {
		t, err := scanTunnel(rows)
		if err != nil {
			return nil, err
		}
		tunnels = append(tunnels, t)
	}
	return tunnels, rows.Err()
}

// UpdateTunnel applies the non-nil fields of params to the tunnel.
func (s *Store) UpdateTunnel(ctx context.Context, domain string, params UpdateParams) (*Tunnel, error) {
	var sets []string
	var args []any
	n := 0

	add := func(column string, value any) {
		n++
		sets = append(sets, fmt.Sprintf("%s = $%d", column, n))
		args = append(args, value)
	}
	if params.Name != nil {
		add("name", nullable(*params.Name))
	}
	if params.Description != nil {
		add("description", nullable(*params.Description))
	}
	if params.Enabled != nil {
		add("enabled", *params.Enabled)
	}
	add("updated_at", time.Now().UTC())

	n++
	args = append(args, domain)
	query := fmt.Sprintf("UPDATE tunnels SET %s WHERE domain = $%d", strings.Join(sets, ", "), n)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update tunnel: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return nil, ErrNotFound
	}
	return s.TunnelByDomain(ctx, domain)
}

// DeleteTunnel removes a tunnel and, via the foreign key, its request logs.
func (s *Store) DeleteTunnel(ctx context.Context, domain string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM tunnels WHERE domain = $1", domain)
	if err != nil {
		return fmt.Errorf("delete tunnel: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

// RegenerateToken replaces the tunnel's token and returns the new one.
func (s *Store) RegenerateToken(ctx context.Context, domain string) (string, error) {
	token, err := GenerateToken()
	if err != nil {
		return "", err
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE tunnels SET token = $1, updated_at = $2 WHERE domain = $3",
		token, time.Now().UTC(), domain,
	)
	if err != nil {
		return "", fmt.Errorf("regenerate token: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return "", ErrNotFound
	}
	return token, nil
}

// TouchLastConnected records a successful authentication for the token.
func (s *Store) TouchLastConnected(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE tunnels SET last_connected_at = $1 WHERE token = $2",
		time.Now().UTC(), token,
	)
	if err != nil {
		return fmt.Errorf("touch last connected: %w", err)
	}
	return nil
}

// IncrementRequests adds n to the tunnel's total request counter.
func (s *Store) IncrementRequests(ctx context.Context, token string, n int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE tunnels SET total_requests = total_requests + $1 WHERE token = $2",
		n, token,
	)
	if err != nil {
		return fmt.Errorf("increment requests: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTunnel(row rowScanner) (*Tunnel, error) {
	var t Tunnel
	var name, description sql.NullString
	var lastConnected sql.NullTime
	err := row.Scan(&t.ID, &t.Domain, &t.Token, &t.Mode, &t.Enabled,
		&name, &description, &t.CreatedAt, &t.UpdatedAt, &lastConnected, &t.TotalRequests)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan tunnel: %w", err)
	}
	t.Name = name.String
	t.Description = description.String
	if lastConnected.Valid {
		ts := lastConnected.Time
		t.LastConnectedAt = &ts
	}
	return &t, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// isUniqueViolation matches the pq and sqlite3 unique-constraint errors
// without depending on driver-specific error types.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
