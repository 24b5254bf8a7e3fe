package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateTunnelGeneratesToken(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tun, err := s.CreateTunnel(ctx, "demo", "", "", "Demo", "test tunnel")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(tun.Token, "tun_") {
		t.Errorf("token %q missing tun_ prefix", tun.Token)
	}
	if len(tun.Token) < 36 {
		t.Errorf("token %q too short", tun.Token)
	}
	if tun.Mode != ModeHTTP {
		t.Errorf("default mode = %q, want %q", tun.Mode, ModeHTTP)
	}
	if !tun.Enabled {
		t.Error("new tunnel should be enabled")
	}

	second, err := s.CreateTunnel(ctx, "demo2", "", "", "", "")
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	if second.Token == tun.Token {
		t.Error("two tunnels got the same token")
	}
}

func TestCreateTunnelDuplicateDomain(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateTunnel(ctx, "demo", "", "", "", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := s.CreateTunnel(ctx, "demo", "", "", "", "")
	if !errors.Is(err, ErrDomainTaken) {
		t.Fatalf("duplicate create error = %v, want ErrDomainTaken", err)
	}
}

func TestTunnelLookups(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created, err := s.CreateTunnel(ctx, "demo", "tun_fixed", ModeTCP, "", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	byDomain, err := s.TunnelByDomain(ctx, "demo")
	if err != nil {
		t.Fatalf("by domain: %v", err)
	}
	byToken, err := s.TunnelByToken(ctx, "tun_fixed")
	if err != nil {
		t.Fatalf("by token: %v", err)
	}
	if byDomain.ID != created.ID || byToken.ID != created.ID {
		t.Errorf("lookups disagree: domain=%d token=%d created=%d", byDomain.ID, byToken.ID, created.ID)
	}
	if byDomain.Mode != ModeTCP {
		t.Errorf("mode = %q, want tcp", byDomain.Mode)
	}

	if _, err := s.TunnelByDomain(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing domain error = %v, want ErrNotFound", err)
	}
	if _, err := s.TunnelByToken(ctx, "tun_ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing token error = %v, want ErrNotFound", err)
	}
}

func TestListTunnels(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, domain := range []string{"a", "b", "c"} {
		if _, err := s.CreateTunnel(ctx, domain, "", "", "", ""); err != nil {
			t.Fatalf("create %s: %v", domain, err)
		}
	}
	disabled := false
	if _, err := s.UpdateTunnel(ctx, "b", UpdateParams{Enabled: &disabled}); err != nil {
		t.Fatalf("disable b: %v", err)
	}

	all, err := s.ListTunnels(ctx, false, 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len(all) = %d, want 3", len(all))
	}

	enabled, err := s.ListTunnels(ctx, true, 0, 0)
	if err != nil {
		t.Fatalf("list enabled: %v", err)
	}
	if len(enabled) != 2 {
		t.Fatalf("len(enabled) = %d, want 2", len(enabled))
	}
	for _, tun := range enabled {
		if tun.Domain == "b" {
			t.Error("disabled tunnel returned from enabled-only list")
		}
	}

	page, err := s.ListTunnels(ctx, false, 2, 1)
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("len(page) = %d, want 2", len(page))
	}
}

func TestUpdateTunnelPartial(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateTunnel(ctx, "demo", "", "", "original", "desc"); err != nil {
		t.Fatalf("create: %v", err)
	}

	name := "renamed"
	updated, err := s.UpdateTunnel(ctx, "demo", UpdateParams{Name: &name})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Name != "renamed" {
		t.Errorf("name = %q, want renamed", updated.Name)
	}
	if updated.Description != "desc" {
		t.Errorf("description changed unexpectedly: %q", updated.Description)
	}
	if updated.Enabled != true {
		t.Error("enabled changed unexpectedly")
	}

	if _, err := s.UpdateTunnel(ctx, "ghost", UpdateParams{Name: &name}); !errors.Is(err, ErrNotFound) {
		t.Errorf("update missing error = %v, want ErrNotFound", err)
	}
}

func TestDeleteTunnelRestoresDomain(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tun, err := s.CreateTunnel(ctx, "demo", "", "", "", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.AppendLog(ctx, &RequestLog{TunnelID: tun.ID, Domain: "demo", Method: "GET", Path: "/"}); err != nil {
		t.Fatalf("append log: %v", err)
	}

	if err := s.DeleteTunnel(ctx, "demo"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.TunnelByDomain(ctx, "demo"); !errors.Is(err, ErrNotFound) {
		t.Errorf("lookup after delete = %v, want ErrNotFound", err)
	}
	if count, err := s.CountLogs(ctx, "demo"); err != nil || count != 0 {
		t.Errorf("logs after delete: count=%d err=%v, want 0 nil", count, err)
	}
	if err := s.DeleteTunnel(ctx, "demo"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete = %v, want ErrNotFound", err)
	}

	// The domain is free again.
	if _, err := s.CreateTunnel(ctx, "demo", "", "", "", ""); err != nil {
		t.Fatalf("re-create after delete: %v", err)
	}
}

func TestRegenerateToken(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tun, err := s.CreateTunnel(ctx, "demo", "", "", "", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	token, err := s.RegenerateToken(ctx, "demo")
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if token == tun.Token {
		t.Error("regenerated token equals the old one")
	}

	if _, err := s.TunnelByToken(ctx, tun.Token); !errors.Is(err, ErrNotFound) {
		t.Errorf("old token still resolves: %v", err)
	}
	if _, err := s.TunnelByToken(ctx, token); err != nil {
		t.Errorf("new token does not resolve: %v", err)
	}

	if _, err := s.RegenerateToken(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("regenerate missing = %v, want ErrNotFound", err)
	}
}

func TestTouchAndIncrement(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tun, err := s.CreateTunnel(ctx, "demo", "", "", "", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if tun.LastConnectedAt != nil {
		t.Error("fresh tunnel has last_connected_at set")
	}

	if err := s.TouchLastConnected(ctx, tun.Token); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if err := s.IncrementRequests(ctx, tun.Token, 3); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := s.IncrementRequests(ctx, tun.Token, 1); err != nil {
		t.Fatalf("increment: %v", err)
	}

	got, err := s.TunnelByDomain(ctx, "demo")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.LastConnectedAt == nil {
		t.Error("last_connected_at not recorded")
	} else if time.Since(*got.LastConnectedAt) > time.Minute {
		t.Errorf("last_connected_at stale: %v", got.LastConnectedAt)
	}
	if got.TotalRequests != 4 {
		t.Errorf("total_requests = %d, want 4", got.TotalRequests)
	}
}

func TestAppendLogTruncation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tun, err := s.CreateTunnel(ctx, "demo", "", "", "", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	err = s.AppendLog(ctx, &RequestLog{
		TunnelID:     tun.ID,
		Domain:       "demo",
		Method:       "POST",
		Path:         "/" + strings.Repeat("p", 2000),
		RequestBody:  strings.Repeat("q", 20000),
		ResponseBody: strings.Repeat("r", 20000),
		Error:        strings.Repeat("e", 5000),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	logs, err := s.RecentLogs(ctx, "demo", 1, 0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("len(logs) = %d, want 1", len(logs))
	}
	l := logs[0]
	if len(l.Path) != maxLogPathLen {
		t.Errorf("path length = %d, want %d", len(l.Path), maxLogPathLen)
	}
	if len(l.RequestBody) != maxLogBodyLen || len(l.ResponseBody) != maxLogBodyLen {
		t.Errorf("body lengths = %d/%d, want %d", len(l.RequestBody), len(l.ResponseBody), maxLogBodyLen)
	}
	if len(l.Error) != maxLogErrorLen {
		t.Errorf("error length = %d, want %d", len(l.Error), maxLogErrorLen)
	}
}

func TestRecentLogsOrderAndCount(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tun, err := s.CreateTunnel(ctx, "demo", "", "", "", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		err := s.AppendLog(ctx, &RequestLog{
			TunnelID:       tun.ID,
			Domain:         "demo",
			Method:         "GET",
			Path:           "/n",
			ResponseStatus: 200 + i,
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	count, err := s.CountLogs(ctx, "demo")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 5 {
		t.Errorf("count = %d, want 5", count)
	}

	logs, err := s.RecentLogs(ctx, "demo", 2, 1)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("len(logs) = %d, want 2", len(logs))
	}
	// Newest first; offset 1 skips status 204.
	if logs[0].ResponseStatus != 203 || logs[1].ResponseStatus != 202 {
		t.Errorf("statuses = %d, %d; want 203, 202", logs[0].ResponseStatus, logs[1].ResponseStatus)
	}
}
