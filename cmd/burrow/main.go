package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/burrowhq/burrow/internal/client"
	"github.com/burrowhq/burrow/internal/server"
	"github.com/burrowhq/burrow/internal/store"
	"github.com/burrowhq/burrow/internal/tui"
)

var (
	apiBase string
	apiKey  string
)

func main() {
	root := &cobra.Command{
		Use:          "burrow",
		Short:        "WebSocket reverse tunnels for private services",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&apiBase, "server", "http://localhost:8000", "management API base URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", "", "admin API key")

	root.AddCommand(
		serverCmd(),
		clientCmd(),
		createCmd(),
		listCmd(),
		deleteCmd(),
		regenerateTokenCmd(),
		logsCmd(),
		infoCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()
	return ctx
}

func serverCmd() *cobra.Command {
	var configPath string
	var host, databaseURL, domain string
	var port int

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the tunnel server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := server.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if cmd.Flags().Changed("database-url") {
				cfg.DatabaseURL = databaseURL
			}
			if cmd.Flags().Changed("domain") {
				cfg.Domain = domain
			}

			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
			slog.SetDefault(logger)

			st, err := store.Open(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer st.Close()

			return server.New(cfg, st, logger).Run(signalContext())
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "yaml config file")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "listen host")
	cmd.Flags().IntVarP(&port, "port", "p", 8000, "listen port")
	cmd.Flags().StringVar(&databaseURL, "database-url", "", "postgres:// URL or sqlite path")
	cmd.Flags().StringVar(&domain, "domain", "", "base domain for subdomain routing")
	return cmd
}

func clientCmd() *cobra.Command {
	var configPath string
	var serverURL, token, target string
	var force, useTUI bool

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Connect a tunnel to a local service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := client.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("url") {
				cfg.ServerURL = serverURL
			}
			if cmd.Flags().Changed("token") {
				cfg.Token = token
			}
			if cmd.Flags().Changed("target") {
				cfg.TargetURL = target
			}
			if cmd.Flags().Changed("force") {
				cfg.Force = force
			}
			if cfg.ServerURL == "" {
				return fmt.Errorf("server WebSocket URL required (--url or config)")
			}
			if cfg.Token == "" {
				return fmt.Errorf("tunnel token required (--token or config)")
			}

			logLevel := slog.LevelInfo
			if useTUI {
				logLevel = slog.LevelError
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

			c := client.New(cfg, logger, client.NewDisplay(useTUI))
			ctx := signalContext()

			if useTUI {
				errCh := make(chan error, 1)
				go func() { errCh <- c.Run(ctx) }()
				if err := tui.Run(c); err != nil {
					return err
				}
				select {
				case err := <-errCh:
					return err
				default:
					return nil
				}
			}
			return c.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "yaml config file")
	cmd.Flags().StringVarP(&serverURL, "url", "u", "", "server WebSocket URL (ws://.../ws/tunnel)")
	cmd.Flags().StringVarP(&token, "token", "t", "", "tunnel token")
	cmd.Flags().StringVar(&target, "target", "", "local target URL")
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing session for this token")
	cmd.Flags().BoolVar(&useTUI, "tui", false, "interactive request feed")
	return cmd
}

// apiRequest calls the management API and decodes the JSON reply.
func apiRequest(method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, apiBase+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}

	resp, err := (&http.Client{Timeout: 30 * time.Second}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

func createCmd() *cobra.Command {
	var name, description, mode string

	cmd := &cobra.Command{
		Use:   "create <domain>",
		Short: "Create a tunnel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Domain string `json:"domain"`
				Token  string `json:"token"`
			}
			err := apiRequest(http.MethodPost, "/api/tunnels", map[string]string{
				"domain":      args[0],
				"name":        name,
				"description": description,
				"mode":        mode,
			}, &out)
			if err != nil {
				return err
			}

			fmt.Printf("%s tunnel %s created\n", color.GreenString("✓"), color.New(color.Bold).Sprint(out.Domain))
			fmt.Printf("  token: %s\n", color.CyanString(out.Token))
			fmt.Printf("\n  connect with:\n    burrow client --token %s --target http://localhost:3000\n", out.Token)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&mode, "mode", "http", "tunnel mode: http or tcp")
	return cmd
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tunnels",
		RunE: func(cmd *cobra.Command, args []string) error {
			var tunnels []struct {
				Domain        string `json:"domain"`
				Name          string `json:"name"`
				Mode          string `json:"mode"`
				Enabled       bool   `json:"enabled"`
				Connected     bool   `json:"connected"`
				TotalRequests int64  `json:"total_requests"`
			}
			if err := apiRequest(http.MethodGet, "/api/tunnels", nil, &tunnels); err != nil {
				return err
			}
			if len(tunnels) == 0 {
				fmt.Println("no tunnels")
				return nil
			}

			fmt.Printf("%-20s %-6s %-10s %-9s %s\n", "DOMAIN", "MODE", "STATUS", "ENABLED", "REQUESTS")
			for _, t := range tunnels {
				status := color.RedString("offline")
				if t.Connected {
					status = color.GreenString("online")
				}
				enabled := "yes"
				if !t.Enabled {
					enabled = color.YellowString("no")
				}
				fmt.Printf("%-20s %-6s %-19s %-9s %d\n", t.Domain, t.Mode, status, enabled, t.TotalRequests)
			}
			return nil
		},
	}
}

func deleteCmd() *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "delete <domain>",
		Short: "Delete a tunnel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/tunnels/" + args[0]

			req, err := http.NewRequest(http.MethodDelete, apiBase+path, nil)
			if err != nil {
				return err
			}
			if apiKey != "" {
				req.Header.Set("x-api-key", apiKey)
			}
			if token != "" {
				req.Header.Set("x-tunnel-token", token)
			}
			resp, err := (&http.Client{Timeout: 30 * time.Second}).Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 400 {
				data, _ := io.ReadAll(resp.Body)
				var apiErr struct {
					Error string `json:"error"`
				}
				if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
					return fmt.Errorf("%s", apiErr.Error)
				}
				return fmt.Errorf("server returned %s", resp.Status)
			}

			fmt.Printf("%s tunnel %s deleted\n", color.GreenString("✓"), args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&token, "token", "t", "", "tunnel token (alternative to the admin key)")
	return cmd
}

func regenerateTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "regenerate-token <domain>",
		Short: "Replace a tunnel's token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Token string `json:"token"`
			}
			if err := apiRequest(http.MethodPost, "/api/tunnels/"+args[0]+"/regenerate-token", nil, &out); err != nil {
				return err
			}
			fmt.Printf("%s new token for %s:\n  %s\n", color.GreenString("✓"), args[0], color.CyanString(out.Token))
			return nil
		},
	}
}

func logsCmd() *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "logs <domain>",
		Short: "Show recent request logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Total int `json:"total"`
				Logs  []struct {
					Method         string `json:"method"`
					Path           string `json:"path"`
					ResponseStatus int    `json:"response_status"`
					Error          string `json:"error"`
					DurationMS     int64  `json:"duration_ms"`
					CreatedAt      string `json:"created_at"`
				} `json:"logs"`
			}
			path := fmt.Sprintf("/api/tunnels/%s/logs?limit=%d&offset=%d", args[0], limit, offset)
			if err := apiRequest(http.MethodGet, path, nil, &out); err != nil {
				return err
			}

			fmt.Printf("%d requests total\n\n", out.Total)
			for _, l := range out.Logs {
				status := fmt.Sprintf("%d", l.ResponseStatus)
				switch {
				case l.ResponseStatus >= 500:
					status = color.RedString(status)
				case l.ResponseStatus >= 400:
					status = color.YellowString(status)
				default:
					status = color.GreenString(status)
				}
				line := fmt.Sprintf("%s %s %-6s %s (%dms)", l.CreatedAt, status, l.Method, l.Path, l.DurationMS)
				if l.Error != "" {
					line += " " + color.RedString(l.Error)
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "number of entries")
	cmd.Flags().IntVar(&offset, "offset", 0, "entries to skip")
	return cmd
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show server info",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := apiRequest(http.MethodGet, "/api/info", nil, &out); err != nil {
				return err
			}
			data, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}
}
