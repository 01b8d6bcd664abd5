// ABOUTME: serve, token and health commands for running and operating the gateway
// ABOUTME: All three read the same config file as the gateway itself

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/gateway"
)

// loadConfig loads the file named by --config, falling back to config.Path.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = config.Path()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config %s: %w", path, err)
	}
	return cfg, path, nil
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd)
		},
	}
}

func runServe(cmd *cobra.Command) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	fmt.Fprint(out, color.New(color.FgCyan).Sprint(banner))
	fmt.Fprintf(out, "  %s\n\n", color.HiBlackString("version "+version))

	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging, out)

	green := color.New(color.FgGreen).SprintFunc()
	fmt.Fprintf(out, "  %s config   %s\n", green("▶"), path)
	fmt.Fprintf(out, "  %s database %s\n", green("▶"), cfg.Database.Path)
	fmt.Fprintf(out, "  %s uploads  %s\n", green("▶"), cfg.Uploads.Dir)
	if cfg.Tailscale.Enabled {
		fmt.Fprintf(out, "  %s tailnet  %s\n\n", green("▶"), cfg.Tailscale.Hostname)
	} else {
		fmt.Fprintf(out, "  %s http     %s\n\n", green("▶"), cfg.Server.HTTPAddr)
	}

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	if err := gw.Run(ctx); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	logger.Info("gateway stopped")
	return nil
}

func newTokenCommand() *cobra.Command {
	var expires time.Duration
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint an API token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
			if err != nil {
				return err
			}
			userID := strings.TrimSpace(args[0])
			if userID == "" {
				return errors.New("user id is required")
			}
			token, err := verifier.Generate(userID, expires)
			if err != nil {
				return fmt.Errorf("generating token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&expires, "expires", 30*24*time.Hour, "token lifetime, 0 for no expiry")
	return cmd
}

func newHealthCommand() *cobra.Command {
	var baseURL string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check that a gateway is serving",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if baseURL == "" {
				baseURL = os.Getenv(envGatewayURL)
			}
			if baseURL == "" {
				cfg, _, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				if cfg.Server.HTTPAddr == "" {
					return errors.New("gateway is tailnet-only; pass --url")
				}
				baseURL = "http://" + cfg.Server.HTTPAddr
			}
			return runHealth(cmd.Context(), cmd.OutOrStdout(), baseURL)
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "", "gateway base URL (default $"+envGatewayURL+" or the configured http_addr)")
	return cmd
}

func runHealth(ctx context.Context, out io.Writer, baseURL string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(baseURL, "/")+"/health", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	fmt.Fprintf(out, "%s %s\n", color.GreenString("✓"), strings.TrimSpace(string(body)))
	return nil
}
