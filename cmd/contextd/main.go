package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"contextd/internal/config"
	"contextd/internal/logging"
	"contextd/internal/server"
	"contextd/internal/tools"
)

const version = "1.0.0"

var (
	// Global flags
	configPath string
	workspace  string
	listenAddr string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "contextd",
	Short: "contextd - persistent memory service for coding agents",
	Long: `contextd is a long-running memory and knowledge service for coding agents.

It keeps session memories in an append-only event log, tracks extracted
entities in a bi-temporal knowledge graph, stores static-analysis runs
content-addressed by tree hash, and answers hybrid keyword/semantic/graph
searches over all of it.

Clients talk to it over REST or the MCP JSON-RPC endpoint at /mcp.

Run without arguments to start the server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

// serveCmd starts the HTTP server
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the contextd server",
	Long: `Starts the HTTP server exposing the REST API and the MCP endpoint.

On startup any session left ACTIVE for more than 24 hours is marked
abandoned before the server begins accepting requests.`,
	RunE: runServe,
}

// versionCmd prints the build version
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the contextd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("contextd %s\n", version)
	},
}

// statusCmd reports on the stores without starting the server
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store status and session counts",
	RunE:  showStatus,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (JSON or YAML)")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVar(&listenAddr, "listen", "", "Listen address (overrides config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads config and initializes logging. Shared by serve and status.
func setup() (*config.Config, error) {
	ws := workspace
	if ws == "" {
		var err error
		ws, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve workspace: %w", err)
		}
	}
	if err := logging.Initialize(ws); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: logging disabled: %v\n", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := tools.NewService(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}
	defer func() { _ = svc.Close() }()

	swept, err := svc.SweepAbandoned()
	if err != nil {
		logging.Get(logging.CategoryBoot).Warn("Abandoned-session sweep failed: %v", err)
	} else if len(swept) > 0 {
		logging.Boot("Marked %d idle sessions abandoned", len(swept))
	}

	srv, err := server.New(svc, tools.DefaultRegistry(svc), cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to build server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logging.Boot("Received %s, shutting down", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

// showStatus opens the stores read-mostly and prints a JSON summary.
func showStatus(cmd *cobra.Command, args []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	svc, err := tools.NewService(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open stores: %w", err)
	}
	defer func() { _ = svc.Close() }()

	sessions, err := svc.Sessions().List("")
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	byStatus := make(map[string]int)
	for _, sess := range sessions {
		byStatus[string(sess.Status)]++
	}

	out := map[string]interface{}{
		"version":          version,
		"dbPath":           cfg.DBPath,
		"diagnosticsDb":    cfg.DiagnosticsDBPath,
		"listenAddr":       cfg.ListenAddr,
		"sessionCount":     len(sessions),
		"sessionsByStatus": byStatus,
		"vectorSearch":     cfg.EnableVectorSearch,
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
