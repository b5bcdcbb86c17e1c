// Command leavebot runs the leave-request bot: the chat transport endpoint,
// the work-item lifecycle webhook, and the proactive notification path.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/leavebot-dev/leavebot/internal/devrev"
	"github.com/leavebot-dev/leavebot/internal/directory"
	"github.com/leavebot-dev/leavebot/internal/server"
	"github.com/leavebot-dev/leavebot/internal/transport"
	"github.com/leavebot-dev/leavebot/internal/workflow"
	"github.com/leavebot-dev/leavebot/pkg/config"
	"github.com/leavebot-dev/leavebot/pkg/observability"
	"github.com/leavebot-dev/leavebot/pkg/refstore"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "leavebot",
		Short:   "Leave-request bot bridging chat conversations and the ticketing backend",
		Version: version,
	}
	root.AddCommand(newServeCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bot server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	return cmd
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	slog.SetDefault(logger)
	observability.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := refstore.New(refstore.Config{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logger)
	defer func() {
		_ = store.Close()
	}()

	// A failed connect is a downgrade, not a startup failure: the store
	// keeps working in memory-only mode.
	if err := store.Connect(ctx); err != nil {
		logger.Warn("starting in memory-only mode", "error", err)
	}
	observability.SetStoreConnected(store.Connected())

	tickets := devrev.New(devrev.Config{
		APIToken:       cfg.DevRev.APIToken,
		BaseURL:        cfg.DevRev.BaseURL,
		WorkItemType:   cfg.DevRev.WorkItemType,
		TicketType:     cfg.DevRev.TicketType,
		TicketSubtype:  cfg.DevRev.TicketSubtype,
		DefaultPartID:  cfg.DevRev.DefaultPartID,
		SchemaFragment: cfg.DevRev.SchemaFragment,
	}, logger)

	var dir workflow.Directory
	if cfg.Bot.TenantID != "" && cfg.Bot.AppID != "" {
		dir = directory.New(directory.Config{
			AppID:       cfg.Bot.AppID,
			AppPassword: cfg.Bot.AppPassword,
			TenantID:    cfg.Bot.TenantID,
		}, logger)
	} else {
		logger.Warn("directory lookup disabled, approver selection falls back to free text")
	}

	connector := transport.NewConnector(transport.ConnectorConfig{
		AppID:              cfg.Bot.AppID,
		AppPassword:        cfg.Bot.AppPassword,
		ServiceURLFallback: cfg.Bot.ServiceURL,
	}, logger)
	dispatcher := transport.NewDispatcher(connector, logger)

	flow := workflow.New(store, tickets, dir, dispatcher, cfg.Bot.AppID, logger)

	if dir != nil {
		go func() {
			if err := flow.RefreshApprovers(ctx); err != nil {
				logger.Warn("initial approver refresh failed", "error", err)
			}
		}()
	}

	srv := server.New(server.Config{
		Port:             cfg.Port,
		DirectoryRefresh: cfg.DirectoryRefresh,
	}, flow, store, logger)

	logger.Info("leavebot starting", "version", version, "port", cfg.Port,
		"work_item_type", cfg.DevRev.WorkItemType)
	return srv.Run(ctx)
}
