// Package cmd defines and implements the CLI commands for the refcrawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/refcrawler/internal/app"
	"github.com/JakeFAU/refcrawler/internal/config"
	"github.com/JakeFAU/refcrawler/internal/crawler"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands will use.
// This allows us to inject a fake app during tests.
type App interface {
	Fetch(ctx context.Context, records []crawler.Record) (crawler.RunSummary, error)
	Backfill(ctx context.Context, limit int) (crawler.RunSummary, error)
	ExportFailed(ctx context.Context, path string, limit int) (int, error)
	Serve(ctx context.Context) error
	Logger() *zap.Logger
	Close(ctx context.Context) error
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfgPath string) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	a, err := app.Build(ctx, cfg, app.Options{Version: Version})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// newRootCmd creates and configures the root command. The returned func
// closes the application built for the subcommand, if any, and must run
// whether or not the command succeeded.
func newRootCmd() (*cobra.Command, func(context.Context) error) {
	var (
		cfgFile string
		built   App
	)
	cmd := &cobra.Command{
		Use:   "refcrawler",
		Short: "Fetches the reference URLs cited by vulnerability records.",
		Long: `refcrawler retrieves the content behind every reference URL cited by a set of
vulnerability records. Each URL is tried directly, then through a headless
browser, then through the Wayback Machine, and one outcome per canonical URL
is written to the result store.`,
		SilenceUsage: true,

		// Build the application once config is known and hand it to the
		// subcommand through the context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			built = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); REFCRAWLER_* variables override it")

	cmd.AddCommand(newFetchCmd(), newBackfillCmd(), newExportFailedCmd(), newServeCmd())

	closeApp := func(ctx context.Context) error {
		if built == nil {
			return nil
		}
		return built.Close(ctx)
	}
	return cmd, closeApp
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute runs the CLI and returns the process exit code. Individual URL
// failures never make it non-zero.
func Execute(ctx context.Context) int {
	root, closeApp := newRootCmd()
	err := root.ExecuteContext(ctx)
	if cerr := closeApp(context.WithoutCancel(ctx)); cerr != nil {
		zap.L().Warn("application shutdown incomplete", zap.Error(cerr))
	}
	if err != nil {
		zap.L().Error("command execution failed", zap.Error(err))
		return 1
	}
	return 0
}
