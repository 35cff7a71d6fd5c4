// Package cmd defines and implements the CLI commands for the harvester.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload" // load .env before config
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/oflc-harvester/internal/app"
	"github.com/JakeFAU/oflc-harvester/internal/config"
	"github.com/JakeFAU/oflc-harvester/internal/reconcile"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands use.
// This allows tests to inject a fake app.
type App interface {
	Close()
	Logger() *zap.Logger
	RunWithRetry(ctx context.Context) error
	Reconcile(ctx context.Context, apply bool) (reconcile.Report, error)
	RunScheduler(ctx context.Context) error
	Serve(ctx context.Context, schedule bool) error
}

// loadConfig and newApp are variables so tests can replace them.
var (
	loadConfig = config.Load
	newApp     = func(ctx context.Context, cfg config.Config) (App, error) {
		a, err := app.Build(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return a, nil
	}
)

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "oflc-harvester",
		Short: "Incremental harvester for OFLC performance data files.",
		Long: `oflc-harvester mirrors the disclosure files published on the DOL OFLC
performance data page. Each run discovers links on the index page, sorts them
by program and fiscal year, downloads only files that changed, and records
every committed file in a local manifest.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Runs after flags are parsed but before the subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newReconcileCmd())
	cmd.AddCommand(newScheduleCmd())
	cmd.AddCommand(newServeCmd())
	return cmd
}

// withApp resolves the App from the context and closes it when run returns.
func withApp(run func(cmd *cobra.Command, a App, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		appInstance, err := resolveApp(cmd.Context())
		if err != nil {
			return err
		}
		defer appInstance.Close()
		return run(cmd, appInstance, args)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point. Any command error exits with status 1.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
