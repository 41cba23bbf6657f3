package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/facetag/internal/config"
	"github.com/andresmejia3/facetag/internal/logger"
	"github.com/andresmejia3/facetag/internal/store"
	"github.com/andresmejia3/facetag/internal/utils"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

var (
	// DB is the identity store shared by subcommands
	DB store.Store
	// Cfg is the merged configuration (defaults, .env, env, file, flags)
	Cfg *config.Config
	// Log is the structured logger; user-facing output stays on fmt
	Log = zap.NewNop()

	cfgFile string
)

// Version is the application version.
const Version = "0.1.0"

// flagKeys maps CLI flag names onto config keys. Only flags a command
// actually defines get bound.
var flagKeys = map[string]string{
	"store":               "store.path",
	"log-level":           "log.level",
	"threshold":           "match.threshold",
	"engines":             "worker.engines",
	"python":              "worker.python",
	"script":              "worker.script",
	"detector-model":      "detector.model",
	"detection-threshold": "detector.threshold",
	"embedder-model":      "embedder.model",
}

var rootCmd = &cobra.Command{
	Use:           "facetag",
	Short:         "Tag people across a photo collection by face",
	Version:       Version, // This enables the --version flag
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		Cfg, err = config.Load(cfgFile, bindings(cmd))
		if err != nil {
			return report("Invalid configuration", err, nil)
		}

		log, err := logger.New(Cfg.Log.Level)
		if err != nil {
			return report("Failed to initialize logger", err, nil)
		}
		Log = log

		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.Open(cmd.Context(), Cfg.Store.Path)
		if err != nil {
			return report("Failed to open identity store", err, nil)
		}
		Log.Debug("Store opened", zap.String("store", Cfg.Store.Path))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		shutdown()
	},
}

// shutdown closes the store. Cobra skips PostRun when RunE fails, so
// Execute calls it too.
func shutdown() {
	if DB != nil {
		if err := DB.Close(); err != nil {
			Log.Warn("Failed to close store", zap.Error(err))
		}
		DB = nil
	}
	_ = Log.Sync()
}

func bindings(cmd *cobra.Command) map[string]*pflag.Flag {
	bound := make(map[string]*pflag.Flag, len(flagKeys))
	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			bound[key] = f
		}
	}
	return bound
}

// reportedError marks an error whose box was already printed.
type reportedError struct{ error }

func (r reportedError) Unwrap() error { return r.error }

// report prints the error box once and tags err so Execute stays quiet.
func report(context string, err error, s *utils.SafeCommand) error {
	utils.ShowError(context, err, s)
	return reportedError{err}
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var shown reportedError
		if !errors.As(err, &shown) {
			utils.ShowError("Command failed", err, nil)
		}
		shutdown()
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Optional config file (yaml, toml or json)")
	rootCmd.PersistentFlags().String("store", config.Defaults["store.path"].(string), "SQLite file path or postgres:// connection string")
	rootCmd.PersistentFlags().String("log-level", config.Defaults["log.level"].(string), "Log level (debug, info, warn, error)")
}
