package main

import (
	"fmt"
	"os"

	"WingLedger/internal/config"
	"WingLedger/internal/observability"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
)

const programName = "wingledger"

// Set at build time with -ldflags "-X main.version=...".
var (
	version    = "dev"
	commitHash = "none"
)

var (
	globalFlags = struct {
		debug bool
	}{}
	configFile string
)

// commonRun builds the process logger and sizes GOMAXPROCS to the container.
func commonRun(cfg *config.Config) zerolog.Logger {
	level := observability.ParseLogLevel(cfg.LogLevel)
	if globalFlags.debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	logger := observability.NewLoggerWithLevel(programName, level)

	_, err := maxprocs.Set(maxprocs.Logger(func(format string, v ...any) {
		logger.Info().Msgf(format, v...)
	}))
	if err != nil {
		logger.Fatal().Err(err).Msg("set GOMAXPROCS")
	}
	logger.Info().Str("version", version).Str("commit", commitHash).Msg("starting")
	return logger
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s (%s)\n", programName, version, commitHash)
		},
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:   programName,
		Short: "Flight-delay insurance pool ledger and settlement engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveCommand().RunE(cmd, args)
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().
		BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")
	rootCmd.PersistentFlags().
		StringVar(&configFile, "config", "", "path to config file")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cmd.SetContext(config.WithContext(cmd.Context(), cfg))
		return nil
	}

	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(versionCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
