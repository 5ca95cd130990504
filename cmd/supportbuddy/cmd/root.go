// Package cmd provides the CLI commands for supportbuddy.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/rsrini7/Smart-Support-Buddy/internal/config"
	"github.com/rsrini7/Smart-Support-Buddy/internal/logging"
	"github.com/rsrini7/Smart-Support-Buddy/pkg/version"
)

// rootOptions carries the persistent flags and the lazily loaded
// configuration shared by every subcommand.
type rootOptions struct {
	debug     bool
	configDir string

	cfg        *config.Config
	cfgErr     error
	cfgLoaded  bool
	logCleanup func()
}

// config loads the configuration once per invocation.
func (o *rootOptions) config() (*config.Config, error) {
	if !o.cfgLoaded {
		o.cfg, o.cfgErr = config.Load(o.configDir)
		o.cfgLoaded = true
	}
	return o.cfg, o.cfgErr
}

// NewRootCmd creates the root command for the supportbuddy CLI.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "supportbuddy",
		Short: "Hybrid search over support tickets, chats and docs",
		Long: `supportbuddy keeps support knowledge (issues, Jira tickets, message
exports, Confluence pages, Stack Overflow answers) in local vector
collections and answers questions with hybrid retrieval: dense vector
search and BM25 keyword search, fused, reranked by a cross-encoder and
optionally summarized by a local LLM.

Start with 'supportbuddy ingest' and then 'supportbuddy search'.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("supportbuddy version {{.Version}}\n")

	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging to ~/.supportbuddy/logs/ and stderr")
	cmd.PersistentFlags().StringVar(&opts.configDir, "config-dir", ".", "Directory holding .supportbuddy.yaml and .env")

	cmd.PersistentPreRunE = opts.startLogging
	cmd.PersistentPostRunE = opts.stopLogging

	// Collection management
	cmd.AddCommand(newCollectionsCmd(opts))
	cmd.AddCommand(newAddCmd(opts))
	cmd.AddCommand(newGetCmd(opts))
	cmd.AddCommand(newQueryCmd(opts))
	cmd.AddCommand(newDeleteCmd(opts))
	cmd.AddCommand(newIngestCmd(opts))

	// Retrieval
	cmd.AddCommand(newSearchCmd(opts))
	cmd.AddCommand(newShellCmd(opts))

	cmd.AddCommand(newConfigCmd(opts))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// startLogging installs the JSON file logger. An invalid configuration is
// not fatal here; commands that need it report the error themselves.
func (o *rootOptions) startLogging(_ *cobra.Command, _ []string) error {
	logCfg := logging.DefaultConfig()
	if o.debug {
		logCfg = logging.DebugConfig()
	}
	if cfg, err := o.config(); err == nil {
		if !o.debug {
			logCfg.Level = cfg.Logging.Level
		}
		if cfg.Logging.File != "" {
			logCfg.FilePath = cfg.Logging.File
		}
	}

	logger, cleanup, err := logging.Setup(logCfg)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	o.logCleanup = cleanup
	slog.SetDefault(logger)
	if o.debug {
		slog.Info("debug_logging_enabled",
			slog.String("log_file", logCfg.FilePath),
			slog.String("version", version.Version))
	}
	return nil
}

func (o *rootOptions) stopLogging(_ *cobra.Command, _ []string) error {
	if o.logCleanup != nil {
		o.logCleanup()
		o.logCleanup = nil
	}
	return nil
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
