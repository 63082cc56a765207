package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ncolesummers/document-ingestor/internal/config"
	"github.com/ncolesummers/document-ingestor/internal/fetcher"
	"github.com/ncolesummers/document-ingestor/internal/logging"
)

// globalOptions are the persistent flags shared by every command
type globalOptions struct {
	configPath string
	envFile    string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "ingestor",
		Short: "Incrementally ingest documents into a vector index",
		Long: `ingestor fetches documents from configured sources, detects which ones
changed since the last run, and reconciles their chunks with the vector index.
Unchanged documents are skipped and only changed chunks are re-embedded.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "config file (yaml, toml or json)")
	flags.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the config")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "", "log format override (text, json)")

	root.AddCommand(
		newRunCmd(opts),
		newServeCmd(opts),
		newStatusCmd(opts),
		newSearchCmd(opts),
		newVersionCmd(),
	)
	return root
}

// loadConfig resolves configuration and builds the logger. Logs are written
// to logOut.
func loadConfig(opts *globalOptions, logOut io.Writer) (*config.Config, *slog.Logger, error) {
	if opts.envFile != "" {
		if err := config.LoadDotEnv(opts.envFile); err != nil {
			return nil, nil, err
		}
	}

	cfg, used, err := config.Load(opts.configPath)
	if err != nil {
		return nil, nil, err
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.Logging.Format = opts.logFormat
	}

	if verrs := cfg.Validate(); len(verrs) > 0 {
		errs := make([]error, len(verrs))
		for i, v := range verrs {
			errs[i] = v
		}
		return nil, nil, fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, logOut)
	if err != nil {
		return nil, nil, err
	}
	if used != "" {
		logger.Debug("loaded config", "path", used)
	}
	return cfg, logger, nil
}

// selectSources filters sources by name, keeping all when names is empty
func selectSources(all []fetcher.Source, names []string) ([]fetcher.Source, error) {
	if len(names) == 0 {
		if len(all) == 0 {
			return nil, errors.New("no sources configured")
		}
		return all, nil
	}

	byName := make(map[string]fetcher.Source, len(all))
	for _, s := range all {
		byName[s.Name()] = s
	}
	selected := make([]fetcher.Source, 0, len(names))
	for _, n := range names {
		s, ok := byName[n]
		if !ok {
			return nil, fmt.Errorf("unknown source %q", n)
		}
		selected = append(selected, s)
	}
	return selected, nil
}
