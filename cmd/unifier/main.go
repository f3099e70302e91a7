// Command unifier rebuilds the unified trade store from national extracts
// and the optional fallback dataset.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tradeunify/internal/config"
	"tradeunify/internal/logger"
)

// app holds the persistent flags shared by every subcommand.
type app struct {
	cfgFile   string
	logLevel  string
	logFormat string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "unifier failed:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "unifier",
		Short:        "Harmonize national trade extracts into one canonical store",
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default is ./tradeunify.yaml if present)")
	pf.StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error; overrides config)")
	pf.StringVar(&a.logFormat, "log-format", "", "log format (console, json; overrides config)")

	root.AddCommand(
		newRunCmd(a),
		newOutliersCmd(a),
		newReferencesCmd(a),
		newConfigCmd(a),
	)
	return root
}

// load reads the configuration, lets apply override it from command flags,
// validates the result and builds the logger.
func (a *app) load(cmd *cobra.Command, apply func(*config.Config) error) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return nil, nil, err
	}

	pf := cmd.Flags()
	if pf.Changed("log-level") {
		cfg.Log.Level = strings.ToLower(a.logLevel)
	}
	if pf.Changed("log-format") {
		cfg.Log.Format = strings.ToLower(a.logFormat)
	}
	if apply != nil {
		if err := apply(cfg); err != nil {
			return nil, nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, logger.New(cfg.Log, "unifier"), nil
}
