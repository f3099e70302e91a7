package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tradeunify/internal/config"
)

func newOutliersCmd(a *app) *cobra.Command {
	var keep bool
	cmd := &cobra.Command{
		Use:   "outliers",
		Short: "Re-run outlier detection against the persisted store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := a.load(cmd, func(c *config.Config) error {
				c.Outliers.Skip = false
				if cmd.Flags().Changed("keep-outliers") {
					c.Outliers.Keep = keep
				}
				return nil
			})
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			cfg.Merge.IncludeFallback = false
			e, err := openEnv(cfg, log)
			if err != nil {
				return err
			}
			defer e.Close()

			sum, err := e.pipeline.Outliers(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "outliers: %d series flagged, %d selected, %d values suppressed\nreport: %s\n",
				sum.Flagged, sum.Selected, sum.Suppressed, sum.Report.Metadata)
			return e.metrics.WriteTextfile(cfg.Metrics.Textfile)
		},
	}
	cmd.Flags().BoolVar(&keep, "keep-outliers", false, "report outliers without suppressing them")
	return cmd
}

func newReferencesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "references",
		Short: "Rebuild the reference tables and the enrichment view only",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := a.load(cmd, nil)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			cfg.Merge.IncludeFallback = false
			e, err := openEnv(cfg, log)
			if err != nil {
				return err
			}
			defer e.Close()

			sum, err := e.pipeline.References(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "references: %d code names, %d entity names\n", sum.Codes, sum.Entities)
			return nil
		},
	}
}

func newConfigCmd(a *app) *cobra.Command {
	var write string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := a.load(cmd, nil)
			if err != nil {
				return err
			}
			if write != "" {
				if err := config.Save(cfg, write); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "configuration written to %s\n", write)
				return nil
			}
			b, err := config.Dump(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	}
	cmd.Flags().StringVar(&write, "write", "", "write the configuration to this file instead of stdout")
	return cmd
}
