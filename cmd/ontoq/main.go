// Package main provides the ontoq CLI entry point.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tiw/ontology-fk-sub000/pkg/config"
	"github.com/tiw/ontology-fk-sub000/pkg/engine"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// cli holds state shared by the subcommands once the root has loaded the
// configuration.
type cli struct {
	configPath string
	logLevel   string
	cfg        *config.Config
	log        *logrus.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{log: logrus.New()}

	rootCmd := &cobra.Command{
		Use:   "ontoq",
		Short: "ontoq - embedded object-graph query engine",
		Long: `ontoq runs typed object graphs in process: object and link types,
filters served by tiered property indexes, link traversal guarded by
validation functions, aggregation and a multi-level result cache.

Configuration is read from --config (YAML) and then ONTOQ_* variables.`,
		SilenceUsage:      true,
		PersistentPreRunE: c.setup,
	}
	rootCmd.PersistentFlags().StringVar(&c.configPath, "config", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "Override the configured log level")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ontoq v%s (%s)\n", version, commit)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := c.cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})

	rootCmd.AddCommand(newDemoCmd(c))
	rootCmd.AddCommand(newBenchCmd(c))
	return rootCmd
}

func (c *cli) setup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Logging.Level = c.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.Logging.Apply(c.log); err != nil {
		return err
	}
	c.log.SetOutput(cmd.ErrOrStderr())
	c.cfg = cfg
	return nil
}

// engineOptions maps the loaded configuration onto engine options.
func (c *cli) engineOptions() engine.Options {
	opts := engine.OptionsFromConfig(c.cfg)
	opts.Logger = logrus.NewEntry(c.log)
	return opts
}

func openEngine(opts engine.Options) (*engine.Engine, error) {
	eng, err := engine.New(opts)
	if err != nil {
		return nil, fmt.Errorf("starting engine: %w", err)
	}
	return eng, nil
}
