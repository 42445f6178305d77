package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chatswarm/internal/config"
	"github.com/nextlevelbuilder/chatswarm/internal/rules"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and initialize configuration",
	}
	cmd.AddCommand(configCheckCmd())
	cmd.AddCommand(configInitCmd())
	return cmd
}

func configCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Load and validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath()
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			opts, err := cfg.ToEngineOptions(nil)
			if err != nil {
				return err
			}
			e := rules.NewEngine(opts)
			for _, w := range e.Warnings() {
				fmt.Fprintf(os.Stderr, "warning: %s\n", w)
			}
			counts := e.Counts()
			fmt.Printf("%s: ok (%d agents, %d exact, %d pattern, %d keyword rules)\n", path, len(cfg.Agents),
				counts[rules.TierExact], counts[rules.TierPattern], counts[rules.TierKeyword])
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Save(path, config.Default()); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
