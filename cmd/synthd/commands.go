package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"SynthralOS/internal/config"
	"SynthralOS/internal/guardrails"
)

func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server, runtimes and task workers",
		Long: `Start synthd with every configured runtime, the task queue and the HTTP API.

Graceful shutdown is handled on SIGINT/SIGTERM: the API stops accepting
requests, in-flight attempts are cancelled and runtimes are cleaned up.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func buildRuntimesCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "runtimes",
		Short: "Build the configured runtimes and print their capabilities",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			registry, err := buildRegistry(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer registry.Cleanup(cmd.Context())

			infos := registry.ListRuntimes()
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{"runtimes": infos})
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tKIND\tLANGUAGES\tTIMEOUT(ms)\tSANDBOXED")
			for _, info := range infos {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%t\n", info.Name, info.Kind,
					strings.Join(info.Capabilities.SupportedLanguages, ","),
					info.Capabilities.MaxExecutionTime, info.Capabilities.Sandboxed)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print capabilities as JSON")
	return cmd
}

func buildCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and guardrail policy file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Guardrails.PolicyFile != "" {
				if _, err := guardrails.LoadPolicyFile(cfg.Guardrails.PolicyFile); err != nil {
					return fmt.Errorf("guardrail policy: %w", err)
				}
			}
			if _, err := runtimeDefinitions(cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration OK: %d runtimes, queue driver %s\n",
				len(cfg.Runtimes), cfg.Queue.Driver)
			return nil
		},
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.LoadFromEnv()
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file: %w", err)
	}
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	return config.LoadWithOverrides(path)
}
