package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"otto/internal/config"
	"otto/internal/orchestrator"
	"otto/internal/sandbox"
)

func newServeCmd() *cobra.Command {
	var dataRoot string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the orchestrator daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []config.Option
			if flagConfigPath != "" {
				opts = append(opts, config.WithPath(flagConfigPath))
			}
			if dataRoot != "" {
				opts = append(opts, config.WithOverride(func(c *config.Config) {
					c.Data.Root = dataRoot
				}))
			}
			cfg, meta, err := config.Load(opts...)
			if err != nil {
				return err
			}
			if meta.FilePath() != "" {
				fmt.Fprintln(os.Stderr, gray("config: "+meta.FilePath()))
			}

			o, err := orchestrator.New(cfg)
			if err != nil {
				return err
			}
			return o.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&dataRoot, "data-dir", "", "override the data root directory")
	return cmd
}

// newSandboxWorkerCmd is the hidden entrypoint the daemon re-execs for each
// plugin worker. It speaks the sandbox wire protocol over stdio and must
// never print anything else.
func newSandboxWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "sandbox-worker",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return sandbox.RunWorker(os.Stdin, os.Stdout)
		},
	}
}
