package main

import (
	"fmt"
	"os"

	"github.com/doniyusdinar/command-fleet/agent/internal/config"
	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	v := config.NewViper()

	cmd := &cobra.Command{
		Use:   "fleet-agent",
		Short: "Command Fleet agent",
		Long: `fleet-agent registers with a Command Fleet controller, polls it for shell
commands and reports their output. One command runs at a time; the
controller can stop the running command or terminate the agent.

Examples:
  fleet-agent --controller http://10.0.0.1:8080 --id build-01
  fleet-agent --config ./configs/agent.yaml --info "rack 4"`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}

	cmd.Flags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml or ./configs/config.yaml)")
	if err := config.BindFlags(cmd.Flags(), v); err != nil {
		panic(err)
	}
	return cmd
}

func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
