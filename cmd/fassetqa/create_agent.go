package main

import (
	"github.com/spf13/cobra"

	"fasset-qa/internal/agent"
	"fasset-qa/pkg/logger"
)

func newCreateAgentCmd(root *rootOptions) *cobra.Command {
	var req agent.CreateRequest
	cmd := &cobra.Command{
		Use:   "create-agent <settings-path>",
		Short: "创建 agent vault，可选地存入抵押并上线",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.SettingsPath = args[0]
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			manager := agent.New(a.executor,
				agent.WithRegistry(a.recorder),
				agent.WithLogger(logger.Named("agent")),
				agent.WithAuditLogger(logger.Audit()),
			)
			result, err := manager.CreateAgent(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().Int64Var(&req.DepositLots, "deposit-lots", 0, "创建后存入的抵押批数")
	cmd.Flags().BoolVar(&req.MakeAvailable, "make-available", false, "存入抵押后让 agent 上线")
	return cmd
}
