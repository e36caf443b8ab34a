package main

import (
	"encoding/json"
	"errors"
	"io"

	"github.com/spf13/cobra"

	"fasset-qa/internal/api"
	"fasset-qa/internal/recorder"
	"fasset-qa/internal/task"
	"fasset-qa/pkg/logger"
)

// evaluationOutput 是一次直接评估的输出格式。
type evaluationOutput struct {
	task.Evaluation
	Transfer recorder.DecisionRecord `json:"transfer"`
	Return   recorder.DecisionRecord `json:"return"`
	Error    string                  `json:"error,omitempty"`
}

func newEvaluateCmd(root *rootOptions) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "evaluate <agent-vault>",
		Short: "对单个 agent 执行一次转入与返还评估",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vault, err := task.NormalizeVault(args[0])
			if err != nil {
				return err
			}
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

			if dryRun {
				preview, err := a.policy.Preview(ctx, vault)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), api.NewPreviewResponse(preview))
			}

			processor := task.NewProcessor(a.policy, nil,
				task.WithEvaluationTimeout(cfg.Queue.Timeout),
				task.WithAlertDispatcher(a.alerter),
				task.WithMetrics(a.metrics),
			)
			eval, evalErr := processor.Evaluate(ctx, vault)
			out := evaluationOutput{
				Evaluation: eval,
				Transfer:   recorder.NewDecisionRecord(eval.Transfer),
				Return:     recorder.NewDecisionRecord(eval.Return),
			}
			if evalErr != nil {
				out.Error = evalErr.Error()
			}
			if err := printJSON(cmd.OutOrStdout(), out); err != nil {
				return errors.Join(evalErr, err)
			}
			return evalErr
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "只计算决策，不调用 agent bot")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
