// File: cmd/run.go
package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/taskpilot/api/schemas"
	"github.com/xkilldash9x/taskpilot/internal/observability"
)

// newRunCmd creates and configures the `run` command: a single task executed
// to completion, with the narrative printed to stdout.
func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run [instruction...]",
		Short: "Executes one natural-language browser task and prints the outcome",
		Args:  cobra.MinimumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := viper.BindPFlag("engine.max_steps", cmd.Flags().Lookup("max-steps")); err != nil {
				return err
			}
			if err := viper.BindPFlag("engine.max_duration", cmd.Flags().Lookup("timeout")); err != nil {
				return err
			}
			return viper.BindPFlag("browser.headless", cmd.Flags().Lookup("headless"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg.Engine.MaxSteps = viper.GetInt("engine.max_steps")
			cfg.Engine.MaxDuration = viper.GetDuration("engine.max_duration")
			cfg.Browser.Headless = viper.GetBool("browser.headless")

			instruction := strings.Join(args, " ")
			showSteps, _ := cmd.Flags().GetBool("show-steps")

			c, err := buildCore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer c.shutdown(logger, 30*time.Second)

			sessionID := c.svc.OpenSession("")
			taskID, err := c.svc.SubmitTask(ctx, sessionID, instruction)
			if err != nil {
				return fmt.Errorf("failed to start task: %w", err)
			}
			logger.Info("Task started", zap.String("task_id", taskID))

			report, err := c.svc.WaitForTask(ctx, taskID)
			if err != nil {
				return err
			}

			if showSteps {
				for _, step := range report.Steps {
					line := fmt.Sprintf("%2d. %s", step.Seq, step.Action.Describe())
					if step.Error != "" {
						line += " [failed: " + step.Error + "]"
					}
					fmt.Fprintln(cmd.OutOrStdout(), line)
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), report.Narrative)

			if report.Status != schemas.StatusSucceeded {
				return fmt.Errorf("task finished with status %s", report.Status)
			}
			return nil
		},
	}

	runCmd.Flags().Int("max-steps", 25, "maximum number of browser actions")
	runCmd.Flags().Duration("timeout", 5*time.Minute, "wall-clock budget for the task")
	runCmd.Flags().Bool("headless", true, "run the browser headless")
	runCmd.Flags().Bool("show-steps", false, "print each executed action before the outcome")
	return runCmd
}

func init() {
	rootCmd.AddCommand(newRunCmd())
}
