package commands

import (
	"fmt"
	"sort"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/reportd/am"
	"github.com/teranos/reportd/display"
	"github.com/teranos/reportd/errors"
	"github.com/teranos/reportd/pulse/engine"
	"github.com/teranos/reportd/pulse/schedule"
	"github.com/teranos/reportd/sym"
)

// ExecutionCmd groups execution inspection and cancellation
var ExecutionCmd = &cobra.Command{
	Use:     "execution",
	Aliases: []string{"exec"},
	Short:   sym.Running + " Inspect and cancel executions",
	Long: sym.Running + ` execution - inspect and cancel report executions

Examples:
  reportd execution ls --status failed --since 24h
  reportd execution show <id>
  reportd execution cancel <id>`,
}

var executionLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List executions, newest first",
	RunE:    runExecutionLs,
}

var executionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show an execution and its per-channel delivery state",
	Args:  cobra.ExactArgs(1),
	RunE:  runExecutionShow,
}

var executionCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a pending, retrying or running execution",
	Long: `Cancel a pending, retrying or running execution.

Pending and retrying executions are cancelled at once. A running execution is
flagged, and the server running it stops the report generator.`,
	Args: cobra.ExactArgs(1),
	RunE: runExecutionCancel,
}

var (
	execScheduleID string
	execStatus     string
	execSince      time.Duration
	execLimit      int
)

var executionHeader = []string{"ID", "SCHEDULE", "TRIGGER", "STATUS", "SCHEDULED FOR", "DURATION", "RETRIES", "ERROR"}

func init() {
	executionLsCmd.Flags().StringVar(&execScheduleID, "schedule", "", "Only executions of this schedule")
	executionLsCmd.Flags().StringVar(&execStatus, "status", "", "pending, running, retrying, completed, failed or cancelled")
	executionLsCmd.Flags().DurationVar(&execSince, "since", 0, "Only executions created within this window (e.g. 24h)")
	executionLsCmd.Flags().IntVar(&execLimit, "limit", 50, "Maximum rows")

	ExecutionCmd.AddCommand(executionLsCmd)
	ExecutionCmd.AddCommand(executionShowCmd)
	ExecutionCmd.AddCommand(executionCancelCmd)
}

func executionRows(list []*schedule.Execution) [][]string {
	rows := make([][]string, 0, len(list))
	for _, e := range list {
		rows = append(rows, []string{
			e.ID, e.ScheduleID, string(e.Trigger), statusCell(string(e.Status)),
			timeCell(&e.ScheduledFor), durationCell(e.DurationMS), fmt.Sprint(e.RetryCount),
			truncate(e.ErrorMessage, 40),
		})
	}
	return rows
}

func runExecutionLs(cmd *cobra.Command, args []string) error {
	status := schedule.Status(execStatus)
	if execStatus != "" && !status.Valid() {
		return errors.NewInvalidRequestError("unknown status %q", execStatus)
	}
	return withEngine(func(_ *am.Config, eng *engine.Engine) error {
		filter := schedule.ExecutionFilter{ScheduleID: execScheduleID, Status: status, Limit: execLimit}
		if execSince > 0 {
			filter.Since = time.Now().Add(-execSince)
		}
		list, err := eng.Executions().List(cmd.Context(), filter)
		if err != nil {
			return err
		}
		if display.ShouldOutputJSON(cmd) {
			return display.OutputJSON(list)
		}
		return display.Table(executionHeader, executionRows(list))
	})
}

func runExecutionShow(cmd *cobra.Command, args []string) error {
	return withEngine(func(_ *am.Config, eng *engine.Engine) error {
		ctx := cmd.Context()
		exec, err := eng.Executions().Get(ctx, args[0])
		if err != nil {
			return err
		}
		if exec.Deliveries, err = eng.Deliveries().List(ctx, exec.ID); err != nil {
			return err
		}
		if display.ShouldOutputJSON(cmd) {
			return display.OutputJSON(exec)
		}

		pterm.DefaultSection.Printfln("%s Execution %s", sym.ForStatus(string(exec.Status)), exec.ID)
		pterm.Printfln("Schedule:      %s", exec.ScheduleID)
		pterm.Printfln("Trigger:       %s", exec.Trigger)
		pterm.Printfln("Status:        %s", exec.Status)
		pterm.Printfln("Scheduled for: %s", timeCell(&exec.ScheduledFor))
		pterm.Printfln("Started:       %s", timeCell(exec.StartedAt))
		pterm.Printfln("Completed:     %s", timeCell(exec.CompletedAt))
		pterm.Printfln("Duration:      %s", durationCell(exec.DurationMS))
		pterm.Printfln("Retries:       %d", exec.RetryCount)
		if exec.NextAttemptAt != nil {
			pterm.Printfln("Next attempt:  %s", timeCell(exec.NextAttemptAt))
		}
		if exec.ReportExecutionID != "" {
			pterm.Printfln("Report run:    %s", exec.ReportExecutionID)
		}
		if exec.ErrorMessage != "" {
			pterm.Error.Println(exec.ErrorMessage)
		}
		if len(exec.Deliveries) == 0 {
			return nil
		}

		channels := make([]string, 0, len(exec.Deliveries))
		for ch := range exec.Deliveries {
			channels = append(channels, string(ch))
		}
		sort.Strings(channels)
		rows := make([][]string, 0, len(channels))
		for _, ch := range channels {
			d := exec.Deliveries[schedule.Channel(ch)]
			rows = append(rows, []string{
				ch, statusCell(string(d.Status)), fmt.Sprint(d.AttemptCount), fmt.Sprint(d.BudgetUsed()),
				timeCell(d.LastAttemptAt), timeCell(d.NextAttemptAt), truncate(d.LastError, 40),
			})
		}
		pterm.Println()
		return display.Table([]string{"CHANNEL", "STATUS", "ATTEMPTS", "BUDGET USED", "LAST", "NEXT", "ERROR"}, rows)
	})
}

func runExecutionCancel(cmd *cobra.Command, args []string) error {
	return withEngine(func(_ *am.Config, eng *engine.Engine) error {
		exec, err := eng.Cancel(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if display.ShouldOutputJSON(cmd) {
			return display.OutputJSON(exec)
		}
		if exec.Status == schedule.StatusCancelled {
			pterm.Success.Printfln("%s Cancelled %s", sym.Cancelled, exec.ID)
		} else {
			pterm.Info.Printfln("Cancellation requested for %s; it stops once its server notices", exec.ID)
		}
		return nil
	})
}
