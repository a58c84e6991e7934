package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/reportd/am"
	"github.com/teranos/reportd/display"
	"github.com/teranos/reportd/errors"
	"github.com/teranos/reportd/pulse/cron"
	"github.com/teranos/reportd/pulse/engine"
	"github.com/teranos/reportd/pulse/schedule"
	"github.com/teranos/reportd/sym"
)

// ScheduleCmd groups schedule management
var ScheduleCmd = &cobra.Command{
	Use:     "schedule",
	Aliases: []string{"sch"},
	Short:   sym.Pulse + " Manage report schedules",
	Long: sym.Pulse + ` schedule - manage report schedules

Schedules are stored in the database shared with "reportd serve". Changes
made here are picked up by a running server on its next scan.

Examples:
  reportd schedule apply -f schedules.yaml  # Create or update from YAML
  reportd schedule ls --enabled             # List enabled schedules
  reportd schedule show <id>                # Details and next fire times
  reportd schedule trigger <id>             # Run now
  reportd schedule disable <id>             # Stop firing`,
}

var scheduleLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List schedules",
	RunE:    runScheduleLs,
}

var scheduleShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a schedule with its upcoming fires and recent executions",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleShow,
}

var scheduleApplyCmd = &cobra.Command{
	Use:   "apply -f <file>",
	Short: "Create or update schedules from a YAML file",
	Long: `Create or update schedules from a YAML file ("-" reads stdin).

A document with an id updates that schedule, or creates it with that id if it
does not exist yet. A document without an id always creates a new schedule.`,
	RunE: runScheduleApply,
}

var scheduleEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable a schedule; its next fire is computed from now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScheduleSetEnabled(cmd, args[0], true)
	},
}

var scheduleDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScheduleSetEnabled(cmd, args[0], false)
	},
}

var scheduleTriggerCmd = &cobra.Command{
	Use:   "trigger <id>",
	Short: "Create a manual execution now",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleTrigger,
}

var scheduleRmCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"delete"},
	Short:   "Delete a schedule with its executions and delivery logs",
	Args:    cobra.ExactArgs(1),
	RunE:    runScheduleRm,
}

var (
	scheduleEnabledOnly bool
	scheduleSearch      string
	scheduleLimit       int
	applyFile           string
	applyDryRun         bool
	triggerActor        string
)

func init() {
	scheduleLsCmd.Flags().BoolVar(&scheduleEnabledOnly, "enabled", false, "Only enabled schedules")
	scheduleLsCmd.Flags().StringVarP(&scheduleSearch, "search", "s", "", "Match name or description")
	scheduleLsCmd.Flags().IntVar(&scheduleLimit, "limit", 100, "Maximum rows")

	scheduleApplyCmd.Flags().StringVarP(&applyFile, "file", "f", "", "YAML file with one or more schedules")
	scheduleApplyCmd.Flags().BoolVar(&applyDryRun, "dry-run", false, "Validate without writing")
	_ = scheduleApplyCmd.MarkFlagRequired("file")

	scheduleTriggerCmd.Flags().StringVar(&triggerActor, "actor", "cli", "Recorded as the trigger's actor")

	ScheduleCmd.AddCommand(scheduleLsCmd)
	ScheduleCmd.AddCommand(scheduleShowCmd)
	ScheduleCmd.AddCommand(scheduleApplyCmd)
	ScheduleCmd.AddCommand(scheduleEnableCmd)
	ScheduleCmd.AddCommand(scheduleDisableCmd)
	ScheduleCmd.AddCommand(scheduleTriggerCmd)
	ScheduleCmd.AddCommand(scheduleRmCmd)
}

func runScheduleLs(cmd *cobra.Command, args []string) error {
	return withEngine(func(_ *am.Config, eng *engine.Engine) error {
		filter := schedule.ListFilter{Search: scheduleSearch, Limit: scheduleLimit}
		if scheduleEnabledOnly {
			enabled := true
			filter.Enabled = &enabled
		}
		list, err := eng.Schedules().List(cmd.Context(), filter)
		if err != nil {
			return err
		}
		if display.ShouldOutputJSON(cmd) {
			return display.OutputJSON(list)
		}

		rows := make([][]string, 0, len(list))
		for _, s := range list {
			state := "enabled"
			if !s.Enabled {
				state = "disabled"
			}
			rows = append(rows, []string{
				s.ID, truncate(s.Name, 32), s.ReportID, s.CronExpression, s.Timezone,
				state, timeCell(s.NextRunAt), channelsCell(s),
			})
		}
		return display.Table([]string{"ID", "NAME", "REPORT", "CRON", "TZ", "STATE", "NEXT RUN", "DELIVERY"}, rows)
	})
}

func channelsCell(s *schedule.Schedule) string {
	parts := make([]string, 0, len(s.DeliveryMethods))
	for _, ch := range s.ChannelList() {
		parts = append(parts, string(ch))
	}
	return strings.Join(parts, ",")
}

func runScheduleShow(cmd *cobra.Command, args []string) error {
	return withEngine(func(_ *am.Config, eng *engine.Engine) error {
		ctx := cmd.Context()
		sch, err := eng.Schedules().Get(ctx, args[0])
		if err != nil {
			return err
		}
		recent, err := eng.Executions().List(ctx, schedule.ExecutionFilter{ScheduleID: sch.ID, Limit: 10})
		if err != nil {
			return err
		}
		if display.ShouldOutputJSON(cmd) {
			return display.OutputJSON(map[string]interface{}{"schedule": sch, "recent_executions": recent})
		}

		pterm.DefaultSection.Println(sch.Name)
		pterm.Printfln("ID:          %s", sch.ID)
		pterm.Printfln("Report:      %s", sch.ReportID)
		pterm.Printfln("Cron:        %s (%s)", sch.CronExpression, sch.Timezone)
		pterm.Printfln("Enabled:     %t", sch.Enabled)
		pterm.Printfln("Runs:        %d (%d failed)", sch.ExecutionCount, sch.FailureCount)
		pterm.Printfln("Last run:    %s", timeCell(sch.LastRunAt))
		pterm.Printfln("Retry:       %d attempts, %dms base, x%g", sch.RetryPolicy.MaxAttempts,
			sch.RetryPolicy.BaseDelayMS, sch.RetryPolicy.Multiplier)

		if sch.Enabled {
			if fires, err := upcoming(sch, 5); err == nil {
				pterm.Println()
				pterm.Info.Println("Upcoming fires:")
				for _, t := range fires {
					pterm.Printfln("  %s", t.Local().Format("Mon 2006-01-02 15:04 MST"))
				}
			}
		}

		methods, err := yaml.Marshal(sch.DeliveryMethods)
		if err != nil {
			return errors.Wrap(err, "render delivery methods")
		}
		pterm.Println()
		pterm.Info.Println("Delivery:")
		pterm.Println(indent(string(methods)))

		pterm.Info.Println("Recent executions:")
		return display.Table(executionHeader, executionRows(recent))
	})
}

func upcoming(sch *schedule.Schedule, n int) ([]time.Time, error) {
	expr, err := cron.Parse(sch.CronExpression, sch.Timezone)
	if err != nil {
		return nil, err
	}
	return expr.Upcoming(time.Now(), n)
}

func indent(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = "  " + l
	}
	return strings.Join(lines, "\n")
}

func runScheduleApply(cmd *cobra.Command, args []string) error {
	files, err := readScheduleFiles(applyFile)
	if err != nil {
		return err
	}
	return withEngine(func(_ *am.Config, eng *engine.Engine) error {
		for i, f := range files {
			action, sch, err := applySchedule(cmd.Context(), eng, f)
			if err != nil {
				return errors.Wrapf(err, "schedule %d (%s)", i+1, f.Name)
			}
			if display.ShouldOutputJSON(cmd) {
				if err := display.OutputJSON(sch); err != nil {
					return err
				}
				continue
			}
			pterm.Success.Printfln("%s %s %s (next run %s)", action, sch.ID, sch.Name, timeCell(sch.NextRunAt))
		}
		return nil
	})
}

// applySchedule creates or updates one schedule from its file form
func applySchedule(ctx context.Context, eng *engine.Engine, f scheduleFile) (string, *schedule.Schedule, error) {
	sch := f.toSchedule()
	sch.CreatedBy = "cli"

	var existing *schedule.Schedule
	if sch.ID != "" {
		var err error
		existing, err = eng.Schedules().Get(ctx, sch.ID)
		if err != nil && !errors.IsNotFoundError(err) {
			return "", nil, err
		}
	}

	if applyDryRun {
		if sch.RetryPolicy == (schedule.RetryPolicy{}) {
			sch.RetryPolicy = schedule.DefaultRetryPolicy()
		}
		if err := eng.ValidateSchedule(sch); err != nil {
			return "", nil, err
		}
		return "valid", sch, nil
	}

	if existing == nil {
		if err := eng.CreateSchedule(ctx, sch); err != nil {
			return "", nil, err
		}
		return "created", sch, nil
	}

	existing.Name = sch.Name
	existing.Description = sch.Description
	existing.ReportID = sch.ReportID
	existing.CronExpression = sch.CronExpression
	existing.Timezone = sch.Timezone
	existing.Enabled = sch.Enabled
	existing.Parameters = sch.Parameters
	existing.DeliveryMethods = sch.DeliveryMethods
	if sch.RetryPolicy != (schedule.RetryPolicy{}) {
		existing.RetryPolicy = sch.RetryPolicy
	}
	if err := eng.UpdateSchedule(ctx, existing); err != nil {
		return "", nil, err
	}
	return "updated", existing, nil
}

func runScheduleSetEnabled(cmd *cobra.Command, id string, enabled bool) error {
	return withEngine(func(_ *am.Config, eng *engine.Engine) error {
		sch, err := eng.SetEnabled(cmd.Context(), id, enabled)
		if err != nil {
			return err
		}
		if display.ShouldOutputJSON(cmd) {
			return display.OutputJSON(sch)
		}
		if enabled {
			pterm.Success.Printfln("Enabled %s, next run %s", sch.Name, timeCell(sch.NextRunAt))
		} else {
			pterm.Success.Printfln("Disabled %s", sch.Name)
		}
		return nil
	})
}

func runScheduleTrigger(cmd *cobra.Command, args []string) error {
	return withEngine(func(_ *am.Config, eng *engine.Engine) error {
		exec, err := eng.Trigger(cmd.Context(), args[0], triggerActor)
		if err != nil {
			return err
		}
		if display.ShouldOutputJSON(cmd) {
			return display.OutputJSON(exec)
		}
		pterm.Success.Printfln("%s Execution %s queued", sym.Pending, exec.ID)
		pterm.Info.Println("A running server picks it up on its next sweep")
		return nil
	})
}

func runScheduleRm(cmd *cobra.Command, args []string) error {
	return withEngine(func(_ *am.Config, eng *engine.Engine) error {
		if err := eng.DeleteSchedule(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", args[0])
		return nil
	})
}
