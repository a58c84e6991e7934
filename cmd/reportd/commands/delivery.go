package commands

import (
	"fmt"
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

// DeliveryCmd groups delivery log inspection and manual retries
var DeliveryCmd = &cobra.Command{
	Use:   "delivery",
	Short: sym.Delivery + " Inspect and retry deliveries",
	Long: sym.Delivery + ` delivery - inspect delivery attempts and retry failed channels

Examples:
  reportd delivery logs --status failed
  reportd delivery retry <execution-id> webhook          # remaining budget, at least one attempt
  reportd delivery retry <execution-id> webhook --fresh  # a full new retry budget
  reportd delivery retry --log <log-id>`,
}

var deliveryLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "List delivery attempts, newest first",
	RunE:  runDeliveryLogs,
}

var deliveryRetryCmd = &cobra.Command{
	Use:   "retry [<execution-id> <channel>]",
	Short: "Retry a channel of a completed execution",
	Args: func(cmd *cobra.Command, args []string) error {
		if retryLogID != "" {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(2)(cmd, args)
	},
	RunE: runDeliveryRetry,
}

var (
	logsExecutionID string
	logsScheduleID  string
	logsChannel     string
	logsStatus      string
	logsSince       time.Duration
	logsLimit       int

	retryLogID string
	retryFresh bool
)

func init() {
	deliveryLogsCmd.Flags().StringVar(&logsExecutionID, "execution", "", "Only attempts for this execution")
	deliveryLogsCmd.Flags().StringVar(&logsScheduleID, "schedule", "", "Only attempts for this schedule")
	deliveryLogsCmd.Flags().StringVar(&logsChannel, "channel", "", "email, file_storage, api_endpoint or webhook")
	deliveryLogsCmd.Flags().StringVar(&logsStatus, "status", "", "delivered, failed or pending")
	deliveryLogsCmd.Flags().DurationVar(&logsSince, "since", 0, "Only attempts within this window (e.g. 1h)")
	deliveryLogsCmd.Flags().IntVar(&logsLimit, "limit", 50, "Maximum rows")

	deliveryRetryCmd.Flags().StringVar(&retryLogID, "log", "", "Retry the channel of this delivery log entry")
	deliveryRetryCmd.Flags().BoolVar(&retryFresh, "fresh", false, "Grant a full new retry budget")

	DeliveryCmd.AddCommand(deliveryLogsCmd)
	DeliveryCmd.AddCommand(deliveryRetryCmd)
}

func runDeliveryLogs(cmd *cobra.Command, args []string) error {
	filter := schedule.LogFilter{
		ExecutionID: logsExecutionID,
		ScheduleID:  logsScheduleID,
		Channel:     schedule.Channel(logsChannel),
		Status:      schedule.DeliveryStatus(logsStatus),
		Limit:       logsLimit,
	}
	if logsChannel != "" && !filter.Channel.Valid() {
		return errors.NewInvalidRequestError("unknown channel %q", logsChannel)
	}
	switch filter.Status {
	case "", schedule.DeliveryPending, schedule.DeliveryDelivered, schedule.DeliveryFailed:
	default:
		return errors.NewInvalidRequestError("unknown delivery status %q", logsStatus)
	}
	if logsSince > 0 {
		filter.Since = time.Now().Add(-logsSince)
	}

	return withEngine(func(_ *am.Config, eng *engine.Engine) error {
		logs, err := eng.Deliveries().ListLogs(cmd.Context(), filter)
		if err != nil {
			return err
		}
		if display.ShouldOutputJSON(cmd) {
			return display.OutputJSON(logs)
		}
		rows := make([][]string, 0, len(logs))
		for _, l := range logs {
			msg := l.Error
			if msg == "" {
				msg = l.Detail
			}
			rows = append(rows, []string{
				l.ID, l.ExecutionID, string(l.Channel), fmt.Sprint(l.Attempt), statusCell(string(l.Status)),
				fmt.Sprint(time.Duration(l.DurationMS) * time.Millisecond), timeCell(&l.CreatedAt), truncate(msg, 48),
			})
		}
		return display.Table([]string{"ID", "EXECUTION", "CHANNEL", "ATTEMPT", "STATUS", "DURATION", "AT", "DETAIL"}, rows)
	})
}

func runDeliveryRetry(cmd *cobra.Command, args []string) error {
	return withEngine(func(_ *am.Config, eng *engine.Engine) error {
		var (
			d   *schedule.Delivery
			err error
		)
		if retryLogID != "" {
			d, err = eng.Dispatcher().RetryLog(cmd.Context(), retryLogID, retryFresh)
		} else {
			d, err = eng.Dispatcher().RetryChannel(cmd.Context(), args[0], schedule.Channel(args[1]), retryFresh)
		}
		if err != nil {
			return err
		}
		if display.ShouldOutputJSON(cmd) {
			return display.OutputJSON(d)
		}
		pterm.Success.Printfln("%s Retry of %s for %s queued (attempt %d so far)",
			sym.Retrying, d.Channel, d.ExecutionID, d.AttemptCount)
		return nil
	})
}
