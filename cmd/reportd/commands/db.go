package commands

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/reportd/am"
	"github.com/teranos/reportd/db"
	"github.com/teranos/reportd/display"
	"github.com/teranos/reportd/pulse/engine"
	"github.com/teranos/reportd/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage the reportd database",
	Long: sym.DB + ` db - database migrations and statistics

Examples:
  reportd db migrate     # Apply pending migrations and list their state
  reportd db stats       # Schedule, execution and delivery counts`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show schedule, execution and delivery statistics",
	RunE:  runDbStats,
}

var statsWindow time.Duration

func init() {
	dbStatsCmd.Flags().DurationVar(&statsWindow, "window", 24*time.Hour, "Window for execution and delivery counts")

	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	status, err := db.MigrationStatus(database)
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(status)
	}
	rows := make([][]string, 0, len(status))
	for _, s := range status {
		applied := "pending"
		if s.Applied {
			applied = "applied"
		}
		rows = append(rows, []string{s.Version, s.File, applied})
	}
	pterm.Success.Printfln("%s Database %s is up to date", sym.DB, cfg.Database.Path)
	return display.Table([]string{"VERSION", "FILE", "STATE"}, rows)
}

// dbStats is what db stats reports
type dbStats struct {
	Path             string         `json:"path"`
	Schedules        int            `json:"schedules"`
	Enabled          int            `json:"enabled"`
	Window           string         `json:"window"`
	Executions       map[string]int `json:"executions"`
	Delivered        int            `json:"delivered"`
	DeliveryAttempts int            `json:"delivery_attempts"`
}

func runDbStats(cmd *cobra.Command, args []string) error {
	return withEngine(func(cfg *am.Config, eng *engine.Engine) error {
		ctx := cmd.Context()
		since := time.Now().Add(-statsWindow)

		stats := dbStats{Path: cfg.Database.Path, Window: statsWindow.String(), Executions: map[string]int{}}
		var err error
		if stats.Schedules, stats.Enabled, err = eng.Schedules().Count(ctx); err != nil {
			return err
		}
		byStatus, err := eng.Executions().CountByStatusSince(ctx, since)
		if err != nil {
			return err
		}
		for status, n := range byStatus {
			stats.Executions[string(status)] = n
		}
		if stats.Delivered, stats.DeliveryAttempts, err = eng.Deliveries().SuccessRate(ctx, since); err != nil {
			return err
		}
		if display.ShouldOutputJSON(cmd) {
			return display.OutputJSON(stats)
		}

		fmt.Printf("%s Database Statistics\n", sym.DB)
		fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
		fmt.Printf("Database Path:  %s\n", stats.Path)
		fmt.Printf("Schedules:      %d (%d enabled)\n", stats.Schedules, stats.Enabled)
		fmt.Printf("\nExecutions (last %s):\n", stats.Window)
		for _, status := range []string{"pending", "running", "retrying", "completed", "failed", "cancelled"} {
			fmt.Printf("  %s %-10s %d\n", sym.ForStatus(status), status, stats.Executions[status])
		}
		fmt.Printf("\nDeliveries (last %s): %d of %d attempts delivered", stats.Window, stats.Delivered, stats.DeliveryAttempts)
		if stats.DeliveryAttempts > 0 {
			fmt.Printf(" (%.1f%%)", 100*float64(stats.Delivered)/float64(stats.DeliveryAttempts))
		}
		fmt.Println()
		return nil
	})
}
