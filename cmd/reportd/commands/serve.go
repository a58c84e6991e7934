package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/reportd/am"
	"github.com/teranos/reportd/errors"
	"github.com/teranos/reportd/logger"
	"github.com/teranos/reportd/pulse/report"
	"github.com/teranos/reportd/server"
	"github.com/teranos/reportd/sym"
	"github.com/teranos/reportd/version"
)

// ServeCmd runs the engine and the HTTP API
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   sym.Server + " Run the scheduler, workers and HTTP API",
	Long: sym.Server + ` serve - run reportd

Starts, in order:
- recovery of work left by a previous process
- the worker pool that generates and delivers reports
- the scanner that fires due schedules
- the HTTP API and websocket event stream

Several instances may share one database; schedule claims are transactional.
Ctrl+C drains in-flight requests and stops workers gracefully.`,
	RunE: runServe,
}

var (
	servePort    int
	serveWorkers int
)

func init() {
	ServeCmd.Flags().IntVar(&servePort, "port", 0, "HTTP port (overrides server.port)")
	ServeCmd.Flags().IntVar(&serveWorkers, "workers", 0, "Worker count (overrides pulse.workers)")
}

func runServe(cmd *cobra.Command, args []string) error {
	// serve logs lifecycle events at Info even without -v
	verbosity, _ := cmd.Flags().GetCount("verbose")
	if verbosity == 0 {
		jsonLogs, _ := cmd.Flags().GetBool("log-json")
		if err := logger.Initialize(jsonLogs, 1); err != nil {
			return err
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort > 0 {
		cfg.Server.Port = servePort
	}
	if serveWorkers > 0 {
		cfg.Pulse.Workers = serveWorkers
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	gen, err := report.NewScriptGenerator(cfg.Report, logger.ComponentLogger("report"))
	if err != nil {
		return errors.WithHint(err, "check report.command and report.templates_dir")
	}

	hub := server.NewHub(logger.ComponentLogger("server.ws"))
	eng := newEngine(cfg, database, gen, hub)
	srv := server.New(eng, hub, cfg.Server, logger.ComponentLogger("server"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start engine")
	}
	defer eng.Stop()

	if !logger.JSONOutput {
		printStartupBanner(cfg)
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	if err := srv.ListenAndServe(ctx, addr); err != nil {
		return err
	}
	logger.Logger.Infow(sym.Pulse + " Stopping workers")
	return nil
}

// printStartupBanner prints a short summary of what is running
func printStartupBanner(cfg *am.Config) {
	info := version.Get()
	auth := "disabled (set server.auth.jwt_secret)"
	if cfg.Server.Auth.JWTSecret != "" {
		auth = "bearer token required for writes"
	}

	pterm.DefaultHeader.WithFullWidth().Printf("%s reportd %s", sym.Pulse, info.Version)
	_ = pterm.DefaultTable.WithData(pterm.TableData{
		{"Commit", info.Short()},
		{"Database", cfg.Database.Path},
		{"API", fmt.Sprintf("http://localhost:%d/api", cfg.Server.Port)},
		{"Events", fmt.Sprintf("ws://localhost:%d/ws", cfg.Server.Port)},
		{"Workers", fmt.Sprint(cfg.Pulse.Workers)},
		{"Scan interval", cfg.Pulse.TickerInterval().String()},
		{"Auth", auth},
	}).Render()
	pterm.Println()
	pterm.Info.Println("Press Ctrl+C to stop")
}
