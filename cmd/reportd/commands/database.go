package commands

import (
	"database/sql"

	"github.com/spf13/cobra"

	"github.com/teranos/reportd/am"
	"github.com/teranos/reportd/db"
	"github.com/teranos/reportd/errors"
	"github.com/teranos/reportd/internal/httpclient"
	"github.com/teranos/reportd/logger"
	"github.com/teranos/reportd/pulse/delivery"
	"github.com/teranos/reportd/pulse/engine"
	"github.com/teranos/reportd/pulse/report"
)

var (
	configPath string
	dbPath     string
)

// AddGlobalFlags registers the flags every command shares
func AddGlobalFlags(root *cobra.Command) {
	root.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: am.toml cascade)")
	root.PersistentFlags().StringVar(&dbPath, "db", "", "Database path (overrides database.path)")
	root.PersistentFlags().Bool("json", false, "Print results as JSON")
}

// loadConfig reads the configuration, honouring --config and --db
func loadConfig() (*am.Config, error) {
	var (
		cfg *am.Config
		err error
	)
	if configPath != "" {
		cfg, err = am.LoadFromFile(configPath)
	} else {
		cfg, err = am.Load()
	}
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		copied := *cfg
		copied.Database.Path = dbPath
		cfg = &copied
	}
	return cfg, nil
}

// openDatabase opens and migrates the configured database
func openDatabase(cfg *am.Config) (*sql.DB, error) {
	path := cfg.Database.Path
	if path == "" {
		path = "reportd.db"
	}
	database, err := db.OpenWithMigrations(path, logger.ComponentLogger("db"))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", path)
	}
	return database, nil
}

// newRegistry registers every channel the configuration can serve. Email
// needs an SMTP host; the other channels are always available.
func newRegistry(cfg *am.Config) *delivery.Registry {
	client := httpclient.New(cfg.Delivery.Timeout(), httpclient.Options{
		AllowPrivateIPs: cfg.Delivery.AllowPrivateIPs,
	})

	registry := delivery.NewRegistry()
	if cfg.Delivery.SMTP.Host != "" {
		registry.Register(delivery.NewEmail(cfg.Delivery.SMTP))
	}
	registry.Register(delivery.NewFileStorage(cfg.Delivery.FileStorage, cfg.Delivery.S3))
	registry.Register(delivery.NewAPIEndpoint(client))
	registry.Register(delivery.NewWebhook(client))
	return registry
}

// newEngine builds an engine over database. Commands other than serve never
// start it: they use it for validation and durable state changes, and a
// running server picks the resulting work up on its next sweep.
func newEngine(cfg *am.Config, database *sql.DB, gen report.Generator, broadcaster engine.Broadcaster) *engine.Engine {
	return engine.New(engine.ConfigFrom(*cfg), engine.Deps{
		DB:        database,
		Generator: gen,
		Registry:  newRegistry(cfg),
		Delivery: delivery.DispatcherConfig{
			Timeout:       cfg.Delivery.Timeout(),
			RatePerMinute: cfg.Delivery.RatePerMinute,
		},
		Broadcaster: broadcaster,
		Logger:      logger.ComponentLogger("pulse"),
	})
}

// withEngine opens the database and an unstarted engine for one command
func withEngine(fn func(cfg *am.Config, eng *engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	eng := newEngine(cfg, database, nil, nil)
	defer eng.Stop()
	return fn(cfg, eng)
}
