package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/mickamy/sqlcapture"
	"github.com/mickamy/sqlcapture/sink"
)

const citySchema = `CREATE TABLE IF NOT EXISTS city (
    id BIGINT PRIMARY KEY,
    city_name TEXT NOT NULL,
    description TEXT,
    population BIGINT NOT NULL DEFAULT 0
)`

type options struct {
	driver     string
	dsn        string
	configPath string
	auditTable string
	operator   string
	verbose    bool
}

func main() {
	// .env is optional
	_ = godotenv.Load()

	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:           "sqlcapture-demo",
		Short:         "Run city statements through a capturing database handle",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}

	bindFlags(cmd.Flags(), &opts)
	return cmd
}

func bindFlags(f *pflag.FlagSet, opts *options) {
	f.StringVar(&opts.driver, "driver", getenv("DEMO_DRIVER", "sqlite3"), "database driver: sqlite3 or pgx")
	f.StringVar(&opts.dsn, "dsn", getenv("DATABASE_URL", "file:demo.db?cache=shared"), "data source name")
	f.StringVar(&opts.configPath, "config", "", "capture config YAML file")
	f.StringVar(&opts.auditTable, "audit-table", "sql_audit_log", "table the audit sink writes to")
	f.StringVar(&opts.operator, "operator", "demo-user", "operator recorded on every statement")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "log at debug level")
}

func run(ctx context.Context, opts options) error {
	switch opts.driver {
	case "sqlite3", "pgx":
	default:
		return fmt.Errorf("unsupported driver %q", opts.driver)
	}

	log, err := newLogger(opts.verbose)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	cfg := sqlcapture.DefaultConfig()
	if opts.configPath != "" {
		if cfg, err = sqlcapture.LoadConfigFile(opts.configPath); err != nil {
			return err
		}
	}
	if cfg, err = sqlcapture.ConfigFromEnv("SQLCAPTURE", cfg); err != nil {
		return err
	}

	db, err := sql.Open(opts.driver, opts.dsn)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer func(db *sql.DB) {
		_ = db.Close()
	}(db)

	if _, err := db.ExecContext(ctx, citySchema); err != nil {
		return fmt.Errorf("create city: %w", err)
	}

	audit, err := sink.New(log.Named("sink"), db, sink.Config{Table: opts.auditTable, BatchSize: 10, FlushInterval: time.Second})
	if err != nil {
		return err
	}
	if err := audit.Migrate(ctx); err != nil {
		return err
	}

	h, err := sqlcapture.New(cfg,
		sqlcapture.WithLogger(log),
		sqlcapture.WithConsumers(
			&sqlcapture.EnrichConsumer{
				Enricher: sqlcapture.NewEnricher(log.Named("enrich"), db),
				Columns:  []string{"city_name", "population"},
			},
			sqlcapture.NewLogConsumer(log.Named("audit")),
			audit,
		),
	)
	if err != nil {
		return err
	}
	h.Watch("city")

	ctx = sqlcapture.WithOperator(ctx, opts.operator)
	ctx = sqlcapture.WithTraceID(ctx, fmt.Sprintf("demo-%d", time.Now().UnixNano()))
	ctx = sqlcapture.WithReason(ctx, "demo run")

	if err := exercise(ctx, h.WrapDB(db)); err != nil {
		return err
	}

	// drain the pipeline before the sink so every record reaches it
	if err := h.Close(ctx); err != nil {
		log.Warn("capture pipeline did not drain", zap.Error(err))
	}
	if err := audit.Close(ctx); err != nil {
		return err
	}

	var n int
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s", opts.auditTable)
	if err := db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return fmt.Errorf("count audit rows: %w", err)
	}
	fmt.Printf("audit rows = %d, stats = %+v\n", n, h.Stats())
	return nil
}

func exercise(ctx context.Context, wdb *sqlcapture.DB) error {
	id := time.Now().UnixNano() % 1_000_000_000

	tx, err := wdb.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO city (id, city_name, description, population) VALUES ($1, $2, $3, $4)`,
		id, "Lagos", "coastal", 15_000_000); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE city SET description = $1 WHERE id = $2`, "O'Hare's favourite", id); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	var name string
	if err := wdb.QueryRowContext(ctx, `SELECT city_name FROM city WHERE id = $1`, id).Scan(&name); err != nil {
		return fmt.Errorf("select: %w", err)
	}

	if _, err := wdb.ExecContext(ctx, `DELETE FROM city WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
