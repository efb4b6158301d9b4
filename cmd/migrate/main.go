// Command migrate manages the Postgres schema of the MTA (users and
// message_status) and provisions directory users.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/welldanyogia/tempmail-mta/internal/config"
	"github.com/welldanyogia/tempmail-mta/internal/directory"
	"github.com/welldanyogia/tempmail-mta/internal/logger"
)

// Version is set at build time
var Version = "dev"

const (
	defaultTimeout        = 5 * time.Minute
	defaultMigrationsPath = "migrations"
)

type options struct {
	databaseURL    string
	migrationsPath string
	timeout        time.Duration
	dryRun         bool
	log            *slog.Logger
}

func main() {
	cfg := config.Load()

	var (
		migrPath = flag.String("path", envOr("MIGRATIONS_PATH", defaultMigrationsPath), "Path to migrations directory")
		timeout  = flag.Duration("timeout", defaultTimeout, "Lock and connect timeout")
		dryRun   = flag.Bool("dry-run", false, "Show what would be done without executing")
		version  = flag.Bool("version", false, "Print version and exit")
	)
	flag.Usage = usage
	flag.Parse()

	if *version {
		fmt.Printf("migrate version %s\n", Version)
		return
	}
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	opts := &options{
		databaseURL:    cfg.Database.URL(),
		migrationsPath: *migrPath,
		timeout:        *timeout,
		dryRun:         *dryRun,
		log: logger.New(logger.Config{
			Level:  cfg.Logging.Level,
			Format: "text",
			Output: "stderr",
		}),
	}

	if err := runCommand(opts, flag.Arg(0), flag.Args()[1:]); err != nil {
		opts.log.Error("migrate failed", slog.String("command", flag.Arg(0)), slog.Any("error", err))
		os.Exit(1)
	}
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: %s [options] <command> [args]\n\n", os.Args[0])
	fmt.Fprintf(out, "Commands:\n")
	fmt.Fprintf(out, "  up [N]                 Apply all or N up migrations\n")
	fmt.Fprintf(out, "  down N                 Roll back N migrations\n")
	fmt.Fprintf(out, "  goto V                 Migrate to version V\n")
	fmt.Fprintf(out, "  force V                Set version V without running migrations\n")
	fmt.Fprintf(out, "  version                Print the current migration version\n")
	fmt.Fprintf(out, "  create NAME            Create a new migration file pair\n")
	fmt.Fprintf(out, "  adduser EMAIL PASSWORD Add a user able to authenticate over SMTP\n")
	fmt.Fprintf(out, "\nThe database is taken from DB_HOST, DB_PORT, DB_USER, DB_PASSWORD, DB_NAME and DB_SSLMODE.\n\nOptions:\n")
	flag.PrintDefaults()
}

func runCommand(opts *options, cmd string, args []string) error {
	switch cmd {
	case "create":
		if len(args) < 1 {
			return errors.New("create requires a migration name")
		}
		return createMigration(opts, args[0])
	case "version":
		return showVersion(opts)
	case "up":
		n, err := optionalCount(args)
		if err != nil {
			return err
		}
		return apply(opts, "up", func(m *migrate.Migrate) error {
			if n > 0 {
				return m.Steps(n)
			}
			return m.Up()
		})
	case "down":
		// rolling back everything is refused; pass an explicit count
		n, err := optionalCount(args)
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.New("down requires a number of migrations")
		}
		return apply(opts, "down", func(m *migrate.Migrate) error { return m.Steps(-n) })
	case "goto":
		v, err := requiredNumber(args, "goto")
		if err != nil {
			return err
		}
		return apply(opts, "goto", func(m *migrate.Migrate) error { return m.Migrate(uint(v)) })
	case "force":
		v, err := requiredNumber(args, "force")
		if err != nil {
			return err
		}
		return apply(opts, "force", func(m *migrate.Migrate) error { return m.Force(v) })
	case "adduser":
		if len(args) < 2 {
			return errors.New("adduser requires an email and a password")
		}
		return addUser(opts, args[0], args[1])
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func optionalCount(args []string) (int, error) {
	if len(args) == 0 {
		return 0, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid number of steps %q", args[0])
	}
	return n, nil
}

func requiredNumber(args []string, cmd string) (int, error) {
	if len(args) < 1 {
		return 0, fmt.Errorf("%s requires a version number", cmd)
	}
	v, err := strconv.Atoi(args[0])
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid version %q", args[0])
	}
	return v, nil
}

// apply runs one migration action and logs the version transition
func apply(opts *options, action string, fn func(*migrate.Migrate) error) error {
	if opts.dryRun {
		opts.log.Info("dry run", slog.String("action", action))
		return nil
	}

	m, err := newMigrate(opts)
	if err != nil {
		return err
	}
	defer m.Close()

	from, _, _ := m.Version()
	if err := fn(m); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			opts.log.Info("no change", slog.String("action", action), slog.Uint64("version", uint64(from)))
			return nil
		}
		return fmt.Errorf("%s: %w", action, err)
	}
	to, _, _ := m.Version()
	opts.log.Info("migration complete",
		slog.String("action", action),
		slog.Uint64("from", uint64(from)),
		slog.Uint64("to", uint64(to)),
	)
	return nil
}

func showVersion(opts *options) error {
	m, err := newMigrate(opts)
	if err != nil {
		return err
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		fmt.Println("no migrations applied")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if dirty {
		fmt.Printf("%d (dirty)\n", version)
	} else {
		fmt.Println(version)
	}
	return nil
}

func createMigration(opts *options, name string) error {
	next, err := nextMigrationNumber(opts.migrationsPath)
	if err != nil {
		return fmt.Errorf("determine next migration number: %w", err)
	}

	files := map[string]string{
		filepath.Join(opts.migrationsPath, fmt.Sprintf("%03d_%s.up.sql", next, name)):   "-- " + name + "\n",
		filepath.Join(opts.migrationsPath, fmt.Sprintf("%03d_%s.down.sql", next, name)): "-- " + name + " (rollback)\n",
	}
	if opts.dryRun {
		for path := range files {
			opts.log.Info("dry run: would create", slog.String("file", path))
		}
		return nil
	}

	if err := os.MkdirAll(opts.migrationsPath, 0o755); err != nil {
		return fmt.Errorf("create migrations directory: %w", err)
	}
	for path, content := range files {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		opts.log.Info("created migration file", slog.String("file", path))
	}
	return nil
}

// nextMigrationNumber returns one past the highest NNN_ prefix in dir
func nextMigrationNumber(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}

	highest := 0
	for _, e := range entries {
		var n int
		if e.IsDir() {
			continue
		}
		if _, err := fmt.Sscanf(e.Name(), "%d_", &n); err == nil && n > highest {
			highest = n
		}
	}
	return highest + 1, nil
}

func newMigrate(opts *options) (*migrate.Migrate, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	db, err := sql.Open("pgx", opts.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: "schema_migrations"})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create database driver: %w", err)
	}

	path, err := filepath.Abs(opts.migrationsPath)
	if err != nil {
		return nil, fmt.Errorf("resolve migrations path: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+path, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}
	m.LockTimeout = opts.timeout
	return m, nil
}

func addUser(opts *options, email, password string) error {
	if opts.dryRun {
		opts.log.Info("dry run: would add user", slog.String("email", email))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, opts.databaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	id, err := directory.NewPgxDirectory(pool).CreateUser(ctx, email, password)
	if err != nil {
		return err
	}
	opts.log.Info("user added", slog.String("email", email), slog.String("id", id))
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
