// Package database stores the history of comparison runs: one row per run
// plus the features it produced, and short share links for map views.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"runtime"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// Database wraps the connection pool and the id generator.
type Database struct {
	DB          *sqlx.DB   // sqlx keeps the placeholder style per driver
	idGenerator chan int64 // Channel for generating unique IDs
	Driver      string     // Normalized driver name so SQL builders can stay declarative
}

// normalizeDBType trims and lowercases driver names so the switch blocks
// below see the same spelling the flags accept.
func normalizeDBType(dbType string) string {
	return strings.ToLower(strings.TrimSpace(dbType))
}

// startIDGenerator launches a goroutine for generating unique IDs.
func startIDGenerator(initialID int64) chan int64 {
	idChannel := make(chan int64)
	go func(start int64) {
		currentID := start
		for {
			idChannel <- currentID
			currentID++
		}
	}(initialID)
	return idChannel
}

func (db *Database) nextID() int64 { return <-db.idGenerator }

// Config holds the configuration details for initializing the database.
type Config struct {
	DBType    string // sqlite, chai, genji, duckdb or pgx
	DBPath    string // file path for the embedded engines
	DBConn    string // raw DSN for pgx, overrides the fields below
	DBHost    string
	DBPort    int
	DBUser    string
	DBPass    string
	DBName    string
	PGSSLMode string
	Port      int // HTTP port, used in the default file name
}

// NewDatabase opens DB and configures connection pooling.
// Embedded engines get a single connection: the history is written by one
// request at a time and the engines do not gain from parallel writers.
func NewDatabase(config Config) (*Database, error) {
	driverName := normalizeDBType(config.DBType)
	var (
		dsn                string
		applySQLitePragmas bool
	)

	switch driverName {
	case "sqlite":
		applySQLitePragmas = true
		dsn = config.DBPath
		if dsn == "" {
			dsn = fmt.Sprintf("history-%d.%s", config.Port, driverName)
		}
	case "chai", "genji":
		// Both manage their own pragmas and caching.
		dsn = config.DBPath
		if dsn == "" {
			dsn = fmt.Sprintf("history-%d.%s", config.Port, driverName)
		}
	case "duckdb":
		dsn = config.DBPath
		if dsn == "" {
			dsn = fmt.Sprintf("history-%d.duckdb", config.Port)
		}
	case "pgx":
		if strings.TrimSpace(config.DBConn) != "" {
			dsn = config.DBConn
		} else {
			dsn = fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				config.DBUser, config.DBPass, config.DBHost, config.DBPort, config.DBName, config.PGSSLMode)
		}
	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.DBType)
	}

	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening the database: %w", err)
	}

	switch driverName {
	case "sqlite", "chai", "genji", "duckdb":
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	case "pgx":
		db.SetMaxOpenConns(4)
		db.SetConnMaxIdleTime(2 * time.Minute)
	}

	switch {
	case applySQLitePragmas:
		tuneCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := tuneSQLiteLikeConnection(tuneCtx, db.DB, log.Printf); err != nil {
			log.Printf("sqlite tuning skipped: %v", err)
		}
		cancel()
	case driverName == "duckdb":
		tuneCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := tuneDuckDBConnection(tuneCtx, db.DB, log.Printf); err != nil {
			log.Printf("duckdb tuning skipped: %v", err)
		}
		cancel()
	}

	// Cheap liveness probe with timeout so we don't hang at startup
	{
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("error connecting to the database: %w", err)
		}
	}

	log.Printf("Using database driver: %s with DSN: %s", driverName, redactDSN(dsn))

	out := &Database{DB: db, Driver: driverName}
	out.idGenerator = startIDGenerator(out.maxID())
	return out, nil
}

// maxID seeds the generator from the highest id across the tables that
// share it. Missing tables are ignored so a fresh file still starts at 1.
func (db *Database) maxID() int64 {
	initialID := int64(1)
	for _, table := range []string{"runs", "run_features", "short_links"} {
		var v sql.NullInt64
		if err := db.DB.QueryRow(`SELECT MAX(id) FROM ` + table).Scan(&v); err != nil {
			continue
		}
		if v.Valid && v.Int64 >= initialID {
			initialID = v.Int64 + 1
		}
	}
	return initialID
}

// Close releases the pool.
func (db *Database) Close() error {
	if db == nil || db.DB == nil {
		return nil
	}
	return db.DB.Close()
}

// redactDSN hides the password of URL-style DSNs in log lines.
func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	creds := dsn[scheme+3 : at]
	if i := strings.Index(creds, ":"); i >= 0 {
		return dsn[:scheme+3] + creds[:i] + ":***" + dsn[at:]
	}
	return dsn
}

// tuneSQLiteLikeConnection applies WAL/synchronous/busy pragmas. The steps
// run through a small channel pipeline outside the caller goroutine.
func tuneSQLiteLikeConnection(ctx context.Context, db *sql.DB, logf func(string, ...any)) error {
	type pragma struct {
		label     string
		query     string
		expectRow bool
	}

	steps := []pragma{
		{label: "journal_mode", query: "PRAGMA journal_mode=WAL;", expectRow: true},
		{label: "synchronous", query: "PRAGMA synchronous=NORMAL;"},
		{label: "temp_store", query: "PRAGMA temp_store=MEMORY;"},
		{label: "busy_timeout", query: "PRAGMA busy_timeout=5000;"},
	}

	jobs := make(chan pragma)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		for step := range jobs {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			default:
			}

			if step.expectRow {
				var mode string
				if err := db.QueryRowContext(ctx, step.query).Scan(&mode); err != nil {
					errs <- fmt.Errorf("apply %s: %w", step.label, err)
					return
				}
				logf("SQLite tuning %s -> %s", step.label, mode)
				continue
			}

			if _, err := db.ExecContext(ctx, step.query); err != nil {
				errs <- fmt.Errorf("apply %s: %w", step.label, err)
				return
			}
		}
		errs <- nil
	}()

	go func() {
		defer close(jobs)
		for _, step := range steps {
			select {
			case jobs <- step:
			case <-ctx.Done():
				return
			}
		}
	}()

	return <-errs
}

// tuneDuckDBConnection lets DuckDB use every CPU for the bulk feature inserts.
func tuneDuckDBConnection(ctx context.Context, db *sql.DB, logf func(string, ...any)) error {
	threads := runtime.NumCPU()
	if threads < 1 {
		threads = 1
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA threads=%d;", threads)); err != nil {
		return fmt.Errorf("apply threads: %w", err)
	}
	logf("DuckDB tuning threads=%d applied", threads)
	return nil
}
