package database

import (
	"fmt"
	"strings"
)

// columnTypes spells the three column kinds the history needs per engine.
type columnTypes struct {
	integer string
	float   string
	text    string
}

func typesFor(driver string) (columnTypes, error) {
	switch driver {
	case "sqlite", "chai":
		return columnTypes{integer: "INTEGER", float: "REAL", text: "TEXT"}, nil
	case "genji":
		return columnTypes{integer: "INTEGER", float: "DOUBLE", text: "TEXT"}, nil
	case "duckdb":
		return columnTypes{integer: "BIGINT", float: "DOUBLE", text: "TEXT"}, nil
	case "pgx":
		return columnTypes{integer: "BIGINT", float: "DOUBLE PRECISION", text: "TEXT"}, nil
	}
	return columnTypes{}, fmt.Errorf("unsupported database type: %s", driver)
}

// InitSchema creates the history tables when they are missing. Ids are
// always assigned by the generator, so no engine needs SERIAL or sequences.
func (db *Database) InitSchema() error {
	t, err := typesFor(db.Driver)
	if err != nil {
		return err
	}
	r := strings.NewReplacer("INT_T", t.integer, "FLOAT_T", t.float, "TEXT_T", t.text)

	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
  id             INT_T PRIMARY KEY,
  session_id     TEXT_T NOT NULL,
  folder         TEXT_T,
  pair           TEXT_T NOT NULL,
  sample_step    INT_T,
  max_points     INT_T,
  geometry       TEXT_T,
  new_cells      INT_T,
  cleaned_cells  INT_T,
  new_points     INT_T,
  cleaned_points INT_T,
  created_at     INT_T
)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created ON runs (created_at)`,
		`CREATE TABLE IF NOT EXISTS run_features (
  id         INT_T PRIMARY KEY,
  run_id     INT_T NOT NULL,
  kind       TEXT_T NOT NULL,
  lat        FLOAT_T,
  lon        FLOAT_T,
  row_idx    INT_T,
  col_idx    INT_T,
  cell_value FLOAT_T,
  has_value  INT_T
)`,
		`CREATE INDEX IF NOT EXISTS idx_run_features_run ON run_features (run_id)`,
		`CREATE TABLE IF NOT EXISTS short_links (
  id         INT_T PRIMARY KEY,
  code       TEXT_T NOT NULL UNIQUE,
  target     TEXT_T NOT NULL UNIQUE,
  created_at INT_T NOT NULL
)`,
	}
	for i := range statements {
		statements[i] = r.Replace(statements[i])
	}
	if err := execStatements(db, statements); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// execStatements runs DDL one statement at a time; not every driver
// accepts several statements in one Exec.
func execStatements(db *Database, stmts []string) error {
	for _, raw := range stmts {
		stmt := strings.TrimSpace(raw)
		if stmt == "" {
			continue
		}
		if _, err := db.DB.Exec(stmt); err != nil {
			return fmt.Errorf("%s: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
