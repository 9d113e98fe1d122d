package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"trash-change-map/pkg/feature"
	"trash-change-map/pkg/raster"
)

// ErrRunNotFound is returned for unknown run ids.
var ErrRunNotFound = errors.New("run not found")

// Run is one stored comparison.
type Run struct {
	ID            int64  `db:"id" json:"id"`
	SessionID     string `db:"session_id" json:"sessionId"`
	Folder        string `db:"folder" json:"folder"`
	Pair          string `db:"pair" json:"pair"`
	Step          int    `db:"sample_step" json:"step"`
	MaxPoints     int    `db:"max_points" json:"maxPoints"`
	Geometry      string `db:"geometry" json:"geometry"`
	NewCells      int    `db:"new_cells" json:"newCells"`
	CleanedCells  int    `db:"cleaned_cells" json:"cleanedCells"`
	NewPoints     int    `db:"new_points" json:"newPoints"`
	CleanedPoints int    `db:"cleaned_points" json:"cleanedPoints"`
	CreatedAt     int64  `db:"created_at" json:"createdAt"`
}

// storedFeature is the row form of feature.Feature.
type storedFeature struct {
	ID       int64   `db:"id"`
	RunID    int64   `db:"run_id"`
	Kind     string  `db:"kind"`
	Lat      float64 `db:"lat"`
	Lon      float64 `db:"lon"`
	Row      int     `db:"row_idx"`
	Col      int     `db:"col_idx"`
	Value    float64 `db:"cell_value"`
	HasValue int64   `db:"has_value"`
}

const runColumns = `id,session_id,folder,pair,sample_step,max_points,geometry,new_cells,cleaned_cells,new_points,cleaned_points,created_at`

const featureColumns = `id,run_id,kind,lat,lon,row_idx,col_idx,cell_value,has_value`

func (db *Database) ready() error {
	if db == nil || db.DB == nil {
		return errors.New("database not initialized")
	}
	return nil
}

// SaveRun stores run and its located features and returns the new id.
// Point counts are taken from features; cell counts must be set by the caller.
// Features without coordinates are skipped.
func (db *Database) SaveRun(ctx context.Context, run *Run, features []feature.Feature) (int64, error) {
	if err := db.ready(); err != nil {
		return 0, err
	}
	run.ID = db.nextID()
	if run.CreatedAt == 0 {
		run.CreatedAt = time.Now().Unix()
	}
	counts := feature.Count(features)
	run.NewPoints, run.CleanedPoints = counts[feature.New], counts[feature.Cleaned]

	rows := make([]storedFeature, 0, len(features))
	for _, f := range features {
		if !f.Located() {
			continue
		}
		sf := storedFeature{
			ID: db.nextID(), RunID: run.ID, Kind: string(f.Kind),
			Lat: f.Point.Lat, Lon: f.Point.Lon, Row: f.Row, Col: f.Col,
		}
		if f.HasValue {
			sf.Value, sf.HasValue = f.Value, 1
		}
		rows = append(rows, sf)
	}

	insertRun := db.DB.Rebind(`INSERT INTO runs (` + runColumns + `) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`)
	runArgs := []any{run.ID, run.SessionID, run.Folder, run.Pair, run.Step, run.MaxPoints, run.Geometry,
		run.NewCells, run.CleanedCells, run.NewPoints, run.CleanedPoints, run.CreatedAt}

	if db.Driver == "pgx" {
		if _, err := db.DB.ExecContext(ctx, insertRun, runArgs...); err != nil {
			return 0, fmt.Errorf("insert run: %w", err)
		}
		err := db.copyRunFeaturesPostgreSQL(ctx, rows)
		if errors.Is(err, errCopyUnsupported) {
			err = db.insertFeatures(ctx, rows)
		}
		if err != nil {
			_, _ = db.DB.ExecContext(context.Background(), db.DB.Rebind(`DELETE FROM runs WHERE id = ?`), run.ID)
			return 0, err
		}
		return run.ID, nil
	}

	tx, err := db.DB.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, insertRun, runArgs...); err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	if err := insertFeatureRows(ctx, tx, db.DB.Rebind(insertFeatureSQL), rows); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit run: %w", err)
	}
	return run.ID, nil
}

const insertFeatureSQL = `INSERT INTO run_features (` + featureColumns + `) VALUES (?,?,?,?,?,?,?,?,?)`

type preparer interface {
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

func insertFeatureRows(ctx context.Context, p preparer, query string, rows []storedFeature) error {
	if len(rows) == 0 {
		return nil
	}
	stmt, err := p.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare feature insert: %w", err)
	}
	defer stmt.Close()
	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.ID, r.RunID, r.Kind, r.Lat, r.Lon, r.Row, r.Col, r.Value, r.HasValue); err != nil {
			return fmt.Errorf("insert feature %d: %w", r.ID, err)
		}
	}
	return nil
}

func (db *Database) insertFeatures(ctx context.Context, rows []storedFeature) error {
	tx, err := db.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	if err := insertFeatureRows(ctx, tx, db.DB.Rebind(insertFeatureSQL), rows); err != nil {
		return err
	}
	return tx.Commit()
}

// ListRuns returns the newest runs first.
func (db *Database) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if err := db.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	runs := []Run{}
	q := fmt.Sprintf(`SELECT %s FROM runs ORDER BY id DESC LIMIT %d`, runColumns, limit)
	if err := db.DB.SelectContext(ctx, &runs, q); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// CountRuns returns the number of stored runs.
func (db *Database) CountRuns(ctx context.Context) (int64, error) {
	if err := db.ready(); err != nil {
		return 0, err
	}
	var n int64
	if err := db.DB.GetContext(ctx, &n, `SELECT COUNT(*) FROM runs`); err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}
	return n, nil
}

// GetRun loads one run.
func (db *Database) GetRun(ctx context.Context, id int64) (Run, error) {
	if err := db.ready(); err != nil {
		return Run{}, err
	}
	var run Run
	q := db.DB.Rebind(`SELECT ` + runColumns + ` FROM runs WHERE id = ?`)
	err := db.DB.GetContext(ctx, &run, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrRunNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("get run %d: %w", id, err)
	}
	return run, nil
}

// RunFeatures returns the stored features of a run in insertion order,
// optionally limited to one kind and a bounding box.
func (db *Database) RunFeatures(ctx context.Context, runID int64, kind feature.Kind, bounds *raster.Bounds) ([]feature.Feature, error) {
	run, err := db.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	where := []string{"run_id = ?"}
	args := []any{runID}
	if kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(kind))
	}
	if bounds != nil {
		where = append(where, "lat >= ?", "lat <= ?", "lon >= ?", "lon <= ?")
		args = append(args, bounds.MinLat, bounds.MaxLat, bounds.MinLon, bounds.MaxLon)
	}
	q := db.DB.Rebind(`SELECT ` + featureColumns + ` FROM run_features WHERE ` + strings.Join(where, " AND ") + ` ORDER BY id`)

	var rows []storedFeature
	if err := db.DB.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("run %d features: %w", runID, err)
	}

	out := make([]feature.Feature, 0, len(rows))
	for _, r := range rows {
		out = append(out, feature.Feature{
			Kind:     feature.Kind(r.Kind),
			Pair:     run.Pair,
			Point:    &feature.LonLat{Lon: r.Lon, Lat: r.Lat},
			Row:      r.Row,
			Col:      r.Col,
			Value:    r.Value,
			HasValue: r.HasValue != 0,
		})
	}
	return out, nil
}

// DeleteRun removes a run and its features.
func (db *Database) DeleteRun(ctx context.Context, id int64) error {
	if _, err := db.GetRun(ctx, id); err != nil {
		return err
	}
	tx, err := db.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, db.DB.Rebind(`DELETE FROM run_features WHERE run_id = ?`), id); err != nil {
		return fmt.Errorf("delete run %d features: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, db.DB.Rebind(`DELETE FROM runs WHERE id = ?`), id); err != nil {
		return fmt.Errorf("delete run %d: %w", id, err)
	}
	return tx.Commit()
}

// errCopyUnsupported makes SaveRun fall back to row inserts.
var errCopyUnsupported = errors.New("copy not supported by driver")
