//go:build !(windows && 386)

package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

// copyRunFeaturesPostgreSQL streams the features of one run with COPY. Ids
// are unique per generator, so rows go straight into run_features without
// a staging table.
func (db *Database) copyRunFeaturesPostgreSQL(ctx context.Context, rows []storedFeature) error {
	if len(rows) == 0 {
		return nil
	}
	if err := db.ready(); err != nil {
		return err
	}

	conn, err := db.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open postgres connection: %w", err)
	}
	defer conn.Close()

	src := make([][]any, 0, len(rows))
	for _, r := range rows {
		src = append(src, []any{r.ID, r.RunID, r.Kind, r.Lat, r.Lon, int64(r.Row), int64(r.Col), r.Value, r.HasValue})
	}

	copyErr := conn.Raw(func(driverConn any) error {
		direct, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("%w: driver %T", errCopyUnsupported, driverConn)
		}
		_, err := direct.Conn().CopyFrom(
			ctx,
			pgx.Identifier{"run_features"},
			[]string{"id", "run_id", "kind", "lat", "lon", "row_idx", "col_idx", "cell_value", "has_value"},
			pgx.CopyFromRows(src),
		)
		return err
	})
	if copyErr != nil {
		return fmt.Errorf("copy run features: %w", copyErr)
	}
	return nil
}
