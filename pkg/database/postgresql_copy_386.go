//go:build windows && 386

package database

import "context"

// lib/pq serves the pgx name on this platform and has no CopyFrom.
func (db *Database) copyRunFeaturesPostgreSQL(ctx context.Context, rows []storedFeature) error {
	if len(rows) == 0 {
		return nil
	}
	return errCopyUnsupported
}
