//go:build windows && 386

package database

import (
	"database/sql"

	"github.com/lib/pq"
)

// pgx does not build for windows/386, so lib/pq is registered under the same
// name and -db-type=pgx keeps working there.
func init() {
	sql.Register("pgx", &pq.Driver{})
}
