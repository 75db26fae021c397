//go:build cgo

package ledger

import (
	"context"
	"database/sql"

	_ "github.com/tursodatabase/go-libsql"
)

// cgo builds go through libsql so ledger.url may point at a remote database.
const driverName = "libsql"

func openDB(ctx context.Context, cfg Config) (*sql.DB, error) {
	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}
	return connect(ctx, driverName, dsn)
}
