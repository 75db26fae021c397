//go:build !cgo

package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// Builds without cgo keep the ledger in a local file through the pure-Go
// driver, which registers itself as "sqlite".
const driverName = "sqlite"

func openDB(ctx context.Context, cfg Config) (*sql.DB, error) {
	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}
	for _, scheme := range []string{"libsql://", "https://"} {
		if strings.HasPrefix(dsn, scheme) {
			return nil, fmt.Errorf("ledger url %s needs a cgo build", scheme)
		}
	}
	return connect(ctx, driverName, dsn)
}
