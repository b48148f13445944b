package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Open returns the store named by driver: memory, sqlite or postgres.
func Open(ctx context.Context, driver, dsn string, log *zap.Logger) (Store, error) {
	var dialect Dialect
	switch driver {
	case "memory", "":
		return NewMemoryStore(), nil
	case "sqlite":
		dialect = DialectSQLite
	case "postgres":
		dialect = DialectPostgres
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}

	s, err := OpenSQL(ctx, dialect, dsn, log)
	if err != nil {
		return nil, err
	}
	return s, nil
}
