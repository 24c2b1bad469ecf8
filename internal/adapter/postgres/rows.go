package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5"
)

// collectRows reads rows into maps keyed by column name. When rows is a
// WatchedRows every read is reported on its record, and closing it finalizes
// the record. An empty result is an empty slice, never nil.
func collectRows(rows pgx.Rows) ([]map[string]any, error) {
	result, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("collecting rows: %w", err)
	}
	return result, nil
}
