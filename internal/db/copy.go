package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// DefaultBatchSize is the number of rows sent per COPY statement.
const DefaultBatchSize = 50000

// CopyFrom bulk-inserts rows into a table using PostgreSQL COPY protocol,
// in chunks of batchSize rows (0 = DefaultBatchSize).
func CopyFrom(ctx context.Context, q Querier, table pgx.Identifier, columns []string, rows [][]any, batchSize int) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	var total int64
	for i := 0; i < len(rows); i += batchSize {
		end := min(i+batchSize, len(rows))

		n, err := q.CopyFrom(ctx, table, columns, pgx.CopyFromRows(rows[i:end]))
		if err != nil {
			return total, eris.Wrapf(err, "db: COPY INTO %s (batch %d-%d)", table.Sanitize(), i, end)
		}
		total += n

		zap.L().Debug("db: batch copied",
			zap.String("table", table.Sanitize()),
			zap.Int("batch_start", i),
			zap.Int("batch_end", end),
			zap.Int64("rows", n),
		)
	}

	return total, nil
}
