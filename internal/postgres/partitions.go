package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/accord-chat/accord-server/internal/snowflake"
)

// EnsureMessagePartitions creates the monthly partitions of the messages
// table, from the id epoch month through monthsAhead past the current month.
// It is idempotent and runs at startup, so an insert never lands without a
// partition as long as the process restarts at least once per monthsAhead.
func EnsureMessagePartitions(ctx context.Context, pool *pgxpool.Pool, monthsAhead int) error {
	now := time.Now().UTC()
	end := monthStart(now).AddDate(0, monthsAhead, 0)

	for _, stmt := range partitionStatements(time.UnixMilli(snowflake.Epoch).UTC(), end) {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create message partition: %w", err)
		}
	}
	return nil
}

// partitionStatements returns CREATE TABLE IF NOT EXISTS statements for
// every month from start through end inclusive.
func partitionStatements(start, end time.Time) []string {
	var stmts []string
	for from := monthStart(start); !from.After(end); from = from.AddDate(0, 1, 0) {
		to := from.AddDate(0, 1, 0)
		stmts = append(stmts, fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS messages_y%04dm%02d PARTITION OF messages FOR VALUES FROM ('%s') TO ('%s')",
			from.Year(), int(from.Month()),
			from.Format(time.DateOnly), to.Format(time.DateOnly),
		))
	}
	return stmts
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
