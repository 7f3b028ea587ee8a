package database

import (
	"context"
	"fmt"
	"sort"

	dbsql "patternhub/api_credits/pkg/database/sql"
	"patternhub/api_credits/pkg/logging"
)

// ApplySchema executes the embedded schema files in lexical order. All
// statements are idempotent (CREATE ... IF NOT EXISTS), so running at every
// startup is safe.
func ApplySchema(ctx context.Context, db PostgresConn, logger logging.Logger) error {
	entries, err := dbsql.Content.ReadDir("schema")
	if err != nil {
		return fmt.Errorf("failed to read embedded schema: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		content, err := dbsql.Content.ReadFile("schema/" + name)
		if err != nil {
			return fmt.Errorf("failed to read schema file %s: %w", name, err)
		}
		if _, err := db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("failed to apply schema file %s: %w", name, err)
		}
		logger.WithField("file", name).Debug("Applied schema file")
	}

	logger.WithField("files", len(names)).Info("Database schema up to date")
	return nil
}
