package journal

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

type migration struct {
	Version int
	Name    string
	SQL     string
}

var migrations = []migration{
	{
		Version: 1,
		Name:    "create_runs",
		SQL: `
			CREATE TABLE IF NOT EXISTS runs (
				id TEXT PRIMARY KEY,
				db_name TEXT NOT NULL,
				table_name TEXT NOT NULL,
				alter_sql TEXT NOT NULL,
				status TEXT NOT NULL,
				rows_copied INTEGER NOT NULL DEFAULT 0,
				copy_high_water INTEGER NOT NULL DEFAULT 0,
				started_at TIMESTAMP NOT NULL,
				finished_at TIMESTAMP
			);
			CREATE INDEX IF NOT EXISTS idx_runs_table ON runs(db_name, table_name, status);
		`,
	},
}

// migrate applies all pending schema migrations.
func (j *Journal) migrate() error {
	_, err := j.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err = j.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}
		log.Debug().Int("version", m.Version).Str("name", m.Name).Msg("Applying journal migration")

		if err := j.Transaction(func(tx *sql.Tx) error {
			for i, stmt := range splitStatements(m.SQL) {
				if _, err := tx.Exec(stmt); err != nil {
					return fmt.Errorf("migration %d statement %d failed: %w", m.Version, i+1, err)
				}
			}
			if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.Version); err != nil {
				return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
			}
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

func splitStatements(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
