package pg

import (
	"database/sql"
	"fmt"
)

// requiredSchemaVersion is the migration version this binary expects.
// Bump it together with any new file under migrations/.
const requiredSchemaVersion = 1

// checkSchema compares the schema_migrations table against the version
// this binary was built for. A missing or empty table reads as a fresh
// database. Every failure names the command that fixes it.
func checkSchema(db *sql.DB) error {
	var (
		version uint
		dirty   bool
	)
	err := db.QueryRow("SELECT version, dirty FROM schema_migrations LIMIT 1").Scan(&version, &dirty)
	if err != nil {
		return fmt.Errorf("schema not initialized (want v%d): run `vargos migrate up`", requiredSchemaVersion)
	}

	if dirty {
		return fmt.Errorf("schema v%d is dirty from a failed migration: run `vargos migrate force %d`, then `vargos migrate up`", version, version-1)
	}
	switch {
	case version == requiredSchemaVersion:
		return nil
	case version < requiredSchemaVersion:
		return fmt.Errorf("schema v%d is outdated (want v%d): run `vargos migrate up`", version, requiredSchemaVersion)
	default:
		return fmt.Errorf("schema v%d is newer than this binary (want v%d): upgrade vargos", version, requiredSchemaVersion)
	}
}
