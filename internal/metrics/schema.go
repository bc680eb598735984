package metrics

import (
	"database/sql"

	"codeberg.org/mutker/gpufan/internal/errors"
	"codeberg.org/mutker/gpufan/internal/logger"
)

const (
	SchemaVersion = 1

	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS control_ticks (
	       id               INTEGER PRIMARY KEY AUTOINCREMENT,
	       timestamp        INTEGER NOT NULL CHECK (typeof(timestamp) = 'integer'),
	       device           INTEGER NOT NULL CHECK (device >= 0),
	       temperature      REAL NOT NULL,
	       correction       REAL NOT NULL,
	       raw              REAL NOT NULL CHECK (raw >= 0 AND raw <= 100),
	       adjusted         REAL NOT NULL CHECK (adjusted >= 0 AND adjusted <= 100),
	       applied          INTEGER NOT NULL CHECK (applied IN (0, 1)),
	       telemetry_failed INTEGER NOT NULL CHECK (telemetry_failed IN (0, 1))
	   );
	   CREATE INDEX IF NOT EXISTS idx_control_ticks_timestamp ON control_ticks (timestamp);`

	insertMetricsSQL = `
    INSERT INTO control_ticks (
        timestamp, device,
        temperature, correction,
        raw, adjusted,
        applied, telemetry_failed
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	selectRecentSQL = `
    SELECT timestamp, device, temperature, correction, raw, adjusted, applied, telemetry_failed
    FROM control_ticks
    ORDER BY id DESC
    LIMIT ?`
)

// InitSchema creates the control tick schema and records SchemaVersion.
func InitSchema(db *sql.DB, log logger.Logger) error {
	err := withTx(db, log, func(tx *sql.Tx) error {
		if _, err := tx.Exec(createTablesSQL); err != nil {
			return phaseError(ErrSchemaInitFailed, "create_tables", err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, applied_at) VALUES (?, datetime('now'))",
			SchemaVersion,
		); err != nil {
			return phaseError(ErrSchemaInitFailed, "record_version", err)
		}

		return nil
	})
	if err != nil {
		return err
	}

	log.Info().Int("version", SchemaVersion).Msg("Schema initialized")

	return nil
}

// GetSchemaVersion returns the newest recorded schema version, or 0 for a
// database without one.
func GetSchemaVersion(db *sql.DB) (int, error) {
	exists, err := TableExists(db, "schema_versions")
	if err != nil || !exists {
		return 0, err
	}

	var version int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	if err != nil {
		return 0, phaseError(ErrSchemaValidationFailed, "get_version", err)
	}

	return version, nil
}

func TableExists(db *sql.DB, tableName string) (bool, error) {
	var exists bool
	err := db.QueryRow(
		"SELECT EXISTS (SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?)",
		tableName,
	).Scan(&exists)
	if err != nil {
		return false, phaseError(ErrSchemaValidationFailed, "check_table_"+tableName, err)
	}

	return exists, nil
}

// withTx runs fn in a transaction, committing when it returns nil.
func withTx(db *sql.DB, log logger.Logger, fn func(tx *sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return errors.New().Wrap(ErrTransactionFailed, err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.Debug().Err(rbErr).Msg("Failed to roll back transaction")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.New().Wrap(ErrTransactionFailed, err)
	}

	return nil
}

func phaseError(code errors.ErrorCode, phase string, err error) error {
	return errors.New().WithData(code, struct {
		Phase string
		Error string
	}{
		Phase: phase,
		Error: err.Error(),
	})
}

func GetInsertMetricSQL() string {
	return insertMetricsSQL
}

func GetSelectRecentSQL() string {
	return selectRecentSQL
}
