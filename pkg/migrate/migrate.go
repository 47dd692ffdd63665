// Package migrate applies ordered schema migrations against a tx
// database. The applied set is tracked in schema_version; run is
// idempotent and safe to call on every startup before any repository
// touches the database.
package migrate

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jamesaphoenix/tx/pkg/log"
	"github.com/jamesaphoenix/tx/pkg/metrics"
	"github.com/jamesaphoenix/tx/pkg/storage"
)

const schemaVersionTable = `
CREATE TABLE IF NOT EXISTS schema_version (
    version     INTEGER PRIMARY KEY,
    description TEXT NOT NULL,
    applied_at  TEXT NOT NULL
);
`

// Status describes where the database sits relative to the known
// migration history.
type Status struct {
	Current int         `json:"current"`
	Latest  int         `json:"latest"`
	Pending []Migration `json:"pending"`
}

// UpToDate reports whether no migrations remain to apply.
func (s Status) UpToDate() bool {
	return len(s.Pending) == 0
}

// Runner applies migrations to a single database.
type Runner struct {
	db         *storage.DB
	migrations []Migration
}

// NewRunner returns a runner over the built-in migration history.
func NewRunner(db *storage.DB) *Runner {
	return &Runner{db: db, migrations: Migrations}
}

// Status reports the current schema version, the latest known version,
// and the migrations still pending, without applying anything.
func (r *Runner) Status(ctx context.Context) (Status, error) {
	if err := r.ensureVersionTable(ctx); err != nil {
		return Status{}, err
	}

	current, err := r.currentVersion(ctx)
	if err != nil {
		return Status{}, err
	}

	st := Status{Current: current, Pending: []Migration{}}
	for _, m := range r.migrations {
		if m.Version > st.Latest {
			st.Latest = m.Version
		}
		if m.Version > current {
			st.Pending = append(st.Pending, m)
		}
	}
	return st, nil
}

// Run applies every pending migration in ascending version order, each
// in its own transaction. A version already recorded in schema_version
// is skipped, so calling Run repeatedly is harmless.
func (r *Runner) Run(ctx context.Context) error {
	logger := log.WithComponent("migrate")

	st, err := r.Status(ctx)
	if err != nil {
		return err
	}
	if st.UpToDate() {
		logger.Debug().Int("version", st.Current).Msg("Schema up to date")
		return nil
	}

	for _, m := range st.Pending {
		start := time.Now()
		err := r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
			if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
				return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
			}
			_, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO schema_version (version, description, applied_at) VALUES (?, ?, ?)`,
				m.Version, m.Description, storage.FormatTime(time.Now()))
			if err != nil {
				return fmt.Errorf("record migration %d: %w", m.Version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}

		metrics.MigrationsApplied.Inc()
		logger.Info().
			Int("version", m.Version).
			Str("description", m.Description).
			Dur("took", time.Since(start)).
			Msg("Applied migration")
	}

	logger.Info().Int("version", st.Latest).Msg("Schema migrated")
	return nil
}

func (r *Runner) ensureVersionTable(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schemaVersionTable); err != nil {
		return fmt.Errorf("ensure schema_version table: %w", err)
	}
	return nil
}

func (r *Runner) currentVersion(ctx context.Context) (int, error) {
	var version int
	err := r.db.GetContext(ctx, &version,
		`SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}
