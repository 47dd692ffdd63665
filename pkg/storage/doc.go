/*
Package storage provides the embedded SQLite store backing all tx state.

The storage package owns the database handle and the transaction
discipline; everything above it (repositories, services) borrows a
Querier and never opens connections of its own. SQLite runs in WAL mode
with foreign keys enforced and a 5 second busy timeout, through the pure
Go modernc.org/sqlite driver, so the engine needs no cgo and no external
processes.

# Architecture

	┌───────────────────── SQLITE STORAGE ─────────────────────┐
	│                                                           │
	│  ┌────────────────────────────────────────────┐           │
	│  │                 DB                         │           │
	│  │  - File: <configured path>, WAL sidecar    │           │
	│  │  - Single pooled connection                │           │
	│  │  - _txlock=immediate                       │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │            Connection Pragmas              │           │
	│  │  journal_mode=WAL   foreign_keys=ON        │           │
	│  │  busy_timeout=5000  synchronous=NORMAL     │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │           Transaction Management           │           │
	│  │  - WithTx: begin -> fn -> commit/rollback  │           │
	│  │  - Busy commits retried once               │           │
	│  │  - Panic inside fn still rolls back        │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │          SQL Feature Surface               │           │
	│  │  - JSON1 (json_extract over metadata)      │           │
	│  │  - FTS5 (learnings_fts virtual table)      │           │
	│  │  - Recursive CTEs (trees, cycle checks)    │           │
	│  │  - Partial unique indexes (active claims)  │           │
	│  └────────────────────────────────────────────┘           │
	└───────────────────────────────────────────────────────────┘

# Core Components

DB:
  - Thin wrapper over *sqlx.DB with the tx connection policy applied
  - SetMaxOpenConns(1): every statement serializes at this layer, which
    is what gives the claim coordinator its single-writer guarantee
  - Health pings with SELECT 1 for readiness checks

Querier:
  - The interface repositories program against
  - Satisfied by both *sqlx.DB and *sqlx.Tx, so a repository method can
    run standalone or join a caller's transaction unchanged

WithTx:
  - The only mutation unit in the system
  - fn returning an error rolls back; nothing written inside the
    transaction (including event rows) is externally visible after a
    rollback
  - Commit errors carry a correlation id via errdefs.DatabaseError

# Write Model

Exactly one process opens the database file. Within the process the
single connection serializes concurrent callers; _txlock=immediate makes
each WithTx take the write lock up front, so two racing claim attempts
queue instead of deadlocking mid-transaction. Readers that only need a
snapshot use the same connection and therefore see fully committed state
only.

# Usage

	db, err := storage.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	err = db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := claims.Insert(ctx, tx, claim); err != nil {
			return err
		}
		return events.Insert(ctx, tx, event)
	})

# Integration Points

  - pkg/migrate creates and versions the schema before anything else
    touches the handle
  - pkg/repo holds every SQL statement; this package holds none
  - pkg/engine opens the DB once and owns its lifecycle

# See Also

  - pkg/migrate for the schema this store carries
  - pkg/repo for the row mapping layer
  - modernc.org/sqlite for driver DSN parameters
*/
package storage
