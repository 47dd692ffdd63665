package migrate

// Migration is one forward schema step. Migrations are additive-only;
// destructive changes get a new version instead of editing an old one.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations is the ordered schema history. Versions are monotone and
// never reused.
var Migrations = []Migration{
	{
		Version:     1,
		Description: "tasks and dependencies",
		SQL: `
CREATE TABLE IF NOT EXISTS tasks (
    id            TEXT PRIMARY KEY,
    title         TEXT NOT NULL,
    description   TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL DEFAULT 'backlog'
        CHECK (status IN ('backlog','ready','planning','active','blocked','review','human_needs_to_review','done')),
    parent_id     TEXT REFERENCES tasks(id) ON DELETE SET NULL,
    score         INTEGER NOT NULL DEFAULT 0,
    assignee_type TEXT CHECK (assignee_type IN ('human','agent')),
    assignee_id   TEXT,
    assigned_at   TEXT,
    assigned_by   TEXT,
    metadata      TEXT NOT NULL DEFAULT '{}',
    created_at    TEXT NOT NULL,
    updated_at    TEXT NOT NULL,
    completed_at  TEXT,
    CHECK ((status = 'done') = (completed_at IS NOT NULL))
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id);
CREATE INDEX IF NOT EXISTS idx_tasks_ready_order ON tasks(score DESC, created_at ASC);

CREATE TABLE IF NOT EXISTS dependencies (
    blocker_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    blocked_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    created_at TEXT NOT NULL,
    PRIMARY KEY (blocker_id, blocked_id),
    CHECK (blocker_id <> blocked_id)
);

CREATE INDEX IF NOT EXISTS idx_dependencies_blocked ON dependencies(blocked_id);
`,
	},
	{
		Version:     2,
		Description: "workers, claims and attempts",
		SQL: `
CREATE TABLE IF NOT EXISTS workers (
    id                TEXT PRIMARY KEY,
    name              TEXT NOT NULL DEFAULT '',
    hostname          TEXT NOT NULL DEFAULT '',
    pid               INTEGER,
    status            TEXT NOT NULL DEFAULT 'starting'
        CHECK (status IN ('starting','idle','busy','stopping','dead')),
    current_task_id   TEXT REFERENCES tasks(id) ON DELETE SET NULL,
    capabilities      TEXT NOT NULL DEFAULT '[]',
    metadata          TEXT NOT NULL DEFAULT '{}',
    registered_at     TEXT NOT NULL,
    last_heartbeat_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS claims (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id          TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    worker_id        TEXT NOT NULL REFERENCES workers(id) ON DELETE CASCADE,
    status           TEXT NOT NULL DEFAULT 'active'
        CHECK (status IN ('active','released','expired')),
    claimed_at       TEXT NOT NULL,
    lease_expires_at TEXT NOT NULL,
    renewed_count    INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_claims_one_active
    ON claims(task_id) WHERE status = 'active';
CREATE INDEX IF NOT EXISTS idx_claims_task ON claims(task_id);
CREATE INDEX IF NOT EXISTS idx_claims_active_expiry
    ON claims(lease_expires_at) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS attempts (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id    TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    run_id     TEXT,
    worker_id  TEXT,
    outcome    TEXT NOT NULL DEFAULT '',
    detail     TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_attempts_task ON attempts(task_id);
`,
	},
	{
		Version:     3,
		Description: "runs and events",
		SQL: `
CREATE TABLE IF NOT EXISTS runs (
    id              TEXT PRIMARY KEY,
    task_id         TEXT REFERENCES tasks(id) ON DELETE SET NULL,
    agent           TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL DEFAULT 'running'
        CHECK (status IN ('running','completed','failed','timeout','cancelled')),
    started_at      TEXT NOT NULL,
    ended_at        TEXT,
    exit_code       INTEGER,
    pid             INTEGER,
    transcript_path TEXT,
    stdout_path     TEXT,
    stderr_path     TEXT,
    context_path    TEXT,
    summary         TEXT NOT NULL DEFAULT '',
    error           TEXT NOT NULL DEFAULT '',
    metadata        TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_runs_task ON runs(task_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

CREATE TABLE IF NOT EXISTS events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    ts          TEXT NOT NULL,
    event_type  TEXT NOT NULL
        CHECK (event_type IN ('run_started','run_completed','run_failed','run_cancelled',
                              'task_created','task_updated','task_completed',
                              'tool_call','tool_result','error','learning_captured','metric')),
    run_id      TEXT,
    task_id     TEXT,
    agent       TEXT,
    tool_name   TEXT,
    content     TEXT NOT NULL DEFAULT '',
    metadata    TEXT NOT NULL DEFAULT '{}',
    duration_ms INTEGER
);

CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id);
CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
`,
	},
	{
		Version:     4,
		Description: "learnings with FTS index and recall config",
		SQL: `
CREATE TABLE IF NOT EXISTS learnings (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    content       TEXT NOT NULL CHECK (length(trim(content)) > 0),
    source_type   TEXT NOT NULL
        CHECK (source_type IN ('compaction','run','manual','claude_md')),
    source_ref    TEXT,
    keywords      TEXT NOT NULL DEFAULT '[]',
    category      TEXT NOT NULL DEFAULT '',
    usage_count   INTEGER NOT NULL DEFAULT 0,
    last_used_at  TEXT,
    outcome_score REAL NOT NULL DEFAULT 0,
    embedding     BLOB,
    run_id        TEXT,
    created_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_learnings_run ON learnings(run_id);
CREATE INDEX IF NOT EXISTS idx_learnings_category ON learnings(category);
CREATE INDEX IF NOT EXISTS idx_learnings_created ON learnings(created_at);

CREATE VIRTUAL TABLE IF NOT EXISTS learnings_fts USING fts5(
    content, keywords, category,
    content='learnings', content_rowid='id'
);

CREATE TRIGGER IF NOT EXISTS learnings_fts_ai AFTER INSERT ON learnings BEGIN
    INSERT INTO learnings_fts(rowid, content, keywords, category)
    VALUES (new.id, new.content, new.keywords, new.category);
END;

CREATE TRIGGER IF NOT EXISTS learnings_fts_ad AFTER DELETE ON learnings BEGIN
    INSERT INTO learnings_fts(learnings_fts, rowid, content, keywords, category)
    VALUES ('delete', old.id, old.content, old.keywords, old.category);
END;

CREATE TRIGGER IF NOT EXISTS learnings_fts_au AFTER UPDATE ON learnings BEGIN
    INSERT INTO learnings_fts(learnings_fts, rowid, content, keywords, category)
    VALUES ('delete', old.id, old.content, old.keywords, old.category);
    INSERT INTO learnings_fts(rowid, content, keywords, category)
    VALUES (new.id, new.content, new.keywords, new.category);
END;

CREATE TABLE IF NOT EXISTS learnings_config (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

INSERT OR IGNORE INTO learnings_config (key, value) VALUES
    ('bm25_weight', '0.4'),
    ('vector_weight', '0.4'),
    ('recency_weight', '0.2'),
    ('recency_half_life_days', '30');
`,
	},
	{
		Version:     5,
		Description: "anchors and edges",
		SQL: `
CREATE TABLE IF NOT EXISTS anchors (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    learning_id   INTEGER NOT NULL REFERENCES learnings(id) ON DELETE CASCADE,
    kind          TEXT NOT NULL CHECK (kind IN ('glob','hash','symbol','line_range')),
    file_path     TEXT NOT NULL,
    value         TEXT NOT NULL,
    content_hash  TEXT,
    symbol_fqname TEXT,
    line_start    INTEGER,
    line_end      INTEGER,
    status        TEXT NOT NULL DEFAULT 'valid'
        CHECK (status IN ('valid','drifted','invalid')),
    created_at    TEXT NOT NULL,
    verified_at   TEXT
);

CREATE INDEX IF NOT EXISTS idx_anchors_file ON anchors(file_path);
CREATE INDEX IF NOT EXISTS idx_anchors_learning ON anchors(learning_id);
CREATE INDEX IF NOT EXISTS idx_anchors_status ON anchors(status);

CREATE TABLE IF NOT EXISTS edges (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    source_kind TEXT NOT NULL CHECK (source_kind IN ('learning','file','run','task')),
    source_id   TEXT NOT NULL,
    target_kind TEXT NOT NULL CHECK (target_kind IN ('learning','file','run','task')),
    target_id   TEXT NOT NULL,
    edge_type   TEXT NOT NULL,
    weight      REAL NOT NULL DEFAULT 1.0 CHECK (weight > 0 AND weight <= 1),
    metadata    TEXT NOT NULL DEFAULT '{}',
    valid       INTEGER NOT NULL DEFAULT 1,
    created_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(source_kind, source_id);
CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target_kind, target_id);
CREATE INDEX IF NOT EXISTS idx_edges_type ON edges(edge_type);
`,
	},
	{
		Version:     6,
		Description: "run heartbeats and file learnings",
		SQL: `
CREATE TABLE IF NOT EXISTS run_heartbeats (
    run_id           TEXT PRIMARY KEY REFERENCES runs(id) ON DELETE CASCADE,
    last_check_at    TEXT NOT NULL,
    last_activity_at TEXT,
    stdout_bytes     INTEGER NOT NULL DEFAULT 0,
    stderr_bytes     INTEGER NOT NULL DEFAULT 0,
    transcript_bytes INTEGER NOT NULL DEFAULT 0,
    last_delta_bytes INTEGER NOT NULL DEFAULT 0,
    updated_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS file_learnings (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    file_path   TEXT NOT NULL,
    learning_id INTEGER REFERENCES learnings(id) ON DELETE SET NULL,
    note        TEXT NOT NULL DEFAULT '',
    relevance   REAL NOT NULL DEFAULT 1.0,
    created_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_file_learnings_path ON file_learnings(file_path);
`,
	},
	{
		Version:     7,
		Description: "sync config",
		SQL: `
CREATE TABLE IF NOT EXISTS sync_config (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

INSERT OR IGNORE INTO sync_config (key, value) VALUES ('auto_sync', 'false');
`,
	},
}
