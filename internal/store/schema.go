package store

import "database/sql"

func Init(db *sql.DB) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`
CREATE TABLE IF NOT EXISTS transfers (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	path TEXT NOT NULL DEFAULT '',

	expected_size INTEGER NOT NULL DEFAULT -1,
	ranges TEXT NOT NULL DEFAULT '', -- "start-end,start-end"

	state TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	next_run_at TEXT, -- null means now
	acked INTEGER NOT NULL DEFAULT 0,

	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`,
		`CREATE INDEX IF NOT EXISTS transfers_state ON transfers(state, updated_at);`,
	}

	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}

	return nil
}
