package pss

import "database/sql"

// migration is one entry in the ordered schema evolution ledger (spec.md
// §4.2.5). Migrations never rerun and never reorder once shipped; add new
// ones to the end of the list.
type migration struct {
	Name string
	Run  func(tx *sql.Tx) error
}

var migrations = []migration{
	{
		Name: "0001_init",
		Run: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
			CREATE TABLE IF NOT EXISTS project_meta (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS chat_sessions (
				id TEXT PRIMARY KEY,
				workspace_id TEXT,
				task_id TEXT,
				topic TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'active',
				message_count INTEGER NOT NULL DEFAULT 0,
				agent_completed_at DATETIME,
				suspended_at DATETIME,
				started_at DATETIME NOT NULL,
				ended_at DATETIME
			);
			CREATE INDEX IF NOT EXISTS idx_chat_sessions_task ON chat_sessions(task_id);
			CREATE INDEX IF NOT EXISTS idx_chat_sessions_status ON chat_sessions(status);

			CREATE TABLE IF NOT EXISTS chat_messages (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL,
				seq INTEGER NOT NULL,
				role TEXT NOT NULL,
				content TEXT NOT NULL,
				tool_metadata TEXT,
				created_at DATETIME NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_chat_messages_session_seq ON chat_messages(session_id, seq);

			CREATE TABLE IF NOT EXISTS activity_events (
				id TEXT PRIMARY KEY,
				event_type TEXT NOT NULL,
				actor_type TEXT NOT NULL,
				actor_id TEXT,
				workspace_id TEXT,
				session_id TEXT,
				task_id TEXT,
				payload TEXT NOT NULL DEFAULT '{}',
				created_at DATETIME NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_activity_events_type_created ON activity_events(event_type, created_at);

			CREATE TABLE IF NOT EXISTS idle_cleanup_schedule (
				session_id TEXT PRIMARY KEY,
				workspace_id TEXT NOT NULL,
				task_id TEXT,
				cleanup_at DATETIME NOT NULL,
				retry_count INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_idle_cleanup_cleanup_at ON idle_cleanup_schedule(cleanup_at);
			`)
			return err
		},
	},
}

// runMigrations applies every migration not yet present in the ledger,
// each inside its own transaction, recording the applied name on success
// (spec.md §4.2.5: create ledger, load applied names, run what's missing).
func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS migration_ledger (
			name TEXT PRIMARY KEY,
			applied_at DATETIME NOT NULL
		)`); err != nil {
		return err
	}

	applied := make(map[string]bool)
	rows, err := db.Query(`SELECT name FROM migration_ledger`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		applied[name] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	for _, m := range migrations {
		if applied[m.Name] {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if err := m.Run(tx); err != nil {
			tx.Rollback()
			return err
		}
		if _, err := tx.Exec(`INSERT INTO migration_ledger (name, applied_at) VALUES (?, datetime('now'))`, m.Name); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}
