package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// OpenSQLite opens a per-project SQLite database in WAL mode with a single
// writer connection, mirroring the CMS's Writer()/Reader() split: the
// returned writer *sql.DB is capped at one open connection (SQLite only
// supports one writer at a time), while the reader may use several.
func OpenSQLite(path string) (writer, reader *sql.DB, err error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on", path)

	writer, err = sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite writer: %w", err)
	}
	writer.SetMaxOpenConns(1)

	reader, err = sql.Open("sqlite3", dsn)
	if err != nil {
		_ = writer.Close()
		return nil, nil, fmt.Errorf("open sqlite reader: %w", err)
	}
	reader.SetMaxOpenConns(4)

	if err = writer.Ping(); err != nil {
		_ = writer.Close()
		_ = reader.Close()
		return nil, nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return writer, reader, nil
}
