package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps attachment metadata in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite creates or opens the metadata database at the given path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("metadata: open: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("metadata: migrate: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS attachments (
			id INTEGER PRIMARY KEY,
			width INTEGER NOT NULL DEFAULT 0,
			height INTEGER NOT NULL DEFAULT 0,
			file TEXT NOT NULL DEFAULT ''
		);
		CREATE TABLE IF NOT EXISTS attachment_sizes (
			attachment_id INTEGER NOT NULL REFERENCES attachments(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			width INTEGER NOT NULL DEFAULT 0,
			height INTEGER NOT NULL DEFAULT 0,
			file TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (attachment_id, name)
		);
	`)
	return err
}

// Put stores att under id, replacing any previous sizes.
func (s *SQLiteStore) Put(ctx context.Context, id int, att *Attachment) error {
	if att == nil {
		return fmt.Errorf("metadata: put %d: nil attachment", id)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("metadata: put %d: %w", id, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after Commit

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO attachments (id, width, height, file) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET width = excluded.width, height = excluded.height, file = excluded.file`,
		id, att.Width, att.Height, att.File,
	); err != nil {
		return fmt.Errorf("metadata: put %d: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM attachment_sizes WHERE attachment_id = ?`, id); err != nil {
		return fmt.Errorf("metadata: put %d: clearing sizes: %w", id, err)
	}

	for _, name := range att.SizeNames() {
		size := att.Sizes[name]
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO attachment_sizes (attachment_id, name, width, height, file) VALUES (?, ?, ?, ?, ?)`,
			id, name, size.Width, size.Height, size.File,
		); err != nil {
			return fmt.Errorf("metadata: put %d: size %q: %w", id, name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("metadata: put %d: commit: %w", id, err)
	}
	return nil
}

// Get returns the metadata stored under id, or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, id int) (*Attachment, error) {
	att := &Attachment{}
	err := s.db.QueryRowContext(ctx,
		`SELECT width, height, file FROM attachments WHERE id = ?`, id,
	).Scan(&att.Width, &att.Height, &att.File)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("metadata: get %d: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT name, width, height, file FROM attachment_sizes WHERE attachment_id = ? ORDER BY name`, id)
	if err != nil {
		return nil, fmt.Errorf("metadata: get %d sizes: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		var size Size
		if err := rows.Scan(&name, &size.Width, &size.Height, &size.File); err != nil {
			return nil, fmt.Errorf("metadata: get %d sizes: %w", id, err)
		}
		if att.Sizes == nil {
			att.Sizes = make(map[string]Size)
		}
		att.Sizes[name] = size
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("metadata: get %d sizes: %w", id, err)
	}

	return att, nil
}

// Attachment implements Lookup. Database errors are logged and reported as
// "not found" so a page render never fails on metadata trouble.
func (s *SQLiteStore) Attachment(id int) *Attachment {
	att, err := s.Get(context.Background(), id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Printf("warning: %v", err)
		}
		return nil
	}
	return att
}

// Count returns the number of stored attachments.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM attachments").Scan(&count)
	return count, err
}
