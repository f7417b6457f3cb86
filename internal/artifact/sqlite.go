package artifact

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

const currentSchemaVersion = 1

// SQLiteStore is the durable Store, kept in <state>/index.db.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite creates or opens the index database at path.
//
// The database runs in WAL mode with a single connection, so writes from
// concurrently finishing stages serialize here rather than failing with
// SQLITE_BUSY.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact index: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to artifact index: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("artifact index schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Record(ctx context.Context, rec Record) error {
	return s.RecordAll(ctx, []Record{rec})
}

func (s *SQLiteStore) RecordAll(ctx context.Context, recs []Record) error {
	for _, r := range recs {
		if err := validateRecord(r); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record: %w", err)
	}
	defer tx.Rollback()

	for _, r := range recs {
		cur, err := currentIn(ctx, tx, r.Stage, r.Kind)
		switch {
		case err == nil && cur.Hash == r.Hash && cur.Object == r.Object:
			continue
		case err != nil && !errors.Is(err, ErrNotFound):
			return err
		}

		at := r.RecordedAt
		if at.IsZero() {
			at = s.now()
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO artifacts (stage, kind, hash, object, location, recorded_at) VALUES (?, ?, ?, ?, ?, ?)`,
			r.Stage, r.Kind, r.Hash, r.Object, r.Location, at.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("insert %s/%s: %w", r.Stage, r.Kind, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("insert %s/%s: %w", r.Stage, r.Kind, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO current (stage, kind, artifact_id) VALUES (?, ?, ?)
			 ON CONFLICT(stage, kind) DO UPDATE SET artifact_id = excluded.artifact_id`,
			r.Stage, r.Kind, id); err != nil {
			return fmt.Errorf("move current %s/%s: %w", r.Stage, r.Kind, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record: %w", err)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func currentIn(ctx context.Context, q queryer, stage, kind string) (Record, error) {
	row := q.QueryRowContext(ctx,
		`SELECT a.stage, a.kind, a.hash, a.object, a.location, a.recorded_at
		   FROM current c JOIN artifacts a ON a.id = c.artifact_id
		  WHERE c.stage = ? AND c.kind = ?`, stage, kind)
	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%s/%s: %w", stage, kind, ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("query current %s/%s: %w", stage, kind, err)
	}
	return rec, nil
}

func scanRecord(scan func(dest ...any) error) (Record, error) {
	var rec Record
	var at string
	if err := scan(&rec.Stage, &rec.Kind, &rec.Hash, &rec.Object, &rec.Location, &at); err != nil {
		return Record{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return Record{}, fmt.Errorf("parse recorded_at %q: %w", at, err)
	}
	rec.RecordedAt = t
	return rec, nil
}

func (s *SQLiteStore) Current(ctx context.Context, stage, kind string) (Record, error) {
	return currentIn(ctx, s.db, stage, kind)
}

func (s *SQLiteStore) CurrentHash(ctx context.Context, stage, kind string) (string, error) {
	rec, err := s.Current(ctx, stage, kind)
	if err != nil {
		return "", err
	}
	return rec.Hash, nil
}

func (s *SQLiteStore) IsStale(ctx context.Context, stage, kind, sinceHash string) (bool, error) {
	return isStale(ctx, s, stage, kind, sinceHash)
}

func (s *SQLiteStore) History(ctx context.Context, stage, kind string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stage, kind, hash, object, location, recorded_at
		   FROM artifacts WHERE stage = ? AND kind = ? ORDER BY id`, stage, kind)
	if err != nil {
		return nil, fmt.Errorf("query history %s/%s: %w", stage, kind, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
