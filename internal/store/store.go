package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"teenlancer/internal/db"
	"teenlancer/internal/models"
)

var ErrNotFound = errors.New("not found")
var ErrConflict = errors.New("conflict")

type Store struct {
	db      *sql.DB
	dialect db.Dialect
}

func New(sqdb *sql.DB, dialect db.Dialect) *Store {
	if dialect == "" {
		dialect = db.DialectSQLite
	}
	return &Store{db: sqdb, dialect: dialect}
}

func (s *Store) q(query string) string { return db.Rebind(s.dialect, query) }

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) InsertAudit(ctx context.Context, actor, action, target, metadata string) error {
	if metadata == "" {
		metadata = "{}"
	}
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO audit_log(id,actor,action,target,metadata_json,created_at) VALUES(?,?,?,?,?,?)`),
		uuid.NewString(), actor, action, target, metadata, time.Now().UTC(),
	)
	return err
}

func (s *Store) ListAudit(ctx context.Context, target string, limit int) ([]models.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT id,actor,action,target,metadata_json,created_at FROM audit_log WHERE target=? ORDER BY created_at ASC LIMIT ?`),
		target, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.AuditEntry, 0, limit)
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.Target, &e.MetadataJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}
