// Copyright 2024-2026 Aiku AI

// Package relationdb persists relation store records in SQLite so reply
// threading survives restarts.
package relationdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aiku/chatrelay/pkg/relay"
)

// Journal is a relay.RelationJournal backed by a SQLite database.
type Journal struct {
	db *sql.DB
}

var _ relay.RelationJournal = (*Journal)(nil)

// Open opens or creates the journal at dbPath.
func Open(ctx context.Context, dbPath string) (*Journal, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS relations (
			origin_platform TEXT NOT NULL,
			origin_chat     TEXT NOT NULL,
			origin_message  TEXT NOT NULL,
			dest_platform   TEXT NOT NULL,
			dest_chat       TEXT NOT NULL,
			dest_message    TEXT NOT NULL,
			dest_user       TEXT NOT NULL,
			created_at      INTEGER NOT NULL,
			PRIMARY KEY (origin_platform, origin_chat, origin_message, dest_platform, dest_chat)
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	_, err = db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_relations_created_at ON relations(created_at)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create index: %w", err)
	}

	return &Journal{db: db}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Append stores rec. Existing keys are left unchanged.
func (j *Journal) Append(ctx context.Context, rec relay.RelationRecord) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO relations
			(origin_platform, origin_chat, origin_message, dest_platform, dest_chat, dest_message, dest_user, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.Origin.Platform,
		rec.Origin.ChatID,
		rec.Origin.MessageID,
		rec.Dest.Platform,
		rec.Dest.ChatID,
		rec.Dest.MessageID,
		rec.UserID,
		rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert relation: %w", err)
	}
	return nil
}

// Load returns every record, oldest first.
func (j *Journal) Load(ctx context.Context) ([]relay.RelationRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT origin_platform, origin_chat, origin_message, dest_platform, dest_chat, dest_message, dest_user, created_at
		FROM relations
		ORDER BY created_at, rowid
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query relations: %w", err)
	}
	defer rows.Close()

	var records []relay.RelationRecord
	for rows.Next() {
		var rec relay.RelationRecord
		var createdAt int64
		err := rows.Scan(
			&rec.Origin.Platform, &rec.Origin.ChatID, &rec.Origin.MessageID,
			&rec.Dest.Platform, &rec.Dest.ChatID, &rec.Dest.MessageID,
			&rec.UserID, &createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan relation: %w", err)
		}
		rec.CreatedAt = time.UnixMilli(createdAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read relations: %w", err)
	}
	return records, nil
}

// Purge deletes records created before the cutoff.
func (j *Journal) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM relations WHERE created_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge relations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged relations: %w", err)
	}
	return n, nil
}
