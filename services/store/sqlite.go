// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/psychevoyage/voyagebot/services/datatypes"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// SQLite is a Store backed by a single SQLite file.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) the database at path and migrates it.
//
// path ":memory:" opens a private in-memory database.
func OpenSQLite(path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("sqlite: create data dir: %w", err)
		}
	}

	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}
	if path == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: pragma %q: %w", p, err)
		}
	}

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: migration: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS events (
			id         INTEGER PRIMARY KEY,
			channel_id INTEGER NOT NULL,
			author_id  INTEGER NOT NULL,
			payload    TEXT    NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_channel ON events(channel_id, created_at DESC, id DESC);

		CREATE TABLE IF NOT EXISTS wellness_content (
			id           TEXT    PRIMARY KEY,
			content      TEXT    NOT NULL,
			content_type TEXT    NOT NULL,
			channel_id   INTEGER NOT NULL,
			posted       INTEGER NOT NULL DEFAULT 0,
			reasoning    TEXT    NOT NULL DEFAULT '',
			confidence   REAL    NOT NULL DEFAULT 0,
			created_at   INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL,
			posted_at    INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_content_posted ON wellness_content(posted, channel_id, updated_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// AppendEvent implements EventLog.
//
// Snowflakes are stored as int64; the bit pattern round-trips unchanged.
func (s *SQLite) AppendEvent(ctx context.Context, ev *datatypes.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("sqlite: encode event: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO events (id, channel_id, author_id, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		int64(ev.ID), int64(ev.ChannelID), int64(ev.Author.ID), string(payload), timeNow().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert event: %w", err)
	}
	return nil
}

// RecentEvents implements EventLog.
func (s *SQLite) RecentEvents(ctx context.Context, channelID datatypes.Snowflake, limit int) ([]EventRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel_id, author_id, payload, created_at FROM events
		 WHERE channel_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		int64(channelID), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var (
			id, ch, author, created int64
			payload                 string
		)
		if err := rows.Scan(&id, &ch, &author, &payload, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan event: %w", err)
		}
		rec := EventRecord{
			ID:        datatypes.Snowflake(id),
			ChannelID: datatypes.Snowflake(ch),
			AuthorID:  datatypes.Snowflake(author),
			CreatedAt: time.Unix(0, created).UTC(),
		}
		if err := json.Unmarshal([]byte(payload), &rec.Event); err != nil {
			return nil, fmt.Errorf("sqlite: decode event %d: %w", id, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveContent implements ContentStore.
func (s *SQLite) SaveContent(ctx context.Context, c Content) (Content, error) {
	prepareContent(&c)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO wellness_content
			(id, content, content_type, channel_id, posted, reasoning, confidence, created_at, updated_at, posted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Content, c.ContentType, int64(c.ChannelID), boolToInt(c.Posted), c.Reasoning, c.Confidence,
		c.CreatedAt.UnixNano(), c.UpdatedAt.UnixNano(), nullableTime(c.PostedAt),
	)
	if err != nil {
		return Content{}, fmt.Errorf("sqlite: insert content: %w", err)
	}
	return c, nil
}

// GetContent implements ContentStore.
func (s *SQLite) GetContent(ctx context.Context, id string) (Content, error) {
	row := s.db.QueryRowContext(ctx, contentSelect+` WHERE id = ?`, id)
	c, err := scanContent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Content{}, ErrNotFound
	}
	return c, err
}

// MarkPosted implements ContentStore.
func (s *SQLite) MarkPosted(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE wellness_content SET posted = 1, posted_at = ?, updated_at = ? WHERE id = ?`,
		at.UnixNano(), at.UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: mark posted: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPosted implements ContentStore.
func (s *SQLite) ListPosted(ctx context.Context, channelID datatypes.Snowflake, limit int) ([]Content, error) {
	query := contentSelect + ` WHERE posted = 1`
	args := []any{}
	if channelID != 0 {
		query += ` AND channel_id = ?`
		args = append(args, int64(channelID))
	}
	query += ` ORDER BY updated_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query content: %w", err)
	}
	defer rows.Close()

	var out []Content
	for rows.Next() {
		c, err := scanContent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Close implements Store.
func (s *SQLite) Close() error {
	return s.db.Close()
}

const contentSelect = `SELECT id, content, content_type, channel_id, posted, reasoning, confidence,
	created_at, updated_at, posted_at FROM wellness_content`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContent(r rowScanner) (Content, error) {
	var (
		c                Content
		channel          int64
		posted           int
		created, updated int64
		postedAt         sql.NullInt64
	)
	if err := r.Scan(&c.ID, &c.Content, &c.ContentType, &channel, &posted, &c.Reasoning, &c.Confidence,
		&created, &updated, &postedAt); err != nil {
		return Content{}, err
	}
	c.ChannelID = datatypes.Snowflake(channel)
	c.Posted = posted != 0
	c.CreatedAt = time.Unix(0, created).UTC()
	c.UpdatedAt = time.Unix(0, updated).UTC()
	if postedAt.Valid {
		t := time.Unix(0, postedAt.Int64).UTC()
		c.PostedAt = &t
	}
	return c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}
