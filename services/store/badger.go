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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/psychevoyage/voyagebot/services/datatypes"
)

// Key layout:
//
//	evt/<channel>/<created_ns>/<id>  -> EventRecord JSON
//	evtid/<id>                       -> empty (dedupe marker)
//	cnt/<id>                         -> Content JSON
//
// Numeric segments are zero-padded to 20 digits so byte order matches
// numeric order.
const (
	eventPrefix   = "evt/"
	eventIDPrefix = "evtid/"
	contentPrefix = "cnt/"
)

// BadgerConfig holds configuration for the badger backend.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives badger's internal logs. Nil disables them.
	Logger *slog.Logger

	// GCInterval is how often to run value log GC. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the garbage ratio that triggers a rewrite.
	GCDiscardRatio float64
}

// DefaultBadgerConfig returns durable defaults with a 5-minute GC.
func DefaultBadgerConfig() BadgerConfig {
	return BadgerConfig{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryBadgerConfig returns configuration for tests.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

// badgerLogger adapts slog.Logger to badger.Logger.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Badger is a Store backed by an embedded badger database.
type Badger struct {
	db     *badger.DB
	logger *slog.Logger
	stopGC chan struct{}
	gcDone chan struct{}
	once   sync.Once
}

var _ Store = (*Badger)(nil)

// OpenBadger opens the database described by cfg.
//
// Outputs:
//
//	*Badger - The store. Caller must Close it.
//	error - Non-nil if the path is missing or the database cannot be opened.
func OpenBadger(cfg BadgerConfig) (*Badger, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger: path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("badger: create directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open database: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Badger{db: db, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		b.stopGC = make(chan struct{})
		b.gcDone = make(chan struct{})
		go b.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return b, nil
}

func (b *Badger) runGC(interval time.Duration, ratio float64) {
	defer close(b.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopGC:
			return
		case <-ticker.C:
			err := b.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				b.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

func eventKey(ch datatypes.Snowflake, created int64, id datatypes.Snowflake) []byte {
	return []byte(fmt.Sprintf("%s%020d/%020d/%020d", eventPrefix, uint64(ch), created, uint64(id)))
}

func eventChannelPrefix(ch datatypes.Snowflake) []byte {
	return []byte(fmt.Sprintf("%s%020d/", eventPrefix, uint64(ch)))
}

// AppendEvent implements EventLog.
func (b *Badger) AppendEvent(_ context.Context, ev *datatypes.Event) error {
	return b.db.Update(func(txn *badger.Txn) error {
		marker := []byte(eventIDPrefix + ev.ID.String())
		if _, err := txn.Get(marker); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		now := timeNow()
		rec := EventRecord{
			ID:        ev.ID,
			ChannelID: ev.ChannelID,
			AuthorID:  ev.Author.ID,
			Event:     *ev,
			CreatedAt: now.UTC(),
		}
		val, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("badger: encode event: %w", err)
		}
		if err := txn.Set(eventKey(ev.ChannelID, now.UnixNano(), ev.ID), val); err != nil {
			return err
		}
		return txn.Set(marker, nil)
	})
}

// RecentEvents implements EventLog.
func (b *Badger) RecentEvents(_ context.Context, channelID datatypes.Snowflake, limit int) ([]EventRecord, error) {
	var out []EventRecord
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := eventChannelPrefix(channelID)
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(out) < limit; it.Next() {
			var rec EventRecord
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &rec)
			}); err != nil {
				return fmt.Errorf("badger: decode event: %w", err)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func (b *Badger) putContent(txn *badger.Txn, c Content) error {
	val, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("badger: encode content: %w", err)
	}
	return txn.Set([]byte(contentPrefix+c.ID), val)
}

func getContent(txn *badger.Txn, id string) (Content, error) {
	item, err := txn.Get([]byte(contentPrefix + id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Content{}, ErrNotFound
	}
	if err != nil {
		return Content{}, err
	}
	var c Content
	err = item.Value(func(v []byte) error { return json.Unmarshal(v, &c) })
	return c, err
}

// SaveContent implements ContentStore.
func (b *Badger) SaveContent(_ context.Context, c Content) (Content, error) {
	prepareContent(&c)
	if err := b.db.Update(func(txn *badger.Txn) error { return b.putContent(txn, c) }); err != nil {
		return Content{}, err
	}
	return c, nil
}

// GetContent implements ContentStore.
func (b *Badger) GetContent(_ context.Context, id string) (Content, error) {
	var c Content
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		c, err = getContent(txn, id)
		return err
	})
	return c, err
}

// MarkPosted implements ContentStore.
func (b *Badger) MarkPosted(_ context.Context, id string, at time.Time) error {
	return b.db.Update(func(txn *badger.Txn) error {
		c, err := getContent(txn, id)
		if err != nil {
			return err
		}
		at := at.UTC()
		c.Posted = true
		c.PostedAt = &at
		c.UpdatedAt = at
		return b.putContent(txn, c)
	})
}

// ListPosted implements ContentStore.
func (b *Badger) ListPosted(_ context.Context, channelID datatypes.Snowflake, limit int) ([]Content, error) {
	var out []Content
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(contentPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var c Content
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &c) }); err != nil {
				return fmt.Errorf("badger: decode content: %w", err)
			}
			if !c.Posted || (channelID != 0 && c.ChannelID != channelID) {
				continue
			}
			out = append(out, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortPostedNewestFirst(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close stops GC and closes the database. Safe to call more than once.
func (b *Badger) Close() error {
	var err error
	b.once.Do(func() {
		if b.stopGC != nil {
			close(b.stopGC)
			<-b.gcDone
		}
		err = b.db.Close()
	})
	return err
}
