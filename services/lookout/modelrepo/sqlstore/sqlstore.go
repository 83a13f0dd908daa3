// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sqlstore is a modelrepo.Backend keeping one metadata row per
// (model, repository) in PostgreSQL or MySQL and the record itself in a
// blob.Store.
//
// # Description
//
// Put writes the record to a fresh blob, then points the row at it inside a
// transaction, then removes the superseded blob. A crash between steps
// leaves the row on either the old or the new complete blob; the worst case
// is an orphaned blob.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/AleutianAI/lookout/services/lookout/modelrepo/blob"
)

// ErrUnknownDriver is returned for drivers other than postgres and mysql.
var ErrUnknownDriver = errors.New("unknown sql driver")

type dialect struct {
	name        string
	createTable string
	selectPath  string
	upsert      string
}

var dialects = map[string]dialect{
	"postgres": {
		name: "postgres",
		createTable: `CREATE TABLE IF NOT EXISTS models (
	model_id   VARCHAR(255) NOT NULL,
	repository VARCHAR(512) NOT NULL,
	path       VARCHAR(255) NOT NULL,
	updated_at TIMESTAMP    NOT NULL,
	PRIMARY KEY (model_id, repository)
)`,
		selectPath: `SELECT path FROM models WHERE model_id = $1 AND repository = $2`,
		upsert: `INSERT INTO models (model_id, repository, path, updated_at) VALUES ($1, $2, $3, $4)
ON CONFLICT (model_id, repository) DO UPDATE SET path = EXCLUDED.path, updated_at = EXCLUDED.updated_at`,
	},
	"mysql": {
		name: "mysql",
		createTable: `CREATE TABLE IF NOT EXISTS models (
	model_id   VARCHAR(191) NOT NULL,
	repository VARCHAR(512) NOT NULL,
	path       VARCHAR(255) NOT NULL,
	updated_at DATETIME     NOT NULL,
	PRIMARY KEY (model_id, repository)
)`,
		selectPath: `SELECT path FROM models WHERE model_id = ? AND repository = ?`,
		upsert: `INSERT INTO models (model_id, repository, path, updated_at) VALUES (?, ?, ?, ?)
ON DUPLICATE KEY UPDATE path = VALUES(path), updated_at = VALUES(updated_at)`,
	},
}

func lookupDialect(driver string) (dialect, error) {
	d, ok := dialects[driver]
	if !ok {
		return dialect{}, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
	return d, nil
}

// Store implements modelrepo.Backend.
type Store struct {
	db      *sql.DB
	dialect dialect
	blobs   blob.Store
	logger  *slog.Logger
	now     func() time.Time
}

// Open connects to dsn with driver and verifies the connection.
func Open(ctx context.Context, driver, dsn string, blobs blob.Store, logger *slog.Logger) (*Store, error) {
	if _, err := lookupDialect(driver); err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return New(db, driver, blobs, logger)
}

// New wraps an open database.
func New(db *sql.DB, driver string, blobs blob.Store, logger *slog.Logger) (*Store, error) {
	d, err := lookupDialect(driver)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, dialect: d, blobs: blobs, logger: logger, now: time.Now}, nil
}

// Init creates the models table if absent.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.createTable); err != nil {
		return fmt.Errorf("create models table: %w", err)
	}
	return nil
}

// blobPath returns a fresh, never reused path for a record of key.
func blobPath(key string) string {
	return path.Join("models", key, uuid.NewString())
}

// Put stores record and repoints the row of (key, url) at it.
func (s *Store) Put(ctx context.Context, key, url string, record []byte) error {
	newPath := blobPath(key)
	if err := s.blobs.Write(ctx, newPath, record); err != nil {
		return fmt.Errorf("write blob: %w", err)
	}

	oldPath, err := s.swap(ctx, key, url, newPath)
	if err != nil {
		if rmErr := s.blobs.Remove(ctx, newPath); rmErr != nil {
			s.logger.Warn("failed to remove orphaned blob", "path", newPath, "error", rmErr)
		}
		return err
	}
	if oldPath != "" && oldPath != newPath {
		if err := s.blobs.Remove(ctx, oldPath); err != nil {
			s.logger.Warn("failed to remove superseded blob", "path", oldPath, "error", err)
		}
	}
	return nil
}

func (s *Store) swap(ctx context.Context, key, url, newPath string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var oldPath string
	err = tx.QueryRowContext(ctx, s.dialect.selectPath+" FOR UPDATE", key, url).Scan(&oldPath)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("select model row: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.dialect.upsert, key, url, newPath, s.now().UTC()); err != nil {
		return "", fmt.Errorf("upsert model row: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return oldPath, nil
}

// Get reads the row of (key, url) and then its blob.
func (s *Store) Get(ctx context.Context, key, url string) ([]byte, bool, error) {
	var p string
	err := s.db.QueryRowContext(ctx, s.dialect.selectPath, key, url).Scan(&p)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select model row: %w", err)
	}
	data, err := s.blobs.Read(ctx, p)
	if err != nil {
		return nil, false, fmt.Errorf("read blob: %w", err)
	}
	return data, true, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
