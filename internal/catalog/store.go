// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package catalog is the SQLite-backed persistent store for manuscripts,
// download jobs and snippets. It exclusively owns row lifecycle; the engine
// and job manager mutate rows only through this API.
package catalog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/codexvault/codexvault/internal/enrich"
)

// Store is a connection factory against the catalog database file. Every
// operation runs on a short-lived pooled connection; there are no long-lived
// transactions.
type Store struct {
	db           *sql.DB
	downloadsDir string
	tempDir      string
}

// Open opens (creating if needed) the catalog at path and runs the startup
// migration. downloadsDir scopes which folders DeleteManuscript may remove;
// tempDir is scanned for in-flight pages and pruned by housekeeping.
func Open(path, downloadsDir, tempDir string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("catalog: create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	s := &Store{db: db, downloadsDir: downloadsDir, tempDir: tempDir}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

const createManuscripts = `
CREATE TABLE IF NOT EXISTS manuscripts (
	doc_id             TEXT PRIMARY KEY,
	library            TEXT NOT NULL DEFAULT 'Unknown',
	display_title      TEXT NOT NULL DEFAULT '',
	title              TEXT NOT NULL DEFAULT '',
	manifest_url       TEXT NOT NULL DEFAULT '',
	local_path         TEXT NOT NULL DEFAULT '',
	total_canvases     INTEGER NOT NULL DEFAULT 0,
	downloaded_canvases INTEGER NOT NULL DEFAULT 0,
	status             TEXT NOT NULL DEFAULT 'saved',
	asset_state        TEXT NOT NULL DEFAULT 'saved',
	item_type          TEXT NOT NULL DEFAULT 'non classificato',
	item_type_source   TEXT NOT NULL DEFAULT 'auto',
	shelfmark          TEXT NOT NULL DEFAULT '',
	date_label         TEXT NOT NULL DEFAULT '',
	language_label     TEXT NOT NULL DEFAULT '',
	source_detail_url  TEXT NOT NULL DEFAULT '',
	reference_text     TEXT NOT NULL DEFAULT '',
	metadata_json      TEXT NOT NULL DEFAULT '{}',
	missing_pages_json TEXT NOT NULL DEFAULT '[]',
	error_log          TEXT NOT NULL DEFAULT '',
	last_sync_at       TIMESTAMP,
	created_at         TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at         TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

const createDownloadJobs = `
CREATE TABLE IF NOT EXISTS download_jobs (
	job_id         TEXT PRIMARY KEY,
	doc_id         TEXT NOT NULL,
	library        TEXT NOT NULL DEFAULT '',
	manifest_url   TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'queued',
	current_page   INTEGER NOT NULL DEFAULT 0,
	total_pages    INTEGER NOT NULL DEFAULT 0,
	queue_position INTEGER NOT NULL DEFAULT 0,
	priority       INTEGER NOT NULL DEFAULT 0,
	error_message  TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	started_at     TIMESTAMP,
	finished_at    TIMESTAMP,
	updated_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

const createSnippets = `
CREATE TABLE IF NOT EXISTS snippets (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	doc_id        TEXT NOT NULL,
	page_number   INTEGER NOT NULL,
	image_path    TEXT NOT NULL DEFAULT '',
	category      TEXT NOT NULL DEFAULT '',
	transcription TEXT NOT NULL DEFAULT '',
	notes         TEXT NOT NULL DEFAULT '',
	x             INTEGER NOT NULL DEFAULT 0,
	y             INTEGER NOT NULL DEFAULT 0,
	width         INTEGER NOT NULL DEFAULT 0,
	height        INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

// requiredColumns are the columns whose absence marks a pre-rewrite schema;
// such a manuscripts table is dropped and recreated (a deliberate one-time
// reset from early schema evolution).
var requiredColumns = []string{"status", "local_path", "updated_at", "display_title"}

// addedColumns are newer columns added idempotently via ALTER TABLE.
var addedColumns = map[string]string{
	"asset_state":        "TEXT NOT NULL DEFAULT 'saved'",
	"item_type":          "TEXT NOT NULL DEFAULT 'non classificato'",
	"item_type_source":   "TEXT NOT NULL DEFAULT 'auto'",
	"shelfmark":          "TEXT NOT NULL DEFAULT ''",
	"date_label":         "TEXT NOT NULL DEFAULT ''",
	"language_label":     "TEXT NOT NULL DEFAULT ''",
	"source_detail_url":  "TEXT NOT NULL DEFAULT ''",
	"reference_text":     "TEXT NOT NULL DEFAULT ''",
	"metadata_json":      "TEXT NOT NULL DEFAULT '{}'",
	"missing_pages_json": "TEXT NOT NULL DEFAULT '[]'",
	"error_log":          "TEXT NOT NULL DEFAULT ''",
	"last_sync_at":       "TIMESTAMP",
}

func (s *Store) migrate() error {
	if exists, err := s.tableExists("manuscripts"); err != nil {
		return err
	} else if exists {
		cols, err := s.tableColumns("manuscripts")
		if err != nil {
			return err
		}
		for _, required := range requiredColumns {
			if !cols[required] {
				logrus.Warn("manuscripts table predates the current schema, resetting it")
				if _, err := s.db.Exec(`DROP TABLE manuscripts`); err != nil {
					return fmt.Errorf("catalog: drop legacy manuscripts: %w", err)
				}
				break
			}
		}
	}

	for _, stmt := range []string{createManuscripts, createDownloadJobs, createSnippets} {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("catalog: create tables: %w", err)
		}
	}

	cols, err := s.tableColumns("manuscripts")
	if err != nil {
		return err
	}
	for col, def := range addedColumns {
		if cols[col] {
			continue
		}
		if _, err := s.db.Exec(fmt.Sprintf(`ALTER TABLE manuscripts ADD COLUMN %s %s`, col, def)); err != nil {
			return fmt.Errorf("catalog: add column %s: %w", col, err)
		}
	}

	return s.normalizeLegacyItemTypes()
}

// normalizeLegacyItemTypes folds free-form item-type values onto the
// canonical closed set, leaving manual classifications' source untouched.
func (s *Store) normalizeLegacyItemTypes() error {
	rows, err := s.db.Query(`SELECT DISTINCT item_type FROM manuscripts`)
	if err != nil {
		return err
	}
	var legacy []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		if enrich.NormalizeItemType(v) != v {
			legacy = append(legacy, v)
		}
	}
	if err := rows.Close(); err != nil {
		return err
	}
	for _, v := range legacy {
		canonical := enrich.NormalizeItemType(v)
		if _, err := s.db.Exec(`UPDATE manuscripts SET item_type = ? WHERE item_type = ?`, canonical, v); err != nil {
			return err
		}
		logrus.WithFields(logrus.Fields{"from": v, "to": canonical}).Debug("normalized legacy item type")
	}
	return nil
}

func (s *Store) tableExists(name string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&n)
	return n > 0, err
}

func (s *Store) tableColumns(table string) (map[string]bool, error) {
	rows, err := s.db.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cols := map[string]bool{}
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// insideDownloads reports whether path is contained in the configured
// downloads directory. Deletion of on-disk folders is refused otherwise.
func (s *Store) insideDownloads(path string) bool {
	if path == "" || s.downloadsDir == "" {
		return false
	}
	absRoot, err := filepath.Abs(s.downloadsDir)
	if err != nil {
		return false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..")
}
