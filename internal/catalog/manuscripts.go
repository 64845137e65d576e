// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/codexvault/codexvault/internal/enrich"
)

// ErrNotFound marks lookups for rows that do not exist.
var ErrNotFound = errors.New("catalog: not found")

// Manuscript is one row of the manuscripts table.
type Manuscript struct {
	DocID              string            `json:"doc_id"`
	Library            string            `json:"library"`
	DisplayTitle       string            `json:"display_title"`
	Title              string            `json:"title"`
	ManifestURL        string            `json:"manifest_url"`
	LocalPath          string            `json:"local_path"`
	TotalCanvases      int               `json:"total_canvases"`
	DownloadedCanvases int               `json:"downloaded_canvases"`
	Status             string            `json:"status"`
	AssetState         string            `json:"asset_state"`
	ItemType           string            `json:"item_type"`
	ItemTypeSource     string            `json:"item_type_source"`
	Shelfmark          string            `json:"shelfmark"`
	DateLabel          string            `json:"date_label"`
	LanguageLabel      string            `json:"language_label"`
	SourceDetailURL    string            `json:"source_detail_url"`
	ReferenceText      string            `json:"reference_text"`
	Metadata           map[string]string `json:"metadata"`
	MissingPages       []int             `json:"missing_pages"`
	ErrorLog           string            `json:"error_log,omitempty"`
	LastSyncAt         *time.Time        `json:"last_sync_at,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// manuscriptColumns is the fixed SELECT list matching scanManuscript.
const manuscriptColumns = `doc_id, library, display_title, title, manifest_url, local_path,
	total_canvases, downloaded_canvases, status, asset_state, item_type, item_type_source,
	shelfmark, date_label, language_label, source_detail_url, reference_text,
	metadata_json, missing_pages_json, error_log, last_sync_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanManuscript(row rowScanner) (*Manuscript, error) {
	var m Manuscript
	var metadataJSON, missingJSON string
	var lastSync sql.NullTime
	err := row.Scan(&m.DocID, &m.Library, &m.DisplayTitle, &m.Title, &m.ManifestURL, &m.LocalPath,
		&m.TotalCanvases, &m.DownloadedCanvases, &m.Status, &m.AssetState, &m.ItemType, &m.ItemTypeSource,
		&m.Shelfmark, &m.DateLabel, &m.LanguageLabel, &m.SourceDetailURL, &m.ReferenceText,
		&metadataJSON, &missingJSON, &m.ErrorLog, &lastSync, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lastSync.Valid {
		t := lastSync.Time
		m.LastSyncAt = &t
	}
	if err := json.Unmarshal([]byte(metadataJSON), &m.Metadata); err != nil {
		m.Metadata = map[string]string{}
	}
	if err := json.Unmarshal([]byte(missingJSON), &m.MissingPages); err != nil {
		m.MissingPages = nil
	}
	return &m, nil
}

// updatableFields maps the external field names accepted by UpsertManuscript
// onto their columns. Anything else is rejected.
var updatableFields = map[string]string{
	"library":             "library",
	"display_title":       "display_title",
	"title":               "title",
	"manifest_url":        "manifest_url",
	"local_path":          "local_path",
	"total_canvases":      "total_canvases",
	"downloaded_canvases": "downloaded_canvases",
	"status":              "status",
	"item_type":           "item_type",
	"item_type_source":    "item_type_source",
	"shelfmark":           "shelfmark",
	"date_label":          "date_label",
	"language_label":      "language_label",
	"source_detail_url":   "source_detail_url",
	"reference_text":      "reference_text",
	"metadata_json":       "metadata_json",
	"missing_pages_json":  "missing_pages_json",
	"error_log":           "error_log",
}

// UpsertManuscript inserts or field-wise updates one row. Rules applied on the
// way in: the legacy library label "Vaticana (BAV)" collapses to "Vaticana", a
// missing display_title falls back to title, and an automatic item-type never
// overwrites a manual classification.
func (s *Store) UpsertManuscript(docID string, fields map[string]any) error {
	if docID == "" {
		return errors.New("catalog: empty doc id")
	}
	existing, err := s.GetManuscript(docID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	if lib, ok := fields["library"].(string); ok && lib == "Vaticana (BAV)" {
		fields["library"] = "Vaticana"
	}
	if title, ok := fields["title"].(string); ok && title != "" {
		if dt, has := fields["display_title"].(string); !has || dt == "" {
			fields["display_title"] = title
		}
	}
	if existing != nil && existing.ItemTypeSource == "manual" {
		if src, _ := fields["item_type_source"].(string); src != "manual" {
			delete(fields, "item_type")
			delete(fields, "item_type_source")
		}
	}
	if it, ok := fields["item_type"].(string); ok {
		fields["item_type"] = enrich.NormalizeItemType(it)
	}

	cols := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields)+2)
	for name := range fields {
		if _, ok := updatableFields[name]; !ok {
			return fmt.Errorf("catalog: unknown manuscript field %q", name)
		}
		cols = append(cols, name)
	}
	sort.Strings(cols)

	if existing == nil {
		placeholders := make([]string, 0, len(cols)+1)
		insertCols := append([]string{"doc_id"}, cols...)
		args = append(args, docID)
		for _, c := range cols {
			args = append(args, fields[c])
		}
		for range insertCols {
			placeholders = append(placeholders, "?")
		}
		q := fmt.Sprintf(`INSERT INTO manuscripts (%s) VALUES (%s)`,
			strings.Join(insertCols, ", "), strings.Join(placeholders, ", "))
		if _, err = s.db.Exec(q, args...); err != nil {
			return err
		}
		return s.refreshAssetState(docID)
	}

	if len(cols) == 0 {
		return nil
	}
	sets := make([]string, 0, len(cols)+1)
	for _, c := range cols {
		sets = append(sets, c+" = ?")
		args = append(args, fields[c])
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, docID)
	q := fmt.Sprintf(`UPDATE manuscripts SET %s WHERE doc_id = ?`, strings.Join(sets, ", "))
	if _, err = s.db.Exec(q, args...); err != nil {
		return err
	}
	return s.refreshAssetState(docID)
}

// refreshAssetState recomputes asset_state from the row's counts and status.
func (s *Store) refreshAssetState(docID string) error {
	m, err := s.GetManuscript(docID)
	if err != nil {
		return err
	}
	state := AssetStateFor(m.DownloadedCanvases, m.TotalCanvases, m.Status)
	if state == m.AssetState {
		return nil
	}
	_, err = s.db.Exec(`UPDATE manuscripts SET asset_state = ? WHERE doc_id = ?`, state, docID)
	return err
}

// GetManuscript loads one row by doc id.
func (s *Store) GetManuscript(docID string) (*Manuscript, error) {
	row := s.db.QueryRow(`SELECT `+manuscriptColumns+` FROM manuscripts WHERE doc_id = ?`, docID)
	m, err := scanManuscript(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: manuscript %s", ErrNotFound, docID)
	}
	return m, err
}

// ListManuscripts returns all rows, optionally filtered by library, newest
// update first.
func (s *Store) ListManuscripts(library string) ([]*Manuscript, error) {
	q := `SELECT ` + manuscriptColumns + ` FROM manuscripts`
	var args []any
	if library != "" {
		q += ` WHERE library = ?`
		args = append(args, library)
	}
	q += ` ORDER BY updated_at DESC`
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Manuscript
	for rows.Next() {
		m, err := scanManuscript(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteManuscript removes the row, its jobs and snippets, snippet image files
// and the downloaded folder. The folder is only removed when it sits inside
// the configured downloads directory.
func (s *Store) DeleteManuscript(docID string) error {
	m, err := s.GetManuscript(docID)
	if err != nil {
		return err
	}

	snips, err := s.ListSnippets(docID)
	if err != nil {
		return err
	}
	for _, sn := range snips {
		if sn.ImagePath != "" {
			if err := os.Remove(sn.ImagePath); err != nil && !os.IsNotExist(err) {
				logrus.WithError(err).WithField("path", sn.ImagePath).Warn("could not remove snippet image")
			}
		}
	}

	for _, q := range []string{
		`DELETE FROM snippets WHERE doc_id = ?`,
		`DELETE FROM download_jobs WHERE doc_id = ?`,
		`DELETE FROM manuscripts WHERE doc_id = ?`,
	} {
		if _, err := s.db.Exec(q, docID); err != nil {
			return err
		}
	}

	if m.LocalPath != "" {
		if s.insideDownloads(m.LocalPath) {
			if err := os.RemoveAll(m.LocalPath); err != nil {
				logrus.WithError(err).WithField("path", m.LocalPath).Warn("could not remove manuscript folder")
			}
		} else {
			logrus.WithField("path", m.LocalPath).Warn("refusing to remove folder outside the downloads directory")
		}
	}
	return nil
}

// AssetStateFor derives the asset state from download counts. The transient
// states queued, downloading and error are driven by the engine and passed
// through untouched.
func AssetStateFor(downloaded, total int, status string) string {
	switch status {
	case "queued", "downloading", "error":
		return status
	}
	switch {
	case total > 0 && downloaded >= total:
		return "complete"
	case downloaded > 0:
		return "partial"
	default:
		return "saved"
	}
}

var pageFileRe = regexp.MustCompile(`^pag_(\d{4})\.jpg$`)

// pagesOnDisk returns the set of 1-based page numbers present in dir, mapping
// the 0-based pag_NNNN.jpg naming.
func pagesOnDisk(dir string) map[int]bool {
	pages := map[int]bool{}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return pages
	}
	for _, e := range entries {
		m := pageFileRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		var idx int
		fmt.Sscanf(m[1], "%d", &idx)
		pages[idx+1] = true
	}
	return pages
}

// NormalizeAssetStates reconciles up to limit rows against the filesystem:
// stale active statuses left by a crash are downgraded, asset_state is
// recomputed, and missing_pages is rebuilt from the scans folder. Returns the
// number of rows changed.
func (s *Store) NormalizeAssetStates(limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.Query(`SELECT `+manuscriptColumns+` FROM manuscripts ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return 0, err
	}
	var all []*Manuscript
	for rows.Next() {
		m, err := scanManuscript(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		all = append(all, m)
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}

	changed := 0
	for _, m := range all {
		status := m.Status
		downloaded := m.DownloadedCanvases
		var missing []int

		if m.LocalPath != "" && m.TotalCanvases > 0 {
			present := pagesOnDisk(filepath.Join(m.LocalPath, "scans"))
			if s.tempDir != "" {
				for p := range pagesOnDisk(filepath.Join(s.tempDir, m.DocID)) {
					present[p] = true
				}
			}
			downloaded = len(present)
			for p := 1; p <= m.TotalCanvases; p++ {
				if !present[p] {
					missing = append(missing, p)
				}
			}
		}

		if isActiveStatus(status) {
			active, err := s.hasActiveJob(m.DocID)
			if err != nil {
				return changed, err
			}
			if !active {
				status = AssetStateFor(downloaded, m.TotalCanvases, "")
			}
		}
		assetState := AssetStateFor(downloaded, m.TotalCanvases, status)

		missingJSON, _ := json.Marshal(missing)
		if missing == nil {
			missingJSON = []byte("[]")
		}

		if status == m.Status && assetState == m.AssetState &&
			downloaded == m.DownloadedCanvases && string(missingJSON) == encodeMissing(m.MissingPages) {
			continue
		}
		_, err := s.db.Exec(`UPDATE manuscripts
			SET status = ?, asset_state = ?, downloaded_canvases = ?, missing_pages_json = ?, updated_at = CURRENT_TIMESTAMP
			WHERE doc_id = ?`,
			status, assetState, downloaded, string(missingJSON), m.DocID)
		if err != nil {
			return changed, err
		}
		changed++
	}
	if changed > 0 {
		logrus.WithField("rows", changed).Info("normalized manuscript asset states")
	}
	return changed, nil
}

func isActiveStatus(status string) bool {
	switch status {
	case "queued", "downloading", "running", "pending":
		return true
	}
	return false
}

func encodeMissing(pages []int) string {
	if pages == nil {
		return "[]"
	}
	b, _ := json.Marshal(pages)
	return string(b)
}
