// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package catalog

import "time"

// Snippet is a cropped study region of one page, with its transcription.
type Snippet struct {
	ID            int64     `json:"id"`
	DocID         string    `json:"doc_id"`
	PageNumber    int       `json:"page_number"`
	ImagePath     string    `json:"image_path"`
	Category      string    `json:"category"`
	Transcription string    `json:"transcription"`
	Notes         string    `json:"notes"`
	X             int       `json:"x"`
	Y             int       `json:"y"`
	Width         int       `json:"width"`
	Height        int       `json:"height"`
	CreatedAt     time.Time `json:"created_at"`
}

// SaveSnippet inserts a snippet and returns its id.
func (s *Store) SaveSnippet(sn *Snippet) (int64, error) {
	res, err := s.db.Exec(`INSERT INTO snippets
		(doc_id, page_number, image_path, category, transcription, notes, x, y, width, height)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sn.DocID, sn.PageNumber, sn.ImagePath, sn.Category, sn.Transcription, sn.Notes,
		sn.X, sn.Y, sn.Width, sn.Height)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListSnippets returns the snippets of one manuscript in page order.
func (s *Store) ListSnippets(docID string) ([]*Snippet, error) {
	rows, err := s.db.Query(`SELECT id, doc_id, page_number, image_path, category,
		transcription, notes, x, y, width, height, created_at
		FROM snippets WHERE doc_id = ? ORDER BY page_number, id`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Snippet
	for rows.Next() {
		var sn Snippet
		if err := rows.Scan(&sn.ID, &sn.DocID, &sn.PageNumber, &sn.ImagePath, &sn.Category,
			&sn.Transcription, &sn.Notes, &sn.X, &sn.Y, &sn.Width, &sn.Height, &sn.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &sn)
	}
	return out, rows.Err()
}

// DeleteSnippet removes one snippet row. The caller removes the image file.
func (s *Store) DeleteSnippet(id int64) error {
	_, err := s.db.Exec(`DELETE FROM snippets WHERE id = ?`, id)
	return err
}
