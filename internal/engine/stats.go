// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"encoding/json"
	"os"
)

// PageStat records one stored page for data/image_stats.json.
type PageStat struct {
	PageIndex          int    `json:"page_index"`
	Filename           string `json:"filename"`
	OriginalURL        string `json:"original_url"`
	Width              int    `json:"width"`
	Height             int    `json:"height"`
	SizeBytes          int64  `json:"size_bytes"`
	ResolutionCategory string `json:"resolution_category"`
}

// ImageStats is the image_stats.json document.
type ImageStats struct {
	DocID string     `json:"doc_id"`
	Pages []PageStat `json:"pages"`
}

// HighResPages counts pages categorized High.
func (s *ImageStats) HighResPages() int {
	n := 0
	for _, p := range s.Pages {
		if p.ResolutionCategory == "High" {
			n++
		}
	}
	return n
}

const highResThreshold = 2500

// resolutionCategory classifies a page by pixel width.
func resolutionCategory(width int) string {
	if width > highResThreshold {
		return "High"
	}
	return "Medium"
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
