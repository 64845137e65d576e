// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package engine downloads every page of a manuscript from its IIIF manifest.
// The filesystem is the source of truth for progress: a valid JPEG on disk is
// never fetched again, so interrupted runs resume where they stopped.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/codexvault/codexvault/internal/catalog"
	"github.com/codexvault/codexvault/internal/config"
	"github.com/codexvault/codexvault/internal/enrich"
	"github.com/codexvault/codexvault/internal/fetch"
	"github.com/codexvault/codexvault/internal/resolve"
	"github.com/codexvault/codexvault/pkg/iiif"
)

// ErrCancelled is returned when a run stops because cancellation was
// requested. Pages already on disk stay on disk.
var ErrCancelled = errors.New("engine: download cancelled")

// Engine drives manuscript downloads against one HTTP session and the catalog.
type Engine struct {
	Client *fetch.Client
	Store  *catalog.Store
	Cfg    *config.Config

	throttle func(ctx context.Context, host string) error
}

// New builds an Engine around an existing session, store and configuration.
func New(client *fetch.Client, store *catalog.Store, cfg *config.Config) *Engine {
	return &Engine{Client: client, Store: store, Cfg: cfg, throttle: client.Throttle}
}

// Request describes one download run.
type Request struct {
	DocID       string
	Library     string
	ManifestURL string

	Workers  int
	Strategy []string
	Quality  string

	// Progress is called after every completed page with (done, total).
	Progress func(done, total int)
	// ShouldCancel is polled between page completions.
	ShouldCancel func() bool

	// stitchSem caps the run at one in-flight tile stitch. Each run owns its
	// permit; concurrent documents stitch independently.
	stitchSem *semaphore.Weighted
}

func (r *Request) defaults(cfg *config.Config) {
	if r.Workers <= 0 {
		r.Workers = cfg.System.DownloadWorkers
	}
	if len(r.Strategy) == 0 {
		r.Strategy = cfg.Images.DownloadStrategy
	}
	if r.Quality == "" {
		r.Quality = cfg.Images.IIIFQuality
	}
}

// Result reports what a run achieved.
type Result struct {
	Total      int
	Downloaded int
	// Missing lists the 1-based pages the run could not store.
	Missing   []int
	LocalPath string
	Stats     *ImageStats
}

type pageResult struct {
	index int
	stat  *PageStat
	err   error
}

// Run downloads the manuscript described by req. It fetches and persists the
// manifest, enriches catalog metadata, then walks all canvases through a
// bounded worker pool. A page the engine gives up on stays in the missing set
// and leaves the row partial; a document-level error is reserved for the
// orchestration itself (manifest, filesystem, catalog).
func (e *Engine) Run(ctx context.Context, req *Request) (*Result, error) {
	req.defaults(e.Cfg)
	req.stitchSem = semaphore.NewWeighted(1)
	log := logrus.WithFields(logrus.Fields{"doc": req.DocID, "library": req.Library})

	if strings.HasPrefix(req.DocID, "MSS_") {
		e.Client.WarmUp(ctx, resolve.ViewerURL(req.DocID))
	}

	resp, err := e.Client.Get(ctx, req.ManifestURL, 20*time.Second)
	if err != nil {
		return nil, e.fail(req.DocID, fmt.Errorf("engine: fetch manifest: %w", err))
	}
	if resp.Status != http.StatusOK {
		return nil, e.fail(req.DocID, fmt.Errorf("engine: manifest status %d", resp.Status))
	}
	doc, err := iiif.Parse(resp.Body)
	if err != nil {
		return nil, e.fail(req.DocID, err)
	}
	if req.ShouldCancel != nil && req.ShouldCancel() {
		return &Result{}, ErrCancelled
	}

	rec := enrich.Document(ctx, e.Client, doc, req.DocID)

	library := req.Library
	if library == "" {
		library = "Unknown"
	}
	localPath := filepath.Join(e.Cfg.Storage.DownloadsDir, library, req.DocID)
	scansDir := filepath.Join(localPath, "scans")
	dataDir := filepath.Join(localPath, "data")
	tempDir := filepath.Join(e.Cfg.Storage.TempDir, req.DocID)
	for _, dir := range []string{scansDir, dataDir, tempDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, e.fail(req.DocID, fmt.Errorf("engine: create %s: %w", dir, err))
		}
	}
	if err := os.WriteFile(filepath.Join(dataDir, "manifest.json"), doc.Raw, 0o644); err != nil {
		return nil, e.fail(req.DocID, err)
	}
	if err := writeMetadata(dataDir, req, doc, rec); err != nil {
		return nil, e.fail(req.DocID, err)
	}

	metadataJSON, _ := json.Marshal(doc.Metadata)
	upsert := map[string]any{
		"library":           library,
		"title":             doc.Label,
		"display_title":     iiif.CleanTitle(doc.Label),
		"manifest_url":      req.ManifestURL,
		"local_path":        localPath,
		"total_canvases":    len(doc.Canvases),
		"status":            "downloading",
		"shelfmark":         rec.Shelfmark,
		"date_label":        rec.DateLabel,
		"language_label":    rec.LanguageLabel,
		"source_detail_url": rec.DetailURL,
		"reference_text":    rec.ReferenceText,
		"item_type":         rec.ItemType,
		"item_type_source":  "auto",
		"metadata_json":     string(metadataJSON),
	}
	if err := e.Store.UpsertManuscript(req.DocID, upsert); err != nil {
		return nil, err
	}

	total := len(doc.Canvases)
	if total == 0 {
		log.Warn("manifest has zero canvases")
		err := e.Store.UpsertManuscript(req.DocID, map[string]any{
			"status": "complete", "downloaded_canvases": 0,
		})
		return &Result{LocalPath: localPath}, err
	}
	log.WithField("pages", total).Info("download started")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	tasks := make(chan iiif.Canvas, total)
	results := make(chan pageResult, total)
	var wg sync.WaitGroup
	for i := 0; i < req.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for canvas := range tasks {
				st, err := e.downloadPage(runCtx, canvas, scansDir, tempDir, req)
				results <- pageResult{index: canvas.Index, stat: st, err: err}
			}
		}()
	}
	for _, canvas := range doc.Canvases {
		tasks <- canvas
	}
	close(tasks)

	stored := make([]bool, total)
	pageStats := make([]PageStat, 0, total)
	done := 0
	cancelled := false
	for i := 0; i < total; i++ {
		res := <-results
		if res.err != nil {
			cancelled = true
			continue
		}
		if res.stat == nil {
			// The page was given up on; it stays in the missing set.
			continue
		}
		stored[res.index] = true
		pageStats = append(pageStats, *res.stat)
		done++
		if req.Progress != nil {
			req.Progress(done, total)
		}
		if req.ShouldCancel != nil && req.ShouldCancel() {
			cancelled = true
			cancel()
		}
	}
	wg.Wait()

	promoted := promoteTempPages(tempDir, scansDir)
	if promoted > 0 {
		log.WithField("pages", promoted).Debug("moved finished pages out of the temp folder")
	}

	var missing []int
	for i := 0; i < total; i++ {
		if !stored[i] {
			missing = append(missing, i+1)
		}
	}
	sort.Slice(pageStats, func(i, j int) bool { return pageStats[i].PageIndex < pageStats[j].PageIndex })
	stats := &ImageStats{DocID: req.DocID, Pages: pageStats}
	if done > 0 {
		if err := writeJSON(filepath.Join(dataDir, "image_stats.json"), stats); err != nil {
			log.WithError(err).Warn("could not write image stats")
		}
	}
	result := &Result{Total: total, Downloaded: done, Missing: missing, LocalPath: localPath, Stats: stats}

	switch {
	case cancelled || ctx.Err() != nil:
		status := catalog.AssetStateFor(done, total, "")
		_ = e.Store.UpsertManuscript(req.DocID, map[string]any{
			"status": status, "downloaded_canvases": done,
			"missing_pages_json": encodePages(missing),
		})
		log.WithFields(logrus.Fields{"done": done, "total": total}).Warn("download cancelled")
		return result, ErrCancelled
	case len(missing) > 0:
		status := catalog.AssetStateFor(done, total, "")
		if err := e.Store.UpsertManuscript(req.DocID, map[string]any{
			"status": status, "downloaded_canvases": done,
			"missing_pages_json": encodePages(missing),
			"error_log":          fmt.Sprintf("%d of %d pages could not be downloaded", len(missing), total),
		}); err != nil {
			return nil, err
		}
		log.WithFields(logrus.Fields{"done": done, "missing": len(missing)}).Warn("download finished with gaps")
		return result, nil
	}

	if err := e.Store.UpsertManuscript(req.DocID, map[string]any{
		"status": "complete", "downloaded_canvases": done,
		"missing_pages_json": "[]",
	}); err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"pages": done, "high_res": stats.HighResPages()}).Info("download complete")
	return result, nil
}

// fail records an error on the manuscript row and returns the error.
func (e *Engine) fail(docID string, err error) error {
	if uerr := e.Store.UpsertManuscript(docID, map[string]any{
		"status": "error", "error_log": err.Error(),
	}); uerr != nil {
		logrus.WithError(uerr).Warn("could not record download error")
	}
	return err
}

func encodePages(pages []int) string {
	if pages == nil {
		return "[]"
	}
	b, _ := json.Marshal(pages)
	return string(b)
}

// promoteTempPages moves finished pages from the temp folder into scans. A
// page already present in scans wins; the temp copy is dropped.
func promoteTempPages(tempDir, scansDir string) int {
	entries, err := os.ReadDir(tempDir)
	if err != nil {
		return 0
	}
	moved := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jpg") {
			continue
		}
		src := filepath.Join(tempDir, e.Name())
		dst := filepath.Join(scansDir, e.Name())
		if _, err := os.Stat(dst); err == nil {
			os.Remove(src)
			continue
		}
		if err := os.Rename(src, dst); err == nil {
			moved++
		}
	}
	// Drop the temp folder when nothing is left in it.
	if rest, err := os.ReadDir(tempDir); err == nil && len(rest) == 0 {
		os.Remove(tempDir)
	}
	return moved
}

type metadataFile struct {
	DocID         string            `json:"doc_id"`
	Library       string            `json:"library"`
	Title         string            `json:"title"`
	DisplayTitle  string            `json:"display_title"`
	ManifestURL   string            `json:"manifest_url"`
	Shelfmark     string            `json:"shelfmark"`
	ItemType      string            `json:"item_type"`
	DateLabel     string            `json:"date_label,omitempty"`
	LanguageLabel string            `json:"language_label,omitempty"`
	DetailURL     string            `json:"detail_url,omitempty"`
	ReferenceText string            `json:"reference_text,omitempty"`
	Attribution   string            `json:"attribution,omitempty"`
	Description   string            `json:"description,omitempty"`
	Metadata      map[string]string `json:"metadata"`
	SavedAt       time.Time         `json:"saved_at"`
}

func writeMetadata(dataDir string, req *Request, doc *iiif.Document, rec enrich.Record) error {
	return writeJSON(filepath.Join(dataDir, "metadata.json"), metadataFile{
		DocID:         req.DocID,
		Library:       req.Library,
		Title:         doc.Label,
		DisplayTitle:  iiif.CleanTitle(doc.Label),
		ManifestURL:   req.ManifestURL,
		Shelfmark:     rec.Shelfmark,
		ItemType:      rec.ItemType,
		DateLabel:     rec.DateLabel,
		LanguageLabel: rec.LanguageLabel,
		DetailURL:     rec.DetailURL,
		ReferenceText: rec.ReferenceText,
		Attribution:   doc.Attribution,
		Description:   doc.Description,
		Metadata:      doc.Metadata,
		SavedAt:       time.Now().UTC(),
	})
}
