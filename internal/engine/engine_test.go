// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/codexvault/codexvault/internal/catalog"
	"github.com/codexvault/codexvault/internal/config"
	"github.com/codexvault/codexvault/internal/fetch"
	"github.com/codexvault/codexvault/pkg/iiif"
)

func jpegBytes(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, width, height))
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func manifestFor(base string, pages int) string {
	var canvases []string
	for i := 0; i < pages; i++ {
		canvases = append(canvases, fmt.Sprintf(
			`{"@id": "%s/canvas/%d", "label": "f. %dr",
			  "images": [{"resource": {"service": {"@id": "%s/iiif/p%d"}}}]}`,
			base, i, i+1, base, i))
	}
	return fmt.Sprintf(`{
		"@type": "sc:Manifest",
		"label": "Urb.lat.1779 Divina Commedia",
		"attribution": "Biblioteca Apostolica Vaticana",
		"metadata": [{"label": "Shelfmark", "value": "Urb.lat.1779"}],
		"sequences": [{"canvases": [%s]}]
	}`, strings.Join(canvases, ","))
}

// manuscriptServer serves a manifest plus page images. Pages listed in deny403
// refuse whole-image requests and serve tiles instead; pages in deny404 fail
// every whole-image request outright.
type manuscriptServer struct {
	*httptest.Server

	mu       sync.Mutex
	requests map[string]int // per page-and-kind counters
	pages    int
	deny403  map[int]bool
	deny404  map[int]bool
}

func newManuscriptServer(t *testing.T, pages int, deny403 map[int]bool) *manuscriptServer {
	t.Helper()
	ms := &manuscriptServer{requests: map[string]int{}, pages: pages, deny403: deny403}
	ms.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/manifest.json" {
			fmt.Fprint(w, manifestFor(ms.URL, ms.pages))
			return
		}
		var page int
		var rest string
		if n, _ := fmt.Sscanf(r.URL.Path, "/iiif/p%d/%s", &page, &rest); n != 2 {
			http.NotFound(w, r)
			return
		}
		ms.mu.Lock()
		ms.requests[fmt.Sprintf("p%d:%s", page, strings.SplitN(rest, "/", 2)[0])]++
		ms.mu.Unlock()

		switch {
		case rest == "info.json":
			fmt.Fprint(w, `{"width": 60, "height": 40, "tiles": [{"width": 40}]}`)
		case strings.HasPrefix(rest, "full/"):
			if ms.deny404[page] {
				http.NotFound(w, r)
				return
			}
			if ms.deny403[page] {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			w.Write(jpegBytes(t, 30, 40))
		default:
			// Tile request: x,y,w,h/w,/0/default.jpg
			var x, y, tw, th, sw int
			var q string
			if n, _ := fmt.Sscanf(rest, "%d,%d,%d,%d/%d,/0/%s", &x, &y, &tw, &th, &sw, &q); n != 6 {
				http.NotFound(w, r)
				return
			}
			w.Write(jpegBytes(t, tw, th))
		}
	}))
	t.Cleanup(ms.Close)
	return ms
}

func (ms *manuscriptServer) count(key string) int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.requests[key]
}

func newTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{
		System: config.SystemConfig{DownloadWorkers: 2},
		Images: config.ImagesConfig{
			DownloadStrategy:   []string{"max"},
			IIIFQuality:        "default",
			JPEGQuality:        85,
			TileStitchMaxRAMGB: 1,
		},
		Storage: config.StorageConfig{
			DownloadsDir: filepath.Join(root, "downloads"),
			TempDir:      filepath.Join(root, "tmp"),
		},
	}
	store, err := catalog.Open(filepath.Join(root, "vault.db"), cfg.Storage.DownloadsDir, cfg.Storage.TempDir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	e := New(fetch.New(), store, cfg)
	e.throttle = func(context.Context, string) error { return nil }
	return e, root
}

func TestRunDownloadsAllPages(t *testing.T) {
	srv := newManuscriptServer(t, 3, nil)
	e, root := newTestEngine(t)

	var progress []int
	res, err := e.Run(context.Background(), &Request{
		DocID:       "btv1b84259980",
		Library:     "Gallica",
		ManifestURL: srv.URL + "/manifest.json",
		Progress:    func(done, total int) { progress = append(progress, done) },
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 3, res.Downloaded)
	assert.Empty(t, res.Missing)
	assert.Equal(t, filepath.Join(root, "downloads", "Gallica", "btv1b84259980"), res.LocalPath)

	for i := 0; i < 3; i++ {
		path := filepath.Join(res.LocalPath, "scans", fmt.Sprintf("pag_%04d.jpg", i))
		_, err := os.Stat(path)
		assert.NoError(t, err, "page %d on disk", i)
	}
	for _, name := range []string{"manifest.json", "metadata.json", "image_stats.json"} {
		_, err := os.Stat(filepath.Join(res.LocalPath, "data", name))
		assert.NoError(t, err, "%s written", name)
	}
	assert.Equal(t, 3, progress[len(progress)-1])

	m, err := e.Store.GetManuscript("btv1b84259980")
	require.NoError(t, err)
	assert.Equal(t, "complete", m.Status)
	assert.Equal(t, "complete", m.AssetState)
	assert.Equal(t, 3, m.DownloadedCanvases)
	assert.Equal(t, "Urb.lat.1779", m.Shelfmark)
}

func TestImageStatsPerPage(t *testing.T) {
	srv := newManuscriptServer(t, 2, nil)
	e, _ := newTestEngine(t)

	res, err := e.Run(context.Background(), &Request{
		DocID:       "doc-stats",
		Library:     "Gallica",
		ManifestURL: srv.URL + "/manifest.json",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Stats)
	assert.Equal(t, "doc-stats", res.Stats.DocID)
	require.Len(t, res.Stats.Pages, 2)

	first := res.Stats.Pages[0]
	assert.Equal(t, 0, first.PageIndex)
	assert.Equal(t, "pag_0000.jpg", first.Filename)
	assert.Contains(t, first.OriginalURL, "/iiif/p0/full/max/0/default.jpg")
	assert.Equal(t, 30, first.Width)
	assert.Equal(t, 40, first.Height)
	assert.Greater(t, first.SizeBytes, int64(0))
	assert.Equal(t, "Medium", first.ResolutionCategory)
	assert.Equal(t, 1, res.Stats.Pages[1].PageIndex)

	raw, err := os.ReadFile(filepath.Join(res.LocalPath, "data", "image_stats.json"))
	require.NoError(t, err)
	var onDisk struct {
		DocID string `json:"doc_id"`
		Pages []struct {
			PageIndex int    `json:"page_index"`
			Filename  string `json:"filename"`
		} `json:"pages"`
	}
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	assert.Equal(t, "doc-stats", onDisk.DocID)
	require.Len(t, onDisk.Pages, 2)
	assert.Equal(t, "pag_0001.jpg", onDisk.Pages[1].Filename)
}

func TestRunResumesExistingPages(t *testing.T) {
	srv := newManuscriptServer(t, 3, nil)
	e, root := newTestEngine(t)

	scans := filepath.Join(root, "downloads", "Gallica", "doc-resume", "scans")
	require.NoError(t, os.MkdirAll(scans, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(scans, "pag_0001.jpg"), jpegBytes(t, 30, 40), 0o644))

	res, err := e.Run(context.Background(), &Request{
		DocID:       "doc-resume",
		Library:     "Gallica",
		ManifestURL: srv.URL + "/manifest.json",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Downloaded)
	assert.Equal(t, 0, srv.count("p1:full"), "existing page is not fetched again")
	assert.Equal(t, 1, srv.count("p0:full"))
}

func TestRunSkipsFailedPage(t *testing.T) {
	srv := newManuscriptServer(t, 3, nil)
	srv.deny404 = map[int]bool{1: true}
	e, _ := newTestEngine(t)

	res, err := e.Run(context.Background(), &Request{
		DocID:       "doc-gap",
		Library:     "Gallica",
		ManifestURL: srv.URL + "/manifest.json",
	})
	require.NoError(t, err, "one dead page must not fail the run")
	assert.Equal(t, 2, res.Downloaded)
	assert.Equal(t, []int{2}, res.Missing)
	assert.Equal(t, pageAttempts, srv.count("p1:full"), "dead page exhausts its attempts")

	m, err := e.Store.GetManuscript("doc-gap")
	require.NoError(t, err)
	assert.Equal(t, "partial", m.Status)
	assert.Equal(t, "partial", m.AssetState)
	assert.Equal(t, 2, m.DownloadedCanvases)
	assert.Equal(t, []int{2}, m.MissingPages)
	assert.Contains(t, m.ErrorLog, "1 of 3 pages")
}

func TestRunTileFallback(t *testing.T) {
	srv := newManuscriptServer(t, 2, map[int]bool{1: true})
	e, _ := newTestEngine(t)

	res, err := e.Run(context.Background(), &Request{
		DocID:       "doc-tiles",
		Library:     "Gallica",
		ManifestURL: srv.URL + "/manifest.json",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Downloaded)
	assert.Equal(t, 1, srv.count("p1:info.json"), "denied page falls back to tiles")

	f, err := os.Open(filepath.Join(res.LocalPath, "scans", "pag_0001.jpg"))
	require.NoError(t, err)
	defer f.Close()
	cfg, err := jpeg.DecodeConfig(f)
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.Width, "stitched page has the info.json dimensions")

	require.NotNil(t, res.Stats)
	require.Len(t, res.Stats.Pages, 2)
	stitched := res.Stats.Pages[1]
	assert.Equal(t, 1, stitched.PageIndex)
	assert.Equal(t, 60, stitched.Width)
	assert.Equal(t, 40, stitched.Height)
	assert.Contains(t, stitched.OriginalURL, "/info.json")
}

func TestStitchPermitBusySkipsPage(t *testing.T) {
	srv := newManuscriptServer(t, 1, map[int]bool{0: true})
	e, root := newTestEngine(t)

	req := &Request{Library: "Gallica", Strategy: []string{"max"}, Quality: "default"}
	req.stitchSem = semaphore.NewWeighted(1)
	require.NoError(t, req.stitchSem.Acquire(context.Background(), 1))

	canvas := iiif.Canvas{Index: 0, ServiceBase: srv.URL + "/iiif/p0"}
	st, err := e.stitchPage(context.Background(), canvas, filepath.Join(root, "pag_0000.jpg"), req)
	require.NoError(t, err)
	assert.Nil(t, st, "a busy stitch permit gives the canvas up")
	assert.Equal(t, 0, srv.count("p0:info.json"))
}

func TestRunCancellation(t *testing.T) {
	srv := newManuscriptServer(t, 6, nil)
	e, _ := newTestEngine(t)

	var mu sync.Mutex
	cancelled := false
	res, err := e.Run(context.Background(), &Request{
		DocID:       "doc-cancel",
		Library:     "Gallica",
		ManifestURL: srv.URL + "/manifest.json",
		Workers:     1,
		Progress: func(done, total int) {
			mu.Lock()
			if done >= 2 {
				cancelled = true
			}
			mu.Unlock()
		},
		ShouldCancel: func() bool {
			mu.Lock()
			defer mu.Unlock()
			return cancelled
		},
	})
	require.ErrorIs(t, err, ErrCancelled)
	assert.GreaterOrEqual(t, res.Downloaded, 2)
	assert.Less(t, res.Downloaded, 6)

	m, err := e.Store.GetManuscript("doc-cancel")
	require.NoError(t, err)
	assert.Equal(t, "partial", m.Status, "cancelled run reflects what is on disk")
	require.NotEmpty(t, m.MissingPages, "pages never stored are recorded immediately")
	assert.Len(t, m.MissingPages, 6-m.DownloadedCanvases)
	for _, p := range m.MissingPages {
		assert.GreaterOrEqual(t, p, 1)
		assert.LessOrEqual(t, p, 6)
	}
}

func TestRunZeroCanvases(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"@type": "sc:Manifest", "label": "Empty", "sequences": [{"canvases": []}]}`)
	}))
	defer srv.Close()
	e, _ := newTestEngine(t)

	res, err := e.Run(context.Background(), &Request{
		DocID:       "doc-empty",
		Library:     "Gallica",
		ManifestURL: srv.URL + "/manifest.json",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Total)

	m, err := e.Store.GetManuscript("doc-empty")
	require.NoError(t, err)
	assert.Equal(t, "complete", m.Status)
}

func TestRunManifestFailureRecordsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()
	e, _ := newTestEngine(t)

	_, err := e.Run(context.Background(), &Request{
		DocID:       "doc-bad",
		Library:     "Gallica",
		ManifestURL: srv.URL + "/manifest.json",
	})
	require.Error(t, err)

	m, err := e.Store.GetManuscript("doc-bad")
	require.NoError(t, err)
	assert.Equal(t, "error", m.Status)
	assert.Contains(t, m.ErrorLog, "status 500")
}

func TestSizePath(t *testing.T) {
	assert.Equal(t, "max", sizePath("max"))
	assert.Equal(t, "full", sizePath("full"))
	assert.Equal(t, "3000,", sizePath("3000"))
}
