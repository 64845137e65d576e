// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codexvault/codexvault/internal/catalog"
	"github.com/codexvault/codexvault/internal/config"
	"github.com/codexvault/codexvault/internal/engine"
	"github.com/codexvault/codexvault/internal/fetch"
	"github.com/codexvault/codexvault/internal/jobs"
)

func newTestServer(t *testing.T) (*Server, *catalog.Store) {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 0},
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

	eng := engine.New(fetch.New(), store, cfg)
	return New(cfg, store, jobs.NewManager(eng, store)), store
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestManuscriptEndpoints(t *testing.T) {
	s, store := newTestServer(t)
	require.NoError(t, store.UpsertManuscript("MSS_Urb.lat.1779", map[string]any{
		"library": "Vaticana",
		"title":   "Divina Commedia",
	}))
	require.NoError(t, store.UpsertManuscript("btv1b84259980", map[string]any{
		"library": "Gallica",
	}))

	w := doJSON(t, s, http.MethodGet, "/api/manuscripts", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":2`)

	w = doJSON(t, s, http.MethodGet, "/api/manuscripts?library=Vaticana", nil)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = doJSON(t, s, http.MethodGet, "/api/manuscripts/MSS_Urb.lat.1779", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Divina Commedia")

	w = doJSON(t, s, http.MethodGet, "/api/manuscripts/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, s, http.MethodDelete, "/api/manuscripts/btv1b84259980", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, s, http.MethodGet, "/api/manuscripts/btv1b84259980", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResolveEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/api/resolve", map[string]string{
		"library": "vatican", "input": "Urb. lat. 1779",
	})
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "MSS_Urb.lat.1779", resp["doc_id"])
	assert.Equal(t, "Vaticana", resp["library"])
	assert.Contains(t, resp["manifest_url"], "digi.vatlib.it/iiif/MSS_Urb.lat.1779")

	// A Bodleian object UUID given to the Vatican resolver is a structured
	// error pointing at the right library.
	w = doJSON(t, s, http.MethodPost, "/api/resolve", map[string]string{
		"library": "vatican", "input": "60834383-7146-41ab-bfe1-48ee97bc04be",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "Oxford")

	w = doJSON(t, s, http.MethodPost, "/api/resolve", map[string]string{"library": "vatican"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDownloadEndpointRunsJob(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 30, 40))
	var jpg bytes.Buffer
	require.NoError(t, jpeg.Encode(&jpg, img, nil))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/manifest.json":
			fmt.Fprintf(w, `{"@type": "sc:Manifest", "label": "Codex",
				"sequences": [{"canvases": [
					{"images": [{"resource": {"service": {"@id": "http://%s/iiif/p0"}}}]}
				]}]}`, r.Host)
		case strings.Contains(r.URL.Path, "/full/"):
			w.Write(jpg.Bytes())
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	s, store := newTestServer(t)
	w := doJSON(t, s, http.MethodPost, "/api/download", map[string]string{
		"library": "", "input": srv.URL + "/manifest.json",
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	jobID, _ := resp["job_id"].(string)
	require.Len(t, jobID, 8)

	deadline := time.Now().Add(30 * time.Second)
	for {
		row, err := store.GetDownloadJob(jobID)
		require.NoError(t, err)
		if catalog.JobTerminal(row.Status) {
			assert.Equal(t, catalog.JobCompleted, row.Status)
			break
		}
		require.True(t, time.Now().Before(deadline), "job did not finish in time")
		time.Sleep(100 * time.Millisecond)
	}

	w = doJSON(t, s, http.MethodGet, "/api/jobs/"+jobID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"completed"`)

	w = doJSON(t, s, http.MethodGet, "/api/jobs", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), jobID)
}

func TestDownloadEndpointResolveFailure(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodPost, "/api/download", map[string]string{
		"library": "gallica", "input": "???",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestCancelUnknownJob(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodDelete, "/api/jobs/ffffffff", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSearchRequiresQuery(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/api/search", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Bodleian has no search endpoint: valid request, empty results.
	w = doJSON(t, s, http.MethodGet, "/api/search?library=bodleian&q=psalter", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":0`)
}

func TestSnippetEndpoints(t *testing.T) {
	s, store := newTestServer(t)
	require.NoError(t, store.UpsertManuscript("doc1", map[string]any{"library": "Gallica"}))

	w := doJSON(t, s, http.MethodPost, "/api/manuscripts/doc1/snippets", map[string]any{
		"page_number": 3, "category": "initiale", "transcription": "Incipit liber",
		"x": 10, "y": 20, "width": 200, "height": 100,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, s, http.MethodGet, "/api/manuscripts/doc1/snippets", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Incipit liber")

	w = doJSON(t, s, http.MethodPost, "/api/manuscripts/absent/snippets", map[string]any{
		"page_number": 1,
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "codexvault_active_jobs")
}
