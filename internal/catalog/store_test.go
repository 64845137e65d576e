// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codexvault/codexvault/internal/enrich"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	root := t.TempDir()
	downloads := filepath.Join(root, "downloads")
	temp := filepath.Join(root, "temp")
	require.NoError(t, os.MkdirAll(downloads, 0o755))
	require.NoError(t, os.MkdirAll(temp, 0o755))
	s, err := Open(filepath.Join(root, "vault.db"), downloads, temp)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, root
}

func TestMigrateIsIdempotent(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "vault.db")
	s1, err := Open(path, root, root)
	require.NoError(t, err)
	require.NoError(t, s1.UpsertManuscript("MSS_Urb.lat.1", map[string]any{"library": "Vaticana"}))
	require.NoError(t, s1.Close())

	s2, err := Open(path, root, root)
	require.NoError(t, err)
	defer s2.Close()
	m, err := s2.GetManuscript("MSS_Urb.lat.1")
	require.NoError(t, err)
	assert.Equal(t, "Vaticana", m.Library)
}

func TestMigrateResetsPreRewriteSchema(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "vault.db")
	s, err := Open(path, root, root)
	require.NoError(t, err)
	// Simulate the pre-rewrite table: no status, local_path etc.
	_, err = s.db.Exec(`DROP TABLE manuscripts`)
	require.NoError(t, err)
	_, err = s.db.Exec(`CREATE TABLE manuscripts (doc_id TEXT PRIMARY KEY, title TEXT)`)
	require.NoError(t, err)
	_, err = s.db.Exec(`INSERT INTO manuscripts (doc_id, title) VALUES ('old', 'Old Row')`)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(path, root, root)
	require.NoError(t, err)
	defer s2.Close()
	_, err = s2.GetManuscript("old")
	assert.ErrorIs(t, err, ErrNotFound, "legacy rows are dropped with the legacy table")
	// And the recreated table accepts full rows.
	require.NoError(t, s2.UpsertManuscript("new", map[string]any{"status": "saved"}))
}

func TestUpsertManuscriptRules(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.UpsertManuscript("btv1b1", map[string]any{
		"library": "Vaticana (BAV)",
		"title":   "Divina Commedia",
	}))
	m, err := s.GetManuscript("btv1b1")
	require.NoError(t, err)
	assert.Equal(t, "Vaticana", m.Library, "legacy library label collapses")
	assert.Equal(t, "Divina Commedia", m.DisplayTitle, "display title defaults from title")

	// A manual classification survives later automatic updates.
	require.NoError(t, s.UpsertManuscript("btv1b1", map[string]any{
		"item_type":        "musica e spartiti",
		"item_type_source": "manual",
	}))
	require.NoError(t, s.UpsertManuscript("btv1b1", map[string]any{
		"item_type":        "manoscritto",
		"item_type_source": "auto",
	}))
	m, err = s.GetManuscript("btv1b1")
	require.NoError(t, err)
	assert.Equal(t, enrich.TypeMusica, m.ItemType)
	assert.Equal(t, "manual", m.ItemTypeSource)

	// But another manual update does change it.
	require.NoError(t, s.UpsertManuscript("btv1b1", map[string]any{
		"item_type":        "manoscritto",
		"item_type_source": "manual",
	}))
	m, err = s.GetManuscript("btv1b1")
	require.NoError(t, err)
	assert.Equal(t, enrich.TypeManoscritto, m.ItemType)

	// Unknown fields are rejected instead of silently dropped.
	assert.Error(t, s.UpsertManuscript("btv1b1", map[string]any{"nope": 1}))
}

func TestAssetStateFor(t *testing.T) {
	assert.Equal(t, "saved", AssetStateFor(0, 0, ""))
	assert.Equal(t, "saved", AssetStateFor(0, 10, ""))
	assert.Equal(t, "partial", AssetStateFor(3, 10, ""))
	assert.Equal(t, "complete", AssetStateFor(10, 10, ""))
	assert.Equal(t, "complete", AssetStateFor(12, 10, ""))
	assert.Equal(t, "downloading", AssetStateFor(3, 10, "downloading"))
	assert.Equal(t, "queued", AssetStateFor(0, 10, "queued"))
	assert.Equal(t, "error", AssetStateFor(3, 10, "error"))
}

func TestNormalizeAssetStates(t *testing.T) {
	s, root := newTestStore(t)

	local := filepath.Join(root, "downloads", "MSS_Urb.lat.1779")
	require.NoError(t, os.MkdirAll(filepath.Join(local, "scans"), 0o755))
	for _, name := range []string{"pag_0000.jpg", "pag_0001.jpg", "pag_0003.jpg"} {
		require.NoError(t, os.WriteFile(filepath.Join(local, "scans", name), []byte("jpg"), 0o644))
	}

	// Crashed mid-download: status still says downloading, no active job.
	require.NoError(t, s.UpsertManuscript("MSS_Urb.lat.1779", map[string]any{
		"status":         "downloading",
		"local_path":     local,
		"total_canvases": 5,
	}))

	changed, err := s.NormalizeAssetStates(0)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	m, err := s.GetManuscript("MSS_Urb.lat.1779")
	require.NoError(t, err)
	assert.Equal(t, "partial", m.Status)
	assert.Equal(t, "partial", m.AssetState)
	assert.Equal(t, 3, m.DownloadedCanvases)
	assert.Equal(t, []int{3, 5}, m.MissingPages, "pag_0002 and pag_0004 are absent")
}

func TestNormalizeAssetStatesKeepsActiveJobs(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.UpsertManuscript("doc1", map[string]any{"status": "downloading"}))
	require.NoError(t, s.CreateDownloadJob("a1b2c3d4", "doc1", "Gallica", "https://example.org/manifest"))

	_, err := s.NormalizeAssetStates(0)
	require.NoError(t, err)
	m, err := s.GetManuscript("doc1")
	require.NoError(t, err)
	assert.Equal(t, "downloading", m.Status, "a live job keeps the active status")
}

func TestDeleteManuscriptScopedToDownloadsDir(t *testing.T) {
	s, root := newTestStore(t)

	inside := filepath.Join(root, "downloads", "doc-in")
	require.NoError(t, os.MkdirAll(inside, 0o755))
	outside := filepath.Join(root, "elsewhere")
	require.NoError(t, os.MkdirAll(outside, 0o755))

	require.NoError(t, s.UpsertManuscript("doc-in", map[string]any{"local_path": inside}))
	require.NoError(t, s.UpsertManuscript("doc-out", map[string]any{"local_path": outside}))

	require.NoError(t, s.DeleteManuscript("doc-in"))
	_, err := os.Stat(inside)
	assert.True(t, os.IsNotExist(err), "folder inside downloads dir is removed")

	require.NoError(t, s.DeleteManuscript("doc-out"))
	_, err = os.Stat(outside)
	assert.NoError(t, err, "folder outside downloads dir is preserved")

	_, err = s.GetManuscript("doc-out")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDownloadJobLifecycle(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.CreateDownloadJob("deadbeef", "doc1", "Gallica", "https://example.org/m"))

	j, err := s.GetDownloadJob("deadbeef")
	require.NoError(t, err)
	assert.Equal(t, JobQueued, j.Status)
	assert.Nil(t, j.StartedAt)

	require.NoError(t, s.UpdateDownloadJob("deadbeef", JobUpdate{Status: JobRunning}))
	j, err = s.GetDownloadJob("deadbeef")
	require.NoError(t, err)
	require.NotNil(t, j.StartedAt)
	started := *j.StartedAt

	cur, total := 3, 10
	require.NoError(t, s.UpdateDownloadJob("deadbeef", JobUpdate{CurrentPage: &cur, TotalPages: &total}))

	require.NoError(t, s.UpdateDownloadJob("deadbeef", JobUpdate{Status: JobCompleted}))
	j, err = s.GetDownloadJob("deadbeef")
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, j.Status)
	assert.Equal(t, 3, j.CurrentPage)
	assert.Equal(t, 10, j.TotalPages)
	require.NotNil(t, j.FinishedAt)
	assert.Equal(t, started, *j.StartedAt, "started_at is stamped once")

	assert.ErrorIs(t, s.UpdateDownloadJob("missing", JobUpdate{Status: JobError}), ErrNotFound)
}

func TestGetActiveDownloadsOrder(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.CreateDownloadJob("job-q", "d1", "Gallica", "u"))
	require.NoError(t, s.CreateDownloadJob("job-r", "d2", "Gallica", "u"))
	require.NoError(t, s.CreateDownloadJob("job-c", "d3", "Gallica", "u"))
	require.NoError(t, s.CreateDownloadJob("job-done", "d4", "Gallica", "u"))
	require.NoError(t, s.UpdateDownloadJob("job-r", JobUpdate{Status: JobRunning}))
	require.NoError(t, s.UpdateDownloadJob("job-c", JobUpdate{Status: JobCancelling}))
	require.NoError(t, s.UpdateDownloadJob("job-done", JobUpdate{Status: JobCompleted}))

	active, err := s.GetActiveDownloads()
	require.NoError(t, err)
	require.Len(t, active, 3)
	assert.Equal(t, "job-r", active[0].JobID)
	assert.Equal(t, "job-c", active[1].JobID)
	assert.Equal(t, "job-q", active[2].JobID)
}

func TestResetActiveDownloads(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.CreateDownloadJob("orphan", "d1", "Gallica", "u"))
	require.NoError(t, s.UpdateDownloadJob("orphan", JobUpdate{Status: JobRunning}))

	n, err := s.ResetActiveDownloads()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	j, err := s.GetDownloadJob("orphan")
	require.NoError(t, err)
	assert.Equal(t, JobError, j.Status)
	assert.Contains(t, j.ErrorMessage, "(server restart)")
	assert.NotNil(t, j.FinishedAt)
}

func TestPausedJobStampsFinishAndSurvives(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.CreateDownloadJob("nap", "d1", "Gallica", "u"))
	require.NoError(t, s.UpdateDownloadJob("nap", JobUpdate{Status: JobRunning}))
	require.NoError(t, s.UpdateDownloadJob("nap", JobUpdate{Status: JobPaused}))

	j, err := s.GetDownloadJob("nap")
	require.NoError(t, err)
	assert.Equal(t, JobPaused, j.Status)
	require.NotNil(t, j.FinishedAt)
	assert.True(t, JobTerminal(JobPaused))

	// A restart must not turn a paused job into an error.
	n, err := s.ResetActiveDownloads()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	j, err = s.GetDownloadJob("nap")
	require.NoError(t, err)
	assert.Equal(t, JobPaused, j.Status)

	// Retention pruning leaves paused jobs alone too.
	_, err = s.db.Exec(`UPDATE download_jobs SET created_at = ? WHERE job_id = 'nap'`,
		time.Now().Add(-72*time.Hour).UTC())
	require.NoError(t, err)
	require.NoError(t, s.CleanupStaleData(48*time.Hour))
	_, err = s.GetDownloadJob("nap")
	assert.NoError(t, err)
}

func TestUpsertManuscriptMissingPages(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.UpsertManuscript("doc1", map[string]any{
		"library": "Gallica", "total_canvases": 4, "downloaded_canvases": 2,
		"missing_pages_json": "[2,4]",
	}))
	m, err := s.GetManuscript("doc1")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4}, m.MissingPages)
	assert.Equal(t, "partial", m.AssetState)
}

func TestCleanupStaleData(t *testing.T) {
	s, root := newTestStore(t)
	require.NoError(t, s.CreateDownloadJob("old-job", "d1", "Gallica", "u"))
	require.NoError(t, s.UpdateDownloadJob("old-job", JobUpdate{Status: JobCompleted}))
	_, err := s.db.Exec(`UPDATE download_jobs SET created_at = ? WHERE job_id = 'old-job'`,
		time.Now().Add(-72*time.Hour).UTC())
	require.NoError(t, err)

	stale := filepath.Join(root, "temp", "stale-doc")
	require.NoError(t, os.MkdirAll(stale, 0o755))
	past := time.Now().Add(-72 * time.Hour)
	require.NoError(t, os.Chtimes(stale, past, past))

	require.NoError(t, s.CleanupStaleData(48*time.Hour))

	_, err = s.GetDownloadJob("old-job")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}

func TestSnippets(t *testing.T) {
	s, root := newTestStore(t)
	img := filepath.Join(root, "downloads", "doc1", "snippets", "s1.jpg")
	require.NoError(t, os.MkdirAll(filepath.Dir(img), 0o755))
	require.NoError(t, os.WriteFile(img, []byte("jpg"), 0o644))

	require.NoError(t, s.UpsertManuscript("doc1", map[string]any{
		"local_path": filepath.Join(root, "downloads", "doc1"),
	}))
	id, err := s.SaveSnippet(&Snippet{
		DocID: "doc1", PageNumber: 4, ImagePath: img,
		Category: "initiale", Transcription: "Incipit", X: 10, Y: 20, Width: 100, Height: 80,
	})
	require.NoError(t, err)
	assert.Positive(t, id)

	snips, err := s.ListSnippets("doc1")
	require.NoError(t, err)
	require.Len(t, snips, 1)
	assert.Equal(t, "Incipit", snips[0].Transcription)

	// Deleting the manuscript removes the snippet rows and image files.
	require.NoError(t, s.DeleteManuscript("doc1"))
	snips, err = s.ListSnippets("doc1")
	require.NoError(t, err)
	assert.Empty(t, snips)
	_, err = os.Stat(img)
	assert.True(t, os.IsNotExist(err))
}
