// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// Job statuses. completed, error, cancelled and paused end a job's lifecycle;
// paused rows keep their progress and are neither reset at startup nor pruned.
const (
	JobQueued     = "queued"
	JobRunning    = "running"
	JobCancelling = "cancelling"
	JobPaused     = "paused"
	JobCompleted  = "completed"
	JobError      = "error"
	JobCancelled  = "cancelled"
)

// DownloadJob is one row of the download_jobs table.
type DownloadJob struct {
	JobID         string     `json:"job_id"`
	DocID         string     `json:"doc_id"`
	Library       string     `json:"library"`
	ManifestURL   string     `json:"manifest_url"`
	Status        string     `json:"status"`
	CurrentPage   int        `json:"current_page"`
	TotalPages    int        `json:"total_pages"`
	QueuePosition int        `json:"queue_position"`
	Priority      int        `json:"priority"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// JobTerminal reports whether status ends a job's lifecycle: no worker is
// attached to it anymore.
func JobTerminal(status string) bool {
	switch status {
	case JobCompleted, JobError, JobCancelled, JobPaused:
		return true
	}
	return false
}

const jobColumns = `job_id, doc_id, library, manifest_url, status, current_page, total_pages,
	queue_position, priority, error_message, created_at, started_at, finished_at, updated_at`

func scanJob(row rowScanner) (*DownloadJob, error) {
	var j DownloadJob
	var started, finished sql.NullTime
	err := row.Scan(&j.JobID, &j.DocID, &j.Library, &j.ManifestURL, &j.Status, &j.CurrentPage,
		&j.TotalPages, &j.QueuePosition, &j.Priority, &j.ErrorMessage, &j.CreatedAt, &started, &finished, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if started.Valid {
		t := started.Time
		j.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		j.FinishedAt = &t
	}
	return &j, nil
}

// CreateDownloadJob records a new queued job. An existing row with the same
// job id is replaced, which makes job submission retryable.
func (s *Store) CreateDownloadJob(jobID, docID, library, manifestURL string) error {
	var pos int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(queue_position), 0) + 1 FROM download_jobs
		WHERE status IN (?, ?)`, JobQueued, JobRunning).Scan(&pos); err != nil {
		return err
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO download_jobs
		(job_id, doc_id, library, manifest_url, status, queue_position)
		VALUES (?, ?, ?, ?, ?, ?)`,
		jobID, docID, library, manifestURL, JobQueued, pos)
	return err
}

// JobUpdate carries the optional fields of UpdateDownloadJob; nil pointers
// leave the column untouched.
type JobUpdate struct {
	Status       string
	CurrentPage  *int
	TotalPages   *int
	ErrorMessage *string
	Priority     *int
}

// UpdateDownloadJob applies a partial update. The first transition to running
// stamps started_at; completed, error, cancelled and paused stamp finished_at.
// Terminal transitions log at info, progress ticks at debug.
func (s *Store) UpdateDownloadJob(jobID string, upd JobUpdate) error {
	sets := []string{"updated_at = CURRENT_TIMESTAMP"}
	var args []any
	if upd.Status != "" {
		sets = append(sets, "status = ?")
		args = append(args, upd.Status)
		if upd.Status == JobRunning {
			sets = append(sets, "started_at = COALESCE(started_at, CURRENT_TIMESTAMP)")
		}
		if JobTerminal(upd.Status) {
			sets = append(sets, "finished_at = CURRENT_TIMESTAMP")
		}
	}
	if upd.CurrentPage != nil {
		sets = append(sets, "current_page = ?")
		args = append(args, *upd.CurrentPage)
	}
	if upd.TotalPages != nil {
		sets = append(sets, "total_pages = ?")
		args = append(args, *upd.TotalPages)
	}
	if upd.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *upd.ErrorMessage)
	}
	if upd.Priority != nil {
		sets = append(sets, "priority = ?")
		args = append(args, *upd.Priority)
	}
	args = append(args, jobID)

	q := `UPDATE download_jobs SET `
	for i, set := range sets {
		if i > 0 {
			q += ", "
		}
		q += set
	}
	q += ` WHERE job_id = ?`
	res, err := s.db.Exec(q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}

	log := logrus.WithFields(logrus.Fields{"job": jobID, "status": upd.Status})
	if JobTerminal(upd.Status) {
		log.Info("download job finished")
	} else if upd.Status != "" {
		log.Debug("download job updated")
	}
	return nil
}

// GetDownloadJob loads one job by id.
func (s *Store) GetDownloadJob(jobID string) (*DownloadJob, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM download_jobs WHERE job_id = ?`, jobID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	return j, err
}

// ListDownloadJobs returns up to limit jobs, newest first.
func (s *Store) ListDownloadJobs(limit int) ([]*DownloadJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM download_jobs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*DownloadJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// GetActiveDownloads returns the non-terminal jobs, running first, then by
// descending priority and queue order.
func (s *Store) GetActiveDownloads() ([]*DownloadJob, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM download_jobs
		WHERE status IN (?, ?, ?)
		ORDER BY CASE status WHEN ? THEN 0 WHEN ? THEN 1 ELSE 2 END,
		         priority DESC, queue_position ASC`,
		JobRunning, JobCancelling, JobQueued, JobRunning, JobCancelling)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*DownloadJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) hasActiveJob(docID string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM download_jobs
		WHERE doc_id = ? AND status IN (?, ?, ?)`,
		docID, JobQueued, JobRunning, JobCancelling).Scan(&n)
	return n > 0, err
}

// ResetActiveDownloads marks every non-terminal job as errored. Called once at
// startup, before any worker runs, so jobs orphaned by a previous process do
// not look alive forever.
func (s *Store) ResetActiveDownloads() (int, error) {
	res, err := s.db.Exec(`UPDATE download_jobs
		SET status = ?, error_message = 'Interrupted (server restart)',
		    finished_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE status IN (?, ?, ?)`,
		JobError, JobQueued, JobRunning, JobCancelling)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logrus.WithField("jobs", n).Warn("reset orphaned download jobs from a previous run")
	}
	return int(n), nil
}

// CleanupStaleData deletes terminal jobs older than retention and prunes
// abandoned temp folders of the same age.
func (s *Store) CleanupStaleData(retention time.Duration) error {
	cutoff := time.Now().Add(-retention).UTC()
	res, err := s.db.Exec(`DELETE FROM download_jobs
		WHERE status IN (?, ?, ?) AND created_at < ?`,
		JobCompleted, JobError, JobCancelled, cutoff)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logrus.WithField("jobs", n).Info("pruned old download jobs")
	}

	if s.tempDir == "" {
		return nil
	}
	entries, err := os.ReadDir(s.tempDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		active, err := s.hasActiveJob(e.Name())
		if err != nil || active {
			continue
		}
		path := filepath.Join(s.tempDir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			logrus.WithError(err).WithField("path", path).Warn("could not prune temp folder")
		} else {
			logrus.WithField("path", path).Debug("pruned stale temp folder")
		}
	}
	return nil
}
