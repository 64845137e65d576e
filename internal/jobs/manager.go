// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package jobs runs download jobs in the background and tracks their state in
// memory, mirroring each transition into the catalog. Catalog writes never
// fail a job; they are logged and dropped.
package jobs

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/codexvault/codexvault/internal/catalog"
	"github.com/codexvault/codexvault/internal/engine"
	"github.com/codexvault/codexvault/pkg/metrics"
)

// Job is the in-memory record of one download.
type Job struct {
	ID          string     `json:"id"`
	DocID       string     `json:"doc_id"`
	Library     string     `json:"library"`
	ManifestURL string     `json:"manifest_url"`
	Status      string     `json:"status"`
	CurrentPage int        `json:"current_page"`
	TotalPages  int        `json:"total_pages"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`

	cancelRequested atomic.Bool
}

// Manager owns the background download goroutines.
type Manager struct {
	engine *engine.Engine
	store  *catalog.Store

	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewManager builds a Manager on top of an engine and its catalog.
func NewManager(eng *engine.Engine, store *catalog.Store) *Manager {
	return &Manager{engine: eng, store: store, jobs: make(map[string]*Job)}
}

// newJobID returns an 8-hex-char random id, shared between the in-memory job
// and its download_jobs row.
func newJobID() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("jobs: generate id: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// ErrAlreadyRunning is returned when the document already has a live job.
var ErrAlreadyRunning = errors.New("jobs: document already downloading")

// Submit starts a background download and returns its job id.
func (m *Manager) Submit(docID, library, manifestURL string) (string, error) {
	m.mu.Lock()
	for _, j := range m.jobs {
		if j.DocID == docID && !terminal(j.Status) {
			m.mu.Unlock()
			return "", fmt.Errorf("%w: %s (job %s)", ErrAlreadyRunning, docID, j.ID)
		}
	}

	id, err := newJobID()
	if err != nil {
		m.mu.Unlock()
		return "", err
	}
	job := &Job{
		ID:          id,
		DocID:       docID,
		Library:     library,
		ManifestURL: manifestURL,
		Status:      catalog.JobQueued,
		CreatedAt:   time.Now().UTC(),
	}
	m.jobs[id] = job
	m.mu.Unlock()

	if err := m.store.CreateDownloadJob(id, docID, library, manifestURL); err != nil {
		logrus.WithError(err).WithField("job", id).Error("could not persist download job")
	}

	go m.run(context.Background(), job)
	return id, nil
}

func terminal(status string) bool { return catalog.JobTerminal(status) }

func (m *Manager) run(ctx context.Context, job *Job) {
	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()
	log := logrus.WithFields(logrus.Fields{"job": job.ID, "doc": job.DocID})

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error(string(debug.Stack()))
			msg := fmt.Sprintf("internal error: %v", r)
			m.setStatus(job, catalog.JobError, msg)
		}
	}()

	m.setStatus(job, catalog.JobRunning, "")

	req := &engine.Request{
		DocID:       job.DocID,
		Library:     job.Library,
		ManifestURL: job.ManifestURL,
		Progress: func(done, total int) {
			m.mu.Lock()
			job.CurrentPage = done
			job.TotalPages = total
			m.mu.Unlock()
			m.persist(job.ID, catalog.JobUpdate{CurrentPage: &done, TotalPages: &total})
		},
		ShouldCancel: job.cancelRequested.Load,
	}

	_, err := m.engine.Run(ctx, req)
	switch {
	case err == nil:
		m.setStatus(job, catalog.JobCompleted, "")
	case errors.Is(err, engine.ErrCancelled), errors.Is(err, context.Canceled):
		msg := "Interrupted"
		if job.cancelRequested.Load() {
			msg = "Cancelled by user"
		}
		m.setStatus(job, catalog.JobCancelled, msg)
	default:
		m.setStatus(job, catalog.JobError, err.Error())
	}
}

// setStatus updates the in-memory job and mirrors the transition to the
// catalog.
func (m *Manager) setStatus(job *Job, status, errMsg string) {
	m.mu.Lock()
	job.Status = status
	job.Error = errMsg
	if terminal(status) {
		now := time.Now().UTC()
		job.FinishedAt = &now
	}
	m.mu.Unlock()

	upd := catalog.JobUpdate{Status: status}
	if errMsg != "" {
		upd.ErrorMessage = &errMsg
	}
	m.persist(job.ID, upd)
}

func (m *Manager) persist(jobID string, upd catalog.JobUpdate) {
	if err := m.store.UpdateDownloadJob(jobID, upd); err != nil {
		logrus.WithError(err).WithField("job", jobID).Warn("could not persist job update")
	}
}

// RequestCancel flags a job for cancellation, looked up by job id or by the
// document it downloads. The engine observes the flag at its next page
// checkpoint, so in-flight fetches finish instead of being torn down.
func (m *Manager) RequestCancel(id string) error {
	m.mu.RLock()
	job := m.jobs[id]
	if job == nil {
		for _, j := range m.jobs {
			if j.DocID == id && !terminal(j.Status) {
				job = j
				break
			}
		}
	}
	m.mu.RUnlock()
	if job == nil {
		return fmt.Errorf("%w: job %s", catalog.ErrNotFound, id)
	}
	if terminal(job.Status) {
		return fmt.Errorf("jobs: job %s already finished", job.ID)
	}

	job.cancelRequested.Store(true)
	m.setStatus(job, catalog.JobCancelling, "")
	logrus.WithField("job", job.ID).Info("cancellation requested")
	return nil
}

// snapshot copies the exported state of a job. Caller holds m.mu.
func snapshot(job *Job) *Job {
	return &Job{
		ID:          job.ID,
		DocID:       job.DocID,
		Library:     job.Library,
		ManifestURL: job.ManifestURL,
		Status:      job.Status,
		CurrentPage: job.CurrentPage,
		TotalPages:  job.TotalPages,
		Error:       job.Error,
		CreatedAt:   job.CreatedAt,
		FinishedAt:  job.FinishedAt,
	}
}

// Get returns a snapshot of one job.
func (m *Manager) Get(id string) (*Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, false
	}
	return snapshot(job), true
}

// List returns snapshots of all jobs, newest first.
func (m *Manager) List() []*Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		out = append(out, snapshot(job))
	}
	sortJobs(out)
	return out
}

func sortJobs(jobs []*Job) {
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
}

// Wait blocks until the job reaches a terminal state or ctx expires. Used by
// the CLI download path.
func (m *Manager) Wait(ctx context.Context, id string) (*Job, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		job, ok := m.Get(id)
		if !ok {
			return nil, fmt.Errorf("%w: job %s", catalog.ErrNotFound, id)
		}
		if terminal(job.Status) {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}
