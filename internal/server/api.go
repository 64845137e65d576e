// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codexvault/codexvault/internal/catalog"
	"github.com/codexvault/codexvault/internal/jobs"
	"github.com/codexvault/codexvault/internal/resolve"
	"github.com/codexvault/codexvault/internal/search"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handleListManuscripts(c *gin.Context) {
	list, err := s.store.ListManuscripts(c.Query("library"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"manuscripts": list, "count": len(list)})
}

func (s *Server) handleGetManuscript(c *gin.Context) {
	m, err := s.store.GetManuscript(c.Param("id"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, catalog.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) handleDeleteManuscript(c *gin.Context) {
	id := c.Param("id")
	if err := s.store.DeleteManuscript(id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, catalog.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (s *Server) handleListSnippets(c *gin.Context) {
	snips, err := s.store.ListSnippets(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"snippets": snips, "count": len(snips)})
}

type snippetRequest struct {
	PageNumber    int    `json:"page_number" binding:"required"`
	ImagePath     string `json:"image_path"`
	Category      string `json:"category"`
	Transcription string `json:"transcription"`
	Notes         string `json:"notes"`
	X             int    `json:"x"`
	Y             int    `json:"y"`
	Width         int    `json:"width"`
	Height        int    `json:"height"`
}

func (s *Server) handleSaveSnippet(c *gin.Context) {
	var req snippetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	docID := c.Param("id")
	if _, err := s.store.GetManuscript(docID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	id, err := s.store.SaveSnippet(&catalog.Snippet{
		DocID:         docID,
		PageNumber:    req.PageNumber,
		ImagePath:     req.ImagePath,
		Category:      req.Category,
		Transcription: req.Transcription,
		Notes:         req.Notes,
		X:             req.X,
		Y:             req.Y,
		Width:         req.Width,
		Height:        req.Height,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

type resolveRequest struct {
	Library string `json:"library"`
	Input   string `json:"input" binding:"required"`
}

func (s *Server) handleResolve(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := resolve.Input(req.Library, req.Input)
	if err != nil {
		writeResolveError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"doc_id":       res.DocID,
		"manifest_url": res.ManifestURL,
		"library":      resolve.CanonicalName(req.Library),
	})
}

func (s *Server) handleStartDownload(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := resolve.Input(req.Library, req.Input)
	if err != nil {
		writeResolveError(c, err)
		return
	}
	library := resolve.CanonicalName(req.Library)
	jobID, err := s.manager.Submit(res.DocID, library, res.ManifestURL)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, jobs.ErrAlreadyRunning) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"job_id":       jobID,
		"doc_id":       res.DocID,
		"library":      library,
		"manifest_url": res.ManifestURL,
	})
}

// writeResolveError keeps the structured resolver failure intact so the UI can
// show the library and reason separately.
func writeResolveError(c *gin.Context, err error) {
	var rerr *resolve.Error
	if errors.As(err, &rerr) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   rerr.Error(),
			"library": rerr.Library,
			"input":   rerr.Input,
			"reason":  rerr.Reason,
		})
		return
	}
	c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
}

func (s *Server) handleListJobs(c *gin.Context) {
	if c.Query("live") == "true" {
		list := s.manager.List()
		c.JSON(http.StatusOK, gin.H{"jobs": list, "count": len(list)})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	list, err := s.store.ListDownloadJobs(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": list, "count": len(list)})
}

func (s *Server) handleGetJob(c *gin.Context) {
	id := c.Param("id")
	if job, ok := s.manager.Get(id); ok {
		c.JSON(http.StatusOK, job)
		return
	}
	row, err := s.store.GetDownloadJob(id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, catalog.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, row)
}

func (s *Server) handleCancelJob(c *gin.Context) {
	id := c.Param("id")
	if err := s.manager.RequestCancel(id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, catalog.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"cancelling": id})
}

func (s *Server) handleSearch(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing query parameter q"})
		return
	}
	library := c.DefaultQuery("library", "gallica")
	max, _ := strconv.Atoi(c.DefaultQuery("max", "20"))
	results := search.Library(c.Request.Context(), library, query, max)
	if results == nil {
		results = []search.Result{}
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "count": len(results)})
}
