// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/codexvault/codexvault/internal/fetch"
	"github.com/codexvault/codexvault/internal/stitch"
	"github.com/codexvault/codexvault/pkg/iiif"
	"github.com/codexvault/codexvault/pkg/metrics"
)

const (
	pageAttempts = 5
	pageTimeout  = 30 * time.Second
)

// errAllSizesDenied marks a canvas whose every whole-image size request came
// back 403, the signal to fall back to tile stitching.
var errAllSizesDenied = errors.New("engine: all size requests denied")

// pageName returns the 0-based on-disk name of canvas index i.
func pageName(i int) string { return fmt.Sprintf("pag_%04d.jpg", i) }

// sizePath renders one strategy token as an IIIF size path segment. Numeric
// tokens are width-only requests; "max" and "full" pass through as-is.
func sizePath(token string) string {
	switch token {
	case "max", "full":
		return token
	}
	return token + ","
}

// existingPageStat reports an already downloaded page, or nil when the file is
// absent or not a decodable JPEG. A corrupt file is removed so the download
// retries it.
func existingPageStat(path string, index int) *PageStat {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	cfg, err := jpeg.DecodeConfig(f)
	f.Close()
	if err != nil {
		logrus.WithField("path", path).Warn("removing corrupt page file")
		os.Remove(path)
		return nil
	}
	var size int64
	if fi, err := os.Stat(path); err == nil {
		size = fi.Size()
	}
	return &PageStat{
		PageIndex:          index,
		Filename:           filepath.Base(path),
		Width:              cfg.Width,
		Height:             cfg.Height,
		SizeBytes:          size,
		ResolutionCategory: resolutionCategory(cfg.Width),
	}
}

// downloadPage fetches one canvas into tempDir, honoring resume, the ordered
// size strategy, per-host throttling and the tile-stitch fallback. A canvas
// that cannot be fetched is given up on: the return is (nil, nil) and the page
// stays in the missing set. A non-nil error means the run is being cancelled.
func (e *Engine) downloadPage(ctx context.Context, canvas iiif.Canvas, finalDir, tempDir string, req *Request) (*PageStat, error) {
	name := pageName(canvas.Index)

	// Resume: a valid JPEG in either location counts as done.
	if st := existingPageStat(filepath.Join(finalDir, name), canvas.Index); st != nil {
		return st, nil
	}
	if st := existingPageStat(filepath.Join(tempDir, name), canvas.Index); st != nil {
		return st, nil
	}
	if canvas.ServiceBase == "" {
		logrus.WithField("page", canvas.Index).Warn("canvas has no image service, skipping")
		return nil, nil
	}

	host := fetch.HostOf(canvas.ServiceBase)
	outPath := filepath.Join(tempDir, name)

	var lastErr error
	for attempt := 0; attempt < pageAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if attempt > 0 {
			metrics.HTTPRetries.Inc()
		}
		st, err := e.tryPageOnce(ctx, canvas, host, outPath, attempt, req)
		if err == nil {
			return st, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, errAllSizesDenied) {
			return e.stitchPage(ctx, canvas, outPath, req)
		}
		lastErr = err
	}
	logrus.WithError(lastErr).WithField("page", canvas.Index).
		Warnf("giving up on page after %d attempts", pageAttempts)
	return nil, nil
}

// tryPageOnce walks the size strategy in order for a single attempt. A 429
// arms the shared backoff and abandons the rest of the size ladder so the
// next attempt starts after the cool-down.
func (e *Engine) tryPageOnce(ctx context.Context, canvas iiif.Canvas, host, outPath string, attempt int, req *Request) (*PageStat, error) {
	denied := 0
	var lastErr error
	for _, token := range req.Strategy {
		if err := e.throttle(ctx, host); err != nil {
			return nil, err
		}
		url := fmt.Sprintf("%s/full/%s/0/%s.jpg", canvas.ServiceBase, sizePath(token), req.Quality)
		resp, err := e.Client.Get(ctx, url, pageTimeout)
		if err != nil {
			lastErr = err
			continue
		}
		switch {
		case resp.Status == http.StatusOK && len(resp.Body) > 0:
			w, h, err := writePage(outPath, resp.Body)
			if err != nil {
				lastErr = err
				continue
			}
			metrics.PagesDownloaded.WithLabelValues(req.Library).Inc()
			metrics.BytesFetched.WithLabelValues(req.Library).Add(float64(len(resp.Body)))
			return &PageStat{
				PageIndex:          canvas.Index,
				Filename:           filepath.Base(outPath),
				OriginalURL:        url,
				Width:              w,
				Height:             h,
				SizeBytes:          int64(len(resp.Body)),
				ResolutionCategory: resolutionCategory(w),
			}, nil
		case resp.Status == http.StatusTooManyRequests:
			e.Client.SetBackoff(attempt)
			return nil, fmt.Errorf("engine: rate limited at size %q", token)
		case resp.Status == http.StatusForbidden:
			denied++
			lastErr = fmt.Errorf("status 403 at size %q", token)
		default:
			lastErr = fmt.Errorf("status %d at size %q", resp.Status, token)
		}
	}
	if denied == len(req.Strategy) && denied > 0 {
		return nil, errAllSizesDenied
	}
	return nil, lastErr
}

// writePage validates body as JPEG and writes it through a .part file.
func writePage(outPath string, body []byte) (int, int, error) {
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(body))
	if err != nil {
		return 0, 0, fmt.Errorf("engine: response is not a JPEG: %w", err)
	}
	tmp := outPath + ".part"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return 0, 0, err
	}
	if err := os.Rename(tmp, outPath); err != nil {
		os.Remove(tmp)
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

// stitchPage assembles the page from tiles when whole-image requests are
// denied. The run's stitch permit caps assembly at one canvas at a time;
// a permit that cannot be acquired within a second means another stitch is
// holding a large raster, and this canvas is given up on.
func (e *Engine) stitchPage(ctx context.Context, canvas iiif.Canvas, outPath string, req *Request) (*PageStat, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, time.Second)
	err := req.stitchSem.Acquire(acquireCtx, 1)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logrus.WithField("page", canvas.Index).Warn("stitch permit busy, skipping page")
		return nil, nil
	}
	defer req.stitchSem.Release(1)

	logrus.WithField("page", canvas.Index).Info("falling back to tile stitching")
	w, h, err := stitch.Run(ctx, e.Client, canvas.ServiceBase, outPath, stitch.Options{
		Quality:     req.Quality,
		JPEGQuality: e.Cfg.Images.JPEGQuality,
		MaxRAMBytes: e.Cfg.TileStitchMaxRAMBytes(),
		ScratchDir:  filepath.Dir(outPath),
	})
	if err != nil {
		metrics.TileStitches.WithLabelValues("error").Inc()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logrus.WithError(err).WithField("page", canvas.Index).Warn("tile stitch failed, skipping page")
		return nil, nil
	}
	metrics.TileStitches.WithLabelValues("ok").Inc()
	metrics.PagesDownloaded.WithLabelValues(req.Library).Inc()

	var size int64
	if fi, statErr := os.Stat(outPath); statErr == nil {
		size = fi.Size()
	}
	return &PageStat{
		PageIndex:          canvas.Index,
		Filename:           filepath.Base(outPath),
		OriginalURL:        canvas.ServiceBase + "/info.json",
		Width:              w,
		Height:             h,
		SizeBytes:          size,
		ResolutionCategory: resolutionCategory(w),
	}, nil
}
