// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package stitch assembles a full-resolution page image from IIIF tiles when
// whole-image requests are denied. At most one decoded tile plus the raster
// canvas (or its mmap backing) is held in memory at any time, and no partial
// JPEG is ever left behind.
package stitch

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	xdraw "golang.org/x/image/draw"

	"github.com/codexvault/codexvault/internal/fetch"
	"github.com/codexvault/codexvault/pkg/iiif"
)

// Options configures one stitch run.
type Options struct {
	Quality          string // IIIF quality token, e.g. "default"
	JPEGQuality      int    // encoder quality, 1..100
	MaxRAMBytes      int64  // canvas above this size goes to an mmap file
	Timeout          time.Duration
	MaxTileRetries   int
	ThrottleBaseWait time.Duration
	ScratchDir       string
}

func (o *Options) defaults() {
	if o.Quality == "" {
		o.Quality = "default"
	}
	if o.JPEGQuality <= 0 || o.JPEGQuality > 100 {
		o.JPEGQuality = 90
	}
	if o.MaxRAMBytes <= 0 {
		o.MaxRAMBytes = 2 << 30
	}
	if o.Timeout <= 0 {
		o.Timeout = 45 * time.Second
	}
	if o.MaxTileRetries <= 0 {
		o.MaxTileRetries = 3
	}
	if o.ThrottleBaseWait <= 0 {
		o.ThrottleBaseWait = 2 * time.Second
	}
}

// Run fetches info.json, walks the tile grid at native scale and writes the
// assembled JPEG to outPath. Any single tile failing after its retries aborts
// the whole stitch.
func Run(ctx context.Context, client *fetch.Client, baseURL, outPath string, opts Options) (int, int, error) {
	opts.defaults()

	resp, err := client.Get(ctx, baseURL+"/info.json", opts.Timeout)
	if err != nil {
		return 0, 0, fmt.Errorf("stitch: fetch info.json: %w", err)
	}
	if resp.Status != http.StatusOK {
		return 0, 0, fmt.Errorf("stitch: info.json status %d", resp.Status)
	}
	info, err := iiif.ParseInfo(resp.Body)
	if err != nil {
		return 0, 0, err
	}
	tileW, tileH, ok := info.TileSize()
	if !ok {
		return 0, 0, fmt.Errorf("stitch: info.json advertises no usable tiles")
	}

	canvas, err := newRaster(info.Width, info.Height, opts.MaxRAMBytes, scratchDirFor(outPath, opts.ScratchDir))
	if err != nil {
		return 0, 0, err
	}
	defer canvas.Close()

	log := logrus.WithFields(logrus.Fields{"base": baseURL, "size": fmt.Sprintf("%dx%d", info.Width, info.Height)})
	log.Info("stitching tiles at native resolution")

	for y := 0; y < info.Height; y += tileH {
		for x := 0; x < info.Width; x += tileW {
			w := min(tileW, info.Width-x)
			h := min(tileH, info.Height-y)
			tile, err := fetchTile(ctx, client, baseURL, x, y, w, h, opts)
			if err != nil {
				return 0, 0, fmt.Errorf("stitch: tile %d,%d: %w", x, y, err)
			}
			if b := tile.Bounds(); b.Dx() != w || b.Dy() != h {
				tile = rescale(tile, w, h)
			}
			canvas.paste(tile, x, y, w, h)
		}
	}

	if err := encodeJPEG(canvas, outPath, opts.JPEGQuality); err != nil {
		return 0, 0, err
	}
	return info.Width, info.Height, nil
}

// fetchTile requests one region with per-tile retries. A 429 backs off for
// 2^attempt * base before the next try.
func fetchTile(ctx context.Context, client *fetch.Client, baseURL string, x, y, w, h int, opts Options) (image.Image, error) {
	tileURL := fmt.Sprintf("%s/%d,%d,%d,%d/%d,/0/%s.jpg", baseURL, x, y, w, h, w, opts.Quality)

	var lastErr error
	for attempt := 0; attempt < opts.MaxTileRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resp, err := client.Get(ctx, tileURL, opts.Timeout)
		if err != nil {
			lastErr = err
			continue
		}
		switch {
		case resp.Status == http.StatusOK && len(resp.Body) > 0:
			img, _, err := image.Decode(bytes.NewReader(resp.Body))
			if err != nil {
				lastErr = fmt.Errorf("decode: %w", err)
				continue
			}
			return img, nil
		case resp.Status == http.StatusTooManyRequests:
			wait := time.Duration(1<<attempt) * opts.ThrottleBaseWait
			logrus.WithField("wait", wait).Debug("tile fetch rate limited")
			if !sleepCtx(ctx, wait) {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("status 429")
		default:
			lastErr = fmt.Errorf("status %d", resp.Status)
		}
	}
	return nil, lastErr
}

// rescale coerces a slightly off-size server response to the requested
// region dimensions.
func rescale(img image.Image, w, h int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Over, nil)
	return dst
}

// encodeJPEG writes through a .part file so a failed encode leaves nothing at
// the destination.
func encodeJPEG(img image.Image, outPath string, quality int) error {
	tmp := outPath + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("stitch: create output: %w", err)
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: quality}); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("stitch: encode: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, outPath)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
