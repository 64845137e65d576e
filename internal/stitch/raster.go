// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package stitch

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// raster is a packed RGB canvas, either heap-allocated or backed by a
// memory-mapped scratch file when the estimated size exceeds the RAM cap.
// It implements image.Image so the JPEG encoder can read it directly.
type raster struct {
	w, h int
	buf  []byte

	file *os.File // non-nil for the mmap-backed variant
}

// newRaster allocates a w×h RGB canvas. When w*h*3 exceeds maxRAM the canvas
// lives in a memory-mapped file under scratchDir, deleted on Close.
func newRaster(w, h int, maxRAM int64, scratchDir string) (*raster, error) {
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("stitch: invalid canvas size %dx%d", w, h)
	}
	size := int64(w) * int64(h) * 3

	if size <= maxRAM {
		return &raster{w: w, h: h, buf: make([]byte, size)}, nil
	}

	f, err := os.CreateTemp(scratchDir, "stitch-*.rgb")
	if err != nil {
		return nil, fmt.Errorf("stitch: create scratch file: %w", err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("stitch: size scratch file: %w", err)
	}
	buf, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("stitch: mmap scratch file: %w", err)
	}
	return &raster{w: w, h: h, buf: buf, file: f}, nil
}

// paste copies img into the canvas at (x, y). The caller guarantees img is
// exactly w×h; off-size server responses are rescaled before pasting.
func (r *raster) paste(img image.Image, x, y, w, h int) {
	b := img.Bounds()
	for dy := 0; dy < h; dy++ {
		ty := y + dy
		if ty >= r.h {
			break
		}
		row := (int64(ty)*int64(r.w) + int64(x)) * 3
		for dx := 0; dx < w; dx++ {
			if x+dx >= r.w {
				break
			}
			cr, cg, cb, _ := img.At(b.Min.X+dx, b.Min.Y+dy).RGBA()
			off := row + int64(dx)*3
			r.buf[off] = byte(cr >> 8)
			r.buf[off+1] = byte(cg >> 8)
			r.buf[off+2] = byte(cb >> 8)
		}
	}
}

// image.Image

func (r *raster) ColorModel() color.Model { return color.RGBAModel }
func (r *raster) Bounds() image.Rectangle { return image.Rect(0, 0, r.w, r.h) }

func (r *raster) At(x, y int) color.Color {
	off := (int64(y)*int64(r.w) + int64(x)) * 3
	return color.RGBA{R: r.buf[off], G: r.buf[off+1], B: r.buf[off+2], A: 0xff}
}

// Close unmaps and unlinks the scratch file when one was used.
func (r *raster) Close() {
	if r.file == nil {
		r.buf = nil
		return
	}
	name := r.file.Name()
	_ = unix.Munmap(r.buf)
	r.buf = nil
	_ = r.file.Close()
	_ = os.Remove(name)
	r.file = nil
}

// scratchDirFor resolves the scratch directory next to the output path when
// none is configured, keeping big files off tmpfs.
func scratchDirFor(outPath, configured string) string {
	if configured != "" {
		return configured
	}
	return filepath.Dir(outPath)
}
