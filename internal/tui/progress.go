// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package tui renders CLI download progress.
package tui

import (
	"sync"

	"github.com/cheggaaa/pb/v3"
)

// DownloadBar is a page-count progress bar for one manuscript download. The
// bar starts lazily on the first progress event, when the total is known.
type DownloadBar struct {
	label string

	mu  sync.Mutex
	bar *pb.ProgressBar
}

// NewDownloadBar builds a bar labeled with the document id.
func NewDownloadBar(label string) *DownloadBar {
	return &DownloadBar{label: label}
}

// Handler returns a callback compatible with the download engine's progress
// hook.
func (d *DownloadBar) Handler() func(done, total int) {
	return func(done, total int) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.bar == nil {
			d.bar = pb.New(total)
			d.bar.Set("prefix", d.label+" ")
			d.bar.SetMaxWidth(100)
			d.bar.Start()
		}
		d.bar.SetCurrent(int64(done))
	}
}

// Close finishes the bar if it ever started.
func (d *DownloadBar) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bar != nil {
		d.bar.Finish()
	}
}
