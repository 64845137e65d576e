// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package iiif

import (
	"encoding/json"
	"fmt"
)

// Info is the subset of an Image API info.json the tile stitcher needs.
type Info struct {
	Width  int        `json:"width"`
	Height int        `json:"height"`
	Tiles  []TileSpec `json:"tiles"`
}

// TileSpec describes one tiling scheme advertised by the image server.
type TileSpec struct {
	Width        int   `json:"width"`
	Height       int   `json:"height"`
	ScaleFactors []int `json:"scaleFactors"`
}

// ParseInfo decodes an info.json document and validates the dimensions the
// stitcher depends on.
func ParseInfo(raw []byte) (*Info, error) {
	var info Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("iiif: decode info.json: %w", err)
	}
	if info.Width <= 0 || info.Height <= 0 {
		return nil, fmt.Errorf("iiif: info.json has invalid dimensions %dx%d", info.Width, info.Height)
	}
	return &info, nil
}

// TileSize returns the tile width and height of the first tiling scheme.
// Height defaults to the width when absent, per the Image API.
func (i *Info) TileSize() (w, h int, ok bool) {
	if len(i.Tiles) == 0 || i.Tiles[0].Width <= 0 {
		return 0, 0, false
	}
	w = i.Tiles[0].Width
	h = i.Tiles[0].Height
	if h <= 0 {
		h = w
	}
	return w, h, true
}
