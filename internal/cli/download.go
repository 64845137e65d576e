// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codexvault/codexvault/internal/engine"
	"github.com/codexvault/codexvault/internal/resolve"
	"github.com/codexvault/codexvault/internal/tui"
)

func newDownloadCmd(ro *RootOpts) *cobra.Command {
	var (
		library  string
		workers  int
		quality  string
		strategy []string
	)

	cmd := &cobra.Command{
		Use:   "download INPUT",
		Short: "Download a manuscript to the local mirror",
		Long: `Download every page of a manuscript identified by a shelfmark, a short
identifier, a viewer URL or a direct manifest URL.

Examples:
  codexvault download --library vatican "Urb. lat. 1779"
  codexvault download --library gallica btv1b84259980
  codexvault download https://iiif.bodleian.ox.ac.uk/iiif/manifest/60834383-7146-41ab-bfe1-48ee97bc04be.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := ro.bootstrap()
			if err != nil {
				return err
			}
			defer app.Close()

			res, err := resolve.Input(library, args[0])
			if err != nil {
				return err
			}
			lib := resolve.CanonicalName(library)
			fmt.Printf("Resolved %s (%s)\n  manifest: %s\n", res.DocID, lib, res.ManifestURL)

			bar := tui.NewDownloadBar(res.DocID)
			defer bar.Close()

			result, err := app.engine.Run(cmd.Context(), &engine.Request{
				DocID:       res.DocID,
				Library:     lib,
				ManifestURL: res.ManifestURL,
				Workers:     workers,
				Strategy:    strategy,
				Quality:     quality,
				Progress:    bar.Handler(),
			})
			if errors.Is(err, engine.ErrCancelled) {
				bar.Close()
				fmt.Printf("Interrupted: %d/%d pages saved under %s; rerun to resume\n",
					result.Downloaded, result.Total, result.LocalPath)
				return nil
			}
			if err != nil {
				return err
			}
			bar.Close()
			if len(result.Missing) > 0 {
				fmt.Printf("Done with gaps: %d/%d pages under %s (missing pages: %v); rerun to retry\n",
					result.Downloaded, result.Total, result.LocalPath, result.Missing)
				return nil
			}
			fmt.Printf("Done: %d pages under %s", result.Downloaded, result.LocalPath)
			if result.Stats != nil && result.Stats.HighResPages() > 0 {
				fmt.Printf(" (%d high-resolution pages)", result.Stats.HighResPages())
			}
			fmt.Println()
			return nil
		},
	}

	cmd.Flags().StringVarP(&library, "library", "l", "", "Library: vatican, gallica, bodleian, institut (optional for URLs)")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "Concurrent page downloads (default from config)")
	cmd.Flags().StringVar(&quality, "quality", "", "IIIF quality token (default from config)")
	cmd.Flags().StringSliceVar(&strategy, "strategy", nil, "Ordered IIIF size tokens to try per page, e.g. max,3000,1740")

	return cmd
}

func newResolveCmd(ro *RootOpts) *cobra.Command {
	var library string

	cmd := &cobra.Command{
		Use:   "resolve INPUT",
		Short: "Resolve input to its manifest URL without downloading",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := ro.loadConfig(); err != nil {
				return err
			}
			res, err := resolve.Input(library, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("doc_id:       %s\n", res.DocID)
			fmt.Printf("library:      %s\n", resolve.CanonicalName(library))
			fmt.Printf("manifest_url: %s\n", res.ManifestURL)
			return nil
		},
	}

	cmd.Flags().StringVarP(&library, "library", "l", "", "Library: vatican, gallica, bodleian, institut")
	return cmd
}
