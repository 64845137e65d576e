// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/codexvault/codexvault/internal/search"
)

func newSearchCmd(ro *RootOpts) *cobra.Command {
	var (
		library string
		max     int
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "search QUERY",
		Short: "Search a library's catalog for manuscripts",
		Long: `Search the remote catalog of a library. Gallica uses the BnF SRU service,
the Institut de France is scraped from its records pages, and the Vatican is
probed by shelfmark candidates. Bodleian has no search endpoint.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := ro.loadConfig(); err != nil {
				return err
			}
			query := args[0]
			for _, a := range args[1:] {
				query += " " + a
			}

			results := search.Library(cmd.Context(), library, query, max)
			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}
			if len(results) == 0 {
				fmt.Println("No results.")
				return nil
			}
			for _, r := range results {
				fmt.Printf("%-24s %s\n", r.DocID, r.Title)
				fmt.Printf("%-24s %s\n", "", r.ManifestURL)
			}
			fmt.Printf("%d result(s)\n", len(results))
			return nil
		},
	}

	cmd.Flags().StringVarP(&library, "library", "l", "gallica", "Library to search: gallica, institut, vatican")
	cmd.Flags().IntVar(&max, "max", 20, "Maximum number of results")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit results as JSON")
	return cmd
}
