// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/codexvault/codexvault/internal/server"
)

func newServeCmd(ro *RootOpts) *cobra.Command {
	var (
		host string
		port int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the REST API server",
		Long: `Start the HTTP server exposing the catalog, the resolver and the download
queue. On startup, jobs orphaned by a previous run are marked as errored and
catalog rows are reconciled against the files on disk.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := ro.bootstrap()
			if err != nil {
				return err
			}
			defer app.Close()
			if host != "" {
				app.cfg.Server.Host = host
			}
			if port > 0 {
				app.cfg.Server.Port = port
			}

			// Startup reconciliation, before any worker runs.
			if _, err := app.store.ResetActiveDownloads(); err != nil {
				return err
			}
			if _, err := app.store.NormalizeAssetStates(0); err != nil {
				logrus.WithError(err).Warn("asset state reconciliation failed")
			}
			if err := app.store.CleanupStaleData(app.cfg.TempRetention()); err != nil {
				logrus.WithError(err).Warn("stale data cleanup failed")
			}

			srv := server.New(app.cfg, app.store, app.manager)
			return srv.ListenAndServe(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Address to bind to (overrides config)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Port to listen on (overrides config)")
	return cmd
}
