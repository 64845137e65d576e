// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package cli wires the cobra command tree.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/codexvault/codexvault/internal/catalog"
	"github.com/codexvault/codexvault/internal/config"
	"github.com/codexvault/codexvault/internal/engine"
	"github.com/codexvault/codexvault/internal/fetch"
	"github.com/codexvault/codexvault/internal/jobs"
	"github.com/codexvault/codexvault/pkg/logging"
)

// RootOpts holds global CLI options.
type RootOpts struct {
	Config    string
	LogLevel  string
	LogFormat string
}

// Execute runs the CLI with the given version string.
func Execute(version string) error {
	ro := &RootOpts{}
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	root := &cobra.Command{
		Use:           "codexvault",
		Short:         "Mirror digitized manuscripts from IIIF repositories",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	root.PersistentFlags().StringVar(&ro.Config, "config", "", "Path to config.yaml")
	root.PersistentFlags().StringVar(&ro.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&ro.LogFormat, "log-format", "", "Log format: text or json")

	root.AddCommand(newDownloadCmd(ro))
	root.AddCommand(newServeCmd(ro))
	root.AddCommand(newResolveCmd(ro))
	root.AddCommand(newSearchCmd(ro))
	root.AddCommand(newConfigCmd(ro))
	root.AddCommand(newVersionCmd(version))
	root.SetHelpCommand(&cobra.Command{Use: "help", Hidden: true})

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return err
	}
	return nil
}

// app is the assembled application: configuration, catalog, HTTP session,
// engine and job manager.
type app struct {
	cfg     *config.Config
	store   *catalog.Store
	client  *fetch.Client
	engine  *engine.Engine
	manager *jobs.Manager
}

// bootstrap loads configuration, configures logging and opens the catalog.
func (ro *RootOpts) bootstrap() (*app, error) {
	cfg, err := ro.loadConfig()
	if err != nil {
		return nil, err
	}
	store, err := catalog.Open(cfg.Storage.DatabasePath, cfg.Storage.DownloadsDir, cfg.Storage.TempDir)
	if err != nil {
		return nil, err
	}
	client := fetch.New()
	eng := engine.New(client, store, cfg)
	return &app{
		cfg:     cfg,
		store:   store,
		client:  client,
		engine:  eng,
		manager: jobs.NewManager(eng, store),
	}, nil
}

// loadConfig reads configuration and applies the global logging flags.
func (ro *RootOpts) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(ro.Config)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	level := cfg.Log.Level
	if ro.LogLevel != "" {
		level = ro.LogLevel
	}
	format := cfg.Log.Format
	if ro.LogFormat != "" {
		format = ro.LogFormat
	}
	logging.Setup(level, format)
	return cfg, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		fmt.Fprintln(os.Stderr, "closing catalog:", err)
	}
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
