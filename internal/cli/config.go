// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd(ro *RootOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(newConfigShowCmd(ro))
	cmd.AddCommand(newConfigInitCmd())
	return cmd
}

// effectiveConfig is the YAML shape of config.yaml, also used to print the
// resolved configuration.
type effectiveConfig struct {
	Server struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"server"`
	System struct {
		DownloadWorkers int `yaml:"download_workers"`
	} `yaml:"system"`
	Images struct {
		DownloadStrategy   []string `yaml:"download_strategy"`
		IIIFQuality        string   `yaml:"iiif_quality"`
		JPEGQuality        int      `yaml:"jpeg_quality"`
		TileStitchMaxRAMGB float64  `yaml:"tile_stitch_max_ram_gb"`
	} `yaml:"images"`
	Storage struct {
		DownloadsDir string `yaml:"downloads_dir"`
		TempDir      string `yaml:"temp_dir"`
		DatabasePath string `yaml:"database_path"`
	} `yaml:"storage"`
	Housekeeping struct {
		TempCleanupDays int `yaml:"temp_cleanup_days"`
	} `yaml:"housekeeping"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func newConfigShowCmd(ro *RootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ro.loadConfig()
			if err != nil {
				return err
			}
			var out effectiveConfig
			out.Server.Host = cfg.Server.Host
			out.Server.Port = cfg.Server.Port
			out.System.DownloadWorkers = cfg.System.DownloadWorkers
			out.Images.DownloadStrategy = cfg.Images.DownloadStrategy
			out.Images.IIIFQuality = cfg.Images.IIIFQuality
			out.Images.JPEGQuality = cfg.Images.JPEGQuality
			out.Images.TileStitchMaxRAMGB = cfg.Images.TileStitchMaxRAMGB
			out.Storage.DownloadsDir = cfg.Storage.DownloadsDir
			out.Storage.TempDir = cfg.Storage.TempDir
			out.Storage.DatabasePath = cfg.Storage.DatabasePath
			out.Housekeeping.TempCleanupDays = cfg.Housekeeping.TempCleanupDays
			out.Log.Level = cfg.Log.Level
			out.Log.Format = cfg.Log.Format

			data, err := yaml.Marshal(&out)
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}
}

func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config.yaml in the current directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			const path = "config.yaml"
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", path)
			}
			var out effectiveConfig
			out.Server.Host = "0.0.0.0"
			out.Server.Port = 8090
			out.System.DownloadWorkers = 4
			out.Images.DownloadStrategy = []string{"max", "3000", "1740"}
			out.Images.IIIFQuality = "default"
			out.Images.JPEGQuality = 90
			out.Images.TileStitchMaxRAMGB = 2
			out.Storage.DownloadsDir = "downloads"
			out.Storage.TempDir = "data/tmp"
			out.Storage.DatabasePath = "data/vault.db"
			out.Housekeeping.TempCleanupDays = 7
			out.Log.Level = "info"
			out.Log.Format = "text"

			data, err := yaml.Marshal(&out)
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing config.yaml")
	return cmd
}
