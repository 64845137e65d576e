// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package config loads application configuration from config.yaml, .env and
// environment variables.
package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration.
type Config struct {
	Server       ServerConfig
	System       SystemConfig
	Images       ImagesConfig
	Storage      StorageConfig
	Defaults     DefaultsConfig
	Housekeeping HousekeepingConfig
	Log          LogConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type SystemConfig struct {
	DownloadWorkers int
}

type ImagesConfig struct {
	// DownloadStrategy is the ordered list of IIIF size tokens tried per page.
	DownloadStrategy   []string
	IIIFQuality        string
	JPEGQuality        int
	TileStitchMaxRAMGB float64
}

type StorageConfig struct {
	DownloadsDir         string
	TempDir              string
	DatabasePath         string
	ExportsRetentionDays int
}

type DefaultsConfig struct {
	AutoGeneratePDF bool
}

type HousekeepingConfig struct {
	TempCleanupDays int
}

type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from config.yaml (if present), a .env file and the
// environment. Environment variables use underscores for nesting, e.g.
// SYSTEM_DOWNLOAD_WORKERS overrides system.download_workers.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./data")
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults plus env carry the day.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return nil, err
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: v.GetString("server.host"),
			Port: v.GetInt("server.port"),
		},
		System: SystemConfig{
			DownloadWorkers: v.GetInt("system.download_workers"),
		},
		Images: ImagesConfig{
			DownloadStrategy:   v.GetStringSlice("images.download_strategy"),
			IIIFQuality:        v.GetString("images.iiif_quality"),
			JPEGQuality:        v.GetInt("images.jpeg_quality"),
			TileStitchMaxRAMGB: v.GetFloat64("images.tile_stitch_max_ram_gb"),
		},
		Storage: StorageConfig{
			DownloadsDir:         v.GetString("storage.downloads_dir"),
			TempDir:              v.GetString("storage.temp_dir"),
			DatabasePath:         v.GetString("storage.database_path"),
			ExportsRetentionDays: v.GetInt("storage.exports_retention_days"),
		},
		Defaults: DefaultsConfig{
			AutoGeneratePDF: v.GetBool("defaults.auto_generate_pdf"),
		},
		Housekeeping: HousekeepingConfig{
			TempCleanupDays: v.GetInt("housekeeping.temp_cleanup_days"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}

	cfg.normalize()
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("system.download_workers", 4)
	v.SetDefault("images.download_strategy", []string{"max", "3000", "1740"})
	v.SetDefault("images.iiif_quality", "default")
	v.SetDefault("images.jpeg_quality", 90)
	v.SetDefault("images.tile_stitch_max_ram_gb", 2.0)
	v.SetDefault("storage.downloads_dir", "downloads")
	v.SetDefault("storage.temp_dir", "data/tmp")
	v.SetDefault("storage.database_path", "data/vault.db")
	v.SetDefault("storage.exports_retention_days", 14)
	v.SetDefault("defaults.auto_generate_pdf", false)
	v.SetDefault("housekeeping.temp_cleanup_days", 7)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// normalize clamps and backfills values that would otherwise break invariants.
func (c *Config) normalize() {
	if c.System.DownloadWorkers <= 0 {
		c.System.DownloadWorkers = 4
	}
	if len(c.Images.DownloadStrategy) == 0 {
		c.Images.DownloadStrategy = []string{"max", "3000", "1740"}
	}
	if c.Images.IIIFQuality == "" {
		c.Images.IIIFQuality = "default"
	}
	if c.Images.JPEGQuality <= 0 || c.Images.JPEGQuality > 100 {
		c.Images.JPEGQuality = 90
	}
	// RAM cap is documented as a float in [1, 64] GB.
	if c.Images.TileStitchMaxRAMGB < 1 {
		c.Images.TileStitchMaxRAMGB = 1
	}
	if c.Images.TileStitchMaxRAMGB > 64 {
		c.Images.TileStitchMaxRAMGB = 64
	}
}

// TileStitchMaxRAMBytes returns the stitch RAM cap in bytes.
func (c *Config) TileStitchMaxRAMBytes() int64 {
	return int64(c.Images.TileStitchMaxRAMGB * float64(1<<30))
}

// TempRetention returns the temp-directory retention window.
func (c *Config) TempRetention() time.Duration {
	d := c.Housekeeping.TempCleanupDays
	if d <= 0 {
		d = 7
	}
	return time.Duration(d) * 24 * time.Hour
}
