// Package config loads the gateway's configuration from a YAML file
// overlaid with environment variables, covering the gateway's recognized
// configuration options.
//
// # Description
//
// Config is loaded once at startup via Load. The static AE-title bootstrap
// list (Dicom.Scp.AeTitles) can additionally be hot-reloaded from disk via
// WatchAeTitles, using fsnotify, when ReadAeTitlesFromCrd is false — this
// lets an operator edit the bootstrap file without restarting the gateway.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// AeTitleConfig is the static bootstrap shape for one ApplicationEntity,
// read from Dicom.Scp.AeTitles.
type AeTitleConfig struct {
	Name                string            `yaml:"name"`
	AeTitle             string            `yaml:"aeTitle"`
	IgnoredSopClasses   []string          `yaml:"ignoredSopClasses"`
	OverwriteSameInstance bool            `yaml:"overwriteSameInstance"`
	ProcessorName       string            `yaml:"processorName"`
	ProcessorSettings   map[string]string `yaml:"processorSettings"`
}

// PlatformConfig holds Services.Platform.* settings.
type PlatformConfig struct {
	BaseURL           string `yaml:"baseUrl"`
	ParallelUploads   int    `yaml:"parallelUploads"`
	UploadMetadata    bool   `yaml:"uploadMetadata"`
	MetadataDicomSource string `yaml:"metadataDicomSource"`
}

// ExportConfig holds Dicom.Scu.ExportSettings.* settings.
type ExportConfig struct {
	Agent                      string  `yaml:"agent"`
	PollFrequencyMs            int     `yaml:"pollFrequencyMs"`
	MaximumNumberOfAssociations int    `yaml:"maximumNumberOfAssociations"`
	FailureThreshold           float64 `yaml:"failureThreshold"`
}

// Config is the fully resolved gateway configuration.
type Config struct {
	StorageTemporary     string          `yaml:"storageTemporary"`
	CrdReadIntervals     time.Duration   `yaml:"crdReadIntervals"`
	Platform             PlatformConfig  `yaml:"platform"`
	Export               ExportConfig    `yaml:"export"`
	ScpAeTitles          []AeTitleConfig `yaml:"scpAeTitles"`
	ReadAeTitlesFromCrd  bool            `yaml:"readAeTitlesFromCrd"`
	RestAddr             string          `yaml:"restAddr"`
	ScpAddr              string          `yaml:"scpAddr"`
	MinFreeBytesToStore  int64           `yaml:"minFreeBytesToStore"`
	MinFreeBytesToRetrieve int64         `yaml:"minFreeBytesToRetrieve"`
	MinFreeBytesToExport int64           `yaml:"minFreeBytesToExport"`
}

// Default returns the built-in defaults: a safe, runnable out-of-the-box
// config.
func Default() Config {
	return Config{
		StorageTemporary:       "/var/lib/clara-dicom-adapter/staging",
		CrdReadIntervals:       5 * time.Second,
		RestAddr:               ":5000",
		ScpAddr:                ":104",
		MinFreeBytesToStore:    5 << 30,
		MinFreeBytesToRetrieve: 5 << 30,
		MinFreeBytesToExport:   5 << 30,
		Platform: PlatformConfig{
			ParallelUploads: 4,
			UploadMetadata:  true,
		},
		Export: ExportConfig{
			Agent:                       "clara-dicom-adapter",
			PollFrequencyMs:             5000,
			MaximumNumberOfAssociations: 2,
			FailureThreshold:            0.2,
		},
	}
}

// Load reads path (if it exists) as YAML over the defaults, then applies
// environment variable overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STORAGE_TEMPORARY"); v != "" {
		cfg.StorageTemporary = v
	}
	if v := os.Getenv("REST_ADDR"); v != "" {
		cfg.RestAddr = v
	}
	if v := os.Getenv("SCP_ADDR"); v != "" {
		cfg.ScpAddr = v
	}
	if v := os.Getenv("READ_AE_TITLES_FROM_CRD"); v != "" {
		cfg.ReadAeTitlesFromCrd = v == "true" || v == "1"
	}
	if v := os.Getenv("PARALLEL_UPLOADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Platform.ParallelUploads = n
		}
	}
	if v := os.Getenv("CRD_READ_INTERVALS_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CrdReadIntervals = time.Duration(n) * time.Second
		}
	}
}

// WatchAeTitles watches path for changes and invokes onChange with the
// freshly parsed AE-title list whenever the file is written. It runs until
// the returned stop function closes the watcher; watcher errors, unreadable
// files and unparsable YAML are skipped. Only meaningful when
// ReadAeTitlesFromCrd is false: static
// bootstrap editing is expected to be rare, file-based, and operator-driven.
func WatchAeTitles(path string, onChange func([]AeTitleConfig)) (stop func() error, err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				data, readErr := os.ReadFile(path)
				if readErr != nil {
					continue
				}
				var titles []AeTitleConfig
				if yaml.Unmarshal(data, &titles) == nil {
					onChange(titles)
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return watcher.Close, nil
}
