package config

import (
	"fmt"
	"os"
	"runtime"
	"time"
)

// Config holds the settings shared by the pipeline stages. Each stage takes
// its inputs and outputs by path; there is no other persisted state.
type Config struct {
	// Stage inputs and outputs
	OSMFile      string // source OSM PBF
	SegmentStore string // *.rseg segment store
	CacheDir     string // extract-osm output directory
	OutputPBF    string // build-derived-pbf output

	// Extraction settings
	Optimized       bool   // binary caches + streaming ID-set extraction
	BuildDictionary bool   // sampling pre-pass for the tag dictionary
	TagProfile      string // optional YAML tag-profile override

	// Assembly settings
	IncludeBarrierEdges bool

	// Shared settings
	Force   bool
	Verbose bool
	Workers int

	// Logging and metrics
	LogFile         string
	MetricsInterval time.Duration
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Workers:         runtime.NumCPU(),
		MetricsInterval: 30 * time.Second,
	}
}

// RequireInputFile checks that path names an existing regular file.
func RequireInputFile(label, path string) error {
	if path == "" {
		return fmt.Errorf("%s is required", label)
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s does not exist: %s", label, path)
		}
		return fmt.Errorf("%s is not readable: %s: %w", label, path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory, expected a file: %s", label, path)
	}
	return nil
}

// ValidateCapture checks the settings needed by capture-segments.
func (c *Config) ValidateCapture() error {
	if err := RequireInputFile("OSM file", c.OSMFile); err != nil {
		return err
	}
	if c.SegmentStore == "" {
		return fmt.Errorf("segment store path is required")
	}
	return nil
}

// ValidateExtract checks the settings needed by extract-osm.
func (c *Config) ValidateExtract() error {
	if err := RequireInputFile("OSM file", c.OSMFile); err != nil {
		return err
	}
	if err := RequireInputFile("segment store", c.SegmentStore); err != nil {
		return err
	}
	if c.CacheDir == "" {
		return fmt.Errorf("cache directory is required")
	}
	if c.BuildDictionary && !c.Optimized {
		return fmt.Errorf("--build-dictionary requires --optimized")
	}
	return nil
}

// ValidateBuild checks the settings needed by build-derived-pbf.
func (c *Config) ValidateBuild() error {
	if err := RequireInputFile("segment store", c.SegmentStore); err != nil {
		return err
	}
	if c.CacheDir == "" {
		return fmt.Errorf("cache directory is required")
	}
	info, err := os.Stat(c.CacheDir)
	if err != nil {
		return fmt.Errorf("cache directory does not exist: %s", c.CacheDir)
	}
	if !info.IsDir() {
		return fmt.Errorf("cache path is not a directory: %s", c.CacheDir)
	}
	if c.OutputPBF == "" {
		return fmt.Errorf("output PBF path is required")
	}
	return nil
}
