package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeFetch()
	c.normalizeDecrypt()
	c.normalizeRemux()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.StagingDir) == "" {
		c.Paths.StagingDir = defaultStagingDir
	}
	if c.Paths.StagingDir, err = expandPath(c.Paths.StagingDir); err != nil {
		return fmt.Errorf("paths.staging_dir: %w", err)
	}
	if c.Paths.LibraryDir, err = expandPath(c.Paths.LibraryDir); err != nil {
		return fmt.Errorf("paths.library_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeFetch() {
	if strings.TrimSpace(c.Fetch.UserAgent) == "" {
		c.Fetch.UserAgent = defaultFetchUserAgent
	}
	if c.Fetch.ChunkSizeBytes <= 0 {
		c.Fetch.ChunkSizeBytes = defaultFetchChunkSize
	}
	if c.Fetch.ProgressMinMs <= 0 {
		c.Fetch.ProgressMinMs = defaultFetchProgressMs
	}
	if c.Fetch.MaxRedirects <= 0 {
		c.Fetch.MaxRedirects = defaultFetchMaxRedirects
	}
}

func (c *Config) normalizeDecrypt() {
	if strings.TrimSpace(c.Decrypt.Mp4decryptBinary) == "" {
		c.Decrypt.Mp4decryptBinary = defaultMp4decryptBinary
	}
	if c.Decrypt.ResolverTimeout <= 0 {
		c.Decrypt.ResolverTimeout = defaultResolverTimeout
	}
	c.Decrypt.ResolverURL = strings.TrimSpace(c.Decrypt.ResolverURL)
}

func (c *Config) normalizeRemux() {
	c.Remux.Mode = strings.ToLower(strings.TrimSpace(c.Remux.Mode))
	if c.Remux.Mode == "" {
		c.Remux.Mode = defaultRemuxMode
	}
	if strings.TrimSpace(c.Remux.FFmpegBinary) == "" {
		c.Remux.FFmpegBinary = defaultFFmpegBinary
	}
	if strings.TrimSpace(c.Remux.Mp4boxBinary) == "" {
		c.Remux.Mp4boxBinary = defaultMp4boxBinary
	}
	if c.Remux.ToolTimeout <= 0 {
		c.Remux.ToolTimeout = defaultRemuxToolTimeout
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
