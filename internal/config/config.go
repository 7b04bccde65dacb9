// Package config holds the complete configuration for the cautiond service
// and supports loading from configuration files, environment variables, and
// command-line flags.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MeKo-Tech/cautiond/internal/ocrworker"
	"github.com/MeKo-Tech/cautiond/internal/orchestrator"
	"github.com/MeKo-Tech/cautiond/internal/postprocess"
	"github.com/MeKo-Tech/cautiond/internal/preprocess"
)

// Config represents the complete configuration for cautiond.
type Config struct {
	// Global settings
	LogLevel string `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	Verbose  bool   `mapstructure:"verbose" yaml:"verbose" json:"verbose"`

	// External OCR worker process
	Worker WorkerConfig `mapstructure:"worker" yaml:"worker" json:"worker"`

	// Image preparation before OCR
	Preprocess PreprocessConfig `mapstructure:"preprocess" yaml:"preprocess" json:"preprocess"`

	// OCR result normalization and validation
	Postprocess PostprocessConfig `mapstructure:"postprocess" yaml:"postprocess" json:"postprocess"`

	// Background pipeline retry policy
	Pipeline PipelineConfig `mapstructure:"pipeline" yaml:"pipeline" json:"pipeline"`

	// HTTP server settings (for serve command)
	Server ServerConfig `mapstructure:"server" yaml:"server" json:"server"`

	// Persistence settings
	Storage StorageConfig `mapstructure:"storage" yaml:"storage" json:"storage"`
}

// WorkerConfig contains the OCR worker process settings.
type WorkerConfig struct {
	Command        string        `mapstructure:"command" yaml:"command" json:"command"`
	Args           []string      `mapstructure:"args" yaml:"args" json:"args"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout" yaml:"startup_timeout" json:"startup_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout" json:"request_timeout"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace" json:"shutdown_grace"`
}

// PreprocessConfig contains image preparation settings.
type PreprocessConfig struct {
	MinDPI            int     `mapstructure:"min_dpi" yaml:"min_dpi" json:"min_dpi"`
	ContrastFactor    float64 `mapstructure:"contrast_factor" yaml:"contrast_factor" json:"contrast_factor"`
	BinarizeThreshold int     `mapstructure:"binarize_threshold" yaml:"binarize_threshold" json:"binarize_threshold"`
	SharpenSigma      float64 `mapstructure:"sharpen_sigma" yaml:"sharpen_sigma" json:"sharpen_sigma"`
	OutputDir         string  `mapstructure:"output_dir" yaml:"output_dir" json:"output_dir"`
}

// PostprocessConfig contains OCR result validation settings.
type PostprocessConfig struct {
	ConfidenceWarnThreshold float64 `mapstructure:"confidence_warn_threshold" yaml:"confidence_warn_threshold" json:"confidence_warn_threshold"`
}

// PipelineConfig contains retry policy for the background pipeline.
type PipelineConfig struct {
	PreprocessAttempts int           `mapstructure:"preprocess_attempts" yaml:"preprocess_attempts" json:"preprocess_attempts"`
	OCRAttempts        int           `mapstructure:"ocr_attempts" yaml:"ocr_attempts" json:"ocr_attempts"`
	RetryDelay         time.Duration `mapstructure:"retry_delay" yaml:"retry_delay" json:"retry_delay"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host            string `mapstructure:"host" yaml:"host" json:"host"`
	Port            int    `mapstructure:"port" yaml:"port" json:"port"`
	CORSOrigin      string `mapstructure:"cors_origin" yaml:"cors_origin" json:"cors_origin"`
	MaxUploadMB     int    `mapstructure:"max_upload_mb" yaml:"max_upload_mb" json:"max_upload_mb"`
	TimeoutSec      int    `mapstructure:"timeout_sec" yaml:"timeout_sec" json:"timeout_sec"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`
	UploadDir       string `mapstructure:"upload_dir" yaml:"upload_dir" json:"upload_dir"`
}

// StorageConfig contains persistence settings.
type StorageConfig struct {
	// Path is the SQLite database file. ":memory:" keeps everything
	// in-process, which is useful for tests.
	Path string `mapstructure:"path" yaml:"path" json:"path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	worker := ocrworker.DefaultConfig()
	pre := preprocess.DefaultConfig()
	post := postprocess.DefaultConfig()
	pipe := orchestrator.DefaultConfig()

	return Config{
		LogLevel: "info",
		Verbose:  false,
		Worker: WorkerConfig{
			Command:        "python3",
			Args:           []string{"ocr_worker.py"},
			StartupTimeout: worker.StartupTimeout,
			RequestTimeout: worker.RequestTimeout,
			ShutdownGrace:  worker.ShutdownGrace,
		},
		Preprocess: PreprocessConfig{
			MinDPI:            pre.MinDPI,
			ContrastFactor:    pre.ContrastFactor,
			BinarizeThreshold: int(pre.BinarizeThreshold),
			SharpenSigma:      pre.SharpenSigma,
		},
		Postprocess: PostprocessConfig{
			ConfidenceWarnThreshold: post.ConfidenceWarnThreshold,
		},
		Pipeline: PipelineConfig{
			PreprocessAttempts: pipe.PreprocessAttempts,
			OCRAttempts:        pipe.OCRAttempts,
			RetryDelay:         pipe.RetryDelay,
		},
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8080,
			CORSOrigin:      "*",
			MaxUploadMB:     50,
			TimeoutSec:      120,
			ShutdownTimeout: 30,
			UploadDir:       "uploads",
		},
		Storage: StorageConfig{
			Path: "cautiond.db",
		},
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	var errs []string

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("invalid log_level %q (must be debug, info, warn, or error)", c.LogLevel))
	}

	if c.Worker.Command == "" {
		errs = append(errs, "worker.command must not be empty")
	}
	if c.Worker.StartupTimeout <= 0 {
		errs = append(errs, "worker.startup_timeout must be positive")
	}
	if c.Worker.RequestTimeout <= 0 {
		errs = append(errs, "worker.request_timeout must be positive")
	}

	if c.Preprocess.MinDPI <= 0 {
		errs = append(errs, "preprocess.min_dpi must be positive")
	}
	if c.Preprocess.ContrastFactor <= 0 {
		errs = append(errs, "preprocess.contrast_factor must be positive")
	}
	if c.Preprocess.BinarizeThreshold < 0 || c.Preprocess.BinarizeThreshold > 255 {
		errs = append(errs, "preprocess.binarize_threshold must be between 0 and 255")
	}

	if c.Postprocess.ConfidenceWarnThreshold < 0 || c.Postprocess.ConfidenceWarnThreshold > 1 {
		errs = append(errs, "postprocess.confidence_warn_threshold must be between 0 and 1")
	}

	if c.Pipeline.PreprocessAttempts < 1 {
		errs = append(errs, "pipeline.preprocess_attempts must be at least 1")
	}
	if c.Pipeline.OCRAttempts < 1 {
		errs = append(errs, "pipeline.ocr_attempts must be at least 1")
	}
	if c.Pipeline.RetryDelay < 0 {
		errs = append(errs, "pipeline.retry_delay must not be negative")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("invalid server.port %d (must be between 1 and 65535)", c.Server.Port))
	}
	if c.Server.MaxUploadMB <= 0 {
		errs = append(errs, "server.max_upload_mb must be positive")
	}

	if c.Storage.Path == "" {
		errs = append(errs, "storage.path must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// WorkerChannelConfig translates the worker section into the channel's own
// configuration type.
func (c *Config) WorkerChannelConfig() ocrworker.Config {
	return ocrworker.Config{
		Command:        c.Worker.Command,
		Args:           c.Worker.Args,
		StartupTimeout: c.Worker.StartupTimeout,
		RequestTimeout: c.Worker.RequestTimeout,
		ShutdownGrace:  c.Worker.ShutdownGrace,
	}
}

// PreprocessorConfig translates the preprocess section.
func (c *Config) PreprocessorConfig() preprocess.Config {
	return preprocess.Config{
		MinDPI:            c.Preprocess.MinDPI,
		ContrastFactor:    c.Preprocess.ContrastFactor,
		BinarizeThreshold: uint8(c.Preprocess.BinarizeThreshold),
		SharpenSigma:      c.Preprocess.SharpenSigma,
		OutputDir:         c.Preprocess.OutputDir,
	}
}

// PostprocessorConfig translates the postprocess section.
func (c *Config) PostprocessorConfig() postprocess.Config {
	return postprocess.Config{
		ConfidenceWarnThreshold: c.Postprocess.ConfidenceWarnThreshold,
	}
}

// OrchestratorConfig translates the pipeline section.
func (c *Config) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		PreprocessAttempts: c.Pipeline.PreprocessAttempts,
		OCRAttempts:        c.Pipeline.OCRAttempts,
		RetryDelay:         c.Pipeline.RetryDelay,
	}
}
