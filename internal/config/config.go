package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	DefaultAddr           = "0.0.0.0:9080"
	DefaultModelPath      = "plant_classifier.onnx"
	DefaultLabelsPath     = "plants_names.json"
	DefaultImageSize      = 160
	DefaultNormalization  = "efficientnet"
	DefaultInterpolation  = "bilinear"
	DefaultLayout         = "nhwc"
	DefaultMaxUploadBytes = 32 << 20
	DefaultMaxImagePixels = 1 << 26
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "console"
)

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and are replaced by defaults in Load.
type Config struct {
	Addr           string   `json:"addr" yaml:"addr" toml:"addr"`
	ModelPath      string   `json:"model_path" yaml:"model_path" toml:"model_path"`
	LabelsPath     string   `json:"labels_path" yaml:"labels_path" toml:"labels_path"`
	OnnxLibrary    string   `json:"onnxruntime_library" yaml:"onnxruntime_library" toml:"onnxruntime_library"`
	InputName      string   `json:"input_name" yaml:"input_name" toml:"input_name"`
	OutputName     string   `json:"output_name" yaml:"output_name" toml:"output_name"`
	ImageSize      int      `json:"image_size" yaml:"image_size" toml:"image_size"`
	Normalization  string   `json:"normalization" yaml:"normalization" toml:"normalization"`
	Interpolation  string   `json:"interpolation" yaml:"interpolation" toml:"interpolation"`
	Layout         string   `json:"layout" yaml:"layout" toml:"layout"`
	MaxUploadBytes int64    `json:"max_upload_bytes" yaml:"max_upload_bytes" toml:"max_upload_bytes"`
	MaxImagePixels int64    `json:"max_image_pixels" yaml:"max_image_pixels" toml:"max_image_pixels"`
	LogLevel       string   `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat      string   `json:"log_format" yaml:"log_format" toml:"log_format"`
	CORSOrigins    []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Addr:           DefaultAddr,
		ModelPath:      DefaultModelPath,
		LabelsPath:     DefaultLabelsPath,
		ImageSize:      DefaultImageSize,
		Normalization:  DefaultNormalization,
		Interpolation:  DefaultInterpolation,
		Layout:         DefaultLayout,
		MaxUploadBytes: DefaultMaxUploadBytes,
		MaxImagePixels: DefaultMaxImagePixels,
		LogLevel:       DefaultLogLevel,
		LogFormat:      DefaultLogFormat,
		CORSOrigins:    []string{"*"},
	}
}

// Load reads a configuration file based on its extension and fills
// unspecified fields with defaults. An empty path yields Default().
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	var cfg Config
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	case ".json":
		err = json.Unmarshal(b, &cfg)
	case ".toml":
		err = toml.Unmarshal(b, &cfg)
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.ModelPath == "" {
		c.ModelPath = d.ModelPath
	}
	if c.LabelsPath == "" {
		c.LabelsPath = d.LabelsPath
	}
	if c.ImageSize <= 0 {
		c.ImageSize = d.ImageSize
	}
	if c.Normalization == "" {
		c.Normalization = d.Normalization
	}
	if c.Interpolation == "" {
		c.Interpolation = d.Interpolation
	}
	if c.Layout == "" {
		c.Layout = d.Layout
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = d.MaxUploadBytes
	}
	if c.MaxImagePixels <= 0 {
		c.MaxImagePixels = d.MaxImagePixels
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = d.LogFormat
	}
	if len(c.CORSOrigins) == 0 {
		c.CORSOrigins = d.CORSOrigins
	}
}
