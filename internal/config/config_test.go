package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, "0.0.0.0:9080", cfg.Addr)
	assert.Equal(t, "plant_classifier.onnx", cfg.ModelPath)
	assert.Equal(t, 160, cfg.ImageSize)
}

func TestLoad_TOML(t *testing.T) {
	p := writeFile(t, "cfg.toml", `
addr = ":7000"
model_path = "m.onnx"
normalization = "unit"
`)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Addr)
	assert.Equal(t, "m.onnx", cfg.ModelPath)
	assert.Equal(t, "unit", cfg.Normalization)
	assert.Equal(t, DefaultImageSize, cfg.ImageSize)
	assert.Equal(t, int64(DefaultMaxUploadBytes), cfg.MaxUploadBytes)
	assert.Equal(t, int64(DefaultMaxImagePixels), cfg.MaxImagePixels)
}

func TestLoad_YAML(t *testing.T) {
	p := writeFile(t, "cfg.yml", "image_size: 224\nlayout: nchw\ncors_origins: [\"http://localhost:5173\"]\n")
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 224, cfg.ImageSize)
	assert.Equal(t, "nchw", cfg.Layout)
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.CORSOrigins)
	assert.Equal(t, DefaultAddr, cfg.Addr)
}

func TestLoad_JSON(t *testing.T) {
	p := writeFile(t, "cfg.json", `{"log_level":"debug","max_upload_bytes":1024,"max_image_pixels":4096}`)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, int64(1024), cfg.MaxUploadBytes)
	assert.Equal(t, int64(4096), cfg.MaxImagePixels)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(writeFile(t, "cfg.ini", "addr=1"))
	assert.ErrorContains(t, err, "unsupported config extension")

	_, err = Load(writeFile(t, "bad.json", "{"))
	assert.ErrorContains(t, err, "parse config")

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
