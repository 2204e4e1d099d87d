package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadSettings(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("CACHE_DIR", memoryCacheDir)
	t.Setenv("OPTIMIZER_MAX_MEMORY_BYTES", "1048576")
	t.Setenv("CACHE_EXTENSIONS", "png,jpg")
	t.Setenv("SHUTDOWN_TIMEOUT", "3s")

	cfg := loadSettings()
	assert.Equal(t, memoryCacheDir, cfg.cacheDir)
	assert.Equal(t, int64(1048576), cfg.maxMemoryBytes)
	assert.Equal(t, []string{"png", "jpg"}, cfg.cacheExtensions)
	assert.Equal(t, 3*time.Second, cfg.shutdownTimeout)
	assert.Equal(t, "8080", cfg.port)
}

func TestOpenStore_memory(t *testing.T) {
	st, closeStore, err := openStore(settings{cacheDir: memoryCacheDir})
	assert.NoError(t, err)
	assert.NotNil(t, st)
	closeStore()
}
