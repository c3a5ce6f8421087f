package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STOREDB_OBJSTORE_BACKEND", "fs")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "fs", cfg.ObjectStore.Backend)
	assert.Equal(t, "./data", cfg.ObjectStore.LocalRoot)
	assert.Equal(t, 10, cfg.Commit.MaxRetries)
	assert.Equal(t, 50, cfg.Commit.BaseBackoffMs)
	assert.Equal(t, 5000, cfg.Commit.MaxBackoffMs)
	assert.Equal(t, 10000, cfg.Stream.MaxBufferSize)
	assert.Equal(t, 0.8, cfg.Stream.BackpressureSoft)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("STOREDB_OBJSTORE_BACKEND", "s3")
	t.Setenv("STOREDB_OBJSTORE_BUCKET", "my-bucket")
	t.Setenv("STOREDB_COMMIT_MAX_RETRIES", "3")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "s3", cfg.ObjectStore.Backend)
	assert.Equal(t, "my-bucket", cfg.ObjectStore.Bucket)
	assert.Equal(t, 3, cfg.Commit.MaxRetries)
}

func TestLoadRejectsS3BackendWithoutBucket(t *testing.T) {
	t.Setenv("STOREDB_OBJSTORE_BACKEND", "s3")
	t.Setenv("STOREDB_OBJSTORE_BUCKET", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("STOREDB_OBJSTORE_BACKEND", "ftp")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidatorAccumulatesErrors(t *testing.T) {
	v := NewValidator()
	v.RequireString("field.a", "")
	v.RequirePositiveInt("field.b", -1)
	v.RequireOneOf("field.c", "x", []string{"y", "z"})

	assert.False(t, v.IsValid())
	err := v.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "field.a")
	assert.Contains(t, err.Error(), "field.b")
	assert.Contains(t, err.Error(), "field.c")
}

func TestValidatorValidWhenEmpty(t *testing.T) {
	v := NewValidator()
	assert.True(t, v.IsValid())
	assert.NoError(t, v.Validate())
}
