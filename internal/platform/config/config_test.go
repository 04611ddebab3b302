package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardreader/internal/output"
	dErrors "cardreader/pkg/domain-errors"
)

func validKey() string {
	return base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32)))
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvConfigPath, EnvEncryptionKey, EnvAPIKeys, EnvAllowedOrigins, EnvTokenSecret, EnvAuditDSN, EnvRedisURL} {
		t.Setenv(k, "")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	cfg.Security.APIKeys = []string{"test-key"}

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:8182", cfg.Server.Addr())
	assert.Equal(t, "ws://127.0.0.1:8182/ws", cfg.Server.WebSocketURL())

	session, err := cfg.SessionConfig()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xA4, 0x04, 0x00, 0x08, 0xA0, 0x00, 0x00, 0x00, 0x54, 0x48, 0x00, 0x01}, session.SelectCommand)
	assert.Equal(t, 3, session.Attempts)
	assert.Equal(t, 500*time.Millisecond, session.RetryDelay)

	fields, err := cfg.FieldSpecs()
	require.NoError(t, err)
	require.Len(t, fields, 9)
	assert.Equal(t, "citizen_id", fields[0].Name)
	assert.Equal(t, []byte{0x80, 0xB0, 0x00, 0x04, 0x02, 0x00, 0x0D}, fields[0].Command)
	assert.False(t, fields[5].Required, "card issuer is optional")

	photo, err := cfg.PhotoSpec()
	require.NoError(t, err)
	require.NotNil(t, photo)
	assert.Equal(t, 20, photo.Chunks())

	oc, err := cfg.OutputConfig()
	require.NoError(t, err)
	assert.Equal(t, output.FormatStandard, oc.Format)
	assert.Empty(t, oc.EncryptFields, "encryption is off by default")
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`
server:
  host: 0.0.0.0
  port: 9000
output:
  format: minimal
  include_photo: false
  field_mapping:
    Citizenid: nationalId
card:
  retry_delay: 250ms
  photo:
    enabled: false
broadcast:
  replay_last_state: true
`))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr())
	assert.Equal(t, "minimal", cfg.Output.Format)
	assert.False(t, cfg.Output.IncludePhoto)
	assert.Equal(t, "nationalId", cfg.Output.FieldMapping["Citizenid"])
	assert.Equal(t, 250*time.Millisecond, cfg.Card.RetryDelay)
	assert.True(t, cfg.Broadcast.ReplayLastState)
	assert.Equal(t, 3, cfg.Card.RetryAttempts, "unset values keep their defaults")
	assert.Len(t, cfg.Card.Fields, 9)

	photo, err := cfg.PhotoSpec()
	require.NoError(t, err)
	assert.Nil(t, photo)
}

func TestLoad(t *testing.T) {
	t.Run("missing default file falls back to defaults", func(t *testing.T) {
		clearEnv(t)
		t.Chdir(t.TempDir())
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, 8182, cfg.Server.Port)
	})

	t.Run("explicit missing file is an error", func(t *testing.T) {
		clearEnv(t)
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})

	t.Run("environment overrides the file", func(t *testing.T) {
		clearEnv(t)
		path := filepath.Join(t.TempDir(), "reader.yaml")
		require.NoError(t, os.WriteFile(path, []byte("security:\n  api_keys: [from-file]\n"), 0o600))
		t.Setenv(EnvConfigPath, path)
		t.Setenv(EnvAPIKeys, "alpha, beta ,")
		t.Setenv(EnvAllowedOrigins, "https://kiosk.example")
		t.Setenv(EnvEncryptionKey, validKey())

		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, []string{"alpha", "beta"}, cfg.Security.APIKeys)
		assert.Equal(t, []string{"https://kiosk.example"}, cfg.Server.AllowedOrigins)
		assert.Len(t, cfg.EncryptionKey, 32)
	})

	t.Run("malformed encryption key is an encryption config error", func(t *testing.T) {
		clearEnv(t)
		t.Chdir(t.TempDir())
		t.Setenv(EnvEncryptionKey, "too-short")
		_, err := Load("")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeEncryptionConfig))
	})
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg := Default()
		cfg.Security.APIKeys = []string{"k"}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		code   dErrors.Code
	}{
		{"encryption without key", func(c *Config) { c.Security.EnableEncryption = true }, dErrors.CodeEncryptionConfig},
		{"auth without credentials", func(c *Config) { c.Security.APIKeys = nil }, dErrors.CodeBadRequest},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }, dErrors.CodeBadRequest},
		{"tls cert without key", func(c *Config) { c.Server.TLSCert = "cert.pem" }, dErrors.CodeBadRequest},
		{"unknown format", func(c *Config) { c.Output.Format = "huge" }, dErrors.CodeBadRequest},
		{"bad select command", func(c *Config) { c.Card.SelectAPDU = "zz" }, dErrors.CodeBadRequest},
		{"duplicate field", func(c *Config) { c.Card.Fields = append(c.Card.Fields, c.Card.Fields[0]) }, dErrors.CodeBadRequest},
		{"photo chunk too large", func(c *Config) { c.Card.Photo.ChunkSize = 300 }, dErrors.CodeBadRequest},
		{"zero attempts", func(c *Config) { c.Card.RetryAttempts = 0 }, dErrors.CodeBadRequest},
		{"redis rate limit without url", func(c *Config) { c.RateLimit.UseRedis = true }, dErrors.CodeBadRequest},
		{"unknown encrypted field", func(c *Config) {
			c.Security.EnableEncryption = true
			c.EncryptionKey = make([]byte, 32)
			c.Security.EncryptedFields = []string{"ssn"}
		}, dErrors.CodeBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, dErrors.HasCode(err, tt.code), "got %v", err)
		})
	}

	t.Run("encryption with key selects configured fields", func(t *testing.T) {
		cfg := base()
		cfg.Security.EnableEncryption = true
		cfg.EncryptionKey = make([]byte, 32)
		require.NoError(t, cfg.Validate())
		oc, err := cfg.OutputConfig()
		require.NoError(t, err)
		assert.Equal(t, []string{output.KeyCitizenID, output.KeyBirthday, output.KeyAddress}, oc.EncryptFields)
	})
}
