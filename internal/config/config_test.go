package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ModeManual, cfg.Verification.Mode)
	assert.Equal(t, 2*time.Second, cfg.Verification.PaymentDelay)
	assert.Equal(t, "/v0", cfg.Server.BasePath)
	assert.True(t, cfg.LegacyHeadersEnabled())
	assert.False(t, cfg.Payments.AllowPartial)
}

func TestFromYAMLOverrides(t *testing.T) {
	cfg, err := FromYAML([]byte(`
verification:
  mode: simulated
  payment_delay: 150ms
  release_delay: 1s
verifiers: [ops-1]
payments:
  allow_partial: true
server:
  legacy_actor_headers: false
webhooks:
  - url: http://example.invalid/hook
    actions: [approveCompletion]
`))
	require.NoError(t, err)
	assert.Equal(t, ModeSimulated, cfg.Verification.Mode)
	assert.Equal(t, 150*time.Millisecond, cfg.Verification.PaymentDelay)
	assert.Equal(t, []string{"ops-1"}, cfg.Verifiers)
	assert.True(t, cfg.Payments.AllowPartial)
	assert.False(t, cfg.LegacyHeadersEnabled())
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
	require.Len(t, cfg.Webhooks, 1)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"mode":      "verification:\n  mode: psychic\n",
		"delay":     "verification:\n  payment_delay: -1s\n",
		"verifier":  "verifiers: ['']\n",
		"base path": "server:\n  base_path: v0\n",
		"level":     "log:\n  level: loud\n",
		"webhook":   "webhooks:\n  - actions: [sendPayment]\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, ModeManual, cfg.Verification.Mode)

	_, err = Load(dir)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "phaseline.yml"), []byte("verification:\n  mode: simulated\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, ModeSimulated, cfg.Verification.Mode)
}
