package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultHasStrictInvariantsAndSaneTimers(t *testing.T) {
	cfg := Default()
	assert.True(t, cfg.StrictInvariants)
	assert.Equal(t, 15*time.Second, cfg.Timers.T3485())
	assert.EqualValues(t, 5, cfg.EBI.Min)
	assert.EqualValues(t, 15, cfg.EBI.Max)
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}

func TestLoadMalformedYAMLReturnsError(t *testing.T) {
	path := writeConfig(t, "plmn: [this is not a mapping")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadOverridesOnlySpecifiedFields(t *testing.T) {
	path := writeConfig(t, `
plmn:
  mcc: "999"
  mnc: "99"
  tac: "0002"
timers:
  t3485Seconds: 1
peers:
  hssBaseUrl: "http://hss.example"
observability:
  adminPort: 9999
strictInvariants: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "999", cfg.PLMN.MCC)
	assert.Equal(t, 1*time.Second, cfg.Timers.T3485())
	// Unset timer fields fall back to Default()'s values rather than
	// zeroing out, since Load unmarshals onto an already-populated Config.
	assert.Equal(t, 8, cfg.Timers.T3495Seconds)
	assert.Equal(t, "http://hss.example", cfg.Peers.HSSBaseURL)
	assert.Equal(t, 9999, cfg.Observability.AdminPort)
	assert.False(t, cfg.StrictInvariants)
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "mme.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}
