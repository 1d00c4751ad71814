package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecolom-kz/kreel-core/internal/market/rules"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	sched, err := cfg.Schedule()
	require.NoError(t, err)
	assert.Empty(t, sched, "every revision active from genesis")
	assert.True(t, sched.At(time.Now()).Has(rules.R2481))
}

func TestValidateRejectsBrokenConfigs(t *testing.T) {
	cases := []struct {
		name  string
		wreck func(*Config)
	}{
		{"bad stream backend", func(c *Config) { c.Stream.Backend = "nats" }},
		{"kafka without brokers", func(c *Config) { c.Stream.Backend = "kafka" }},
		{"bad log level", func(c *Config) { c.Log.Level = "trace" }},
		{"no assets", func(c *Config) { c.Assets = nil }},
		{"duplicate symbol", func(c *Config) {
			c.Assets = append(c.Assets, AssetConfig{Symbol: "CORE", Precision: 5})
		}},
		{"unknown backing", func(c *Config) { c.Assets[1].Bitasset.Backing = "GOLD" }},
		{"self backing", func(c *Config) { c.Assets[1].Bitasset.Backing = "USDK" }},
		{"no feed producers", func(c *Config) { c.Assets[1].Bitasset.FeedProducers = nil }},
		{"undeclared balance asset", func(c *Config) {
			c.Accounts = []AccountConfig{{ID: "x", Balances: map[string]int64{"GOLD": 1}}}
		}},
		{"unknown revision", func(c *Config) {
			c.Chain.Revisions = map[string]string{"core-9999": "never"}
		}},
		{"bad activation time", func(c *Config) {
			c.Chain.Revisions = map[string]string{"core-338": "yesterday"}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.wreck(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestScheduleParsesTimesAndNever(t *testing.T) {
	cfg := Default()
	cfg.Chain.Revisions = map[string]string{
		"core-338": "2024-06-01T00:00:00Z",
		"bsip-74":  "never",
	}
	sched, err := cfg.Schedule()
	require.NoError(t, err)

	rs := sched.At(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	assert.False(t, rs.Has(rules.R338), "before activation")
	assert.True(t, rs.Has(rules.R343), "unlisted revisions always on")

	rs = sched.At(time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC))
	assert.True(t, rs.Has(rules.R338))
	assert.False(t, rs.Has(rules.RBSIP74), "never stays off")
}

func TestWriteDefaultRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kreeld.yaml")
	require.NoError(t, WriteDefault(path))
	assert.Error(t, WriteDefault(path), "refuses to overwrite")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, ":8480", cfg.Server.Addr)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	require.Len(t, cfg.Assets, 2)
	require.NotNil(t, cfg.Assets[1].Bitasset)
	assert.Equal(t, "CORE", cfg.Assets[1].Bitasset.Backing)
	assert.Equal(t, 24*time.Hour, cfg.Assets[1].Bitasset.FeedLifetime)
}

func TestLoadWithoutFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Addr, cfg.Server.Addr)
	assert.Equal(t, 3*time.Second, cfg.Chain.BlockInterval)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	bad := "stream:\n  backend: nats\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "kreeld.yaml"), []byte(bad), 0o644))

	_, err := Load(dir)
	assert.Error(t, err)
}
