package model_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/hostbeat/agent/internal/model"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	yml := `
data_path: /var/lib/hostbeat
allowed_users:
  - alice
  - bob
collect:
  every: 30s
exchange_each: 2m
output_limit: 4096
script_timeout: 10s
server_url: https://control.example.com/agent
verbose: true
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.Equal(t, "/var/lib/hostbeat", cfg.DataPath)
	require.Equal(t, []string{"alice", "bob"}, cfg.AllowedUsers)
	require.Equal(t, 30*time.Second, cfg.Collect.Every)
	require.Equal(t, 2*time.Minute, cfg.ExchangeEach)
	require.Equal(t, 4096, cfg.OutputLimit)
	require.Equal(t, 10*time.Second, cfg.ScriptTimeout)
	require.Equal(t, "https://control.example.com/agent", cfg.ServerURL)
	require.True(t, cfg.Verbose)

	interval, err := cfg.Collect.Interval()
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, interval)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := model.LoadConfig(strings.NewReader("{}"))
	require.NoError(t, err)
	require.NotEmpty(t, cfg.DataPath)
	require.Equal(t, model.DefaultOutputLimit, cfg.OutputLimit)
	require.Equal(t, model.DefaultScriptTimeout, cfg.ScriptTimeout)
	require.Equal(t, model.DefaultExchangeEach, cfg.ExchangeEach)
	require.Equal(t, model.DefaultCollectEvery, cfg.Collect.Every)
	require.False(t, cfg.Verbose)
}

func TestLoadConfigCronSchedule(t *testing.T) {
	yml := `
collect:
  cron: "*/5 * * * *"
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)

	interval, err := cfg.Collect.Interval()
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, interval)
}

func TestLoadConfig_Fail(t *testing.T) {
	yml := `
collect:
  cron: "not a cron line at all"
`
	_, err := model.LoadConfig(strings.NewReader(yml))
	require.Error(t, err)
}

func TestWriteConfigRoundTrip(t *testing.T) {
	orig := model.DefaultConfig()
	orig.AllowedUsers = []string{"alice"}
	orig.OutputLimit = 1234

	var buf bytes.Buffer
	require.NoError(t, model.WriteConfig(&buf, orig))

	loaded, err := model.LoadConfig(&buf)
	require.NoError(t, err)
	require.Equal(t, orig.AllowedUsers, loaded.AllowedUsers)
	require.Equal(t, orig.OutputLimit, loaded.OutputLimit)
	require.Equal(t, orig.DataPath, loaded.DataPath)
}

func TestAllowlist(t *testing.T) {
	cases := []struct {
		scenario string
		allow    model.Allowlist
		username string
		allowed  bool
	}{
		{"listed user", model.Allowlist{"alice", "bob"}, "bob", true},
		{"unlisted user", model.Allowlist{"alice"}, "mallory", false},
		{"empty list denies all", model.Allowlist{}, "alice", false},
		{"nil list denies all", nil, "alice", false},
		{"wildcard permits anyone", model.Allowlist{model.Wildcard}, "whoever", true},
		{"wildcard mixed in", model.Allowlist{"alice", model.Wildcard}, "bob", true},
		{"case sensitive", model.Allowlist{"Alice"}, "alice", false},
	}

	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			require.Equal(t, tc.allowed, tc.allow.Allows(tc.username))
		})
	}
}
