package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"

	"github.com/docent-net/cluster-rolling-upgrader/pkg/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
logLevel: debug
api:
  url: https://pve.example.com:8006/
  tokenID: automation@pve!upgrader
  tokenSecret: s3cret
migration:
  downtimeSeconds: 5
  timeout: 3m
  confirm: false
balance:
  threshold: 0.2
  maxMoves: 4
  metric: memory
maintenance:
  upgradeMode: full
  autoremove: true
upgrader:
  hosts:
    pve1: 10.0.0.11
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "https://pve.example.com:8006", cfg.API.URL)
	require.Equal(t, 5*time.Second, cfg.Migration.Downtime())
	require.Equal(t, 3*time.Minute, cfg.Migration.Timeout)
	require.False(t, cfg.Migration.Confirm)
	require.Equal(t, 0.2, *cfg.Balance.Threshold)
	require.Equal(t, 4, cfg.Balance.MaxMoves)
	require.Equal(t, "memory", cfg.Balance.Metric)
	require.Equal(t, "full", cfg.Maintenance.UpgradeMode)
	require.True(t, cfg.Maintenance.Autoremove)
	require.Equal(t, "10.0.0.11", cfg.Upgrader.Hosts["pve1"])
	require.NoError(t, cfg.ValidateAPI())
}

func TestLoad_ConfirmDefaultsToTrue(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, "logLevel: info\n"))
	require.NoError(t, err)
	require.True(t, cfg.Migration.Confirm)
	require.Equal(t, 2*time.Second, cfg.Migration.PollInterval)
}

func TestLoad_ExplicitZeroThresholdIsKept(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, "balance:\n  threshold: 0\n"))
	require.NoError(t, err)
	require.NotNil(t, cfg.Balance.Threshold)
	require.Zero(t, *cfg.Balance.Threshold)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load("/nonexistent/path/config.yaml")
	require.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := config.Load(writeConfig(t, "{this: is, not: valid yaml"))
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "yaml"), "unexpected error: %v", err)
}

func TestApplyDefaultsAndValidate_DefaultsApplied(t *testing.T) {
	cfg := &config.Config{}
	require.NoError(t, cfg.ApplyDefaultsAndValidate())

	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, 10*time.Minute, cfg.Migration.Timeout)
	require.Equal(t, 0.10, *cfg.Balance.Threshold)
	require.Equal(t, 10, cfg.Balance.MaxMoves)
	require.Equal(t, "blended", cfg.Balance.Metric)
	require.Equal(t, "pinned", cfg.Balance.PinnedTag)
	require.Equal(t, 15*time.Minute, cfg.Maintenance.RebootTimeout)
	require.Equal(t, "dist", cfg.Maintenance.UpgradeMode)
	require.Equal(t, "ssh", cfg.Upgrader.Mode)
	require.Equal(t, 22, cfg.Upgrader.Port)
	require.Equal(t, "disabled", cfg.Notifier.Mode)
}

func TestApplyDefaultsAndValidate_Rejects(t *testing.T) {
	cases := map[string]*config.Config{
		"negative downtime":  {Migration: config.MigrationConfig{DowntimeSeconds: -1}},
		"threshold too big":  {Balance: config.BalanceConfig{Threshold: ptr.To(1.5)}},
		"unknown metric":     {Balance: config.BalanceConfig{Metric: "disk"}},
		"negative weight":    {Balance: config.BalanceConfig{CPUWeight: -1}},
		"unknown mode":       {Maintenance: config.MaintenanceConfig{UpgradeMode: "yolo"}},
		"telegram no token":  {Notifier: config.NotifierConfig{Mode: "telegram", ChatIDs: []int64{1}}},
		"poll above timeout": {Migration: config.MigrationConfig{Timeout: time.Second, PollInterval: time.Minute}},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			require.Error(t, cfg.ApplyDefaultsAndValidate())
		})
	}
}

func TestApplyEnvironmentOverrides(t *testing.T) {
	env := map[string]string{
		"PVE_API_URL":          "https://10.0.0.1:8006",
		"PVE_API_TOKEN_ID":     "root@pam!ci",
		"PVE_API_TOKEN_SECRET": "from-env",
		"TELEGRAM_BOT_TOKEN":   "123:abc",
		"TELEGRAM_CHAT_IDS":    "42, -100200",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := &config.Config{API: config.APIConfig{TokenSecret: "from-file"}}
	require.NoError(t, cfg.ApplyEnvironmentOverrides(lookup))
	require.Equal(t, "https://10.0.0.1:8006", cfg.API.URL)
	require.Equal(t, "root@pam!ci", cfg.API.TokenID)
	require.Equal(t, "from-env", cfg.API.TokenSecret)
	require.Equal(t, "123:abc", cfg.Notifier.BotToken)
	require.Equal(t, []int64{42, -100200}, cfg.Notifier.ChatIDs)

	env["TELEGRAM_CHAT_IDS"] = "nope"
	require.Error(t, cfg.ApplyEnvironmentOverrides(lookup))
}

func TestValidateAPI_RequiresCredentials(t *testing.T) {
	cfg := config.Default()
	require.Error(t, cfg.ValidateAPI())

	cfg.API.URL = "https://pve:8006"
	require.Error(t, cfg.ValidateAPI())
}
