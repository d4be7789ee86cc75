// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psychevoyage/voyagebot/pkg/secrets"
	"github.com/psychevoyage/voyagebot/services/datatypes"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		EnvDiscordToken, EnvOpenAIKey, EnvEventsToken, EnvOpenAIModel, EnvBotID, EnvWellnessChan,
		EnvWeaviateURL, EnvPort, EnvLogLevel, EnvStoreDriver, EnvDataDir,
		EnvOTLPEndpoint, EnvWellnessPeriod,
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 8080, cfg.Bot.Port)
	assert.Equal(t, 600*time.Second, cfg.Bot.Scheduler.Interval)
	assert.Equal(t, "sqlite", cfg.Bot.Store.Driver)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "voyagebot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
bot:
  port: 9090
  bot_id: 1339861530430406657
  wellness:
    channel_id: 1340000000000000001
  scheduler:
    interval: 5m
  store:
    driver: badger
logging:
  level: debug
knowledge:
  data_dir: /srv/knowledge
`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Bot.Port)
	assert.Equal(t, datatypes.Snowflake(1339861530430406657), cfg.Bot.BotID)
	assert.Equal(t, datatypes.Snowflake(1340000000000000001), cfg.Bot.Wellness.ChannelID)
	assert.Equal(t, 5*time.Minute, cfg.Bot.Scheduler.Interval)
	assert.Equal(t, "badger", cfg.Bot.Store.Driver)
	assert.Equal(t, "./data", cfg.Bot.Store.DataDir, "unset keys keep defaults")
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/srv/knowledge", cfg.Knowledge.DataDir)
}

func TestLoad_Errors(t *testing.T) {
	clearEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bot: [unclosed"), 0600))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestApplyEnv_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvOpenAIModel, "gpt-4o")
	t.Setenv(EnvPort, "9191")
	t.Setenv(EnvBotID, "1339861530430406657")
	t.Setenv(EnvWellnessChan, " 1340000000000000001 ")
	t.Setenv(EnvWeaviateURL, "http://weaviate:8080")
	t.Setenv(EnvStoreDriver, "memory")
	t.Setenv(EnvWellnessPeriod, "120")
	t.Setenv(EnvOTLPEndpoint, "otel:4317")

	cfg := Default()
	require.NoError(t, ApplyEnv(&cfg))
	assert.Equal(t, "gpt-4o", cfg.Bot.OpenAI.Model)
	assert.Equal(t, 9191, cfg.Bot.Port)
	assert.Equal(t, datatypes.Snowflake(1339861530430406657), cfg.Bot.BotID)
	assert.Equal(t, datatypes.Snowflake(1340000000000000001), cfg.Bot.Wellness.ChannelID)
	assert.Equal(t, "http://weaviate:8080", cfg.Bot.WeaviateURL)
	assert.Equal(t, "memory", cfg.Bot.Store.Driver)
	assert.Equal(t, 2*time.Minute, cfg.Bot.Scheduler.Interval)
	assert.Equal(t, "otel:4317", cfg.Bot.Telemetry.OTLPEndpoint)
}

func TestApplyEnv_InvalidValues(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvPort, "eighty")
	t.Setenv(EnvBotID, "abc")
	t.Setenv(EnvWellnessPeriod, "-5")

	cfg := Default()
	err := ApplyEnv(&cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvPort)
	assert.Contains(t, err.Error(), EnvBotID)
	assert.Contains(t, err.Error(), EnvWellnessPeriod)
	assert.Equal(t, 8080, cfg.Bot.Port, "invalid values leave the field unchanged")
}

func TestParseInterval(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"600", 600 * time.Second, false},
		{"90s", 90 * time.Second, false},
		{"1h", time.Hour, false},
		{"0", 0, true},
		{"-1m", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseInterval(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSealSecrets(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "openai_api_key")
	require.NoError(t, os.WriteFile(keyFile, []byte("sk-from-file\n"), 0600))

	cfg := Default()
	cfg.Secrets.OpenAIKeyFile = keyFile
	cfg.Secrets.DiscordTokenFile = filepath.Join(dir, "absent")
	t.Setenv(EnvDiscordToken, "discord-from-env")

	vault := secrets.NewVault()
	require.NoError(t, cfg.SealSecrets(vault, secrets.DiscordToken, secrets.OpenAIKey))

	key, err := vault.Open(secrets.OpenAIKey)
	require.NoError(t, err)
	assert.Equal(t, "sk-from-file", key)
	token, err := vault.Open(secrets.DiscordToken)
	require.NoError(t, err)
	assert.Equal(t, "discord-from-env", token)
}

func TestSealSecrets_Missing(t *testing.T) {
	clearEnv(t)
	cfg := Default()
	cfg.Secrets.OpenAIKeyFile = filepath.Join(t.TempDir(), "absent")
	cfg.Secrets.DiscordTokenFile = filepath.Join(t.TempDir(), "absent")

	err := cfg.SealSecrets(secrets.NewVault(), secrets.DiscordToken, secrets.OpenAIKey)
	require.ErrorIs(t, err, ErrMissingSecret)
	assert.Contains(t, err.Error(), EnvDiscordToken)
	assert.Contains(t, err.Error(), EnvOpenAIKey)

	assert.Error(t, cfg.SealSecrets(secrets.NewVault(), "ssh_key"))
}

func TestSealOptional(t *testing.T) {
	clearEnv(t)
	cfg := Default()
	cfg.Secrets.EventsTokenFile = filepath.Join(t.TempDir(), "absent")

	vault := secrets.NewVault()
	require.NoError(t, cfg.SealOptional(vault, secrets.EventsToken))
	assert.False(t, vault.Has(secrets.EventsToken))

	t.Setenv(EnvEventsToken, "shared-token")
	require.NoError(t, cfg.SealOptional(vault, secrets.EventsToken))
	assert.True(t, vault.Has(secrets.EventsToken))
}

func TestWrite_RoundTrip(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", DefaultFileName)

	want := Default()
	want.Bot.Port = 7070
	require.NoError(t, Write(path, want))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestResolve_ExplicitPathWins(t *testing.T) {
	assert.Equal(t, "/etc/voyagebot.yaml", Resolve("/etc/voyagebot.yaml"))
}
