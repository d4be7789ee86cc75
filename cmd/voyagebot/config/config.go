// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the voyagebot YAML configuration.
//
// Values are resolved in this order, later wins:
//  1. Defaults
//  2. The YAML file
//  3. Environment variables
//
// Secrets never live in the file. They are read from the environment or
// from secret files and sealed with pkg/secrets.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/psychevoyage/voyagebot/pkg/logging"
	"github.com/psychevoyage/voyagebot/pkg/secrets"
	"github.com/psychevoyage/voyagebot/services/bot"
	"github.com/psychevoyage/voyagebot/services/datatypes"
	"github.com/psychevoyage/voyagebot/services/llm"
	"github.com/psychevoyage/voyagebot/services/store"
	"github.com/psychevoyage/voyagebot/services/wellness"
)

// DefaultFileName is searched for in the working directory, then in
// ~/.voyagebot.
const DefaultFileName = "voyagebot.yaml"

// Environment variables.
const (
	EnvDiscordToken   = "DISCORD_BOT_TOKEN"
	EnvOpenAIKey      = "OPENAI_API_KEY"
	EnvEventsToken    = "VOYAGEBOT_EVENTS_TOKEN"
	EnvOpenAIModel    = "OPENAI_MODEL"
	EnvBotID          = "DISCORD_BOT_ID"
	EnvWellnessChan   = "WELLNESS_CHANNEL_ID"
	EnvWeaviateURL    = "WEAVIATE_SERVICE_URL"
	EnvPort           = "VOYAGEBOT_PORT"
	EnvLogLevel       = "VOYAGEBOT_LOG_LEVEL"
	EnvStoreDriver    = "VOYAGEBOT_STORE_DRIVER"
	EnvDataDir        = "VOYAGEBOT_DATA_DIR"
	EnvOTLPEndpoint   = "OTEL_EXPORTER_OTLP_ENDPOINT"
	EnvWellnessPeriod = "WELLNESS_INTERVAL"
)

// ErrMissingSecret is returned by SealSecrets when a required secret is absent.
var ErrMissingSecret = errors.New("required secret not set")

// Config is the whole file.
type Config struct {
	Bot       bot.Config      `yaml:"bot"`
	Logging   logging.Config  `yaml:"logging"`
	Secrets   SecretsConfig   `yaml:"secrets"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
}

// SecretsConfig names the secret files consulted when the environment
// variable is unset.
type SecretsConfig struct {
	DiscordTokenFile string `yaml:"discord_token_file"`
	OpenAIKeyFile    string `yaml:"openai_key_file"`
	EventsTokenFile  string `yaml:"events_token_file"`
}

// KnowledgeConfig configures `voyagebot ingest`.
type KnowledgeConfig struct {
	DataDir   string `yaml:"data_dir"`
	Recursive bool   `yaml:"recursive"`
	SiteURL   string `yaml:"site_url"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	sched := wellness.DefaultSchedulerConfig()
	return Config{
		Bot: bot.Config{
			Port:      bot.DefaultPort,
			BotName:   bot.DefaultBotName,
			OpenAI:    bot.OpenAIConfig{Model: llm.DefaultModel, EmbeddingModel: llm.DefaultEmbeddingModel},
			Store:     store.DefaultConfig(),
			Scheduler: sched,
			Wellness:  wellness.Config{PreviousLimit: wellness.DefaultPreviousLimit},
		},
		Logging: logging.Config{Level: "info", Format: logging.FormatAuto, Service: "voyagebot"},
		Secrets: SecretsConfig{
			DiscordTokenFile: "/run/secrets/discord_bot_token",
			OpenAIKeyFile:    llm.DefaultSecretPath,
		},
		Knowledge: KnowledgeConfig{DataDir: "data", Recursive: true, SiteURL: "https://psychevoyage.com"},
	}
}

// Resolve returns the config file to load: path if given, otherwise the
// first existing default location. An empty result means "no file".
func Resolve(path string) string {
	if path != "" {
		return path
	}
	if _, err := os.Stat(DefaultFileName); err == nil {
		return DefaultFileName
	}
	if home, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(home, ".voyagebot", DefaultFileName)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Load reads path over Default and applies environment overrides. An
// empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read the config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse the config file %s: %w", path, err)
		}
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from the environment.
func ApplyEnv(cfg *Config) error {
	var errs []error

	if v := env(EnvOpenAIModel); v != "" {
		cfg.Bot.OpenAI.Model = v
	}
	if v := env(EnvWeaviateURL); v != "" {
		cfg.Bot.WeaviateURL = v
	}
	if v := env(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := env(EnvStoreDriver); v != "" {
		cfg.Bot.Store.Driver = v
	}
	if v := env(EnvDataDir); v != "" {
		cfg.Bot.Store.DataDir = v
	}
	if v := env(EnvOTLPEndpoint); v != "" {
		cfg.Bot.Telemetry.OTLPEndpoint = v
	}
	if v := env(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s: invalid port %q", EnvPort, v))
		} else {
			cfg.Bot.Port = port
		}
	}
	if v := env(EnvBotID); v != "" {
		id, err := datatypes.ParseSnowflake(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvBotID, err))
		} else {
			cfg.Bot.BotID = id
		}
	}
	if v := env(EnvWellnessChan); v != "" {
		id, err := datatypes.ParseSnowflake(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvWellnessChan, err))
		} else {
			cfg.Bot.Wellness.ChannelID = id
		}
	}
	if v := env(EnvWellnessPeriod); v != "" {
		d, err := parseInterval(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvWellnessPeriod, err))
		} else {
			cfg.Bot.Scheduler.Interval = d
		}
	}
	return errors.Join(errs...)
}

// SealSecrets seals the named secrets into vault from the environment or
// the configured files.
//
// Inputs:
//
//	names - Any of secrets.DiscordToken, secrets.OpenAIKey and
//	        secrets.EventsToken.
//
// Outputs:
//
//	error - ErrMissingSecret naming every absent secret.
func (c Config) SealSecrets(vault *secrets.Vault, names ...string) error {
	missing, err := c.seal(vault, names)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingSecret, strings.Join(missing, ", "))
	}
	return nil
}

// SealOptional is SealSecrets for secrets that may be absent.
func (c Config) SealOptional(vault *secrets.Vault, names ...string) error {
	_, err := c.seal(vault, names)
	return err
}

// seal returns the environment variable names of the secrets not found.
func (c Config) seal(vault *secrets.Vault, names []string) ([]string, error) {
	sources := map[string][2]string{
		secrets.DiscordToken: {EnvDiscordToken, c.Secrets.DiscordTokenFile},
		secrets.OpenAIKey:    {EnvOpenAIKey, c.Secrets.OpenAIKeyFile},
		secrets.EventsToken:  {EnvEventsToken, c.Secrets.EventsTokenFile},
	}
	var missing []string
	for _, name := range names {
		src, ok := sources[name]
		if !ok {
			return nil, fmt.Errorf("unknown secret %q", name)
		}
		found, err := vault.SealFrom(name, src[0], src[1])
		if err != nil {
			return nil, err
		}
		if !found {
			missing = append(missing, src[0])
		}
	}
	return missing, nil
}

// Write marshals cfg to path, creating parent directories.
func Write(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}

// parseInterval accepts a Go duration or a bare number of seconds.
func parseInterval(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("interval must be positive: %q", v)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be positive: %q", v)
	}
	return d, nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}
