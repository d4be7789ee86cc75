// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package secrets keeps credentials sealed in memguard enclaves.
//
// # Description
//
// The Discord bot token and the OpenAI key are read once at startup, sealed
// into encrypted enclaves, and opened only for the moment a client is
// constructed. Plaintext copies handed to client libraries are outside
// this package's control.
//
// # Thread Safety
//
// Vault is safe for concurrent use.
package secrets

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
)

// Well-known secret names.
const (
	DiscordToken = "discord_bot_token"
	OpenAIKey    = "openai_api_key"
	EventsToken  = "events_token"
)

var (
	// ErrNotFound is returned by Open for an unsealed name.
	ErrNotFound = errors.New("secret not found")

	// ErrEmpty is returned by Seal for an empty value.
	ErrEmpty = errors.New("secret is empty")
)

// Vault maps names to sealed enclaves.
type Vault struct {
	mu       sync.RWMutex
	enclaves map[string]*memguard.Enclave
}

// NewVault creates an empty Vault.
func NewVault() *Vault {
	return &Vault{enclaves: make(map[string]*memguard.Enclave)}
}

// Seal stores value under name, replacing any earlier value.
func (v *Vault) Seal(name, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return fmt.Errorf("%w: %s", ErrEmpty, name)
	}
	e := memguard.NewEnclave([]byte(value))
	v.mu.Lock()
	v.enclaves[name] = e
	v.mu.Unlock()
	return nil
}

// Has reports whether name is sealed.
func (v *Vault) Has(name string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.enclaves[name]
	return ok
}

// Open decrypts name and returns a plaintext copy. The copy is made
// before the locked buffer is destroyed and stays valid afterwards.
func (v *Vault) Open(name string) (string, error) {
	v.mu.RLock()
	e, ok := v.enclaves[name]
	v.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	buf, err := e.Open()
	if err != nil {
		return "", fmt.Errorf("open enclave %s: %w", name, err)
	}
	defer buf.Destroy()
	// buf.String aliases locked memory that Destroy unmaps.
	return strings.Clone(buf.String()), nil
}

// SealFrom seals the first non-empty value among the environment variable
// envKey and the contents of filePath. It reports whether anything was
// sealed.
func (v *Vault) SealFrom(name, envKey, filePath string) (bool, error) {
	if val := os.Getenv(envKey); strings.TrimSpace(val) != "" {
		return true, v.Seal(name, val)
	}
	if filePath == "" {
		return false, nil
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read secret file %s: %w", filePath, err)
	}
	defer memguard.WipeBytes(data)
	if strings.TrimSpace(string(data)) == "" {
		return false, nil
	}
	slog.Debug("Loaded secret from file", "name", name, "path", filePath)
	return true, v.Seal(name, string(data))
}

// Purge wipes every memguard allocation in the process.
func Purge() {
	memguard.Purge()
}
