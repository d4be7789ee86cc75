// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package prompts renders the system prompts sent to the language model.
//
// Templates ship embedded in the binary. An optional override directory may
// hold files named <prompt>.tmpl that replace the embedded version; Watch
// reloads them when they change on disk.
package prompts

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"github.com/fsnotify/fsnotify"
)

// Prompt names.
const (
	MessageAnalysis = "message_analysis"
	MessageResponse = "message_response"
	WellnessContent = "wellness_content"
)

const templateExt = ".tmpl"

// ErrUnknownPrompt is returned by Render for names with no template.
var ErrUnknownPrompt = errors.New("prompts: unknown prompt")

//go:embed templates/*.tmpl
var embedded embed.FS

var funcs = template.FuncMap{
	"join": strings.Join,
}

// =============================================================================
// Template Data
// =============================================================================

// AnalysisData feeds the message_analysis prompt.
type AnalysisData struct {
	Intents []string
}

// ResponseData feeds the message_response prompt.
type ResponseData struct {
	BotName string
}

// WellnessData feeds the wellness_content prompt.
type WellnessData struct {
	DayOfWeek       string
	ContentType     string
	PreviousContent []string
}

// =============================================================================
// Manager
// =============================================================================

// Manager holds parsed templates.
//
// # Thread Safety
//
// Manager is safe for concurrent use. Render may run while Watch reloads.
type Manager struct {
	mu          sync.RWMutex
	templates   map[string]*template.Template
	overrideDir string
	logger      *slog.Logger
}

// New parses the embedded templates and applies overrides from overrideDir.
//
// # Inputs
//
//   - overrideDir: Directory of <prompt>.tmpl overrides. Empty disables
//     overrides. A missing directory is not an error.
//   - logger: Logger. Nil uses slog.Default().
//
// # Outputs
//
//   - *Manager: Ready to render.
//   - error: Non-nil if any template fails to parse.
func New(overrideDir string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		templates:   make(map[string]*template.Template),
		overrideDir: overrideDir,
		logger:      logger,
	}

	entries, err := embedded.ReadDir("templates")
	if err != nil {
		return nil, fmt.Errorf("prompts: read embedded templates: %w", err)
	}
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), templateExt)
		if err := m.loadEmbedded(name); err != nil {
			return nil, err
		}
	}

	if overrideDir == "" {
		return m, nil
	}
	overrides, err := os.ReadDir(overrideDir)
	if errors.Is(err, os.ErrNotExist) {
		logger.Info("Prompt override directory not found, using embedded prompts", "dir", overrideDir)
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("prompts: read override dir: %w", err)
	}
	for _, e := range overrides {
		if e.IsDir() || filepath.Ext(e.Name()) != templateExt {
			continue
		}
		if err := m.loadFile(filepath.Join(overrideDir, e.Name())); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Names returns the loaded prompt names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.templates))
	for n := range m.templates {
		names = append(names, n)
	}
	return names
}

// Render executes the named template with data.
func (m *Manager) Render(name string, data any) (string, error) {
	m.mu.RLock()
	t, ok := m.templates[name]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownPrompt, name)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("prompts: render %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func (m *Manager) loadEmbedded(name string) error {
	raw, err := embedded.ReadFile("templates/" + name + templateExt)
	if err != nil {
		return fmt.Errorf("prompts: read embedded %s: %w", name, err)
	}
	return m.parse(name, string(raw))
}

func (m *Manager) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("prompts: read %s: %w", path, err)
	}
	name := strings.TrimSuffix(filepath.Base(path), templateExt)
	if err := m.parse(name, string(raw)); err != nil {
		return err
	}
	m.logger.Info("Loaded prompt override", "prompt", name, "path", path)
	return nil
}

func (m *Manager) parse(name, text string) error {
	t, err := template.New(name).Funcs(funcs).Parse(text)
	if err != nil {
		return fmt.Errorf("prompts: parse %s: %w", name, err)
	}
	m.mu.Lock()
	m.templates[name] = t
	m.mu.Unlock()
	return nil
}

// Watch reloads overrides as they change until ctx is done.
//
// # Description
//
// Created or written files replace the template of the same name. A removed
// or renamed override reverts to the embedded template if one exists. A file
// that fails to parse is logged and the previous template stays in place.
//
// # Outputs
//
//   - error: Non-nil if the watcher cannot be started. Returns nil when ctx
//     is done.
func (m *Manager) Watch(ctx context.Context) error {
	if m.overrideDir == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("prompts: create watcher: %w", err)
	}
	defer watcher.Close()

	if err := os.MkdirAll(m.overrideDir, 0750); err != nil {
		return fmt.Errorf("prompts: create override dir: %w", err)
	}
	if err := watcher.Add(m.overrideDir); err != nil {
		return fmt.Errorf("prompts: watch %s: %w", m.overrideDir, err)
	}
	m.logger.Info("Watching prompt overrides", "dir", m.overrideDir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			m.handleEvent(event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("Prompt watcher error", "error", err)
		}
	}
}

func (m *Manager) handleEvent(event fsnotify.Event) {
	if filepath.Ext(event.Name) != templateExt {
		return
	}
	name := strings.TrimSuffix(filepath.Base(event.Name), templateExt)

	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		if err := m.loadFile(event.Name); err != nil {
			m.logger.Warn("Prompt override rejected, keeping previous version", "prompt", name, "error", err)
		}
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		if err := m.loadEmbedded(name); err != nil {
			m.mu.Lock()
			delete(m.templates, name)
			m.mu.Unlock()
			m.logger.Info("Prompt override removed", "prompt", name)
			return
		}
		m.logger.Info("Prompt override removed, reverted to embedded", "prompt", name)
	}
}
