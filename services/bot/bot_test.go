// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psychevoyage/voyagebot/pkg/secrets"
	"github.com/psychevoyage/voyagebot/services/bot/handlers"
	"github.com/psychevoyage/voyagebot/services/datatypes"
	"github.com/psychevoyage/voyagebot/services/llm"
	"github.com/psychevoyage/voyagebot/services/pipeline/nodes"
	"github.com/psychevoyage/voyagebot/services/store"
	"github.com/psychevoyage/voyagebot/services/wellness"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Fakes
// =============================================================================

type scriptedCompleter struct {
	mu        sync.Mutex
	responses map[string]any
	fail      error
}

func (f *scriptedCompleter) Complete(_ context.Context, req llm.CompletionRequest, out any) (llm.Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return llm.Usage{}, f.fail
	}
	v, ok := f.responses[req.SchemaName]
	if !ok {
		return llm.Usage{}, fmt.Errorf("unexpected schema %s", req.SchemaName)
	}
	raw, _ := json.Marshal(v)
	return llm.Usage{TotalTokens: 5}, json.Unmarshal(raw, out)
}

type channelSender struct {
	mu   sync.Mutex
	sent map[datatypes.Snowflake][]string
}

func (s *channelSender) Send(_ context.Context, ch datatypes.Snowflake, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sent == nil {
		s.sent = make(map[datatypes.Snowflake][]string)
	}
	s.sent[ch] = append(s.sent[ch], text)
	return nil
}

func (s *channelSender) messages(ch datatypes.Snowflake) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent[ch]...)
}

const (
	botID     datatypes.Snowflake = 1339861530430406657
	channelID datatypes.Snowflake = 1339870218100543550
	wellChan  datatypes.Snowflake = 1340000000000000001
)

func newTestService(t *testing.T, completer *scriptedCompleter) (*service, *channelSender) {
	t.Helper()
	sender := &channelSender{}
	svc, err := NewWithComponents(Config{
		BotID:            botID,
		DisableScheduler: true,
		Wellness:         wellness.Config{ChannelID: wellChan},
	}, Components{
		Store:     store.NewMemory(),
		Completer: completer,
		Sender:    sender,
		Registry:  prometheus.NewRegistry(),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc.(*service), sender
}

func eventBody(id datatypes.Snowflake, content string) string {
	return fmt.Sprintf(`{
		"id": %d,
		"channel_id": %d,
		"content": %q,
		"author": {"id": 988733900509548605, "username": "datamonkey.eth", "discriminator": "0"},
		"timestamp": "2025-02-16 20:29:02.655000+00:00",
		"mentions": [{"id": %d, "username": "PsycheVoyageBot", "discriminator": "2729", "bot": true}]
	}`, id, channelID, content, botID)
}

func do(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

// =============================================================================
// Config Tests
// =============================================================================

func TestApplyConfigDefaults_AllDefaults(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "")
	result := applyConfigDefaults(Config{})

	assert.Equal(t, DefaultPort, result.Port)
	assert.Equal(t, DefaultBotName, result.BotName)
	assert.Equal(t, "http://127.0.0.1:8080/events", result.Gateway.EventsURL)
	assert.Equal(t, 5*time.Second, result.Gateway.Timeout)
	assert.Equal(t, 600*time.Second, result.Scheduler.Interval)
	assert.Equal(t, wellness.DefaultPreviousLimit, result.Wellness.PreviousLimit)
	assert.Equal(t, "voyagebot", result.Telemetry.ServiceName)
	assert.Equal(t, "none", result.Telemetry.TraceExporter)
	assert.Equal(t, handlers.DefaultRunTimeout, result.RunTimeout)
	assert.Equal(t, 15*time.Second, result.ShutdownTimeout)
}

func TestApplyConfigDefaults_PreservesCustomValues(t *testing.T) {
	cfg := Config{
		Port:    9000,
		BotName: "Voyager",
	}
	cfg.Gateway.EventsURL = "http://bot:9000/events"
	cfg.Scheduler.Interval = time.Minute
	cfg.Telemetry.TraceExporter = "stdout"

	result := applyConfigDefaults(cfg)

	assert.Equal(t, 9000, result.Port)
	assert.Equal(t, "Voyager", result.BotName)
	assert.Equal(t, "http://bot:9000/events", result.Gateway.EventsURL)
	assert.Equal(t, time.Minute, result.Scheduler.Interval)
	assert.Equal(t, "stdout", result.Telemetry.TraceExporter)
	assert.Equal(t, "voyagebot", result.Telemetry.ServiceName, "unset telemetry fields still get defaults")
}

func TestApplyConfigDefaults_EventsURLFollowsPort(t *testing.T) {
	result := applyConfigDefaults(Config{Port: 9100})
	assert.Equal(t, "http://127.0.0.1:9100/events", result.Gateway.EventsURL)
}

func TestNewWeaviateClient(t *testing.T) {
	c, err := NewWeaviateClient("")
	require.NoError(t, err)
	assert.Nil(t, c)

	c, err = NewWeaviateClient(`"http://weaviate:8080"`)
	require.NoError(t, err)
	assert.NotNil(t, c)

	for _, bad := range []string{"weaviate:8080", "ftp://weaviate", "http://"} {
		_, err := NewWeaviateClient(bad)
		assert.Error(t, err, bad)
	}
}

// =============================================================================
// Service Tests
// =============================================================================

func TestNew_RequiresVault(t *testing.T) {
	_, err := New(context.Background(), Config{}, nil, nil)
	assert.Error(t, err)
}

func TestNew_MissingCredentials(t *testing.T) {
	cfg := Config{Store: store.Config{Driver: "memory"}}
	cfg.Telemetry.MetricExporter = "none"

	_, err := New(context.Background(), cfg, secrets.NewVault(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
	assert.ErrorIs(t, err, secrets.ErrNotFound)
}

func TestNew_BuildsClientsFromSealedVault(t *testing.T) {
	vault := secrets.NewVault()
	require.NoError(t, vault.Seal(secrets.DiscordToken, "discord-token"))
	require.NoError(t, vault.Seal(secrets.OpenAIKey, "sk-test"))
	require.NoError(t, vault.Seal(secrets.EventsToken, "shared-token"))

	cfg := Config{
		BotID:            botID,
		Store:            store.Config{Driver: "memory"},
		DisableGateway:   true,
		DisableScheduler: true,
	}
	cfg.Telemetry.TraceExporter = "none"
	cfg.Telemetry.MetricExporter = "none"

	svc, err := New(context.Background(), cfg, vault, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	s := svc.(*service)
	require.NotNil(t, s.discord)
	require.NotNil(t, s.discord.Session())
	assert.Equal(t, "Bot discord-token", s.discord.Session().Token)
	assert.Nil(t, s.gateway)

	w := do(svc.Router(), http.MethodPost, "/events", eventBody(1340782013967237292, "hi"))
	assert.Equal(t, http.StatusUnauthorized, w.Code, "events token from the vault guards the route")
}

func TestNewWithComponents_RequiresCoreComponents(t *testing.T) {
	_, err := NewWithComponents(Config{}, Components{Store: store.NewMemory()})
	assert.Error(t, err)
}

func TestService_EventRoundTrip(t *testing.T) {
	svc, sender := newTestService(t, &scriptedCompleter{responses: map[string]any{
		"message_analysis": nodes.Analysis{Reasoning: "asks about wellness", Intent: nodes.IntentMindfulness, Confidence: 0.9},
		"message_response": nodes.Generation{Reasoning: "answer", Response: "Wellness is a practice.", Confidence: 0.8},
	}})

	w := do(svc.Router(), http.MethodPost, "/events", eventBody(1340782013967237282, "<@1339861530430406657> what is wellness"))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	svc.runs.Wait()
	assert.Equal(t, []string{"Wellness is a practice."}, sender.messages(channelID))

	recs, err := svc.store.RecentEvents(context.Background(), channelID, 10)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestService_FailedRunSendsApology(t *testing.T) {
	svc, sender := newTestService(t, &scriptedCompleter{fail: errors.New("model unavailable")})

	w := do(svc.Router(), http.MethodPost, "/events", eventBody(1340782013967237283, "hello"))
	require.Equal(t, http.StatusAccepted, w.Code)

	svc.runs.Wait()
	assert.Equal(t, []string{handlers.ApologyMessage}, sender.messages(channelID))
}

func TestService_WellnessRoute(t *testing.T) {
	svc, sender := newTestService(t, &scriptedCompleter{responses: map[string]any{
		"wellness_content": wellness.Response{Reasoning: "sunday", Content: "Take three slow breaths.", Confidence: 0.9},
	}})

	w := do(svc.Router(), http.MethodPost, "/v1/wellness", `{"content_type": "breathwork technique"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var outcome wellness.Outcome
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &outcome))
	assert.True(t, outcome.Success)
	require.NotNil(t, outcome.Generated)
	assert.Equal(t, wellness.ContentType("breathwork technique"), outcome.Generated.ContentType)
	assert.Equal(t, []string{"Take three slow breaths."}, sender.messages(wellChan))

	metrics := do(svc.Router(), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, metrics.Code)
	assert.True(t, strings.Contains(metrics.Body.String(), "voyagebot_wellness_cycles_total"))
}

func TestService_RunWellnessGenerateOnly(t *testing.T) {
	svc, sender := newTestService(t, &scriptedCompleter{responses: map[string]any{
		"wellness_content": wellness.Response{Reasoning: "r", Content: "Notice your feet on the floor.", Confidence: 0.7},
	}})

	outcome, err := svc.RunWellness(context.Background(), wellness.Request{GenerateOnly: true})
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Nil(t, outcome.Post)
	assert.Empty(t, sender.messages(wellChan))
}

func TestService_CloseIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t, &scriptedCompleter{})
	assert.NoError(t, svc.Close())
	assert.NoError(t, svc.Close())
}

func TestService_EventsTokenGuardsWriteRoutes(t *testing.T) {
	sender := &channelSender{}
	svc, err := NewWithComponents(Config{BotID: botID, DisableScheduler: true}, Components{
		Store: store.NewMemory(),
		Completer: &scriptedCompleter{responses: map[string]any{
			"message_analysis": nodes.Analysis{Intent: nodes.IntentIgnore, Confidence: 1},
		}},
		Sender:      sender,
		Registry:    prometheus.NewRegistry(),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		EventsToken: "shared-token",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	router := svc.Router()

	w := do(router, http.MethodPost, "/events", eventBody(1340782013967237290, "hi"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = do(router, http.MethodPost, "/v1/wellness", `{}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = do(router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code, "health stays open")

	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewBufferString(eventBody(1340782013967237291, "hi")))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer shared-token")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusAccepted, w.Code)
	svc.(*service).runs.Wait()
}
