// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psychevoyage/voyagebot/cmd/voyagebot/config"
	"github.com/psychevoyage/voyagebot/pkg/secrets"
	"github.com/psychevoyage/voyagebot/services/bot"
	"github.com/psychevoyage/voyagebot/services/datatypes"
	"github.com/psychevoyage/voyagebot/services/llm"
	"github.com/psychevoyage/voyagebot/services/retrieval"
	"github.com/psychevoyage/voyagebot/services/screening"
	"github.com/psychevoyage/voyagebot/services/wellness"
)

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	vault := secrets.NewVault()
	if err := cfg.SealSecrets(vault, secrets.DiscordToken, secrets.OpenAIKey); err != nil {
		return err
	}
	if err := cfg.SealOptional(vault, secrets.EventsToken); err != nil {
		return err
	}

	svc, err := bot.New(ctx, cfg.Bot, vault, log)
	if err != nil {
		return err
	}
	log.Info("voyagebot starting", "version", Version, "port", cfg.Bot.Port)
	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("voyagebot stopped")
	return nil
}

func runWellness(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	req, err := wellnessRequest(wellnessChannel, wellnessType, wellnessGenerateOnly)
	if err != nil {
		return err
	}

	vault := secrets.NewVault()
	if err := cfg.SealSecrets(vault, secrets.DiscordToken, secrets.OpenAIKey); err != nil {
		return err
	}

	bc := cfg.Bot
	bc.DisableGateway = true
	bc.DisableScheduler = true
	svc, err := bot.New(ctx, bc, vault, log)
	if err != nil {
		return err
	}
	defer svc.Close()

	outcome, err := svc.RunWellness(ctx, req)
	if err != nil {
		return err
	}
	if err := writeJSON(cmd.OutOrStdout(), outcome); err != nil {
		return err
	}
	if !outcome.Success {
		return fmt.Errorf("wellness cycle failed: %s", outcome.Error)
	}
	return nil
}

// wellnessRequest validates the wellness command flags.
func wellnessRequest(channel, contentType string, generateOnly bool) (wellness.Request, error) {
	req := wellness.Request{GenerateOnly: generateOnly}
	if channel != "" {
		id, err := datatypes.ParseSnowflake(channel)
		if err != nil {
			return req, fmt.Errorf("--channel: %w", err)
		}
		req.ChannelID = id
	}
	if contentType != "" {
		ct, ok := wellness.ParseContentType(contentType)
		if !ok {
			return req, fmt.Errorf("--type: unknown content type %q", contentType)
		}
		req.ContentType = string(ct)
	}
	return req, nil
}

func runIngest(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	src, err := resolveIngestSources(cmd)
	if err != nil {
		return err
	}

	wc, err := bot.NewWeaviateClient(cfg.Bot.WeaviateURL)
	if err != nil {
		return err
	}
	if wc == nil {
		return fmt.Errorf("bot.weaviate_url or %s must be set to ingest", config.EnvWeaviateURL)
	}

	vault := secrets.NewVault()
	if err := cfg.SealSecrets(vault, secrets.OpenAIKey); err != nil {
		return err
	}
	key, err := vault.Open(secrets.OpenAIKey)
	if err != nil {
		return err
	}
	embedder, err := llm.NewOpenAIClient(llm.OpenAIConfig{
		APIKey:         key,
		Model:          cfg.Bot.OpenAI.Model,
		EmbeddingModel: cfg.Bot.OpenAI.EmbeddingModel,
		BaseURL:        cfg.Bot.OpenAI.BaseURL,
	})
	if err != nil {
		return err
	}

	if err := retrieval.EnsureSchema(ctx, wc); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	docs, err := collectDocuments(ctx, src)
	if err != nil {
		return err
	}
	engine, err := screening.New()
	if err != nil {
		return err
	}
	docs, skipped := screenDocuments(engine, docs, ingestAllowPII)
	log.Info("Ingesting documents",
		"dir", src.Dir,
		"site", src.SiteURL,
		"documents", len(docs),
		"skipped", skipped)

	stats, err := retrieval.NewIngester(wc, embedder, log).Ingest(ctx, docs)
	if werr := writeJSON(cmd.OutOrStdout(), stats); werr != nil && err == nil {
		err = werr
	}
	return err
}

// ingestSources names where runIngest reads documents from. Empty fields
// are skipped.
type ingestSources struct {
	Dir         string
	Recursive   bool
	SiteURL     string
	SitemapFile string
}

// resolveIngestSources applies the ingest flags over the knowledge config.
func resolveIngestSources(cmd *cobra.Command) (ingestSources, error) {
	flags := cmd.Flags()
	src := ingestSources{
		Dir:         cfg.Knowledge.DataDir,
		Recursive:   cfg.Knowledge.Recursive,
		SitemapFile: ingestSitemapFile,
	}
	if flags.Changed("recursive") {
		src.Recursive = ingestRecursive
	}
	if ingestDir != "" {
		src.Dir = ingestDir
	}

	if ingestSite || ingestSiteURL != "" {
		src.SiteURL = firstNonEmpty(ingestSiteURL, cfg.Knowledge.SiteURL)
		if src.SiteURL == "" {
			return src, errors.New("--site needs --site-url or knowledge.site_url")
		}
		if !flags.Changed("dir") {
			src.Dir = ""
		}
	}
	if src.Dir == "" && src.SiteURL == "" {
		return src, errors.New("nothing to ingest: set --dir, knowledge.data_dir or --site")
	}
	return src, nil
}

// collectDocuments loads the JSON documents in src.Dir and the sections of
// every page in src.SiteURL's sitemap.
func collectDocuments(ctx context.Context, src ingestSources) ([]retrieval.Document, error) {
	var docs []retrieval.Document
	if src.Dir != "" {
		loaded, err := retrieval.LoadDocuments(src.Dir, src.Recursive)
		if err != nil {
			return nil, err
		}
		docs = append(docs, loaded...)
	}
	if src.SiteURL != "" {
		pages, err := retrieval.NewSitemapFetcher(nil, log).Pages(ctx, src.SiteURL, src.SitemapFile, retrieval.SiteCategory)
		if err != nil {
			return nil, err
		}
		docs = append(docs, pages...)
	}
	return docs, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// screenDocuments drops documents containing credentials, and documents
// containing personal data unless allowPII is set.
func screenDocuments(engine *screening.Engine, docs []retrieval.Document, allowPII bool) ([]retrieval.Document, int) {
	kept := docs[:0:0]
	for _, d := range docs {
		findings := engine.Scan(d.Source, d.Content)
		blocked := false
		for _, f := range findings {
			if f.Classification == screening.ClassSecret || (f.Classification == screening.ClassPII && !allowPII) {
				log.Warn("Skipping document with sensitive content",
					"source", f.Source,
					"line", f.LineNumber,
					"pattern", f.PatternID,
					"match", f.Redacted())
				blocked = true
				break
			}
		}
		if !blocked {
			kept = append(kept, d)
		}
	}
	return kept, len(docs) - len(kept)
}

func runSitemap(cmd *cobra.Command, args []string) error {
	base := cfg.Knowledge.SiteURL
	if len(args) == 1 {
		base = args[0]
	}
	if base == "" {
		return errors.New("no base URL given and knowledge.site_url is empty")
	}

	urls, err := retrieval.NewSitemapFetcher(nil, log).URLs(cmd.Context(), base, sitemapFile)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, u := range urls {
		fmt.Fprintln(out, u)
	}
	return nil
}

func runVersion(cmd *cobra.Command, _ []string) {
	fmt.Fprintf(cmd.OutOrStdout(), "voyagebot %s (commit %s, built %s, %s)\n", Version, Commit, BuildDate, runtime.Version())
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := config.DefaultFileName
	if len(args) == 1 {
		path = args[0]
	}
	if _, err := os.Stat(path); err == nil && !forceWrite {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := config.Write(path, config.Default()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Wrote", path)
	return nil
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(cfg)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
