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
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/psychevoyage/voyagebot/cmd/voyagebot/config"
	"github.com/psychevoyage/voyagebot/pkg/logging"
	"github.com/psychevoyage/voyagebot/pkg/secrets"
)

// Set with -ldflags "-X main.Version=..."
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// --- Global Command Variables ---
var (
	configPath string
	logLevel   string
	logFormat  string

	wellnessChannel      string
	wellnessType         string
	wellnessGenerateOnly bool

	ingestDir         string
	ingestRecursive   bool
	ingestAllowPII    bool
	ingestSite        bool
	ingestSiteURL     string
	ingestSitemapFile string

	sitemapFile string
	forceWrite  bool

	cfg       config.Config
	appLogger *logging.Logger
	log       = slog.Default()

	rootCmd = &cobra.Command{
		Use:   "voyagebot",
		Short: "Discord assistant for the PsycheVoyage community",
		Long: `voyagebot answers Discord messages with retrieval-grounded replies
and posts scheduled wellness content to a channel.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setup,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP event server, the Discord gateway and the wellness scheduler",
		Args:  cobra.NoArgs,
		RunE:  runServe, // Defined in run.go
	}

	wellnessCmd = &cobra.Command{
		Use:   "wellness",
		Short: "Generate and post one wellness message now",
		Args:  cobra.NoArgs,
		RunE:  runWellness, // Defined in run.go
	}

	ingestCmd = &cobra.Command{
		Use:     "ingest",
		Short:   "Load knowledge documents into the vector database",
		Long: `Load knowledge documents into the vector database.

Documents come from the JSON files in --dir. With --site, the pages listed in
the site's sitemap are fetched, split at their headings and ingested under
the "platform and business info" category; --dir is then read only when it
is given explicitly.`,
		Aliases: []string{"i"},
		Args:    cobra.NoArgs,
		RunE:    runIngest, // Defined in run.go
	}

	sitemapCmd = &cobra.Command{
		Use:   "sitemap [base-url]",
		Short: "List the pages published in a site's sitemap",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSitemap, // Defined in run.go
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run:   runVersion, // Defined in run.go
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration file",
	}
	configInitCmd = &cobra.Command{
		Use:   "init [path]",
		Short: "Write a default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runConfigInit, // Defined in run.go
	}
	configShowCmd = &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow, // Defined in run.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./voyagebot.yaml, then ~/.voyagebot/voyagebot.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text, json, auto")

	wellnessCmd.Flags().StringVar(&wellnessChannel, "channel", "", "target channel id (default from config)")
	wellnessCmd.Flags().StringVar(&wellnessType, "type", "", "content type (default follows the rotation)")
	wellnessCmd.Flags().BoolVar(&wellnessGenerateOnly, "generate-only", false, "generate and store without posting")

	ingestCmd.Flags().StringVar(&ingestDir, "dir", "", "directory of JSON documents (default knowledge.data_dir)")
	ingestCmd.Flags().BoolVar(&ingestRecursive, "recursive", true, "descend into subdirectories")
	ingestCmd.Flags().BoolVar(&ingestAllowPII, "allow-pii", false, "ingest documents that contain personal data")
	ingestCmd.Flags().BoolVar(&ingestSite, "site", false, "ingest the pages of knowledge.site_url")
	ingestCmd.Flags().StringVar(&ingestSiteURL, "site-url", "", "ingest the pages of this site instead (implies --site)")
	ingestCmd.Flags().StringVar(&ingestSitemapFile, "sitemap-file", "sitemap.xml", "sitemap path relative to the site URL")

	sitemapCmd.Flags().StringVar(&sitemapFile, "file", "sitemap.xml", "sitemap path relative to the base URL")

	configInitCmd.Flags().BoolVar(&forceWrite, "force", false, "overwrite an existing file")

	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(serveCmd, wellnessCmd, ingestCmd, sitemapCmd, versionCmd, configCmd)
}

// setup loads configuration and installs the logger for every command.
func setup(cmd *cobra.Command, _ []string) error {
	loaded, err := config.Load(config.Resolve(configPath))
	if err != nil {
		return err
	}
	if logLevel != "" {
		loaded.Logging.Level = logLevel
	}
	if logFormat != "" {
		loaded.Logging.Format = logFormat
	}
	loaded.Bot.Telemetry.ServiceVersion = Version

	l, err := logging.New(loaded.Logging)
	if err != nil {
		return err
	}
	cfg = loaded
	appLogger = l
	log = l.Slog()
	slog.SetDefault(log)
	return nil
}

func cleanup() {
	if appLogger != nil {
		_ = appLogger.Close()
	}
	secrets.Purge()
}
