// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrSitemap wraps every sitemap fetch or parse failure.
var ErrSitemap = errors.New("sitemap")

const (
	sitemapUserAgent = "Mozilla/5.0 (compatible; PsycheVoyageBot/1.0)"
	sitemapAccept    = "application/xml, text/xml, application/xhtml+xml, text/html;q=0.9"

	// maxSitemapDepth bounds index recursion.
	maxSitemapDepth = 3

	// maxSitemapBytes bounds one sitemap body.
	maxSitemapBytes = 50 << 20
)

// sitemapDoc matches both <urlset> and <sitemapindex>, with or without the
// sitemaps.org namespace.
type sitemapDoc struct {
	URLs     []sitemapLoc `xml:"url"`
	Sitemaps []sitemapLoc `xml:"sitemap"`
}

type sitemapLoc struct {
	Loc string `xml:"loc"`
}

// SitemapFetcher lists the pages of a site from its sitemap. The listed
// pages are candidates for knowledge base ingestion.
type SitemapFetcher struct {
	client *http.Client
	logger *slog.Logger
}

// NewSitemapFetcher creates a fetcher. A nil client gets a 10s timeout.
func NewSitemapFetcher(client *http.Client, logger *slog.Logger) *SitemapFetcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SitemapFetcher{client: client, logger: logger}
}

// URLs returns every page listed by baseURL's sitemap.
//
// Description:
//
//	Fetches {baseURL}/{filename} (default "sitemap.xml"). A sitemap index is
//	followed into its child sitemaps; a child that fails is logged and
//	skipped. A missing sitemap (404) yields just the base URL.
//
// Outputs:
//
//	[]string - Page URLs in document order.
//	error - Wraps ErrSitemap for transport, status or XML failures.
func (f *SitemapFetcher) URLs(ctx context.Context, baseURL, filename string) ([]string, error) {
	if filename == "" {
		filename = "sitemap.xml"
	}
	base, err := url.Parse(baseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: invalid base URL %q", ErrSitemap, baseURL)
	}
	ref, err := url.Parse(filename)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid filename %q", ErrSitemap, filename)
	}
	sitemapURL := base.ResolveReference(ref).String()

	body, status, err := f.fetch(ctx, sitemapURL)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return []string{strings.TrimRight(baseURL, "/")}, nil
	}
	if status < 200 || status > 299 {
		return nil, fmt.Errorf("%w: fetch %s: status %d", ErrSitemap, sitemapURL, status)
	}
	return f.parse(ctx, body, 0)
}

func (f *SitemapFetcher) parse(ctx context.Context, body []byte, depth int) ([]string, error) {
	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse: %v", ErrSitemap, err)
	}

	if len(doc.Sitemaps) == 0 {
		urls := make([]string, 0, len(doc.URLs))
		for _, u := range doc.URLs {
			if loc := strings.TrimSpace(u.Loc); loc != "" {
				urls = append(urls, loc)
			}
		}
		return urls, nil
	}

	var urls []string
	for _, sm := range doc.Sitemaps {
		loc := strings.TrimSpace(sm.Loc)
		if loc == "" {
			continue
		}
		if depth+1 >= maxSitemapDepth {
			f.logger.Warn("Sitemap index too deep, skipping", "url", loc)
			continue
		}
		child, status, err := f.fetch(ctx, loc)
		if err == nil && (status < 200 || status > 299) {
			err = fmt.Errorf("status %d", status)
		}
		if err != nil {
			f.logger.Warn("Failed to fetch sub-sitemap", "url", loc, "error", err)
			continue
		}
		sub, err := f.parse(ctx, child, depth+1)
		if err != nil {
			f.logger.Warn("Failed to parse sub-sitemap", "url", loc, "error", err)
			continue
		}
		urls = append(urls, sub...)
	}
	return urls, nil
}

func (f *SitemapFetcher) fetch(ctx context.Context, target string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrSitemap, err)
	}
	req.Header.Set("Accept", sitemapAccept)
	req.Header.Set("User-Agent", sitemapUserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: fetch %s: %v", ErrSitemap, target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSitemapBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: read %s: %v", ErrSitemap, target, err)
	}
	return body, resp.StatusCode, nil
}
