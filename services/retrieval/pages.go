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
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/sync/errgroup"
)

// SiteCategory tags documents extracted from the bot's own website.
const SiteCategory = "platform and business info"

// pageFetchLimit bounds concurrent page downloads.
const pageFetchLimit = 4

// skippedElements never contribute text.
var skippedElements = map[atom.Atom]bool{
	atom.Head:     true,
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Svg:      true,
	atom.Iframe:   true,
	atom.Nav:      true,
	atom.Footer:   true,
	atom.Form:     true,
}

// blockElements end a line of text.
var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Section: true, atom.Article: true,
	atom.Main: true, atom.Header: true, atom.Aside: true, atom.Li: true,
	atom.Ul: true, atom.Ol: true, atom.Br: true, atom.Tr: true, atom.Td: true,
	atom.Th: true, atom.Blockquote: true, atom.Pre: true, atom.Dd: true,
	atom.Dt: true, atom.Figcaption: true, atom.Table: true,
}

// Pages fetches every page in baseURL's sitemap and returns one Document per
// headed section of each page.
//
// # Description
//
// Sections are split at h1 to h6. Each Document carries the page URL as
// Source, the site host as Author, category as Category and the heading
// path above the section as Headings. Pages that fail to download or parse
// are logged and skipped. Sections whose text repeats an earlier section,
// such as a banner shared by every page, are dropped.
//
// # Outputs
//
//   - []Document: Sections in sitemap order.
//   - error: A sitemap failure or ctx cancellation.
func (f *SitemapFetcher) Pages(ctx context.Context, baseURL, filename, category string) ([]Document, error) {
	urls, err := f.URLs(ctx, baseURL, filename)
	if err != nil {
		return nil, err
	}
	author := siteAuthor(baseURL)

	perPage := make([][]Document, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pageFetchLimit)
	for i, pageURL := range urls {
		g.Go(func() error {
			body, status, err := f.fetch(gctx, pageURL)
			if err == nil && (status < 200 || status > 299) {
				err = fmt.Errorf("status %d", status)
			}
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				f.logger.Warn("Failed to fetch page", "url", pageURL, "error", err)
				return nil
			}
			docs, err := ExtractSections(body)
			if err != nil {
				f.logger.Warn("Failed to parse page", "url", pageURL, "error", err)
				return nil
			}
			for j := range docs {
				docs[j].Source = pageURL
				docs[j].Author = author
				docs[j].Category = category
			}
			perPage[i] = docs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []Document
	for _, docs := range perPage {
		all = append(all, docs...)
	}
	docs, dropped := DedupeDocuments(all)
	f.logger.Info("Extracted site pages",
		"pages", len(urls),
		"sections", len(docs),
		"duplicates", dropped,
	)
	return docs, nil
}

// DedupeDocuments keeps the first document for each distinct content and
// reports how many were dropped.
func DedupeDocuments(docs []Document) ([]Document, int) {
	seen := make(map[string]struct{}, len(docs))
	out := docs[:0:0]
	for _, d := range docs {
		if _, ok := seen[d.Content]; ok {
			continue
		}
		seen[d.Content] = struct{}{}
		out = append(out, d)
	}
	return out, len(docs) - len(out)
}

// ExtractSections reduces an HTML page to text sections split at headings.
// Only Content and Headings are set.
func ExtractSections(page []byte) ([]Document, error) {
	root, err := html.Parse(bytes.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	var e sectionExtractor
	e.walk(root)

	var docs []Document
	for _, s := range e.sections {
		if text := s.text(); text != "" {
			docs = append(docs, Document{Content: text, Headings: s.headings})
		}
	}
	return docs, nil
}

type heading struct {
	level int
	title string
}

type section struct {
	headings []string
	b        strings.Builder
}

// text returns the section with blank lines removed and each line trimmed.
func (s *section) text() string {
	lines := strings.Split(s.b.String(), "\n")
	kept := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			kept = append(kept, l)
		}
	}
	return strings.Join(kept, "\n")
}

type sectionExtractor struct {
	sections []*section
	stack    []heading
	space    bool
}

func (e *sectionExtractor) current() *section {
	if len(e.sections) == 0 {
		e.sections = append(e.sections, &section{})
	}
	return e.sections[len(e.sections)-1]
}

func (e *sectionExtractor) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		e.text(n.Data)
		return
	case html.ElementNode:
		if skippedElements[n.DataAtom] {
			return
		}
		if level := headingLevel(n.DataAtom); level > 0 {
			if title := collapseSpace(nodeText(n)); title != "" {
				e.startSection(level, title)
			}
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		e.walk(c)
	}
	if n.Type == html.ElementNode && blockElements[n.DataAtom] {
		e.newline()
	}
}

func (e *sectionExtractor) startSection(level int, title string) {
	for len(e.stack) > 0 && e.stack[len(e.stack)-1].level >= level {
		e.stack = e.stack[:len(e.stack)-1]
	}
	e.stack = append(e.stack, heading{level: level, title: title})
	titles := make([]string, len(e.stack))
	for i, h := range e.stack {
		titles[i] = h.title
	}
	e.sections = append(e.sections, &section{headings: titles})
	e.space = false
}

func (e *sectionExtractor) text(data string) {
	t := collapseSpace(data)
	if t == "" {
		if data != "" {
			e.space = true
		}
		return
	}
	s := e.current()
	first, _ := utf8.DecodeRuneInString(data)
	if s.b.Len() > 0 && !strings.HasSuffix(s.b.String(), "\n") && (e.space || unicode.IsSpace(first)) {
		s.b.WriteByte(' ')
	}
	s.b.WriteString(t)
	last, _ := utf8.DecodeLastRuneInString(data)
	e.space = unicode.IsSpace(last)
}

func (e *sectionExtractor) newline() {
	s := e.current()
	if s.b.Len() > 0 && !strings.HasSuffix(s.b.String(), "\n") {
		s.b.WriteByte('\n')
	}
	e.space = false
}

func headingLevel(a atom.Atom) int {
	switch a {
	case atom.H1:
		return 1
	case atom.H2:
		return 2
	case atom.H3:
		return 3
	case atom.H4:
		return 4
	case atom.H5:
		return 5
	case atom.H6:
		return 6
	}
	return 0
}

// nodeText concatenates the text below n, skipping non-content elements.
func nodeText(n *html.Node) string {
	var b strings.Builder
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode && skippedElements[n.DataAtom] {
			return
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	return b.String()
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// siteAuthor names a site by its host without a leading "www.".
func siteAuthor(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}
