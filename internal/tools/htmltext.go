// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"html"
	"regexp"
	"strings"
	"unicode"
)

// =============================================================================
// HTML TO TEXT CONVERSION
// =============================================================================

// Pre-compiled once at startup.
var (
	htmlCommentRegex = regexp.MustCompile(`(?s)<!--.*?-->`)
	htmlTagRegex     = regexp.MustCompile(`<[^>]*>`)
	dropBlockRegex   = regexp.MustCompile(`(?is)<(script|style|noscript|iframe|svg|template)\b[^>]*>.*?</(script|style|noscript|iframe|svg|template)>`)
	titleRegex       = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	headingRegex     = regexp.MustCompile(`(?is)<h([1-6])[^>]*>(.*?)</h[1-6]>`)
	linkRegex        = regexp.MustCompile(`(?is)<a[^>]*href=["']([^"']+)["'][^>]*>(.*?)</a>`)
	listItemRegex    = regexp.MustCompile(`(?i)<li[^>]*>`)
	preRegex         = regexp.MustCompile(`(?is)<pre[^>]*>(.*?)</pre>`)
	blockTagRegex    = regexp.MustCompile(`(?i)</?(p|div|br|tr|table|ul|ol|section|article|header|footer|blockquote)\b[^>]*>`)
	cellTagRegex     = regexp.MustCompile(`(?i)</t[dh]>`)
	multiSpaceRegex  = regexp.MustCompile(`[ \t]+`)
	multiBlankRegex  = regexp.MustCompile(`\n{3,}`)
)

// htmlToText converts an HTML document into readable, lightly marked-up
// text: headings become "#" lines, links "[text](url)", list items "- ".
func htmlToText(doc string) string {
	doc = htmlCommentRegex.ReplaceAllString(doc, "")
	doc = dropBlockRegex.ReplaceAllString(doc, "")

	doc = headingRegex.ReplaceAllStringFunc(doc, func(m string) string {
		parts := headingRegex.FindStringSubmatch(m)
		level := int(parts[1][0] - '0')
		return "\n\n" + strings.Repeat("#", level) + " " + stripTags(parts[2]) + "\n\n"
	})
	doc = linkRegex.ReplaceAllStringFunc(doc, func(m string) string {
		parts := linkRegex.FindStringSubmatch(m)
		text := strings.TrimSpace(stripTags(parts[2]))
		if text == "" {
			return ""
		}
		return "[" + text + "](" + parts[1] + ")"
	})
	doc = preRegex.ReplaceAllString(doc, "\n```\n$1\n```\n")
	doc = listItemRegex.ReplaceAllString(doc, "\n- ")
	doc = cellTagRegex.ReplaceAllString(doc, " | ")
	doc = blockTagRegex.ReplaceAllString(doc, "\n")

	doc = stripTags(doc)
	doc = html.UnescapeString(doc)
	return cleanWhitespace(doc)
}

// htmlTitle extracts the document title, if any.
func htmlTitle(doc string) string {
	m := titleRegex.FindStringSubmatch(doc)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(stripTags(m[1])))
}

func stripTags(s string) string {
	return htmlTagRegex.ReplaceAllString(s, "")
}

// cleanWhitespace collapses runs of spaces and blank lines.
func cleanWhitespace(text string) string {
	text = strings.ReplaceAll(text, "\u00a0", " ")
	text = multiSpaceRegex.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRightFunc(line, unicode.IsSpace)
	}
	text = strings.Join(lines, "\n")
	text = multiBlankRegex.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
