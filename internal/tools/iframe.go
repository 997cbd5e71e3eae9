// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/magland/chatgeneral/internal/output"
)

const displayIframeDescription = `Display a web page to the user in an embedded frame.
Use this for interactive visualizations or documents hosted at a URL. The
page is shown in the output panel and nothing is returned to you except a
confirmation.`

// DisplayIframeTool implements display_iframe.
type DisplayIframeTool struct{}

// NewDisplayIframeTool creates the tool.
func NewDisplayIframeTool() *DisplayIframeTool { return &DisplayIframeTool{} }

func (t *DisplayIframeTool) Name() string        { return "display_iframe" }
func (t *DisplayIframeTool) Description() string { return displayIframeDescription }

func (t *DisplayIframeTool) Parameters() Schema {
	return Schema{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "The http or https URL to display",
			},
			"title": map[string]interface{}{
				"type":        "string",
				"description": "Optional title shown above the frame",
			},
		},
		"required": []string{"url"},
	}
}

type displayIframeArgs struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// Execute emits an iframe item.
func (t *DisplayIframeTool) Execute(ctx context.Context, args json.RawMessage, tc *Context) (Outcome, error) {
	var a displayIframeArgs
	if err := decodeArgs(args, &a); err != nil {
		return Outcome{}, err
	}
	u, err := url.Parse(strings.TrimSpace(a.URL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Outcome{Result: Failure("url must be an absolute http or https URL", nil)}, nil
	}
	if tc.Sink == nil {
		return Outcome{Result: Failure("No output panel is available to display the page", nil)}, nil
	}

	id := tc.Sink.Emit(output.Item{
		Kind: output.KindIframe,
		Meta: output.Meta{URL: u.String(), Title: a.Title},
	})
	return Outcome{Result: Success(map[string]string{"itemId": id, "url": u.String()})}, nil
}
