// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magland/chatgeneral/internal/model"
)

const samplePage = `<!DOCTYPE html>
<html><head><title>Sample &amp; Co</title>
<style>body { color: red; }</style>
<script>alert("x")</script></head>
<body>
<!-- hidden -->
<h1>Welcome</h1>
<p>Hello <b>world</b> &mdash; see <a href="https://example.com/docs">the docs</a>.</p>
<ul><li>one</li><li>two</li></ul>
</body></html>`

func newPageServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(samplePage))
	})
	mux.HandleFunc("/data.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"answer":42}`))
	})
	mux.HandleFunc("/big", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(strings.Repeat("a", 500)))
	})
	mux.HandleFunc("/bin", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte{0, 1, 2})
	})
	mux.HandleFunc("/redirect", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/page", http.StatusFound)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func fetchWith(t *testing.T, tool *FetchURLTool, url string) (map[string]interface{}, []model.Message) {
	t.Helper()
	reg := NewRegistry()
	reg.Register(tool)
	args, _ := json.Marshal(map[string]string{"url": url})
	msg, extra := reg.Dispatch(context.Background(), call("fetch_url", string(args)), &Context{})
	return decodeResult(t, msg.Content), extra
}

func TestFetchURL_HTMLPage(t *testing.T) {
	srv := newPageServer(t)
	tool := NewFetchURLTool()
	tool.AllowPrivate = true

	res, extra := fetchWith(t, tool, srv.URL+"/redirect")
	require.Equal(t, true, res["success"], res)

	data := res["data"].(map[string]interface{})
	assert.Equal(t, srv.URL+"/page", data["url"])
	assert.Equal(t, float64(200), data["status"])
	assert.Equal(t, false, data["truncated"])

	require.Len(t, extra, 1)
	assert.Equal(t, model.RoleUser, extra[0].Role)
	text := extra[0].Content
	assert.Contains(t, text, "(Sample & Co)")
	assert.Contains(t, text, "# Welcome")
	assert.Contains(t, text, "[the docs](https://example.com/docs)")
	assert.Contains(t, text, "- one")
	assert.NotContains(t, text, "alert")
	assert.NotContains(t, text, "color: red")
	assert.NotContains(t, text, "hidden")
}

func TestFetchURL_JSONAndLimits(t *testing.T) {
	srv := newPageServer(t)
	tool := NewFetchURLTool()
	tool.AllowPrivate = true

	res, extra := fetchWith(t, tool, srv.URL+"/data.json")
	require.Equal(t, true, res["success"])
	require.Len(t, extra, 1)
	assert.Contains(t, extra[0].Content, `{"answer":42}`)

	tool.MaxTextLength = 100
	res, extra = fetchWith(t, tool, srv.URL+"/big")
	require.Equal(t, true, res["success"])
	data := res["data"].(map[string]interface{})
	assert.Equal(t, true, data["truncated"])
	assert.Equal(t, float64(100), data["length"])
	assert.Contains(t, extra[0].Content, "[content truncated]")

	res, extra = fetchWith(t, tool, srv.URL+"/bin")
	assert.Equal(t, false, res["success"])
	assert.Empty(t, extra)

	res, _ = fetchWith(t, tool, srv.URL+"/missing")
	assert.Equal(t, false, res["success"])
	assert.Contains(t, res["error"], "404")
}

func TestFetchURL_SSRFGuard(t *testing.T) {
	srv := newPageServer(t)
	tool := NewFetchURLTool()

	tests := []struct {
		name string
		url  string
		want string
	}{
		{"loopback test server", srv.URL + "/page", "blocked"},
		{"localhost", "http://localhost:8080/", "hostname is blocked"},
		{"metadata", "http://169.254.169.254/latest/meta-data", "blocked"},
		{"private range", "http://10.1.2.3/", "blocked"},
		{"ipv6 loopback", "http://[::1]/", "blocked"},
		{"bad scheme", "file:///etc/passwd", "only http and https"},
		{"no host", "http:///path", "invalid URL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, extra := fetchWith(t, tool, tt.url)
			assert.Equal(t, false, res["success"])
			assert.Contains(t, res["error"], tt.want)
			assert.Empty(t, extra)
		})
	}
}

func TestFetchURL_SharesGuardedTransport(t *testing.T) {
	tool := NewFetchURLTool()
	first := tool.client(nil)
	second := tool.client(&Context{})

	require.NotNil(t, first.Transport)
	assert.Same(t, first.Transport, second.Transport)
	assert.NotSame(t, first, second)

	// Each call still sees the current limits.
	tool.Timeout = time.Second
	assert.Equal(t, time.Second, tool.client(nil).Timeout)
	assert.Same(t, first.Transport, tool.client(nil).Transport)

	// A second tool gets its own pool.
	assert.NotSame(t, first.Transport, NewFetchURLTool().client(nil).Transport)
}

func TestIsBlockedIP(t *testing.T) {
	assert.True(t, isBlockedIP(net.ParseIP("192.168.1.10")))
	assert.True(t, isBlockedIP(net.ParseIP("::ffff:127.0.0.1")))
	assert.True(t, isBlockedIP(net.ParseIP("fd00::1")))
	assert.False(t, isBlockedIP(net.ParseIP("93.184.216.34")))
	assert.False(t, isBlockedIP(net.ParseIP("2606:4700::1111")))
}

func TestHTMLToText(t *testing.T) {
	got := htmlToText(`<div>a&nbsp;&nbsp;b</div><table><tr><td>x</td><td>y</td></tr></table><pre>code</pre>`)
	assert.Contains(t, got, "a b")
	assert.Contains(t, got, "x | y |")
	assert.Contains(t, got, "```\ncode\n```")
	assert.NotContains(t, got, "\n\n\n")

	assert.Equal(t, "", htmlTitle("<p>no title</p>"))
}
