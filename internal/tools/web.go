// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/magland/chatgeneral/internal/model"
)

// =============================================================================
// SSRF PROTECTION
// =============================================================================

// blockedCIDRs are private, loopback, link-local and reserved ranges.
var blockedCIDRs = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"0.0.0.0/8",
	"100.64.0.0/10",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"255.255.255.255/32",
	"::1/128",
	"::/128",
	"64:ff9b::/96",
	"100::/64",
	"2001:db8::/32",
	"fc00::/7",
	"fe80::/10",
	"ff00::/8",
}

// blockedHosts are metadata endpoints and local names.
var blockedHosts = []string{
	"metadata.google.internal",
	"metadata",
	"instance-data",
	"localhost",
}

var blockedNetworks = parseCIDRs(blockedCIDRs)

func parseCIDRs(cidrs []string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		if _, n, err := net.ParseCIDR(cidr); err == nil {
			nets = append(nets, n)
		}
	}
	return nets
}

// Fetch errors.
var (
	ErrBlockedIP        = errors.New("IP address is blocked (private/internal range)")
	ErrBlockedHost      = errors.New("hostname is blocked")
	ErrInvalidScheme    = errors.New("only http and https schemes are allowed")
	ErrInvalidURL       = errors.New("invalid URL")
	ErrTooManyRedirects = errors.New("too many redirects")
)

func isBlockedIP(ip net.IP) bool {
	for _, n := range blockedNetworks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// =============================================================================
// FETCH_URL TOOL
// =============================================================================

const fetchURLDescription = `Fetch a web page or text resource by URL and add its readable content to the conversation.
Only http and https URLs are accepted. HTML is converted to plain text with
headings, links and list items preserved. Requests to private, loopback and
cloud metadata addresses are refused. The text arrives as a separate message
right after the tool result; long documents are truncated.`

// FetchURLTool implements fetch_url.
type FetchURLTool struct {
	// MaxResponseSize caps the bytes read from the body.
	MaxResponseSize int64
	// MaxTextLength caps the characters injected into the conversation.
	MaxTextLength int
	Timeout       time.Duration
	MaxRedirects  int
	UserAgent     string
	// AllowPrivate disables the SSRF guard and uses Context.HTTPClient.
	AllowPrivate bool

	transportOnce sync.Once
	transport     *http.Transport
}

// NewFetchURLTool creates the tool with its default limits.
func NewFetchURLTool() *FetchURLTool {
	return &FetchURLTool{
		MaxResponseSize: 5 * 1024 * 1024,
		MaxTextLength:   50000,
		Timeout:         30 * time.Second,
		MaxRedirects:    5,
		UserAgent:       "chatgeneral/1.0 (+https://github.com/magland/chatgeneral)",
	}
}

func (t *FetchURLTool) Name() string        { return "fetch_url" }
func (t *FetchURLTool) Description() string { return fetchURLDescription }

func (t *FetchURLTool) Parameters() Schema {
	return Schema{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "The http or https URL to fetch",
			},
		},
		"required": []string{"url"},
	}
}

type fetchArgs struct {
	URL string `json:"url"`
}

// fetchResult is the data payload of a successful fetch.
type fetchResult struct {
	URL         string `json:"url"`
	Status      int    `json:"status"`
	ContentType string `json:"contentType"`
	Length      int    `json:"length"`
	Truncated   bool   `json:"truncated"`
}

// Execute fetches the URL and injects its text as a user message.
func (t *FetchURLTool) Execute(ctx context.Context, args json.RawMessage, tc *Context) (Outcome, error) {
	var a fetchArgs
	if err := decodeArgs(args, &a); err != nil {
		return Outcome{}, err
	}
	a.URL = strings.TrimSpace(a.URL)
	if a.URL == "" {
		return Outcome{Result: Failure("url parameter is required", nil)}, nil
	}

	u, err := t.validateURL(a.URL)
	if err != nil {
		return Outcome{Result: Failure("URL validation failed: "+err.Error(), nil)}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	resp, body, truncated, err := t.fetch(ctx, t.client(tc), u)
	if err != nil {
		return Outcome{Result: Failure("fetch failed: "+err.Error(), nil)}, nil
	}
	if resp.StatusCode >= 400 {
		return Outcome{Result: Failure(fmt.Sprintf("HTTP %s", resp.Status), map[string]interface{}{"url": resp.Request.URL.String()})}, nil
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)

	var text, title string
	switch {
	case mediaType == "text/html" || mediaType == "application/xhtml+xml":
		title = htmlTitle(string(body))
		text = htmlToText(string(body))
	case strings.HasPrefix(mediaType, "text/"), mediaType == "application/json",
		strings.HasSuffix(mediaType, "+json"), strings.HasSuffix(mediaType, "+xml"),
		mediaType == "application/xml":
		text = string(body)
	default:
		return Outcome{Result: Failure("Unsupported content type: "+contentType, nil)}, nil
	}

	if runes := []rune(text); t.MaxTextLength > 0 && len(runes) > t.MaxTextLength {
		text = string(runes[:t.MaxTextLength])
		truncated = true
	}

	finalURL := resp.Request.URL.String()
	var sb strings.Builder
	sb.WriteString("Content fetched from ")
	sb.WriteString(finalURL)
	if title != "" {
		sb.WriteString(" (")
		sb.WriteString(title)
		sb.WriteString(")")
	}
	sb.WriteString(":\n\n")
	sb.WriteString(text)
	if truncated {
		sb.WriteString("\n\n[content truncated]")
	}

	return Outcome{
		Result: Success(fetchResult{
			URL:         finalURL,
			Status:      resp.StatusCode,
			ContentType: contentType,
			Length:      len(text),
			Truncated:   truncated,
		}),
		NewMessages: []model.Message{model.NewUserMessage(sb.String())},
	}, nil
}

// validateURL checks the scheme and, unless private targets are allowed,
// rejects blocked hostnames and literal blocked IPs.
func (t *FetchURLTool) validateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, ErrInvalidURL
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, ErrInvalidScheme
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, ErrInvalidURL
	}
	if t.AllowPrivate {
		return u, nil
	}
	for _, blocked := range blockedHosts {
		if host == blocked || strings.HasSuffix(host, "."+blocked) {
			return nil, ErrBlockedHost
		}
	}
	if ip := net.ParseIP(host); ip != nil && isBlockedIP(ip) {
		return nil, ErrBlockedIP
	}
	return u, nil
}

// client returns the HTTP client for a fetch. With the SSRF guard on, the
// dialer checks every resolved address so DNS rebinding cannot reach a
// blocked range.
func (t *FetchURLTool) client(tc *Context) *http.Client {
	checkRedirect := func(req *http.Request, via []*http.Request) error {
		if len(via) >= t.MaxRedirects {
			return ErrTooManyRedirects
		}
		_, err := t.validateURL(req.URL.String())
		return err
	}

	if t.AllowPrivate {
		base := http.DefaultClient
		if tc != nil && tc.HTTPClient != nil {
			base = tc.HTTPClient
		}
		c := *base
		c.CheckRedirect = checkRedirect
		return &c
	}

	return &http.Client{Transport: t.guardedTransport(), Timeout: t.Timeout, CheckRedirect: checkRedirect}
}

// guardedTransport returns the SSRF-checking transport, built on first use
// and shared by every fetch so idle connections are pooled and reaped.
func (t *FetchURLTool) guardedTransport() *http.Transport {
	t.transportOnce.Do(func() {
		t.transport = newGuardedTransport()
	})
	return t.transport
}

func newGuardedTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
			if err != nil {
				return nil, err
			}
			if len(ips) == 0 {
				return nil, errors.New("no IP addresses resolved")
			}
			for _, ip := range ips {
				if isBlockedIP(ip) {
					return nil, ErrBlockedIP
				}
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
		},
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		MaxIdleConns:          10,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
	}
}

// fetch performs the GET and reads at most MaxResponseSize bytes.
func (t *FetchURLTool) fetch(ctx context.Context, client *http.Client, u *url.URL) (*http.Response, []byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, nil, false, err
	}
	req.Header.Set("User-Agent", t.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,text/plain;q=0.8,*/*;q=0.7")

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, false, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.MaxResponseSize+1))
	if err != nil {
		return nil, nil, false, err
	}
	truncated := false
	if int64(len(body)) > t.MaxResponseSize {
		body = body[:t.MaxResponseSize]
		truncated = true
	}
	return resp, body, truncated, nil
}
