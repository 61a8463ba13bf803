/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-logr/logr"
)

const (
	versionPath = "/json/version"
	listPath    = "/json/list"

	// Discovery responses are small; anything larger is not a DevTools endpoint.
	maxDiscoveryResponseSize = 4 * 1024 * 1024
)

// Discoverer resolves the WebSocket address of the browser target.
type Discoverer interface {
	BrowserWebSocketURL(ctx context.Context) (string, error)
}

// VersionInfo is the document served at /json/version.
type VersionInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	V8Version            string `json:"V8-Version,omitempty"`
	WebKitVersion        string `json:"WebKit-Version,omitempty"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// TargetInfo describes one entry of the document served at /json/list.
type TargetInfo struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	Description          string `json:"description,omitempty"`
	DevtoolsFrontendURL  string `json:"devtoolsFrontendUrl,omitempty"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl,omitempty"`
}

// HTTPDiscoverer queries the DevTools HTTP endpoint of a browser.
// It never retries; callers that wait for a browser to start retry on ErrNetwork.
type HTTPDiscoverer struct {
	host   string
	client *http.Client
	log    logr.Logger
}

// NewHTTPDiscoverer creates a discoverer for the endpoint at host ("host:port").
// If client is nil, http.DefaultClient is used.
func NewHTTPDiscoverer(host string, client *http.Client, log logr.Logger) *HTTPDiscoverer {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPDiscoverer{
		host:   host,
		client: client,
		log:    log,
	}
}

func (d *HTTPDiscoverer) Host() string {
	return d.host
}

func (d *HTTPDiscoverer) Version(ctx context.Context) (VersionInfo, error) {
	var info VersionInfo
	if err := d.getJSON(ctx, versionPath, &info); err != nil {
		return VersionInfo{}, err
	}
	return info, nil
}

func (d *HTTPDiscoverer) BrowserWebSocketURL(ctx context.Context) (string, error) {
	info, err := d.Version(ctx)
	if err != nil {
		return "", err
	}

	if strings.TrimSpace(info.WebSocketDebuggerURL) == "" {
		return "", fmt.Errorf("%w: %s on %s has no webSocketDebuggerUrl", ErrInvalidResponse, versionPath, d.host)
	}

	d.log.V(1).Info("Discovered browser endpoint", "host", d.host, "address", info.WebSocketDebuggerURL)
	return info.WebSocketDebuggerURL, nil
}

func (d *HTTPDiscoverer) ListTargets(ctx context.Context) ([]TargetInfo, error) {
	targets := []TargetInfo{}
	if err := d.getJSON(ctx, listPath, &targets); err != nil {
		return nil, err
	}
	return targets, nil
}

func (d *HTTPDiscoverer) getJSON(ctx context.Context, path string, v any) error {
	url := "http://" + d.host + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: invalid discovery address %s: %w", ErrNetwork, url, err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: failed to reach %s: %w", ErrNetwork, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s returned status %d", ErrInvalidResponse, url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDiscoveryResponseSize))
	if err != nil {
		return fmt.Errorf("%w: failed to read response from %s: %w", ErrNetwork, url, err)
	}

	if err = json.Unmarshal(body, v); err != nil {
		d.log.V(1).Info("Discovery response is not valid JSON", "url", url, "body", truncateFrame(body))
		return fmt.Errorf("%w: %s returned malformed JSON: %w", ErrInvalidResponse, url, err)
	}

	return nil
}

var _ Discoverer = (*HTTPDiscoverer)(nil)
