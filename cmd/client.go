package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/pseudocoder/pairhost/internal/errors"
	hosttls "github.com/pseudocoder/pairhost/internal/tls"
)

// requestTimeout bounds a single API call.
const requestTimeout = 10 * time.Second

// apiClient calls the HTTP surface of a running host.
type apiClient struct {
	base   *url.URL
	token  string
	http   *http.Client
	dialer *websocket.Dialer
}

// newAPIClient accepts host:port, a full http(s) URL or the control
// socket as unix:///path. With a fingerprint, a bare host:port means
// https and the host's certificate must match it.
func newAPIClient(opts *globalOptions) (*apiClient, error) {
	addr := opts.addr
	if addr == "" {
		return nil, fmt.Errorf("host address is required")
	}
	if !strings.Contains(addr, "://") {
		if opts.fingerprint != "" {
			addr = "https://" + addr
		} else {
			addr = "http://" + addr
		}
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid host address %q: %w", addr, err)
	}
	if u.Scheme == "unix" {
		return newSocketClient(u.Path, opts.token)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q in host address", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")

	c := &apiClient{
		base:   u,
		token:  opts.token,
		http:   &http.Client{Timeout: requestTimeout},
		dialer: websocket.DefaultDialer,
	}
	if opts.fingerprint != "" {
		if u.Scheme != "https" {
			return nil, fmt.Errorf("--fingerprint needs an https host address")
		}
		tlsConfig, err := hosttls.PinnedClientConfig(opts.fingerprint)
		if err != nil {
			return nil, err
		}
		c.http.Transport = &http.Transport{TLSClientConfig: tlsConfig}
		c.dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: requestTimeout,
			TLSClientConfig:  tlsConfig,
		}
	}
	return c, nil
}

// newSocketClient talks to the host over its control socket. The URL
// host is a placeholder; every connection dials the socket.
func newSocketClient(path, token string) (*apiClient, error) {
	if path == "" {
		return nil, fmt.Errorf("control socket path is required")
	}
	dial := func(ctx context.Context, _, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", path)
	}
	return &apiClient{
		base:  &url.URL{Scheme: "http", Host: "pairhost"},
		token: token,
		http: &http.Client{
			Timeout:   requestTimeout,
			Transport: &http.Transport{DialContext: dial},
		},
		dialer: &websocket.Dialer{
			NetDialContext:   dial,
			HandshakeTimeout: requestTimeout,
		},
	}, nil
}

// endpoint returns the absolute URL for path with an optional query.
func (c *apiClient) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path += path
	u.RawQuery = query.Encode()
	return u.String()
}

// do sends body as JSON and decodes a 2xx response into out. Error
// responses are returned as coded errors.
func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach host at %s: %w", c.base.Host, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp apperrors.Response
		if json.Unmarshal(data, &errResp) == nil && errResp.ErrorCode != "" {
			return apperrors.New(errResp.ErrorCode, errResp.Message)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// dialStream opens the push stream, optionally filtered to one identity.
func (c *apiClient) dialStream(ctx context.Context, identity string) (*websocket.Conn, error) {
	u := *c.base
	u.Scheme = "ws"
	if c.base.Scheme == "https" {
		u.Scheme = "wss"
	}
	u.Path += "/ws"
	q := url.Values{}
	if identity != "" {
		q.Set("identity", identity)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			var errResp apperrors.Response
			if json.NewDecoder(resp.Body).Decode(&errResp) == nil && errResp.ErrorCode != "" {
				return nil, apperrors.New(errResp.ErrorCode, errResp.Message)
			}
			return nil, fmt.Errorf("stream handshake failed: HTTP %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to open stream at %s: %w", c.base.Host, err)
	}
	return conn, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
