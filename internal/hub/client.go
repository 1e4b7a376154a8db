// Package hub talks to a Dirigera hub: a REST API for the device listing and
// a websocket for change notifications.
package hub

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tinytelemetry/dirigera-exporter/internal/model"
	"k8s.io/klog/v2"
)

var (
	// ErrUnauthorized is returned when the hub rejects the access token.
	ErrUnauthorized = errors.New("hub: the authentication token is not valid")
	// ErrUnreachable is returned when the hub cannot be contacted.
	ErrUnreachable = errors.New("hub: not reachable")
)

// Config configures a Client.
type Config struct {
	// Address is a host, host:port, or a full https:// URL. The hub port
	// defaults to 8443.
	Address          string
	Token            string
	RequestTimeout   time.Duration
	HeartbeatTimeout time.Duration
	// TLSConfig overrides the default, which skips verification of the hub's
	// self-signed certificate.
	TLSConfig *tls.Config
}

// Client is a model.HubClient backed by the Dirigera REST and websocket API.
type Client struct {
	cfg    Config
	rest   *url.URL
	events *url.URL
	http   *http.Client
	dialer *websocket.Dialer
}

var _ model.HubClient = (*Client)(nil)

// NewClient validates cfg and returns a client. No connection is made.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, errors.New("hub: address is required")
	}
	if cfg.Token == "" {
		return nil, errors.New("hub: token is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = model.DefaultRequestTimeout
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = model.DefaultHeartbeatTimeout
	}

	rest, err := baseURL(cfg.Address)
	if err != nil {
		return nil, err
	}
	events := *rest
	if rest.Scheme == "https" {
		events.Scheme = "wss"
	} else {
		events.Scheme = "ws"
	}

	tlsCfg := cfg.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // hub certificate is self-signed
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsCfg

	return &Client{
		cfg:    cfg,
		rest:   rest,
		events: &events,
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.RequestTimeout,
		},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			TLSClientConfig:  tlsCfg,
			HandshakeTimeout: cfg.RequestTimeout,
		},
	}, nil
}

func baseURL(addr string) (*url.URL, error) {
	addr = strings.TrimRight(strings.TrimSpace(addr), "/")
	if !strings.Contains(addr, "://") {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			addr = net.JoinHostPort(strings.Trim(addr, "[]"), model.DefaultHubPort)
		}
		addr = "https://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("hub: invalid address %q: %w", addr, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("hub: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("hub: invalid address %q", addr)
	}
	if !strings.HasSuffix(u.Path, "/v1") {
		u.Path += "/v1"
	}
	return u, nil
}

// Ping lists the scenes, which requires a valid token and costs the hub
// almost nothing.
func (c *Client) Ping(ctx context.Context) error {
	return c.get(ctx, "/scenes", nil)
}

// Devices lists every device with its current attributes.
func (c *Client) Devices(ctx context.Context) ([]model.Device, error) {
	var devices []model.Device
	if err := c.get(ctx, "/devices", &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	u := *c.rest
	u.Path += path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("hub: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("hub: decode %s: %w", path, err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w (status %d)", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("hub: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Subscribe opens the event websocket.
func (c *Client) Subscribe(ctx context.Context) (model.EventStream, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Token)

	conn, resp, err := c.dialer.DialContext(ctx, c.events.String(), header)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			if serr := checkStatus(resp); serr != nil {
				return nil, fmt.Errorf("subscribe: %w", serr)
			}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: subscribe: %w", ErrUnreachable, err)
	}
	klog.V(1).Infof("hub: event stream connected to %s", c.events.Host)
	return newStream(conn, c.cfg.HeartbeatTimeout), nil
}
