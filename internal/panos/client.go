// Package panos implements the management-API client for a single
// firewall target: keygen authentication, operational queries, and parsing
// of the XML responses into typed readings.
package panos

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fwmon/fwmon/internal/errors"
)

// ResponseObserver receives every raw XML response body before parsing.
// The external debug-dump logger hooks in here; the default is a no-op.
type ResponseObserver func(query, body string)

// Client talks to one appliance. It is stateless per call except for the
// cached API key, which is lazily acquired and re-acquired on auth expiry.
type Client struct {
	base     string
	username string
	password string
	httpc    *http.Client

	mu       sync.Mutex
	apiKey   string
	observer ResponseObserver
}

// NewClient creates a client for the given management address.
// The host may omit the https:// prefix.
func NewClient(host, username, password string, verifySSL bool) *Client {
	base := strings.TrimRight(host, "/")
	if !strings.HasPrefix(base, "http") {
		base = "https://" + base
	}

	transport := &http.Transport{
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: !verifySSL}, //nolint:gosec // operator-controlled verify policy
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		base:     base,
		username: username,
		password: password,
		httpc:    &http.Client{Transport: transport},
	}
}

// SetResponseObserver installs a hook that sees every raw response body.
func (c *Client) SetResponseObserver(obs ResponseObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = obs
}

// HasKey reports whether an API key is currently cached.
func (c *Client) HasKey() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.apiKey != ""
}

// InvalidateKey discards the cached API key, forcing re-authentication on
// the next query. The worker calls this when its loops stop so a stopped
// target does not keep holding a live token.
func (c *Client) InvalidateKey() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = ""
}

// Authenticate performs a keygen request and caches the resulting API key.
func (c *Client) Authenticate(ctx context.Context) error {
	body, err := c.get(ctx, url.Values{
		"type":     {"keygen"},
		"user":     {c.username},
		"password": {c.password},
	})
	if err != nil {
		if isTimeout(err) {
			return errors.Wrap(err, errors.ErrTimeout, "Keygen request timed out")
		}
		return errors.Wrap(err, errors.ErrUnreachable, "Keygen request failed")
	}

	key, err := parseKeygen(body)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.apiKey = key
	c.mu.Unlock()
	return nil
}

// op executes an operational command. If the cached key is missing it
// authenticates first; if the appliance reports the key expired, it
// re-authenticates once and retries exactly once before surfacing failure.
func (c *Client) op(ctx context.Context, cmd string) (string, error) {
	c.mu.Lock()
	key := c.apiKey
	c.mu.Unlock()

	if key == "" {
		if err := c.Authenticate(ctx); err != nil {
			return "", err
		}
		c.mu.Lock()
		key = c.apiKey
		c.mu.Unlock()
	}

	body, err := c.opWithKey(ctx, cmd, key)
	if err == nil || !errors.IsCode(err, errors.ErrAuth) {
		return body, err
	}

	// Key expired: one re-auth, one retry, then give up.
	if err := c.Authenticate(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	key = c.apiKey
	c.mu.Unlock()
	return c.opWithKey(ctx, cmd, key)
}

func (c *Client) opWithKey(ctx context.Context, cmd, key string) (string, error) {
	body, err := c.get(ctx, url.Values{
		"type": {"op"},
		"cmd":  {cmd},
		"key":  {key},
	})
	if err != nil {
		if isTimeout(err) {
			return "", errors.Wrap(err, errors.ErrTimeout, "API request timed out")
		}
		return "", errors.Wrap(err, errors.ErrUnreachable, "API request failed")
	}

	if authExpired(body) {
		return "", errors.New(errors.ErrAuth, "API key rejected by target", "")
	}

	c.mu.Lock()
	obs := c.observer
	c.mu.Unlock()
	if obs != nil {
		obs(cmd, body)
	}

	return body, nil
}

// get issues one bounded GET against the /api/ endpoint.
func (c *Client) get(ctx context.Context, params url.Values) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/", nil)
	if err != nil {
		return "", err
	}
	req.URL.RawQuery = params.Encode()

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", err
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, firstLine(string(raw)))
	}

	return string(raw), nil
}

// SystemResources queries the management-plane CPU breakdown.
func (c *Client) SystemResources(ctx context.Context) (MgmtCPU, error) {
	body, err := c.op(ctx, cmdSystemResources)
	if err != nil {
		return MgmtCPU{}, err
	}
	return ParseMgmtCPU(body)
}

// ResourceMonitor queries per-core data-plane CPU and packet-buffer
// utilization. Partial results are returned with per-section OK flags.
func (c *Client) ResourceMonitor(ctx context.Context) (ResourceReadings, error) {
	body, err := c.op(ctx, cmdResourceMonitor)
	if err != nil {
		return ResourceReadings{}, err
	}
	return ParseResourceMonitor(body), nil
}

// SessionInfo queries current throughput and packet rate.
func (c *Client) SessionInfo(ctx context.Context) (SessionReading, error) {
	body, err := c.op(ctx, cmdSessionInfo)
	if err != nil {
		return SessionReading{}, err
	}
	return ParseSessionInfo(body), nil
}

// SystemInfo queries hardware identity metadata.
func (c *Client) SystemInfo(ctx context.Context) (Identity, error) {
	body, err := c.op(ctx, cmdSystemInfo)
	if err != nil {
		return Identity{}, err
	}
	return ParseSystemInfo(body)
}

// envelope is the outer PAN-OS API response wrapper; only the status and
// code attributes matter for auth detection.
type envelope struct {
	XMLName xml.Name `xml:"response"`
	Status  string   `xml:"status,attr"`
	Code    string   `xml:"code,attr"`
	Msg     struct {
		Line string `xml:",chardata"`
	} `xml:"msg"`
}

// authExpired reports whether a response body is the appliance telling us
// the API key is no longer valid (code 403, "Invalid credentials").
func authExpired(body string) bool {
	var env envelope
	if err := xml.Unmarshal([]byte(body), &env); err != nil {
		return false
	}
	if env.Status != "error" {
		return false
	}
	if env.Code == "403" {
		return true
	}
	return strings.Contains(strings.ToLower(env.Msg.Line), "invalid credentials")
}

func isTimeout(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
