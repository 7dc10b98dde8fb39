package coord

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultRateLimit = 2.0
	DefaultBurst     = 4

	// Work URLs are short; anything larger is not a work item
	maxWorkBody = 64 << 10
)

// Config holds coordination client configuration
type Config struct {
	Server     string
	Identity   types.WorkerIdentity
	Timeout    time.Duration
	RateLimit  float64 // Requests per second; negative disables limiting
	Burst      int
	HTTPClient *http.Client
}

// Client talks to the coordination server. One Client, and so one HTTP
// connection pool, is shared by every request a worker makes.
type Client struct {
	base     *url.URL
	identity types.WorkerIdentity
	http     *http.Client
	limiter  *rate.Limiter
	logger   zerolog.Logger
}

// NormalizeServer prefixes a scheme-less server address with http://
func NormalizeServer(server string) string {
	server = strings.TrimSpace(server)
	lower := strings.ToLower(server)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return server
	}
	return "http://" + server
}

// NewClient creates a new coordination client
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Server) == "" {
		return nil, errors.New("server address is required")
	}
	base, err := url.Parse(NormalizeServer(cfg.Server))
	if err != nil {
		return nil, fmt.Errorf("invalid server address %q: %w", cfg.Server, err)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("invalid server address %q: missing host", cfg.Server)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	var limiter *rate.Limiter
	if cfg.RateLimit >= 0 {
		limit, burst := cfg.RateLimit, cfg.Burst
		if limit == 0 {
			limit = DefaultRateLimit
		}
		if burst <= 0 {
			burst = DefaultBurst
		}
		limiter = rate.NewLimiter(rate.Limit(limit), burst)
	}

	return &Client{
		base:     base,
		identity: cfg.Identity,
		http:     httpClient,
		limiter:  limiter,
		logger:   log.WithComponent("coord"),
	}, nil
}

// Server returns the normalized server base URL
func (c *Client) Server() string {
	return c.base.String()
}

// endpoint resolves name against the server the way a browser resolves a
// relative link, so a base of http://host/api/ yields http://host/api/work
func (c *Client) endpoint(name string, query url.Values) string {
	u := c.base.ResolveReference(&url.URL{Path: name})
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) idQuery() url.Values {
	return url.Values{"id": {string(c.identity)}}
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return nil, err
		}
	}
	return c.http.Do(req)
}

// FetchAccount requests a fresh VPN account from GET /setup
func (c *Client) FetchAccount(ctx context.Context) (types.VPNAccount, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("setup", c.idQuery()), nil)
	if err != nil {
		return types.VPNAccount{}, fmt.Errorf("failed to create setup request: %w", err)
	}

	resp, err := c.do(req)
	if err != nil {
		return types.VPNAccount{}, fmt.Errorf("setup request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.VPNAccount{}, fmt.Errorf("unexpected setup status: %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	var body types.SetupResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return types.VPNAccount{}, fmt.Errorf("failed to decode setup response: %w", err)
	}
	if body.Account == nil {
		return types.VPNAccount{}, errors.New("setup response has no account")
	}
	return *body.Account, nil
}

// FetchWork returns the next URL to visit. An empty string means no work,
// whether the server has none or could not be reached.
func (c *Client) FetchWork(ctx context.Context) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("work", c.idQuery()), nil)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to create work request")
		return ""
	}

	resp, err := c.do(req)
	if err != nil {
		c.logger.Debug().Err(err).Msg("Work request failed")
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Debug().Int("status", resp.StatusCode).Msg("Work request rejected")
		return ""
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxWorkBody))
	if err != nil {
		c.logger.Debug().Err(err).Msg("Failed to read work response")
		return ""
	}
	return strings.TrimSpace(string(body))
}

// PostResult uploads the artifacts for url. It reports true only when the
// server answers 200.
func (c *Client) PostResult(ctx context.Context, workURL string, png, pcap []byte) bool {
	form := url.Values{
		"id":        {string(c.identity)},
		"url":       {workURL},
		"png_data":  {hex.EncodeToString(png)},
		"pcap_data": {hex.EncodeToString(pcap)},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("work", nil), strings.NewReader(form.Encode()))
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to create result request")
		return false
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.do(req)
	if err != nil {
		c.logger.Debug().Err(err).Msg("Result upload failed")
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxWorkBody))

	if resp.StatusCode != http.StatusOK {
		c.logger.Debug().Int("status", resp.StatusCode).Msg("Result upload rejected")
		return false
	}
	return true
}
