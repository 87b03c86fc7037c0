package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/basket/sdoh-analyst/internal/audit"
	"github.com/basket/sdoh-analyst/internal/policy"
)

const (
	DefaultOverpassURL  = "https://overpass-api.de/api/interpreter"
	DefaultNominatimURL = "https://nominatim.openstreetmap.org/reverse"
	defaultUserAgent    = "sdoh-analyst/0.1"
	maxResponseBytes    = 16 << 20
)

// ClientConfig configures the OpenStreetMap HTTP client.
type ClientConfig struct {
	OverpassURL       string
	NominatimURL      string
	UserAgent         string
	RequestsPerSecond float64
	Timeout           time.Duration
}

// StatusError is a non-200 upstream response.
type StatusError struct {
	Service string
	Status  int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned HTTP %d", e.Service, e.Status)
}

// Client talks to Overpass and Nominatim. Every request is checked against
// policy, audited, and paced by a shared rate limiter.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	limiter *rate.Limiter
	policy  policy.Checker
	logger  *slog.Logger
}

func NewClient(cfg ClientConfig, pol policy.Checker, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.OverpassURL == "" {
		cfg.OverpassURL = DefaultOverpassURL
	}
	if cfg.NominatimURL == "" {
		cfg.NominatimURL = DefaultNominatimURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if pol == nil {
		pol = policy.Default()
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		policy:  pol,
		logger:  logger.With("component", "osm"),
	}
}

func (c *Client) do(req *http.Request, capability, service string) ([]byte, error) {
	ctx := req.Context()
	target := req.URL.String()
	if !c.policy.AllowCapability(capability) || !c.policy.AllowHTTPURL(target) {
		audit.Record(ctx, audit.Deny, capability, "host or capability not allowed", c.policy.PolicyVersion(), req.URL.Host)
		return nil, fmt.Errorf("policy denied %s request to %s", service, req.URL.Host)
	}
	audit.Record(ctx, audit.Allow, capability, "allowlisted", c.policy.PolicyVersion(), req.URL.Host)

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", service, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	c.logger.Debug("osm request", "service", service, "status", resp.StatusCode, "bytes", len(body), "ms", time.Since(start).Milliseconds())
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Service: service, Status: resp.StatusCode}
	}
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", service, err)
	}
	return body, nil
}

// Elements runs an Overpass QL query.
func (c *Client) Elements(ctx context.Context, query string) ([]Element, error) {
	form := url.Values{"data": {query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.OverpassURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	body, err := c.do(req, policy.CapGeoOverpass, "overpass")
	if err != nil {
		return nil, err
	}
	var out struct {
		Elements []Element `json:"elements"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode overpass response: %w", err)
	}
	return out.Elements, nil
}

// ReverseGeocode returns Nominatim's display name for a point.
func (c *Client) ReverseGeocode(ctx context.Context, lat, lon float64) (string, error) {
	u, err := url.Parse(c.cfg.NominatimURL)
	if err != nil {
		return "", fmt.Errorf("parse nominatim url: %w", err)
	}
	q := u.Query()
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	q.Set("format", "json")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	body, err := c.do(req, policy.CapGeoNominatim, "nominatim")
	if err != nil {
		return "", err
	}
	var out struct {
		DisplayName string `json:"display_name"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode nominatim response: %w", err)
	}
	return out.DisplayName, nil
}
