package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shurcooL/graphql"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"repohealth/logger"
)

// ErrRepositoryNotFound is returned when the provider has no such repository
// or the token cannot see it.
var ErrRepositoryNotFound = errors.New("repository not found")

const (
	defaultBaseURL = "https://api.github.com"
	userAgent      = "repohealth"

	// rateLimitLowWater is the remaining-request count below which every
	// response is logged at warn level.
	rateLimitLowWater = 100
)

// RateLimit represents GitHub's rate limit information
type RateLimit struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

// Config configures a Client.
type Config struct {
	Token             string
	BaseURL           string
	GraphQLURL        string
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	Burst             int
}

// Client talks to the GitHub REST and GraphQL APIs.
type Client struct {
	token      string
	httpClient *http.Client
	baseURL    *url.URL
	gql        *graphql.Client
	limiter    *rate.Limiter
	timeout    time.Duration
	now        func() time.Time
}

// NewClient builds a client. Empty URLs fall back to api.github.com; a zero
// RequestsPerSecond disables client-side throttling.
func NewClient(cfg Config) (*Client, error) {
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	baseURL, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid GitHub base URL %q: %w", base, err)
	}

	gqlURL := cfg.GraphQLURL
	if gqlURL == "" {
		gqlURL = baseURL.String() + "/graphql"
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	httpClient := &http.Client{
		Timeout: timeout,
		Transport: &authTransport{
			token: cfg.Token,
			base:  http.DefaultTransport,
		},
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	logger.Info("Initializing GitHub client",
		zap.String("base_url", baseURL.String()),
		zap.String("graphql_url", gqlURL),
		zap.Duration("request_timeout", timeout))

	return &Client{
		token:      cfg.Token,
		httpClient: httpClient,
		baseURL:    baseURL,
		gql:        graphql.NewClient(gqlURL, httpClient),
		limiter:    limiter,
		timeout:    timeout,
		now:        time.Now,
	}, nil
}

// wait blocks until the client-side limiter admits one more request.
func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// authTransport adds the token and user agent to every request and records
// the rate limit reported back.
type authTransport struct {
	token string
	base  http.RoundTripper
}

// RoundTrip implements http.RoundTripper
func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	logRateLimit(req, parseRateLimit(resp))
	return resp, nil
}

// parseRateLimit parses rate limit information from response headers
func parseRateLimit(resp *http.Response) RateLimit {
	limit, _ := strconv.Atoi(resp.Header.Get("X-RateLimit-Limit"))
	remaining, _ := strconv.Atoi(resp.Header.Get("X-RateLimit-Remaining"))
	reset, _ := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64)

	return RateLimit{
		Limit:     limit,
		Remaining: remaining,
		Reset:     time.Unix(reset, 0),
	}
}

func logRateLimit(req *http.Request, rl RateLimit) {
	if rl.Limit == 0 {
		return
	}
	fields := []zap.Field{
		zap.String("path", req.URL.Path),
		zap.Int("limit", rl.Limit),
		zap.Int("remaining", rl.Remaining),
		zap.Time("reset_time", rl.Reset),
	}
	if rl.Remaining < rateLimitLowWater {
		logger.Warn("GitHub rate limit running low", fields...)
		return
	}
	logger.Debug("GitHub rate limit", fields...)
}

// isRateLimited reports whether a 403 is a rate limit rejection rather than
// a permission problem.
func isRateLimited(resp *http.Response) bool {
	return resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0"
}
