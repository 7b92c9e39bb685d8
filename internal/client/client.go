package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/veeam-token-mock/internal/errors"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"k8s.io/utils/clock"
)

// maxResponseBytes caps response body reads.
const maxResponseBytes = 1024 * 1024

// Grant names reported in Result.Grants.
const (
	GrantPassword     = "password"
	GrantRefreshToken = "refresh_token"
)

// Options configures a Client.
type Options struct {
	Config      *Config
	Target      string
	Credentials Credentials
	Cache       *TokenCache
	Clock       clock.PassiveClock
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// Client scrapes one target, keeping its token pair fresh.
type Client struct {
	cfg        *Config
	baseURL    string
	creds      Credentials
	cache      *TokenCache
	clock      clock.PassiveClock
	httpClient *http.Client
	oauth      oauth2.Config
	logger     *slog.Logger

	token  *CachedToken
	grants []string
}

// New builds a client for opts.Target.
func New(opts Options) (*Client, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("client config is required")
	}
	if opts.Cache == nil {
		return nil, fmt.Errorf("token cache is required")
	}

	baseURL, err := opts.Config.ResolveTarget(opts.Target)
	if err != nil {
		return nil, err
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Config.Timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{
		cfg:        opts.Config,
		baseURL:    baseURL,
		creds:      opts.Credentials,
		cache:      opts.Cache,
		clock:      clk,
		httpClient: httpClient,
		oauth: oauth2.Config{
			ClientID: opts.Config.ClientID,
			Endpoint: oauth2.Endpoint{
				TokenURL: baseURL + opts.Config.TokenPath,
				// Auto-detection retries failed requests with a second
				// auth style, which would double every failed grant.
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		logger: logger,
	}, nil
}

// BaseURL returns the resolved target URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Result is one scrape.
type Result struct {
	Up      bool
	Grants  []string
	Samples map[string]float64
	Errors  []error
}

// Collect ensures a usable token, then fetches every configured endpoint.
// A 401 triggers one renewal and retry per endpoint. Endpoint failures are
// collected in Result.Errors; only token acquisition failure is returned
// as an error.
func (c *Client) Collect(ctx context.Context) (*Result, error) {
	c.grants = nil

	if err := c.ensureToken(ctx, false); err != nil {
		return &Result{Grants: c.grants}, err
	}

	res := &Result{Up: true, Samples: make(map[string]float64)}
	for _, ep := range c.cfg.Endpoints {
		body, err := c.fetch(ctx, ep)
		if err != nil {
			res.Up = false
			res.Errors = append(res.Errors, err)
			c.logger.Warn("endpoint scrape failed",
				slog.String("endpoint", ep),
				slog.String("error", err.Error()),
			)
			continue
		}
		c.extract(res.Samples, ep, body)
	}
	res.Grants = c.grants
	return res, nil
}

// errUnauthorized marks a 401 from a protected endpoint.
var errUnauthorized = errors.New("unauthorized")

func (c *Client) fetch(ctx context.Context, endpoint string) (string, error) {
	body, err := c.get(ctx, endpoint)
	if !errors.Is(err, errUnauthorized) {
		return body, err
	}

	c.logger.Info("token rejected, renewing", slog.String("endpoint", endpoint))
	if err := c.ensureToken(ctx, true); err != nil {
		return "", err
	}
	return c.get(ctx, endpoint)
}

func (c *Client) get(ctx context.Context, endpoint string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: GET %s: %w", apperrors.ErrTransport, endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("%w: reading %s: %w", apperrors.ErrTransport, endpoint, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return "", fmt.Errorf("GET %s: %w", endpoint, errUnauthorized)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("GET %s: status %d", endpoint, resp.StatusCode)
	case !gjson.Valid(string(data)):
		return "", fmt.Errorf("GET %s: invalid JSON body", endpoint)
	}
	return string(data), nil
}

// ensureToken loads the cached token and renews it when missing, inside
// the refresh margin, or when force is set. Renewal prefers the
// refresh_token grant and falls back to the password grant when the
// server no longer knows the refresh token.
func (c *Client) ensureToken(ctx context.Context, force bool) error {
	if c.token == nil {
		tok, err := c.cache.Load(c.baseURL)
		if err != nil {
			return err
		}
		c.token = tok
	}

	now := c.clock.Now()
	if !force && !NeedsRenewal(c.token, now, c.cfg.RefreshMargin) {
		c.logger.Debug("reusing cached token",
			slog.Duration("age", now.Sub(c.token.ObtainedAt)),
		)
		return nil
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	if c.token != nil && c.token.RefreshToken != "" {
		tok, err := c.refresh(ctx, c.token.RefreshToken)
		if err == nil {
			return c.store(tok)
		}
		if !isInvalidGrant(err) {
			return err
		}
		c.logger.Info("refresh token rejected, logging in again")
		if err := c.cache.Delete(c.baseURL); err != nil {
			return err
		}
		c.token = nil
	}

	tok, err := c.login(ctx)
	if err != nil {
		return err
	}
	return c.store(tok)
}

func (c *Client) login(ctx context.Context) (*oauth2.Token, error) {
	c.grants = append(c.grants, GrantPassword)
	tok, err := c.oauth.PasswordCredentialsToken(ctx, c.creds.Username, c.creds.Password)
	if err != nil {
		return nil, classify("password grant", err)
	}
	c.logger.Info("obtained token", slog.String("grant_type", GrantPassword))
	return tok, nil
}

func (c *Client) refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	c.grants = append(c.grants, GrantRefreshToken)
	// An empty access token makes the source go straight to the refresh grant.
	tok, err := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, classify("refresh_token grant", err)
	}
	c.logger.Info("obtained token", slog.String("grant_type", GrantRefreshToken))
	return tok, nil
}

func (c *Client) store(tok *oauth2.Token) error {
	cached := &CachedToken{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ObtainedAt:   c.clock.Now(),
		Lifetime:     tokenLifetime(tok),
	}
	if cached.RefreshToken == "" && c.token != nil {
		cached.RefreshToken = c.token.RefreshToken
	}
	c.token = cached
	return c.cache.Save(c.baseURL, cached)
}

// tokenLifetime reads expires_in from the token response. The library's
// own Expiry is computed from the wall clock, which the injected clock may
// not follow, so it is only a last resort.
func tokenLifetime(tok *oauth2.Token) time.Duration {
	if tok.ExpiresIn > 0 {
		return time.Duration(tok.ExpiresIn) * time.Second
	}
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		return time.Duration(v) * time.Second
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	if !tok.Expiry.IsZero() {
		return time.Until(tok.Expiry).Round(time.Second)
	}
	return 0
}

func isInvalidGrant(err error) bool {
	var re *oauth2.RetrieveError
	return errors.As(err, &re) && re.ErrorCode == "invalid_grant"
}

// classify keeps OAuth2 protocol errors as they are and marks anything
// else as a transport failure.
func classify(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", apperrors.ErrTransport, op, err)
}

// extract turns an endpoint payload into samples keyed by metric name.
func (c *Client) extract(samples map[string]float64, endpoint, body string) {
	name := metricName(c.cfg.MetricPrefix, endpoint)

	if st := gjson.Get(body, "serverTime"); st.Exists() {
		if ts, err := time.Parse(time.RFC3339, st.String()); err == nil {
			samples[name+"_seconds"] = float64(ts.Unix())
		}
		return
	}

	data := gjson.Get(body, "data")
	if !data.IsArray() {
		return
	}
	samples[name+"_total"] = float64(data.Get("#").Int())

	disabled := gjson.Get(body, "data.#(isDisabled==true)#")
	if disabled.IsArray() && strings.HasSuffix(endpoint, "/jobs") {
		samples[name+"_disabled_total"] = float64(disabled.Get("#").Int())
	}
}

// metricName turns /api/v1/serverTime into veeam_server_time.
func metricName(prefix, endpoint string) string {
	base := path.Base(endpoint)
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteByte('_')
	for i, r := range base {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// WriteSamples prints res in exposition-like text: an up gauge, then every
// sample sorted by name.
func WriteSamples(w io.Writer, prefix string, res *Result) error {
	up := 0
	if res != nil && res.Up {
		up = 1
	}
	if _, err := fmt.Fprintf(w, "%s_backup_test_up %d\n", prefix, up); err != nil {
		return err
	}
	if res == nil {
		return nil
	}

	names := make([]string, 0, len(res.Samples))
	for n := range res.Samples {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if _, err := fmt.Fprintf(w, "%s %s\n", n, strconv.FormatFloat(res.Samples[n], 'g', -1, 64)); err != nil {
			return err
		}
	}
	return nil
}

// RunOnce performs one scrape the way a single client invocation does:
// it opens the token cache named by the config unless opts.Cache is set,
// collects, and writes the samples to w. It returns an error when the
// token could not be obtained or any endpoint failed.
func RunOnce(ctx context.Context, opts Options, w io.Writer) (*Result, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("client config is required")
	}
	if opts.Cache == nil {
		cache, err := OpenTokenCache(opts.Config.TokenCache)
		if err != nil {
			return nil, err
		}
		defer cache.Close()
		opts.Cache = cache
	}

	c, err := New(opts)
	if err != nil {
		return nil, err
	}

	res, err := c.Collect(ctx)
	if werr := WriteSamples(w, opts.Config.MetricPrefix, res); werr != nil && err == nil {
		err = fmt.Errorf("writing samples: %w", werr)
	}
	if err != nil {
		return res, err
	}
	if !res.Up {
		return res, fmt.Errorf("scrape of %s incomplete: %w", c.BaseURL(), errors.Join(res.Errors...))
	}
	return res, nil
}
