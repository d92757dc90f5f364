// Package connector talks to the REST API of an automation platform
// cluster: version detection, liveness, paginated crawling of jobs and
// their host summaries, and OAuth token refresh.
package connector

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/livinlefevreloca/aapsync/internal/db"
)

// API flavors recorded on the cluster after version detection
const (
	Version24 = "2.4"
	Version25 = "2.5"
)

const (
	gatewayPingPath  = "/api/gateway/v1/ping/"
	v2Prefix         = "/api/v2"
	controllerPrefix = "/api/controller/v2"
	tokenPath        = "/o/token/"
)

// Config holds connector settings
type Config struct {
	RequestTimeout    time.Duration `toml:"request_timeout"`
	PageSize          int           `toml:"page_size"`
	RequestsPerSecond float64       `toml:"requests_per_second"`
	// InitialSyncCron defines the sync window used when a cluster has never
	// been synced.
	InitialSyncCron string `toml:"initial_sync_cron"`
}

// DefaultConfig returns the default connector configuration
func DefaultConfig() Config {
	return Config{
		RequestTimeout:    30 * time.Second,
		PageSize:          100,
		RequestsPerSecond: 10,
		InitialSyncCron:   "0 0 * * *",
	}
}

// TokenSaver persists refreshed OAuth tokens of a cluster
type TokenSaver interface {
	SaveTokens(ctx context.Context, clusterID, accessToken, refreshToken string) error
}

// TokenSaverFunc adapts a function to TokenSaver
type TokenSaverFunc func(ctx context.Context, clusterID, accessToken, refreshToken string) error

func (f TokenSaverFunc) SaveTokens(ctx context.Context, clusterID, accessToken, refreshToken string) error {
	return f(ctx, clusterID, accessToken, refreshToken)
}

// DBTokenSaver stores refreshed tokens on the cluster row
func DBTokenSaver(q db.Querier) TokenSaver {
	return TokenSaverFunc(func(ctx context.Context, clusterID, accessToken, refreshToken string) error {
		return db.UpdateClusterTokens(ctx, q, clusterID, accessToken, refreshToken)
	})
}

// Connector is an API client bound to one cluster. It is not safe for
// concurrent use.
type Connector struct {
	cluster *db.Cluster
	config  Config
	client  *resty.Client
	limiter *rate.Limiter
	tokens  TokenSaver
	logger  *slog.Logger
	prefix  string
}

// New creates a connector for cluster
func New(cluster *db.Cluster, config Config, tokens TokenSaver, logger *slog.Logger) *Connector {
	client := resty.New().
		SetBaseURL(cluster.BaseURL()).
		SetTimeout(config.RequestTimeout).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")
	client.JSONMarshal = json.Marshal
	client.JSONUnmarshal = json.Unmarshal
	if cluster.AccessToken != "" {
		client.SetAuthToken(cluster.AccessToken)
	}
	if !cluster.VerifySSL {
		client.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}

	limit := rate.Inf
	if config.RequestsPerSecond > 0 {
		limit = rate.Limit(config.RequestsPerSecond)
	}
	if config.PageSize <= 0 {
		config.PageSize = DefaultConfig().PageSize
	}

	c := &Connector{
		cluster: cluster,
		config:  config,
		client:  client,
		limiter: rate.NewLimiter(limit, 1),
		tokens:  tokens,
		logger:  logger.With("cluster", cluster.Address),
		prefix:  v2Prefix,
	}
	if cluster.APIVersion == Version25 {
		c.prefix = controllerPrefix
	}
	return c
}

// Cluster returns the cluster the connector is bound to
func (c *Connector) Cluster() *db.Cluster {
	return c.cluster
}

// DetectVersion probes the platform gateway first and the legacy
// controller API second, selecting the matching path prefix.
func (c *Connector) DetectVersion(ctx context.Context) (string, error) {
	resp, err := c.get(ctx, gatewayPingPath, nil)
	if err == nil && resp.StatusCode() == http.StatusOK {
		c.prefix = controllerPrefix
		c.cluster.APIVersion = Version25
		return Version25, nil
	}

	url := v2Prefix + "/ping/"
	resp, err = c.get(ctx, url, nil)
	if err != nil {
		return "", fmt.Errorf("detect version: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("detect version: %w", &StatusError{URL: url, Code: resp.StatusCode()})
	}
	c.prefix = v2Prefix
	c.cluster.APIVersion = Version24
	return Version24, nil
}

// Ping returns the parsed ping document, or false on any failure
func (c *Connector) Ping(ctx context.Context) (map[string]any, bool) {
	url := c.prefix + "/ping/"
	resp, err := c.get(ctx, url, nil)
	if err != nil {
		c.logger.Warn("ping failed", "error", err)
		return nil, false
	}
	if resp.StatusCode() != http.StatusOK {
		c.logger.Warn("ping failed", "status", resp.StatusCode())
		return nil, false
	}

	var doc map[string]any
	if err := json.Unmarshal(resp.Body(), &doc); err != nil {
		c.logger.Warn("ping returned invalid json", "error", err)
		return nil, false
	}
	return doc, true
}

// FetchJobs lists jobs finished in (since, until], oldest first. The
// sequence yields an error once and stops on a failed page.
func (c *Connector) FetchJobs(ctx context.Context, since, until *time.Time) iter.Seq2[Job, error] {
	query := map[string]string{
		"page_size": strconv.Itoa(c.config.PageSize),
		"page":      "1",
		"order_by":  "finished",
	}
	if since != nil {
		query["finished__gt"] = since.UTC().Format(time.RFC3339Nano)
	}
	if until != nil {
		query["finished__lte"] = until.UTC().Format(time.RFC3339Nano)
	}
	return fetchPages[Job](ctx, c, c.prefix+"/jobs/", query)
}

// FetchHostSummaries lists the host summaries of one job
func (c *Connector) FetchHostSummaries(ctx context.Context, jobID int64) iter.Seq2[HostSummary, error] {
	query := map[string]string{
		"page_size": strconv.Itoa(c.config.PageSize),
		"page":      "1",
		"order_by":  "modified",
	}
	return fetchPages[HostSummary](ctx, c, fmt.Sprintf("%s/jobs/%d/job_host_summaries/", c.prefix, jobID), query)
}

// FetchOrganizations lists every organization
func (c *Connector) FetchOrganizations(ctx context.Context) iter.Seq2[Ref, error] {
	return fetchPages[Ref](ctx, c, c.prefix+"/organizations/", c.listQuery())
}

// FetchJobTemplates lists every job template
func (c *Connector) FetchJobTemplates(ctx context.Context) iter.Seq2[Ref, error] {
	return fetchPages[Ref](ctx, c, c.prefix+"/job_templates/", c.listQuery())
}

func (c *Connector) listQuery() map[string]string {
	return map[string]string{
		"page_size": strconv.Itoa(c.config.PageSize),
		"page":      "1",
		"order_by":  "id",
	}
}

// fetchPages follows the next links of a list endpoint. The first request
// carries query; later pages use the next link verbatim.
func fetchPages[T any](ctx context.Context, c *Connector, path string, query map[string]string) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		next, params := path, query
		for next != "" {
			resp, err := c.get(ctx, next, params)
			if err != nil {
				c.logger.Error("request failed", "url", next, "error", err)
				yield(zero, fmt.Errorf("GET %s: %w", next, err))
				return
			}
			if resp.StatusCode() != http.StatusOK {
				err := &StatusError{URL: next, Code: resp.StatusCode()}
				c.logger.Error("request failed", "url", next, "status", resp.StatusCode())
				yield(zero, err)
				return
			}

			var p page[T]
			if err := json.Unmarshal(resp.Body(), &p); err != nil {
				c.logger.Error("invalid page", "url", next, "error", err)
				yield(zero, fmt.Errorf("decode %s: %w", next, err))
				return
			}
			for _, item := range p.Results {
				if !yield(item, nil) {
					return
				}
			}

			params = nil
			next = ""
			if p.Next != nil {
				next = *p.Next
			}
		}
	}
}

// get issues one rate limited GET. A 401 triggers one token refresh and
// one retry of the same request.
func (c *Connector) get(ctx context.Context, url string, query map[string]string) (*resty.Response, error) {
	resp, err := c.do(ctx, url, query)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusUnauthorized || c.cluster.RefreshToken == "" {
		return resp, nil
	}

	c.logger.Info("access token rejected, refreshing")
	if err := c.refreshToken(ctx); err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	return c.do(ctx, url, query)
}

func (c *Connector) do(ctx context.Context, url string, query map[string]string) (*resty.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req := c.client.R().SetContext(ctx)
	if len(query) > 0 {
		req.SetQueryParams(query)
	}
	return req.Get(url)
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func (c *Connector) refreshToken(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": c.cluster.RefreshToken,
			"client_id":     c.cluster.ClientID,
			"client_secret": c.cluster.ClientSecret,
		}).
		Post(tokenPath)
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return &StatusError{URL: tokenPath, Code: resp.StatusCode()}
	}

	var token tokenResponse
	if err := json.Unmarshal(resp.Body(), &token); err != nil {
		return fmt.Errorf("decode token response: %w", err)
	}
	if token.AccessToken == "" {
		return errors.New("token response without access_token")
	}
	if token.RefreshToken == "" {
		token.RefreshToken = c.cluster.RefreshToken
	}

	if c.tokens != nil {
		if err := c.tokens.SaveTokens(ctx, c.cluster.ID, token.AccessToken, token.RefreshToken); err != nil {
			return fmt.Errorf("save tokens: %w", err)
		}
	}
	c.cluster.AccessToken = token.AccessToken
	c.cluster.RefreshToken = token.RefreshToken
	c.client.SetAuthToken(token.AccessToken)
	return nil
}
