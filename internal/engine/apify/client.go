// Package apify is a client for the Apify actor-run API used to harvest reels.
//
// Flow: POST /v2/acts/{actor}/runs → poll GET /v2/actor-runs/{id} → GET /v2/datasets/{id}/items.
package apify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/anatolykoptev/go_reels/internal/engine"
)

// Errors surfaced by Scrape. Both are per-source and must not abort a run.
var (
	ErrScrapeJobFailed = errors.New("scrape job failed")
	ErrScrapeTimeout   = errors.New("scrape job timed out")
)

// errRunPending marks a poll that saw a non-terminal status.
var errRunPending = errors.New("run still in progress")

const (
	DefaultBaseURL = "https://api.apify.com"
	DefaultActor   = "apify~instagram-scraper"
)

// Run statuses reported by the provider.
const (
	statusSucceeded = "SUCCEEDED"
	statusFailed    = "FAILED"
	statusAborted   = "ABORTED"
	statusTimedOut  = "TIMED-OUT"
)

// Config configures a Client.
type Config struct {
	Token        string
	BaseURL      string
	Actor        string
	PollInterval time.Duration
	PollAttempts int
	ProxyGroups  []string
	HTTPClient   *http.Client
	HTTPPolicy   engine.RetryPolicy
}

// Client submits actor runs and collects their datasets.
type Client struct {
	token      string
	baseURL    string
	actor      string
	poll       engine.RetryPolicy
	proxy      []string
	httpClient *http.Client
	httpPolicy engine.RetryPolicy
}

// New returns a Client. Token is required.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("apify: token is required")
	}
	c := &Client{
		token:      cfg.Token,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		actor:      cfg.Actor,
		proxy:      cfg.ProxyGroups,
		httpClient: cfg.HTTPClient,
		httpPolicy: cfg.HTTPPolicy,
		poll: engine.RetryPolicy{
			Attempts: cfg.PollAttempts,
			Delay:    cfg.PollInterval,
			Kind:     engine.BackoffConstant,
		},
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.actor == "" {
		c.actor = DefaultActor
	}
	if c.poll.Delay <= 0 {
		c.poll.Delay = 2 * time.Second
	}
	if c.poll.Attempts <= 0 {
		c.poll.Attempts = 150
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if c.httpPolicy.Attempts == 0 {
		c.httpPolicy = engine.DefaultHTTPPolicy
	}
	return c, nil
}

// APIError is a non-2xx provider response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("apify status %d: %s", e.StatusCode, e.Body)
}

// runInfo is the subset of the run object this client reads.
type runInfo struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	StatusMessage    string `json:"statusMessage"`
	DefaultDatasetID string `json:"defaultDatasetId"`
}

type runEnvelope struct {
	Data runInfo `json:"data"`
}

// startRun submits an actor run with input as the JSON body.
func (c *Client) startRun(ctx context.Context, input any) (runInfo, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return runInfo{}, fmt.Errorf("encode input: %w", err)
	}
	endpoint := fmt.Sprintf("%s/v2/acts/%s/runs", c.baseURL, url.PathEscape(c.actor))

	var env runEnvelope
	if err := c.doJSON(ctx, http.MethodPost, endpoint, body, &env); err != nil {
		return runInfo{}, fmt.Errorf("start run: %w", err)
	}
	if env.Data.ID == "" {
		return runInfo{}, errors.New("start run: empty run id")
	}
	return env.Data, nil
}

// waitRun polls the run until it reaches a terminal status or the poll budget runs out.
func (c *Client) waitRun(ctx context.Context, runID string) (runInfo, error) {
	endpoint := fmt.Sprintf("%s/v2/actor-runs/%s", c.baseURL, url.PathEscape(runID))

	run, err := engine.Retry(ctx, c.poll, func() (runInfo, error) {
		var env runEnvelope
		if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &env); err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
				return runInfo{}, backoff.Permanent(err)
			}
			// transient poll failures count against the same budget
			slog.Debug("apify: poll failed", slog.String("run", runID), slog.Any("error", err))
			return runInfo{}, err
		}
		switch env.Data.Status {
		case statusSucceeded:
			return env.Data, nil
		case statusFailed, statusAborted, statusTimedOut:
			return env.Data, backoff.Permanent(fmt.Errorf("%w: run %s ended %s: %s",
				ErrScrapeJobFailed, runID, env.Data.Status, env.Data.StatusMessage))
		default:
			return env.Data, errRunPending
		}
	})
	if err == nil {
		return run, nil
	}
	var apiErr *APIError
	if errors.Is(err, ErrScrapeJobFailed) || errors.As(err, &apiErr) || ctx.Err() != nil {
		return runInfo{}, err
	}
	return runInfo{}, fmt.Errorf("%w: run %s after %d polls: %v", ErrScrapeTimeout, runID, c.poll.Attempts, err)
}

// datasetItems fetches all items of a dataset, numbers decoded as json.Number.
func (c *Client) datasetItems(ctx context.Context, datasetID string) ([]engine.RawPost, error) {
	endpoint := fmt.Sprintf("%s/v2/datasets/%s/items?format=json&clean=true", c.baseURL, url.PathEscape(datasetID))

	resp, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dataset items: %w", err)
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var items []engine.RawPost
	if err := dec.Decode(&items); err != nil {
		return nil, fmt.Errorf("decode dataset: %w", err)
	}
	return items, nil
}

// do sends an authenticated request with transient-failure retry and checks for 2xx.
func (c *Client) do(ctx context.Context, method, endpoint string, body []byte) (*http.Response, error) {
	resp, err := engine.RetryHTTP(ctx, c.httpPolicy, func() (*http.Response, error) {
		var r io.Reader
		if body != nil {
			r = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, r)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return c.httpClient.Do(req)
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, body []byte, out any) error {
	resp, err := c.do(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
