package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kalambet/feedbackd/internal/api"
	"github.com/kalambet/feedbackd/internal/cache"
	"github.com/kalambet/feedbackd/internal/config"
)

type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &apiClient{
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:   cfg.Server.APIToken,
		// Uncached AI queries over long ranges can take minutes.
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is feedbackd running? (%w)", err)
	}
	return resp, nil
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
		}
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
				Type    string `json:"type"`
			} `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("server returned %d (%s): %s", resp.StatusCode, apiErr.Error.Type, apiErr.Error.Message)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func feedbackPath(from, to string, ai bool) string {
	q := url.Values{}
	q.Set("from", from)
	q.Set("to", to)
	q.Set("ai", strconv.FormatBool(ai))
	return "/feedback?" + q.Encode()
}

func (c *apiClient) queryFeedback(ctx context.Context, from, to string, ai bool) (api.FeedbackResponse, error) {
	var out api.FeedbackResponse
	resp, err := c.get(ctx, feedbackPath(from, to, ai))
	if err != nil {
		return out, err
	}
	err = decodeJSON(resp, &out)
	return out, err
}

func (c *apiClient) health(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	resp, err := c.get(ctx, "/health")
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	// 503 still carries a health body.
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("server returned %d: %w", resp.StatusCode, err)
	}
	return out, nil
}

func (c *apiClient) cacheStats(ctx context.Context) ([]cache.Stats, error) {
	var out struct {
		Caches []cache.Stats `json:"caches"`
	}
	resp, err := c.get(ctx, "/cache/stats")
	if err != nil {
		return nil, err
	}
	err = decodeJSON(resp, &out)
	return out.Caches, err
}
