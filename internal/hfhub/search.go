// Package hfhub is a minimal Hugging Face Hub client used to source
// existing datasets for the web executor: keyword search over the dataset
// index plus row fetches through the datasets-server API.
package hfhub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/lamim/sdgforge/internal/executor"
)

const (
	hubAPIBase        = "https://huggingface.co/api"
	datasetsServerAPI = "https://datasets-server.huggingface.co"

	// DefaultTimeout bounds each hub request
	DefaultTimeout = 60 * time.Second
	// MaxRetries is the retry bound for rate-limited hub requests
	MaxRetries = 3
)

// Client searches the dataset index and streams rows. It implements the
// dataset-search collaborator the web executor consumes.
type Client struct {
	token      string
	hubBase    string
	serverBase string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a hub client. An empty token restricts access to
// public datasets, which is enough for sourcing.
func NewClient(token string, logger *slog.Logger) *Client {
	return &Client{
		token:      token,
		hubBase:    hubAPIBase,
		serverBase: datasetsServerAPI,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: logger.With("component", "hfhub"),
	}
}

type searchResult struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Private     bool   `json:"private"`
	Gated       any    `json:"gated"`
}

// Search returns up to limit datasets matching the query, most-downloaded
// first. Private and gated datasets are filtered out.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]executor.DatasetRef, error) {
	u := fmt.Sprintf("%s/datasets?search=%s&limit=%d&sort=downloads&direction=-1",
		c.hubBase, url.QueryEscape(query), limit*2)

	var results []searchResult
	if err := c.getJSON(ctx, u, &results); err != nil {
		return nil, fmt.Errorf("dataset search %q: %w", query, err)
	}

	refs := make([]executor.DatasetRef, 0, limit)
	for _, r := range results {
		if r.Private {
			continue
		}
		if gated, ok := r.Gated.(bool); ok && gated {
			continue
		}
		if s, ok := r.Gated.(string); ok && s != "" && s != "false" {
			continue
		}
		refs = append(refs, executor.DatasetRef{ID: r.ID, Description: r.Description})
		if len(refs) >= limit {
			break
		}
	}
	c.logger.Debug("Dataset search", "query", query, "hits", len(refs))
	return refs, nil
}

type splitsResponse struct {
	Splits []struct {
		Dataset string `json:"dataset"`
		Config  string `json:"config"`
		Split   string `json:"split"`
	} `json:"splits"`
}

type rowsResponse struct {
	Rows []struct {
		Row map[string]json.RawMessage `json:"row"`
	} `json:"rows"`
}

// Rows fetches up to limit rows from the dataset's first train-like split.
// Cell values are flattened to strings; nested values keep their JSON form.
func (c *Client) Rows(ctx context.Context, datasetID string, limit int) ([]map[string]string, error) {
	var splits splitsResponse
	u := fmt.Sprintf("%s/splits?dataset=%s", c.serverBase, url.QueryEscape(datasetID))
	if err := c.getJSON(ctx, u, &splits); err != nil {
		return nil, fmt.Errorf("splits for %s: %w", datasetID, err)
	}
	if len(splits.Splits) == 0 {
		return nil, fmt.Errorf("dataset %s has no readable splits", datasetID)
	}

	config, split := splits.Splits[0].Config, splits.Splits[0].Split
	for _, s := range splits.Splits {
		if s.Split == "train" {
			config, split = s.Config, s.Split
			break
		}
	}

	var rows []map[string]string
	for offset := 0; len(rows) < limit; {
		length := limit - len(rows)
		if length > 100 {
			length = 100 // datasets-server page cap
		}
		u := fmt.Sprintf("%s/rows?dataset=%s&config=%s&split=%s&offset=%d&length=%d",
			c.serverBase, url.QueryEscape(datasetID),
			url.QueryEscape(config), url.QueryEscape(split), offset, length)

		var page rowsResponse
		if err := c.getJSON(ctx, u, &page); err != nil {
			return nil, fmt.Errorf("rows for %s: %w", datasetID, err)
		}
		if len(page.Rows) == 0 {
			break
		}
		for _, r := range page.Rows {
			rows = append(rows, flattenRow(r.Row))
		}
		offset += len(page.Rows)
	}
	c.logger.Debug("Fetched dataset rows", "dataset", datasetID, "rows", len(rows))
	return rows, nil
}

func flattenRow(row map[string]json.RawMessage) map[string]string {
	out := make(map[string]string, len(row))
	for k, raw := range row {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			out[k] = s
			continue
		}
		out[k] = string(raw)
	}
	return out
}

func (c *Client) getJSON(ctx context.Context, rawURL string, dst any) error {
	var lastErr error
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 2 * time.Second
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return json.Unmarshal(body, dst)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = fmt.Errorf("hub returned %d", resp.StatusCode)
			c.logger.Warn("Hub request retrying", "status", resp.StatusCode, "attempt", attempt+1)
			continue
		default:
			return fmt.Errorf("hub returned %d: %s", resp.StatusCode, string(body[:min(len(body), 200)]))
		}
	}
	return fmt.Errorf("hub request failed after %d attempts: %w", MaxRetries+1, lastErr)
}
