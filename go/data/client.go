// Package data implements the project data proxy client: datastore
// discovery through the hub adapter, FHIR queries and S3 key enumeration
// against the per-project sources behind the kong gateway.
package data

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/fedstar/core/go/config"
	"github.com/fedstar/core/go/ops"
)

// Source is one datastore available to the project.
type Source struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Paths []string `json:"paths"`
}

// keyPattern extracts object keys from an S3 listing response.
var keyPattern = regexp.MustCompile(`<Key>(.*?)</Key>`)

// Client queries the project's datastores. FHIR and S3 requests go through
// the kong gateway with the data source API key; datastore discovery goes
// through the hub adapter with the platform bearer token.
type Client struct {
	node   *config.Node
	logger *ops.Logger

	kongURL string
	hubURL  string
	http    *http.Client

	tokenMu sync.Mutex
	token   string

	mu      sync.Mutex
	sources []Source
}

// NewClient builds a Client against the node's ingress. It performs no
// network traffic; Connect fetches the source list.
func NewClient(node *config.Node, logger *ops.Logger) *Client {
	var ingress = node.Env.IngressHost()
	return &Client{
		node:    node,
		logger:  logger,
		kongURL: fmt.Sprintf("http://%s/kong", ingress),
		hubURL:  fmt.Sprintf("http://%s/hub-adapter", ingress),
		http:    &http.Client{Timeout: 60 * time.Second},
		token:   node.Env.PlatformToken,
	}
}

// RefreshToken swaps the hub adapter bearer token. The kong API key is
// static for the analysis lifetime.
func (c *Client) RefreshToken(token string) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	c.token = token
}

// Connect discovers the project's datastores via the hub adapter.
func (c *Client) Connect(ctx context.Context) error {
	var path = fmt.Sprintf("%s/kong/datastore/%s", c.hubURL, c.node.Env.ProjectID)
	var req, err = http.NewRequestWithContext(ctx, "GET", path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.tokenMu.Lock()
	req.Header.Set("Authorization", "Bearer "+c.token)
	c.tokenMu.Unlock()
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("listing data sources: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("listing data sources: unexpected status %d", resp.StatusCode)
	}

	var listing struct {
		Data []Source `json:"data"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return fmt.Errorf("decoding data source listing: %w", err)
	}

	c.mu.Lock()
	c.sources = listing.Data
	c.mu.Unlock()
	return nil
}

// Sources returns the datastores discovered at Connect, in listing order.
func (c *Client) Sources() []Source {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Source(nil), c.sources...)
}

// FHIR runs every query against every source, returning one query-to-payload
// map per source. A failed query is logged at warning and skipped; the
// source's map is still returned, possibly empty.
func (c *Client) FHIR(ctx context.Context, queries []string) ([]map[string]interface{}, error) {
	if len(queries) == 0 {
		return nil, fmt.Errorf("at least one query is required")
	}

	var out []map[string]interface{}
	for _, source := range c.Sources() {
		var datasets = map[string]interface{}{}
		for _, query := range queries {
			var raw, err = c.kongGet(ctx, fmt.Sprintf("/%s/fhir/%s", source.Name, query))
			if err != nil {
				c.logger.Logf("warning", "fhir query %q against source %s failed: %v", query, source.Name, err)
				continue
			}
			var payload interface{}
			if err = json.Unmarshal(raw, &payload); err != nil {
				c.logger.Logf("warning", "fhir query %q against source %s returned malformed payload: %v", query, source.Name, err)
				continue
			}
			datasets[query] = payload
		}
		out = append(out, datasets)
	}
	return out, nil
}

// S3 enumerates each source's object keys and fetches those matching the
// filter (an empty filter fetches all), returning one key-to-bytes map per
// source. Unlike FHIR, any failure is fatal.
func (c *Client) S3(ctx context.Context, keys []string) ([]map[string][]byte, error) {
	var wanted = make(map[string]struct{}, len(keys))
	for _, k := range keys {
		wanted[k] = struct{}{}
	}

	var out []map[string][]byte
	for _, source := range c.Sources() {
		var available, err = c.s3Keys(ctx, source.Name)
		if err != nil {
			return nil, err
		}

		var datasets = map[string][]byte{}
		for _, key := range available {
			if len(wanted) > 0 {
				if _, ok := wanted[key]; !ok {
					continue
				}
			}
			raw, err := c.kongGet(ctx, fmt.Sprintf("/%s/s3/%s", source.Name, key))
			if err != nil {
				return nil, fmt.Errorf("fetching s3 object %s from source %s: %w", key, source.Name, err)
			}
			datasets[key] = raw
		}
		out = append(out, datasets)
	}
	return out, nil
}

func (c *Client) s3Keys(ctx context.Context, sourceName string) ([]string, error) {
	var raw, err = c.kongGet(ctx, fmt.Sprintf("/%s/s3", sourceName))
	if err != nil {
		return nil, fmt.Errorf("listing s3 keys of source %s: %w", sourceName, err)
	}

	var keys []string
	for _, match := range keyPattern.FindAllStringSubmatch(string(raw), -1) {
		keys = append(keys, match[1])
	}
	return keys, nil
}

// SourceClient returns a lightweight handle bound to the source with the
// given id, for callers issuing their own requests against the store.
func (c *Client) SourceClient(dataID string) (*SourceClient, error) {
	for _, source := range c.Sources() {
		if source.ID != dataID {
			continue
		}
		if len(source.Paths) == 0 {
			return nil, fmt.Errorf("data source %s has no paths", dataID)
		}
		return &SourceClient{baseURL: source.Paths[0], http: c.http}, nil
	}
	return nil, fmt.Errorf("data source with id %s not found", dataID)
}

func (c *Client) kongGet(ctx context.Context, path string) ([]byte, error) {
	var req, err = http.NewRequestWithContext(ctx, "GET", c.kongURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("apikey", c.node.Env.DataSourceToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("GET %s: unexpected status %d", path, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// SourceClient is a minimal handle bound to one datastore's base path.
type SourceClient struct {
	baseURL string
	http    *http.Client
}

// BaseURL returns the source's base path.
func (s *SourceClient) BaseURL() string { return s.baseURL }

// Get fetches path relative to the source's base path.
func (s *SourceClient) Get(ctx context.Context, path string) ([]byte, error) {
	var req, err = http.NewRequestWithContext(ctx, "GET", s.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("GET %s: unexpected status %d", path, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
