package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fedstar/core/go/config"
	"github.com/fedstar/core/go/ops"
	"github.com/google/uuid"
)

// Bucket is a storage location. Final artifacts are hub-downloadable and
// aggregator-only; intermediate artifacts are shared across nodes; local
// artifacts never leave the node.
type Bucket string

const (
	BucketFinal        Bucket = "final"
	BucketIntermediate Bucket = "intermediate"
	BucketLocal        Bucket = "local"
)

// PutOptions tune a single artifact upload.
type PutOptions struct {
	// Output is the byte encoding. It only applies to the final bucket;
	// other buckets always serialize as JSON.
	Output Output
	// Tag names a local artifact for later lookup. Local bucket only.
	Tag string
	// RemoteNodeID asks the store to encrypt the artifact for that node.
	// Intermediate bucket only.
	RemoteNodeID string
	// DP forwards local differential privacy parameters. Final bucket
	// only; forces Output to str.
	DP *LocalDP
}

// Tag is one named local artifact reference.
type Tag struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Client is the HTTP client of the object store. It holds no durable
// state; every artifact lives on the service.
type Client struct {
	node   *config.Node
	logger *ops.Logger

	baseURL string
	http    *http.Client

	tokenMu sync.Mutex
	token   string
}

// NewClient builds a Client against the node's ingress.
func NewClient(node *config.Node, logger *ops.Logger) *Client {
	return &Client{
		node:    node,
		logger:  logger,
		baseURL: fmt.Sprintf("http://%s/storage", node.Env.IngressHost()),
		http:    &http.Client{Timeout: 60 * time.Second},
		token:   node.Env.PlatformToken,
	}
}

// RefreshToken swaps the bearer token used for subsequent requests.
func (c *Client) RefreshToken(token string) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	c.token = token
}

func (c *Client) bearer() string {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	return "Bearer " + c.token
}

// Ping verifies the store is reachable and the token accepted, by listing
// local tags. Used during bootstrap only.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.Tags(ctx, ""); err != nil {
		return fmt.Errorf("storage ping: %w", err)
	}
	return nil
}

// Put encodes and uploads one artifact, returning its server-assigned id
// (the last URL segment). Encoding failures for non-JSON outputs fall back
// to JSON with a warning; only a failed fallback is an error.
func (c *Client) Put(ctx context.Context, bucket Bucket, result interface{}, opts PutOptions) (string, error) {
	if opts.Tag != "" {
		if bucket != BucketLocal {
			return "", fmt.Errorf("tags are only supported on the local bucket")
		}
		if err := validTag(opts.Tag); err != nil {
			return "", err
		}
	}
	if opts.RemoteNodeID != "" && bucket != BucketIntermediate {
		return "", fmt.Errorf("remote node encryption is only supported on the intermediate bucket")
	}
	if opts.DP != nil {
		if bucket != BucketFinal {
			return "", fmt.Errorf("differential privacy is only supported on final results")
		}
		if err := opts.DP.validate(result); err != nil {
			return "", err
		}
		if opts.Output != OutputString && opts.Output != "" {
			c.logger.Logf("warning",
				"differential privacy forces str output, overriding %q", opts.Output)
		}
		opts.Output = OutputString
	}

	var output = opts.Output
	if bucket != BucketFinal || output == "" {
		output = OutputJSON
	}

	var body, err = encode(result, output)
	if err != nil && output != OutputJSON {
		c.logger.Logf("warning", "failed to encode result as %s: %v; falling back to serialized form", output, err)
		body, err = encode(result, OutputJSON)
	}
	if err != nil {
		return "", fmt.Errorf("encoding result: %w", err)
	}

	var fields = url.Values{}
	switch {
	case opts.RemoteNodeID != "":
		fields.Set("remote_node_id", opts.RemoteNodeID)
	case opts.Tag != "":
		fields.Set("tag", opts.Tag)
	}
	var path = fmt.Sprintf("/%s/", bucket)
	if opts.DP != nil {
		path += "localdp"
		fields.Set("epsilon", strconv.FormatFloat(opts.DP.Epsilon, 'g', -1, 64))
		fields.Set("sensitivity", strconv.FormatFloat(opts.DP.Sensitivity, 'g', -1, 64))
	}

	var resp struct {
		URL string `json:"url"`
	}
	if err = c.putMultipart(ctx, path, body, fields, &resp); err != nil {
		return "", fmt.Errorf("uploading to %s: %w", bucket, err)
	}

	var segments = strings.Split(strings.TrimRight(resp.URL, "/"), "/")
	return segments[len(segments)-1], nil
}

// Get fetches the raw bytes of one artifact. senderNodeID is passed along
// when retrieving an encrypted intermediate, so the service can decrypt.
func (c *Client) Get(ctx context.Context, bucket Bucket, id, senderNodeID string) ([]byte, error) {
	var path = fmt.Sprintf("/%s/%s", bucket, id)
	if senderNodeID != "" {
		path += "?node_id=" + url.QueryEscape(senderNodeID)
	}
	return c.getRaw(ctx, path)
}

// GetJSON fetches and decodes one JSON-serialized artifact.
func (c *Client) GetJSON(ctx context.Context, bucket Bucket, id, senderNodeID string) (interface{}, error) {
	var raw, err = c.Get(ctx, bucket, id, senderNodeID)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err = json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding artifact %s: %w", id, err)
	}
	return out, nil
}

// Tags lists local tags, optionally filtered to names containing the
// substring.
func (c *Client) Tags(ctx context.Context, filter string) ([]Tag, error) {
	var resp struct {
		Tags []Tag `json:"tags"`
	}
	if err := c.getJSON(ctx, "/local/tags", &resp); err != nil {
		return nil, fmt.Errorf("listing local tags: %w", err)
	}
	if filter == "" {
		return resp.Tags, nil
	}

	var out []Tag
	for _, t := range resp.Tags {
		if strings.Contains(t.Name, filter) {
			out = append(out, t)
		}
	}
	return out, nil
}

// TagURLs resolves a tag to the artifact URLs saved under it, oldest first.
func (c *Client) TagURLs(ctx context.Context, tag string) ([]string, error) {
	if err := validTag(tag); err != nil {
		return nil, err
	}

	var resp struct {
		Results []struct {
			URL string `json:"url"`
		} `json:"results"`
	}
	if err := c.getJSON(ctx, "/local/tags/"+url.PathEscape(tag), &resp); err != nil {
		return nil, fmt.Errorf("resolving tag %s: %w", tag, err)
	}

	var urls = make([]string, 0, len(resp.Results))
	for _, r := range resp.Results {
		// Normalize to a bucket-relative path regardless of how the
		// service spells the URL.
		if _, rel, ok := strings.Cut(r.URL, "/local/"); ok {
			urls = append(urls, "/local/"+rel)
		} else {
			urls = append(urls, r.URL)
		}
	}
	return urls, nil
}

// GetByURL fetches and decodes a JSON artifact by a bucket-relative URL, as
// returned by TagURLs.
func (c *Client) GetByURL(ctx context.Context, artifactURL string) (interface{}, error) {
	var raw, err = c.getRaw(ctx, artifactURL)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err = json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding artifact at %s: %w", artifactURL, err)
	}
	return out, nil
}

func (c *Client) putMultipart(ctx context.Context, path string, file []byte, fields url.Values, into interface{}) error {
	var buf bytes.Buffer
	var mw = multipart.NewWriter(&buf)

	var name = fmt.Sprintf("result_%s_%s", uuid.NewString()[:4], time.Now().Format("060102150405"))
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return fmt.Errorf("building multipart body: %w", err)
	}
	if _, err = part.Write(file); err != nil {
		return fmt.Errorf("building multipart body: %w", err)
	}
	for key := range fields {
		if err = mw.WriteField(key, fields.Get(key)); err != nil {
			return fmt.Errorf("building multipart body: %w", err)
		}
	}
	if err = mw.Close(); err != nil {
		return fmt.Errorf("building multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "PUT", c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", c.bearer())
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("PUT %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("PUT %s: unexpected status %d", path, resp.StatusCode)
	}
	if into != nil {
		if err = json.NewDecoder(resp.Body).Decode(into); err != nil {
			return fmt.Errorf("decoding %s response: %w", path, err)
		}
	}
	return nil
}

func (c *Client) getRaw(ctx context.Context, path string) ([]byte, error) {
	var req, err = http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", c.bearer())

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

func (c *Client) getJSON(ctx context.Context, path string, into interface{}) error {
	var raw, err = c.getRaw(ctx, path)
	if err != nil {
		return err
	}
	if err = json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
