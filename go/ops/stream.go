package ops

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// StreamClient delivers log records to the platform's progress endpoint
// (`POST /po/stream_logs`). It implements Streamer.
type StreamClient struct {
	analysisID string
	baseURL    string
	http       *http.Client

	mu    sync.Mutex
	token string
}

var _ Streamer = (*StreamClient)(nil)

// NewStreamClient returns a StreamClient for the given ingress host.
func NewStreamClient(ingressHost, analysisID, token string) *StreamClient {
	return &StreamClient{
		analysisID: analysisID,
		baseURL:    fmt.Sprintf("http://%s/po", ingressHost),
		http:       &http.Client{Timeout: 30 * time.Second},
		token:      token,
	}
}

// RefreshToken swaps the bearer token used for subsequent requests.
func (c *StreamClient) RefreshToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Stream posts one record to the progress endpoint.
func (c *StreamClient) Stream(rec Record) error {
	var body, err = json.Marshal(struct {
		Log        string `json:"log"`
		LogType    string `json:"log_type"`
		AnalysisID string `json:"analysis_id"`
		Status     string `json:"status"`
	}{
		Log:        rec.Message,
		LogType:    string(rec.Severity),
		AnalysisID: c.analysisID,
		Status:     string(rec.RunStatus),
	})
	if err != nil {
		return fmt.Errorf("encoding log record: %w", err)
	}

	req, err := http.NewRequest("POST", c.baseURL+"/stream_logs", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.mu.Lock()
	req.Header.Set("Authorization", "Bearer "+c.token)
	c.mu.Unlock()

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("streaming log record: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("streaming log record: unexpected status %d", resp.StatusCode)
	}
	return nil
}
