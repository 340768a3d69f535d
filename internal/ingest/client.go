// Package ingest ships lifecycle event records to a Log Analytics-style
// data collector API, authenticated with the workspace shared-key HMAC
// scheme. Delivery is best-effort; callers log and move on.
package ingest

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	apiVersion = "2016-04-01"
	resource   = "/api/logs"
	// maxBatch is the API's per-request record limit.
	maxBatch = 500
)

// Event is one agent lifecycle record.
type Event struct {
	TimeGenerated string `json:"TimeGenerated"`
	RunID         string `json:"RunId"`
	Phase         string `json:"Phase"`
	Detail        string `json:"Detail"`
}

// Client posts event batches to the ingestion endpoint.
type Client struct {
	workspaceID string
	key         []byte
	logType     string
	endpoint    string
	client      *http.Client
	now         func() time.Time
}

// NewClient builds an ingestion client. sharedKey is the base64-encoded
// workspace key.
func NewClient(workspaceID, sharedKey, logType string) (*Client, error) {
	key, err := base64.StdEncoding.DecodeString(sharedKey)
	if err != nil {
		return nil, fmt.Errorf("invalid shared key: %v", err)
	}
	return &Client{
		workspaceID: workspaceID,
		key:         key,
		logType:     logType,
		endpoint:    fmt.Sprintf("https://%s.ods.opinsights.azure.com%s?api-version=%s", workspaceID, resource, apiVersion),
		client:      &http.Client{Timeout: 30 * time.Second},
		now:         time.Now,
	}, nil
}

// Send posts the events in batches of at most maxBatch records.
func (c *Client) Send(ctx context.Context, events []Event) error {
	for i := 0; i < len(events); i += maxBatch {
		end := i + maxBatch
		if end > len(events) {
			end = len(events)
		}
		body, err := json.Marshal(events[i:end])
		if err != nil {
			return fmt.Errorf("failed to marshal events: %v", err)
		}
		if err := c.post(ctx, body); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) post(ctx context.Context, body []byte) error {
	date := c.now().UTC().Format(http.TimeFormat)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Log-Type", c.logType)
	req.Header.Set("x-ms-date", date)
	req.Header.Set("Authorization", fmt.Sprintf("SharedKey %s:%s", c.workspaceID, c.signature(len(body), date)))

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("ingest returned status %d", resp.StatusCode)
	}
	return nil
}

// signature computes the shared-key HMAC over the canonical string of
// method, content length, content type, date header, and resource path.
func (c *Client) signature(contentLength int, date string) string {
	toSign := fmt.Sprintf("POST\n%d\napplication/json\nx-ms-date:%s\n%s", contentLength, date, resource)
	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte(toSign))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
