package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/probelab/capture-agent/internal/pipeline"
)

// Manifest is the JSON body delivered to the offsite endpoint.
type Manifest struct {
	RunID     string                    `json:"run_id"`
	Timestamp string                    `json:"timestamp"`
	PCAPFiles []pipeline.ArtifactRecord `json:"pcap_files"`
	Note      string                    `json:"note"`
}

// Notifier delivers the run manifest to the offsite webhook. Delivery is a
// single best-effort attempt; there is no retry or redelivery queue.
type Notifier struct {
	url    string
	note   string
	client *http.Client
	now    func() time.Time
}

func NewNotifier(url string, timeout time.Duration, sasExpiryHours int) *Notifier {
	return &Notifier{
		url:    url,
		note:   fmt.Sprintf("SAS URLs expire in %dh. Fetch promptly.", sasExpiryHours),
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}
}

// Notify posts the manifest once and returns the HTTP status code, or 0 on
// any transport failure.
func (n *Notifier) Notify(ctx context.Context, runID string, records []pipeline.ArtifactRecord, failed []string) int {
	if records == nil {
		records = []pipeline.ArtifactRecord{}
	}
	note := n.note
	if len(failed) > 0 {
		note += fmt.Sprintf(" %d capture file(s) failed processing: %s.", len(failed), strings.Join(failed, ", "))
	}
	m := Manifest{
		RunID:     runID,
		Timestamp: n.now().UTC().Format(time.RFC3339),
		PCAPFiles: records,
		Note:      note,
	}
	body, err := json.Marshal(m)
	if err != nil {
		log.Printf("[webhook] failed to marshal manifest: %v", err)
		return 0
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		log.Printf("[webhook] failed to build request: %v", err)
		return 0
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		log.Printf("[webhook] FAILED: %v", err)
		return 0
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	log.Printf("[webhook] POST %s -> %d", n.url, resp.StatusCode)
	return resp.StatusCode
}
