package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bridge25/unmanned-manager/internal/protocol"
)

const (
	// EventsPath is the collector endpoint events are posted to.
	EventsPath = "/jarvis/events"
	// APIKeyHeader carries the shared collector key.
	APIKeyHeader = "X-Jarvis-API-Key"

	maxResponseBytes = 64 * 1024
)

// Transport performs exactly one send attempt.
type Transport interface {
	Post(ctx context.Context, ev protocol.Event) (protocol.CollectorResponse, error)
}

// HTTPTransport posts events as JSON to the collector.
type HTTPTransport struct {
	url    string
	apiKey string
	client *http.Client
}

// NewHTTPTransport builds a transport for baseURL. A zero timeout leaves the
// deadline to the caller's context.
func NewHTTPTransport(baseURL, apiKey string, timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		url:    strings.TrimRight(baseURL, "/") + EventsPath,
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
	}
}

// Post sends ev once. Any 2xx is a success; the body tells created from
// duplicate. Non-2xx answers come back as *StatusError.
func (t *HTTPTransport) Post(ctx context.Context, ev protocol.Event) (protocol.CollectorResponse, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return protocol.CollectorResponse{}, fmt.Errorf("encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return protocol.CollectorResponse{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		req.Header.Set(APIKeyHeader, t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return protocol.CollectorResponse{}, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return protocol.CollectorResponse{}, &StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(raw)),
		}
	}

	var out protocol.CollectorResponse
	_ = json.Unmarshal(raw, &out)
	if out.Status != protocol.CollectorDuplicate {
		out.Status = protocol.CollectorCreated
	}
	return out, nil
}
