package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Transport is the narrow contract the ring components use for every test,
// key-change and acknowledgment exchange. Implementations own connection
// management; callers bound each call with the context deadline.
type Transport interface {
	Send(ctx context.Context, address string, payload []byte) ([]byte, error)
}

const (
	messagePath   = "/v1/ring/message"
	senderHeader  = "X-Relay-ID"
	maxReplyBytes = 1 << 20
)

// HTTPTransport posts raw envelopes to a peer's control endpoint. The local
// relay id travels in a header so the receiver can key its replay window.
type HTTPTransport struct {
	localID string
	client  *http.Client
}

func NewHTTPTransport(localID string, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPTransport{localID: localID, client: &http.Client{Timeout: timeout}}
}

func (t *HTTPTransport) Send(ctx context.Context, address string, payload []byte) ([]byte, error) {
	url := normalizeHTTPURL(address) + messagePath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(senderHeader, t.localID)
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("peer returned status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
}

func normalizeHTTPURL(raw string) string {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	if raw == "" {
		return raw
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	return raw
}
