package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// WriteOutbox sends messages as JSON lines to a writer. It serializes
// concurrent sends so lines never interleave.
type WriteOutbox struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriteOutbox(w io.Writer) *WriteOutbox {
	return &WriteOutbox{w: w}
}

func (o *WriteOutbox) Send(_ context.Context, msg any) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return json.NewEncoder(o.w).Encode(msg)
}

// HTTPOutbox posts messages as JSON to a control plane endpoint.
type HTTPOutbox struct {
	requestURL *url.URL
	client     *http.Client
}

func NewHTTPOutbox(serverURL string) (*HTTPOutbox, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, errors.New("please define the server url with a scheme, e.g. `http://some-url.com`")
	}

	return &HTTPOutbox{
		requestURL: parsedURL,
		client:     &http.Client{},
	}, nil
}

func (o *HTTPOutbox) Send(ctx context.Context, msg any) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.requestURL.String(), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status code: %d, body: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
