// Package webhook delivers connected-account payloads to the downstream
// automation endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/diyartec/oauthrelay/pkg/oauthrelay"
	"go.opencensus.io/plugin/ochttp"
	"go.opencensus.io/trace"
	"golang.org/x/exp/errors/fmt"
)

const maxErrorBody = 512

type Sender interface {
	Send(ctx context.Context, p *oauthrelay.RelayPayload) error
}

type Client struct {
	url       string
	userAgent string
	timeout   time.Duration
	client    *http.Client
}

// New returns a client posting to url. A nil transport uses a traced
// http.DefaultTransport.
func New(url, revision string, timeout time.Duration, transport http.RoundTripper) *Client {
	if transport == nil {
		transport = &ochttp.Transport{}
	}
	ua := "oauthrelay"
	if revision != "" {
		ua += "/" + revision
	}
	return &Client{
		url:       url,
		userAgent: ua,
		timeout:   timeout,
		client:    &http.Client{Transport: transport},
	}
}

// StatusError is returned when the webhook answers with a non-2xx status.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook: unexpected status %d: %s", e.Status, e.Body)
}

func (c *Client) Send(ctx context.Context, p *oauthrelay.RelayPayload) error {
	ctx, span := trace.StartSpan(ctx, "webhook.Send")
	defer span.End()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("webhook: error encoding payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("webhook: error building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: error posting payload: %w", err)
	}
	defer res.Body.Close()
	span.AddAttributes(trace.Int64Attribute("status", int64(res.StatusCode)))

	if res.StatusCode < 200 || res.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return &StatusError{Status: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	io.Copy(io.Discard, io.LimitReader(res.Body, 1<<16))
	return nil
}
