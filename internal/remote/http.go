package remote

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
	"time"

	"github.com/qrclock/attendcore/pkg/errclass"
	"github.com/qrclock/attendcore/pkg/model"
)

// HTTPClient POSTs batches to <base>/v1/sync/<dataType>.
type HTTPClient struct {
	base string
	opts Options
	http *http.Client
	now  func() time.Time
}

// NewHTTP creates an HTTP transport.
func NewHTTP(baseURL string, opts Options) *HTTPClient {
	return &HTTPClient{
		base: strings.TrimRight(baseURL, "/"),
		opts: opts,
		http: &http.Client{Timeout: opts.timeout()},
		now:  time.Now,
	}
}

// Send implements Client. Transport errors, timeouts, 429 and 5xx are
// retryable sync failures; other non-2xx answers are rejections.
func (c *HTTPClient) Send(ctx context.Context, dataType string, ops []model.SyncOperation) error {
	body, err := json.Marshal(Batch{DataType: dataType, SentAt: c.now().UTC(), Operations: ops})
	if err != nil {
		return errclass.ErrSyncRejected.Wrap(err, "marshal batch")
	}
	req, err := c.createRequest(ctx, dataType, body)
	if err != nil {
		return errclass.ErrSyncRejected.Wrap(err, "build request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return errclass.ErrSyncFailure.Wrap(err, "request cancelled")
		}
		return errclass.ErrSyncFailure.Wrap(err, "http request")
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errclass.ErrSyncFailure.WithMessagef("http %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	default:
		return errclass.ErrSyncRejected.WithMessagef("http %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
}

func (c *HTTPClient) createRequest(ctx context.Context, dataType string, body []byte) (*http.Request, error) {
	endpoint := fmt.Sprintf("%s/v1/sync/%s", c.base, url.PathEscape(dataType))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "attendcore/1.0")
	if c.opts.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(c.opts.Secret, body))
	}
	if c.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	return req, nil
}

// Close implements Client.
func (c *HTTPClient) Close() error {
	c.http.CloseIdleConnections()
	return nil
}
