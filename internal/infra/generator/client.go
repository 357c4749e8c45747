// Package generator talks to the external content-generation webhooks.
// The payload is opaque to the metering core; callers invoke it only
// after a successful charge.
package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/contentpilot/tokenmeter/internal/domain/costs"
)

type Request struct {
	AccountID string           `json:"account_id"`
	Action    costs.ActionKind `json:"action"`
	Prompt    string           `json:"prompt"`
	RequestID string           `json:"request_id"`
}

type Response struct {
	Content   string `json:"content"`
	RequestID string `json:"request_id"`
}

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Generate posts the prompt to the action's webhook. Transient failures
// (network errors, 5xx) are retried with exponential backoff; 4xx are not.
func (c *Client) Generate(ctx context.Context, req Request) (Response, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}
	url := fmt.Sprintf("%s/generate/%s", c.baseURL, req.Action)

	var out Response
	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 500 {
			return retry.RetryableError(fmt.Errorf("generator: webhook returned %d", resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("generator: webhook returned %d", resp.StatusCode)
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.RetryableError(err)
		}
		if err := json.Unmarshal(data, &out); err != nil {
			return fmt.Errorf("generator: bad webhook response: %w", err)
		}
		return nil
	})
	if err != nil {
		return Response{}, err
	}
	if out.RequestID == "" {
		out.RequestID = req.RequestID
	}
	return out, nil
}
