// Package callback delivers execution status updates to the service that
// submitted the execution.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sakif/sandbox-executor/internal/executor"
	"github.com/sakif/sandbox-executor/internal/metrics"
	"github.com/sakif/sandbox-executor/internal/model"
)

// Update is the callback payload. It is sent for the running transition and
// once more when the execution completes or fails.
type Update struct {
	ID           string                    `json:"id"`
	Status       model.Status              `json:"status"`
	Result       *executor.ExecutionResult `json:"result"`
	ErrorKind    string                    `json:"error_kind"`
	ErrorMessage string                    `json:"error_message"`
	StartedAt    *time.Time                `json:"started_at"`
	CompletedAt  *time.Time                `json:"completed_at"`
}

// UpdateFrom builds the payload for the current state of exec.
func UpdateFrom(exec *model.Execution) Update {
	return Update{
		ID:           exec.ID,
		Status:       exec.Status,
		Result:       exec.Result,
		ErrorKind:    exec.ErrorKind,
		ErrorMessage: exec.ErrorMessage,
		StartedAt:    exec.StartedAt,
		CompletedAt:  exec.CompletedAt,
	}
}

// Notifier delivers updates. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, u Update) error
}

// LogNotifier only logs updates. It is used when no callback URL is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, u Update) error {
	n.Logger.Info("execution status update",
		slog.String("execution_id", u.ID),
		slog.String("status", string(u.Status)),
		slog.String("error_kind", u.ErrorKind),
	)
	return nil
}

const (
	maxAttempts  = 3
	retryBackoff = 500 * time.Millisecond
)

// HTTPNotifier posts updates to {base}/executions/{id}/callback.
type HTTPNotifier struct {
	baseURL string
	client  *http.Client
	signer  *Signer
	logger  *slog.Logger
	backoff time.Duration
}

// NewHTTPNotifier creates a notifier for baseURL. signer may be nil, in which
// case requests carry no Authorization header.
func NewHTTPNotifier(baseURL string, signer *Signer, logger *slog.Logger) (*HTTPNotifier, error) {
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("callback: invalid base URL %q", baseURL)
	}
	return &HTTPNotifier{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		signer:  signer,
		logger:  logger,
		backoff: retryBackoff,
	}, nil
}

// Notify posts u, retrying transport errors and 5xx responses a few times.
// 4xx responses are final.
func (n *HTTPNotifier) Notify(ctx context.Context, u Update) error {
	body, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("callback: encoding update: %w", err)
	}
	endpoint := n.baseURL + "/executions/" + url.PathEscape(u.ID) + "/callback"

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		retry, err := n.post(ctx, endpoint, u.ID, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || attempt == maxAttempts {
			break
		}

		n.logger.Debug("retrying callback",
			slog.String("execution_id", u.ID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		select {
		case <-time.After(n.backoff * time.Duration(attempt)):
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = maxAttempts
		}
	}

	metrics.CallbackFailures.Inc()
	return fmt.Errorf("callback: delivering %s update for %s: %w", u.Status, u.ID, lastErr)
}

// post sends one request. The bool reports whether a retry may help.
func (n *HTTPNotifier) post(ctx context.Context, endpoint, id string, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.signer != nil {
		token, err := n.signer.Sign(id)
		if err != nil {
			return false, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("unexpected status %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
}
