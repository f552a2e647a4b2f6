package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/buildkite/roko"

	"github.com/jobserv-ci/jobserv/internal/domain"
	"github.com/jobserv-ci/jobserv/internal/trigger"
)

const (
	webhookAttempts  = 3
	webhookRetryWait = time.Second

	// SignatureHeader carries the HMAC-SHA256 of the request body, keyed by
	// the webhook's configured secret.
	SignatureHeader = "X-JobServ-Sig"
)

// Sign computes the signature header value for a webhook body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256:" + hex.EncodeToString(mac.Sum(nil))
}

// BuildCompleteWebhook POSTs the build summary as JSON, signed with the
// webhook secret. Retries use exponential backoff.
func (e *Notifier) BuildCompleteWebhook(ctx context.Context, note trigger.BuildNote, url, hmacSecret string, onlyFailures bool) {
	if onlyFailures && note.Status == domain.StatusPassed {
		return
	}
	body, err := json.Marshal(note)
	if err != nil {
		slog.Error("notify: marshal webhook body", "project", note.Project, "error", err)
		return
	}
	sig := Sign(body, hmacSecret)

	e.enqueue(ctx, func(ctx context.Context) {
		err := roko.NewRetrier(
			roko.WithMaxAttempts(webhookAttempts),
			roko.WithStrategy(roko.Exponential(webhookRetryWait, 0)),
		).DoWithContext(ctx, func(r *roko.Retrier) error {
			return e.post(ctx, url, body, sig)
		})
		if err != nil {
			slog.Error("notify: build webhook failed",
				"project", note.Project, "build", note.Build, "url", url, "error", err)
		}
	})
}

func (e *Notifier) post(ctx context.Context, url string, body []byte, sig string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, sig)

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("post webhook: unexpected status %s", resp.Status)
	}
	return nil
}
