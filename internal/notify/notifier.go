package notify

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Notifier delivers mail and webhooks. Build-complete deliveries run in the
// background so the trigger path never blocks on a slow relay.
type Notifier struct {
	smtp            SMTPConfig
	adminRecipients []string
	client          *http.Client

	wg sync.WaitGroup
}

func New(smtp SMTPConfig, adminRecipients []string) *Notifier {
	return &Notifier{
		smtp:            smtp,
		adminRecipients: adminRecipients,
		client:          &http.Client{Timeout: 30 * time.Second},
	}
}

// enqueue runs one delivery in the background. The caller's context is
// detached from cancellation first: the request whose status change triggered
// the notification returns immediately, and its cancellation must not abort
// the delivery or its retries.
func (e *Notifier) enqueue(ctx context.Context, fn func(ctx context.Context)) {
	ctx = context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(ctx)
	}()
}

// Wait blocks until all in-flight deliveries finish. Used on shutdown and in
// tests.
func (e *Notifier) Wait() {
	e.wg.Wait()
}
