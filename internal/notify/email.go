// Package notify delivers build and surge notifications over SMTP and
// signed webhooks. Delivery is fire-and-forget for build events: failures
// are logged, never propagated back into the trigger path.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
	"time"

	"github.com/buildkite/roko"
	"github.com/google/uuid"

	"github.com/jobserv-ci/jobserv/internal/domain"
	"github.com/jobserv-ci/jobserv/internal/trigger"
)

const (
	mailAttempts  = 3
	mailRetryWait = 2 * time.Second
)

// SMTPConfig carries the mail relay settings.
type SMTPConfig struct {
	Server   string // host:port
	User     string
	Password string
	From     string
}

func (c SMTPConfig) enabled() bool {
	return c.Server != "" && c.From != ""
}

func (c SMTPConfig) host() string {
	host, _, ok := strings.Cut(c.Server, ":")
	if !ok {
		return c.Server
	}
	return host
}

func (c SMTPConfig) auth() smtp.Auth {
	if c.User == "" {
		return nil
	}
	return smtp.PlainAuth("", c.User, c.Password, c.host())
}

// messageID mints an RFC 5322 Message-ID under the sender's domain so surge
// start and end mails thread together in a mailbox.
func (c SMTPConfig) messageID() string {
	domainPart := "jobserv"
	if _, d, ok := strings.Cut(c.From, "@"); ok {
		domainPart = strings.TrimSuffix(d, ">")
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domainPart)
}

// send delivers one message with constant-backoff retries.
func (e *Notifier) send(ctx context.Context, recipients []string, headers map[string]string, body string) error {
	if !e.smtp.enabled() || len(recipients) == 0 {
		return nil
	}
	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", e.smtp.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(recipients, ", "))
	for k, v := range headers {
		fmt.Fprintf(&msg, "%s: %s\r\n", k, v)
	}
	msg.WriteString("\r\n")
	msg.WriteString(body)

	return roko.NewRetrier(
		roko.WithMaxAttempts(mailAttempts),
		roko.WithStrategy(roko.Constant(mailRetryWait)),
	).DoWithContext(ctx, func(r *roko.Retrier) error {
		return smtp.SendMail(e.smtp.Server, e.smtp.auth(), e.smtp.From, recipients, []byte(msg.String()))
	})
}

// BuildCompleteEmail mails the build summary to the configured recipients.
func (e *Notifier) BuildCompleteEmail(ctx context.Context, note trigger.BuildNote, recipients []string, onlyFailures bool) {
	if onlyFailures && note.Status == domain.StatusPassed {
		return
	}
	subject := fmt.Sprintf("jobserv: %s build %d: %s", note.Project, note.Build, note.Status)
	e.enqueue(ctx, func(ctx context.Context) {
		err := e.send(ctx, recipients, map[string]string{
			"Subject":    subject,
			"Message-ID": e.smtp.messageID(),
		}, buildMailBody(note))
		if err != nil {
			slog.Error("notify: build-complete email failed",
				"project", note.Project, "build", note.Build, "error", err)
		}
	})
}

// RunTerminated mails a notice when a run is forcibly finalized, for example
// after its worker disappeared.
func (e *Notifier) RunTerminated(ctx context.Context, project string, build int, run, reason string, recipients []string) {
	subject := fmt.Sprintf("jobserv: %s build %d run %s terminated", project, build, run)
	e.enqueue(ctx, func(ctx context.Context) {
		err := e.send(ctx, recipients, map[string]string{
			"Subject":    subject,
			"Message-ID": e.smtp.messageID(),
		}, reason+"\n")
		if err != nil {
			slog.Error("notify: run-terminated email failed",
				"project", project, "build", build, "run", run, "error", err)
		}
	})
}

// SurgeStarted announces a surge and returns the Message-ID used, so the
// surge-ended mail can reference it.
func (e *Notifier) SurgeStarted(ctx context.Context, tag string) (string, error) {
	id := e.smtp.messageID()
	err := e.send(ctx, e.adminRecipients, map[string]string{
		"Subject":    fmt.Sprintf("jobserv: surge started for %s", tag),
		"Message-ID": id,
	}, fmt.Sprintf("Queued runs for host tag %q exceed online capacity.\n", tag))
	if err != nil {
		return "", fmt.Errorf("surge-started mail: %w", err)
	}
	return id, nil
}

// SurgeEnded announces the end of a surge, threading onto the start mail.
func (e *Notifier) SurgeEnded(ctx context.Context, tag, priorID string) error {
	headers := map[string]string{
		"Subject": fmt.Sprintf("jobserv: surge ended for %s", tag),
	}
	if priorID != "" {
		headers["In-Reply-To"] = priorID
		headers["References"] = priorID
	}
	err := e.send(ctx, e.adminRecipients, headers,
		fmt.Sprintf("Host tag %q is back within capacity.\n", tag))
	if err != nil {
		return fmt.Errorf("surge-ended mail: %w", err)
	}
	return nil
}

func buildMailBody(note trigger.BuildNote) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Build %d of %s completed: %s\n", note.Build, note.Project, note.Status)
	if note.Reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", note.Reason)
	}
	fmt.Fprintf(&b, "%s\n\n", note.URL)
	for _, r := range note.Runs {
		fmt.Fprintf(&b, "  %-24s %s\n", r.Name, r.Status)
	}
	if len(note.History) > 0 {
		passed := 0
		for _, s := range note.History {
			if s == domain.StatusPassed || s == domain.StatusPromoted {
				passed++
			}
		}
		fmt.Fprintf(&b, "\nLast %d builds: %d passed, %d failed\n",
			len(note.History), passed, len(note.History)-passed)
	}
	return b.String()
}
