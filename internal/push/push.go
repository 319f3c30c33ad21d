// Package push delivers user-facing notifications to a configured webhook.
// Delivery is fire-and-forget: failures are retried with backoff, then
// logged and dropped. Nothing in the core waits on a push.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/adjutant/adjutant/internal/util/timefmt"
)

const (
	requestTimeout = 10 * time.Second
	maxTries       = 4
)

// Notification is the webhook payload.
type Notification struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	From  string         `json:"from,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
	TS    string         `json:"ts"`
}

// Notifier posts notifications to one webhook URL. A Notifier with an empty
// URL discards everything.
type Notifier struct {
	url    string
	client *http.Client
}

// New builds a Notifier. Pass "" to disable push entirely.
func New(url string) *Notifier {
	return &Notifier{
		url:    url,
		client: &http.Client{Timeout: requestTimeout},
	}
}

// Enabled reports whether a webhook is configured.
func (n *Notifier) Enabled() bool {
	return n.url != ""
}

// Notify queues a notification for delivery and returns immediately.
func (n *Notifier) Notify(note Notification) {
	if !n.Enabled() {
		return
	}
	note.TS = timefmt.Format(time.Now().UTC())
	go n.deliver(note)
}

func (n *Notifier) deliver(note Notification) {
	data, err := json.Marshal(note)
	if err != nil {
		slog.Error("push: marshal notification failed", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, n.post(ctx, data)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(maxTries),
	)
	if err != nil {
		slog.Warn("push: webhook delivery failed", "title", note.Title, "error", err)
	}
}

func (n *Notifier) post(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(data))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		// Client errors won't heal with retries.
		return backoff.Permanent(fmt.Errorf("webhook returned %d", resp.StatusCode))
	}
	return nil
}
