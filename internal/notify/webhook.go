package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// WebhookNotifier posts {"title","body","source"} as JSON to a URL.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string) (*WebhookNotifier, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("webhook url is empty")
	}
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (w *WebhookNotifier) Send(ctx context.Context, title, body string) error {
	payload, err := json.Marshal(map[string]string{
		"title":  title,
		"body":   body,
		"source": "scriptcron",
	})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status: %d", resp.StatusCode)
	}
	return nil
}
