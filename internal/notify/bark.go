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

const defaultBarkGroup = "scriptcron"

// BarkNotifier pushes to a Bark device. The URL carries the device key, e.g.
// https://api.day.app/<key>.
type BarkNotifier struct {
	endpoint string
	group    string
	client   *http.Client
}

type barkPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Group string `json:"group,omitempty"`
}

// NewBarkNotifier creates a Bark notifier for the device URL.
func NewBarkNotifier(deviceURL string) (*BarkNotifier, error) {
	deviceURL = strings.TrimRight(strings.TrimSpace(deviceURL), "/")
	if deviceURL == "" {
		return nil, fmt.Errorf("bark url is empty")
	}
	return &BarkNotifier{
		endpoint: deviceURL,
		group:    defaultBarkGroup,
		client:   &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// WithGroup sets the Bark message group; empty keeps the default.
func (b *BarkNotifier) WithGroup(group string) *BarkNotifier {
	if group = strings.TrimSpace(group); group != "" {
		b.group = group
	}
	return b
}

func (b *BarkNotifier) Send(ctx context.Context, title, body string) error {
	payload, err := json.Marshal(barkPayload{Title: title, Body: body, Group: b.group})
	if err != nil {
		return fmt.Errorf("encode bark payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create bark request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("send bark notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("bark api returned status: %d", resp.StatusCode)
	}
	return nil
}
