package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gabstv/httpdigest"
)

// RelayConfig configures a CallMeBot-style HTTP relay:
// GET <URL>?phone=<phone>&text=<text>&apikey=<key>.
type RelayConfig struct {
	URL      string
	APIKey   string
	Username string
	Password string
	Timeout  time.Duration
}

// Relay sends messages through an HTTP relay.
type Relay struct {
	endpoint *url.URL
	apiKey   string
	client   *http.Client
}

func NewRelay(cfg RelayConfig) (*Relay, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("notify: relay url required")
	}
	endpoint, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("notify: parse relay url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := &http.Client{Timeout: timeout}
	if cfg.Username != "" {
		client.Transport = httpdigest.New(cfg.Username, cfg.Password)
	}

	return &Relay{endpoint: endpoint, apiKey: cfg.APIKey, client: client}, nil
}

func (r *Relay) Send(ctx context.Context, msg Message) error {
	if msg.Phone == "" {
		return ErrNoRecipient
	}

	u := *r.endpoint
	q := u.Query()
	q.Set("phone", msg.Phone)
	q.Set("text", msg.Text)
	if r.apiKey != "" {
		q.Set("apikey", r.apiKey)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: relay request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notify: relay responded %d", resp.StatusCode)
	}
	return nil
}
