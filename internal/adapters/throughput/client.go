package throughput

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/linearhealth/linearhealth/internal/config"
	"github.com/rs/zerolog"
)

// Client reads per-contributor throughput from an external feed. When no feed
// is configured the productivity pillar reports pending instead of a score.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     zerolog.Logger
}

func NewClient(cfg config.Config, log zerolog.Logger) *Client {
	return &Client{
		baseURL: cfg.ThroughputFeedURL,
		token:   cfg.ThroughputFeedToken,
		http:    &http.Client{Timeout: cfg.HTTPTimeout},
		log:     log,
	}
}

// Configured reports whether a feed endpoint is set.
func (c *Client) Configured() bool { return c != nil && c.baseURL != "" }

type Record struct {
	Contributor string  `json:"contributor"`
	Completed   float64 `json:"completed"`
}

// FetchWindow returns per-contributor completed counts over the given window.
func (c *Client) FetchWindow(ctx context.Context, since, until time.Time) ([]Record, error) {
	if !c.Configured() {
		return nil, errors.New("throughput: feed not configured")
	}
	q := url.Values{}
	q.Set("since", since.UTC().Format(time.RFC3339))
	q.Set("until", until.UTC().Format(time.RFC3339))
	u := strings.TrimRight(c.baseURL, "/") + "/throughput?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("throughput: feed status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var out []Record
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
