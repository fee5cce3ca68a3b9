// Package pyth reads latest prices from a Pyth Hermes endpoint.
package pyth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/parimutuel/internal/domain"
)

// HermesClient implements domain.Oracle against the Hermes REST API.
// References are mapped to Pyth feed ids through a fixed table.
type HermesClient struct {
	baseURL    string
	feeds      map[domain.Reference]string
	httpClient *http.Client
}

// NewHermesClient creates a client. baseURL is the Hermes root, e.g.
// "https://hermes.pyth.network"; feeds maps references such as "BTC/USD" to
// hex feed ids.
func NewHermesClient(baseURL string, feeds map[string]string, timeout time.Duration) *HermesClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	m := make(map[domain.Reference]string, len(feeds))
	for ref, id := range feeds {
		m[domain.Reference(ref)] = strings.TrimPrefix(strings.ToLower(id), "0x")
	}
	return &HermesClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		feeds:      m,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type latestResponse struct {
	Parsed []parsedUpdate `json:"parsed"`
}

type parsedUpdate struct {
	ID    string    `json:"id"`
	Price priceData `json:"price"`
}

type priceData struct {
	Price       string `json:"price"`
	Conf        string `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}

// Read fetches the latest price for ref. Price carries the raw integer
// mantissa and Expo the feed exponent, as published.
func (c *HermesClient) Read(ctx context.Context, ref domain.Reference) (domain.PriceReading, error) {
	id, ok := c.feeds[ref]
	if !ok {
		return domain.PriceReading{}, fmt.Errorf("pyth: no feed for %s: %w", ref, domain.ErrNotFound)
	}

	params := url.Values{}
	params.Add("ids[]", id)
	params.Set("parsed", "true")
	body, err := c.doGet(ctx, "/v2/updates/price/latest?"+params.Encode())
	if err != nil {
		return domain.PriceReading{}, fmt.Errorf("pyth: latest %s: %w", ref, err)
	}

	var resp latestResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.PriceReading{}, fmt.Errorf("pyth: decode latest %s: %w", ref, err)
	}
	for _, u := range resp.Parsed {
		if strings.TrimPrefix(strings.ToLower(u.ID), "0x") != id {
			continue
		}
		return u.Price.reading()
	}
	return domain.PriceReading{}, fmt.Errorf("pyth: feed %s missing from response: %w", id, domain.ErrNotFound)
}

func (p priceData) reading() (domain.PriceReading, error) {
	mantissa, err := strconv.ParseInt(p.Price, 10, 64)
	if err != nil {
		return domain.PriceReading{}, fmt.Errorf("pyth: parse price %q: %w", p.Price, err)
	}
	conf, err := strconv.ParseUint(p.Conf, 10, 64)
	if err != nil {
		return domain.PriceReading{}, fmt.Errorf("pyth: parse conf %q: %w", p.Conf, err)
	}
	return domain.PriceReading{
		Price:       float64(mantissa),
		Expo:        p.Expo,
		Confidence:  float64(conf),
		PublishedAt: time.Unix(p.PublishTime, 0),
	}, nil
}

func (c *HermesClient) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ domain.Oracle = (*HermesClient)(nil)
