/**
 * @description
 * Read-only HTTP client for the reference-data service used by (a) filtered
 * connector subscription mode and (b) the CDC consumer's category lookup.
 * Category lookups are cached in Redis with a short TTL ahead of the
 * service, since the same event_ticker is looked up repeatedly as new
 * markets for the same event arrive over the CDC stream.
 *
 * @dependencies
 * - github.com/redis/go-redis/v9: read-through cache for GetEvent
 * - standard net/http, encoding/json
 */

package secmaster

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event describes the category a market's parent event belongs to.
type Event struct {
	Ticker   string `json:"ticker"`
	Category string `json:"category"`
}

// Client is a bounded-retry HTTP client over the secmaster service.
type Client struct {
	baseURL       string
	apiKey        string
	retryAttempts int
	retryDelay    time.Duration
	httpClient    *http.Client
	redis         *redis.Client
	cacheTTL      time.Duration
}

// New creates a secmaster client. redisClient may be nil, in which case
// GetEvent always hits the HTTP service directly.
func New(baseURL, apiKey string, retryAttempts int, retryDelay time.Duration, redisClient *redis.Client) *Client {
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		apiKey:        apiKey,
		retryAttempts: retryAttempts,
		retryDelay:    retryDelay,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		redis:         redisClient,
		cacheTTL:      5 * time.Minute,
	}
}

// GetMarketsByCategories returns every market ticker whose parent event
// belongs to one of the given categories. An empty categories slice returns
// every market the service knows about.
func (c *Client) GetMarketsByCategories(ctx context.Context, categories []string) ([]string, error) {
	q := url.Values{}
	for _, cat := range categories {
		q.Add("category", cat)
	}

	var out struct {
		Tickers []string `json:"tickers"`
	}
	if err := c.getJSON(ctx, "/markets?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out.Tickers, nil
}

// GetCategory returns the category of the event a market ticker belongs to.
func (c *Client) GetCategory(ctx context.Context, ticker string) (string, error) {
	var out struct {
		Category string `json:"category"`
	}
	if err := c.getJSON(ctx, "/markets/"+url.PathEscape(ticker)+"/category", &out); err != nil {
		return "", err
	}
	return out.Category, nil
}

// GetEvent looks up an event by ticker, used by the CDC consumer to decide
// whether a newly-inserted market's parent event matches the configured
// category filter. Results are cached in Redis for cacheTTL when a cache is
// configured.
func (c *Client) GetEvent(ctx context.Context, eventTicker string) (*Event, error) {
	cacheKey := "secmaster:event:" + eventTicker

	if c.redis != nil {
		if cached, err := c.redis.Get(ctx, cacheKey).Result(); err == nil {
			var ev Event
			if jsonErr := json.Unmarshal([]byte(cached), &ev); jsonErr == nil {
				return &ev, nil
			}
		}
	}

	var ev Event
	if err := c.getJSON(ctx, "/events/"+url.PathEscape(eventTicker), &ev); err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	if c.redis != nil {
		if data, err := json.Marshal(ev); err == nil {
			c.redis.Set(ctx, cacheKey, data, c.cacheTTL)
		}
	}

	return &ev, nil
}

type notFoundError struct{}

func (notFoundError) Error() string { return "secmaster: not found" }

func isNotFound(err error) bool {
	_, ok := err.(notFoundError)
	return ok
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	var lastErr error
	delay := c.retryDelay

	for attempt := 0; attempt <= c.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return err
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			return notFoundError{}
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("secmaster: %s returned %d: %s", path, resp.StatusCode, body)
			continue
		}

		err = json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("secmaster: decode response from %s: %w", path, err)
			continue
		}
		return nil
	}

	return fmt.Errorf("secmaster: %s failed after %d attempts: %w", path, c.retryAttempts+1, lastErr)
}
