package mesh

import (
	"context"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

const (
	// DefaultFetchTimeout is the default HTTP request timeout for frame fetches.
	DefaultFetchTimeout = 30 * time.Second

	// DefaultMaxRetries is the default number of attempts.
	DefaultMaxRetries = 3

	// defaultBaseBackoff is the base delay for exponential backoff.
	defaultBaseBackoff = 500 * time.Millisecond
)

// FetchOption configures FetchFrame behavior.
type FetchOption func(*fetchConfig)

type fetchConfig struct {
	timeout     time.Duration
	maxRetries  int
	baseBackoff time.Duration
	client      *http.Client
}

func defaultFetchConfig() fetchConfig {
	return fetchConfig{
		timeout:     DefaultFetchTimeout,
		maxRetries:  DefaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		c.timeout = d
	}
}

// WithMaxRetries sets the maximum number of attempts.
func WithMaxRetries(n int) FetchOption {
	return func(c *fetchConfig) {
		c.maxRetries = n
	}
}

// WithBaseBackoff sets the base delay for exponential backoff between retries.
func WithBaseBackoff(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		c.baseBackoff = d
	}
}

// WithHTTPClient overrides the default HTTP client (useful for testing).
func WithHTTPClient(client *http.Client) FetchOption {
	return func(c *fetchConfig) {
		c.client = client
	}
}

// IsRemoteSource reports whether a frame source names an HTTP(S) URL.
func IsRemoteSource(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

// ReadFrameSource reads a frame from a local file or, for http(s) URLs, with FetchFrame.
func ReadFrameSource(ctx context.Context, source string, opts ...FetchOption) ([]r3.Vector, error) {
	if IsRemoteSource(source) {
		return FetchFrame(ctx, source, opts...)
	}
	return ReadFrameFile(source)
}

// FetchFrame downloads a frame payload from url and decodes it with
// DecodeFramePayload. Transport failures and non-200 responses are retried
// with exponential backoff; decode errors and oversized bodies are not.
func FetchFrame(ctx context.Context, url string, opts ...FetchOption) ([]r3.Vector, error) {
	if url == "" {
		return nil, errors.New("fetch frame: URL is empty")
	}

	cfg := defaultFetchConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxRetries < 1 {
		cfg.maxRetries = 1
	}

	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}

	var lastErr error
	for attempt := range cfg.maxRetries {
		if attempt > 0 {
			backoff := cfg.baseBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return nil, errors.Wrap(ctx.Err(), "fetch frame")
			case <-time.After(backoff):
			}
		}

		body, err := doFetch(ctx, client, url)
		if errors.Is(err, ErrPayloadTooLarge) {
			return nil, errors.Wrap(err, "fetch frame")
		}
		if err != nil {
			lastErr = err
			continue
		}

		frame, err := DecodeFramePayload(body)
		if err != nil {
			return nil, errors.Wrap(err, "fetch frame")
		}
		return frame, nil
	}

	return nil, errors.Wrapf(lastErr, "fetch frame: all %d attempts failed", cfg.maxRetries)
}

// doFetch performs a single HTTP GET and returns the response body bytes.
func doFetch(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "creating request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "HTTP GET %s", url)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("HTTP GET %s: status %d", url, resp.StatusCode)
	}

	body, err := readLimited(resp.Body, maxPayloadBytes)
	if err != nil {
		return nil, errors.Wrapf(err, "reading response from %s", url)
	}

	return body, nil
}
