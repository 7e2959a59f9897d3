package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/zianncupcake/myfoods-backend/internal/domain"
)

const (
	// DefaultTimeout bounds a single page fetch.
	DefaultTimeout = 20 * time.Second

	maxBodyBytes = 10 << 20
	userAgent    = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/96.0.4664.110 Safari/537.36"
)

// HTTPStatusError is an upstream non-2xx response.
type HTTPStatusError struct {
	StatusCode int
	URL        string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("GET %s: HTTP %d", e.URL, e.StatusCode)
}

// browserHeaders sets the headers platforms expect from a desktop browser
// unless the request already carries them.
type browserHeaders struct {
	next http.RoundTripper
}

func (b browserHeaders) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range map[string]string{
		"User-Agent":      userAgent,
		"Accept-Language": "en-US,en;q=0.9",
		"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,image/apng,*/*;q=0.8",
	} {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}
	return b.next.RoundTrip(req)
}

// NewHTTPClient returns a client with its own transport so that a worker
// lane can drop its connections on rotation. Redirects are followed by
// default.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 4
	return &http.Client{
		Timeout:   timeout,
		Transport: browserHeaders{next: transport},
	}
}

// fetch GETs url and classifies failures: network errors and 5xx are
// retryable, 4xx terminal.
func fetch(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &domain.TerminalError{Msg: "Invalid URL", Err: err}
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, &domain.RetryableError{Msg: "Scrape Timeout", Err: err}
		}
		return nil, &domain.RetryableError{Msg: "Scrape Request Error", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		statusErr := &HTTPStatusError{StatusCode: resp.StatusCode, URL: url}
		msg := fmt.Sprintf("Scrape HTTP Error: %d", resp.StatusCode)
		if resp.StatusCode >= 500 {
			return nil, &domain.RetryableError{Msg: msg, Err: statusErr}
		}
		return nil, &domain.TerminalError{Msg: msg, Err: statusErr}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &domain.RetryableError{Msg: "Scrape Request Error", Err: err}
	}
	return body, nil
}
