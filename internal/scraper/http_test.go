package scraper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zianncupcake/myfoods-backend/internal/domain"
)

func TestFetch_SendsBrowserHeaders(t *testing.T) {
	var ua, lang string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua, lang = r.UserAgent(), r.Header.Get("Accept-Language")
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()

	body, err := fetch(context.Background(), NewHTTPClient(time.Second), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "<html></html>", string(body))
	assert.Contains(t, ua, "Mozilla/5.0")
	assert.Equal(t, "en-US,en;q=0.9", lang)
}

func TestFetch_FollowsRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/short" {
			http.Redirect(w, r, "/video/1", http.StatusFound)
			return
		}
		_, _ = w.Write([]byte(r.URL.Path))
	}))
	defer srv.Close()

	body, err := fetch(context.Background(), NewHTTPClient(time.Second), srv.URL+"/short")
	require.NoError(t, err)
	assert.Equal(t, "/video/1", string(body))
}

func TestFetch_StatusClassification(t *testing.T) {
	tests := []struct {
		code      int
		retryable bool
		msg       string
	}{
		{http.StatusServiceUnavailable, true, "Scrape HTTP Error: 503"},
		{http.StatusInternalServerError, true, "Scrape HTTP Error: 500"},
		{http.StatusNotFound, false, "Scrape HTTP Error: 404"},
		{http.StatusForbidden, false, "Scrape HTTP Error: 403"},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.code)
			}))
			defer srv.Close()

			_, err := fetch(context.Background(), NewHTTPClient(time.Second), srv.URL)
			require.Error(t, err)
			assert.Equal(t, tt.retryable, domain.IsRetryable(err))
			assert.Equal(t, tt.msg, domain.NewTaskError(err, "").Message)

			var statusErr *HTTPStatusError
			require.ErrorAs(t, err, &statusErr)
			assert.Equal(t, tt.code, statusErr.StatusCode)
		})
	}
}

func TestFetch_ClientTimeoutIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	_, err := fetch(context.Background(), NewHTTPClient(20*time.Millisecond), srv.URL)
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
	assert.Equal(t, "Scrape Timeout", domain.NewTaskError(err, "").Message)
}

func TestFetch_ConnectionRefusedIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := fetch(context.Background(), NewHTTPClient(time.Second), url)
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
	assert.Equal(t, "Scrape Request Error", domain.NewTaskError(err, "").Message)
}

func TestFetch_CancelledContextReturnsContextError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := fetch(ctx, NewHTTPClient(time.Second), srv.URL)
	assert.ErrorIs(t, err, context.Canceled)
}
