package scraper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseYouTube(t *testing.T) {
	tests := []struct {
		name        string
		page        string
		wantDesc    string
		wantCreator string
		wantImage   string
	}{
		{
			name: "og title and shorts anchor",
			page: `<html><head><meta property="og:title" content="Hawker Tour"><title>ignored</title></head>
<body><a class="x" href="https://www.youtube.com/@eatbook/shorts">shorts</a>
<img src="https://i.ytimg.com/vi/abc123/hq720.jpg"></body></html>`,
			wantDesc:    "Hawker Tour",
			wantCreator: "eatbook",
			wantImage:   "https://i.ytimg.com/vi/abc123/hq720.jpg",
		},
		{
			name:        "title tag and canonical base url",
			page:        `<html><head><title>Chicken Rice - YouTube</title></head><script>{"canonicalBaseUrl":"/@sethlui"}</script></html>`,
			wantDesc:    "Chicken Rice - YouTube",
			wantCreator: "sethlui",
		},
		{
			name:        "owner channel name",
			page:        `<html><script>{"ownerChannelName":"Food King"}</script></html>`,
			wantCreator: "Food King",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := parseYouTube([]byte(tt.page))
			require.NotNil(t, res)
			assert.Equal(t, tt.wantDesc, res.Desc)
			assert.Equal(t, tt.wantCreator, res.Creator)
			assert.Equal(t, tt.wantImage, res.ImageURL)
		})
	}
}

func TestParseYouTube_NothingFound(t *testing.T) {
	assert.Nil(t, parseYouTube([]byte(`<html><body>consent</body></html>`)))
}

func TestYouTube_Scrape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<meta property="og:title" content="Satay">`))
	}))
	defer srv.Close()

	res, err := NewYouTube(NewHTTPClient(time.Second)).Scrape(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "Satay", res.Desc)
}
