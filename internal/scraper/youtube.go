package scraper

import (
	"context"
	"net/http"
	"regexp"
)

var (
	ytShortsAnchor = regexp.MustCompile(`<a[^>]*href="[^"]*/@([^"/]+)/shorts"[^>]*>`)
	ytCanonical    = regexp.MustCompile(`"canonicalBaseUrl":"/@([^"]+)"`)
	ytOwner        = regexp.MustCompile(`"ownerChannelName":"([^"]+)"`)
	ytThumbnail    = regexp.MustCompile(`(https://i\.ytimg\.com/vi/[^"'<>\\]+)`)
)

// YouTube extracts title, channel handle and thumbnail from a watch or
// shorts page.
type YouTube struct {
	client *http.Client
}

func NewYouTube(client *http.Client) *YouTube {
	return &YouTube{client: client}
}

func (y *YouTube) Scrape(ctx context.Context, url string) (*ScrapeResult, error) {
	body, err := fetch(ctx, y.client, url)
	if err != nil {
		return nil, err
	}
	return parseYouTube(body), nil
}

func (y *YouTube) Close() error { return nil }

func parseYouTube(body []byte) *ScrapeResult {
	res := &ScrapeResult{}
	if doc, err := parseHTML(body); err == nil {
		res.Desc = metaContent(doc, "og:title")
		if res.Desc == "" {
			res.Desc = titleText(doc)
		}
	}

	switch {
	case ytShortsAnchor.Match(body):
		res.Creator = string(ytShortsAnchor.FindSubmatch(body)[1])
	case ytCanonical.Match(body):
		res.Creator = string(ytCanonical.FindSubmatch(body)[1])
	case ytOwner.Match(body):
		res.Creator = string(ytOwner.FindSubmatch(body)[1])
	}

	if m := ytThumbnail.FindSubmatch(body); m != nil {
		res.ImageURL = string(m[1])
	}
	if res.Empty() {
		return nil
	}
	return res
}
