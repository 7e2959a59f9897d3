package scraper

import (
	"context"
	"net/http"
	"strings"

	"github.com/zianncupcake/myfoods-backend/internal/domain"
)

// Instagram reads the Open Graph tags of a public post. The og:description
// has the form `N likes, M comments - <user> on <date>: "<caption>"`.
type Instagram struct {
	client *http.Client
}

func NewInstagram(client *http.Client) *Instagram {
	return &Instagram{client: client}
}

func (i *Instagram) Scrape(ctx context.Context, url string) (*ScrapeResult, error) {
	body, err := fetch(ctx, i.client, url)
	if err != nil {
		return nil, err
	}
	return parseInstagram(body)
}

func (i *Instagram) Close() error { return nil }

func parseInstagram(body []byte) (*ScrapeResult, error) {
	doc, err := parseHTML(body)
	if err != nil {
		return nil, &domain.TerminalError{Msg: "Scrape Parse Error", Err: err}
	}
	desc := metaContent(doc, "og:description")
	res := &ScrapeResult{
		Desc:     instagramCaption(desc),
		Creator:  instagramUsername(desc),
		ImageURL: metaContent(doc, "og:image"),
	}
	if res.Empty() {
		return nil, nil
	}
	return res, nil
}

// instagramUsername returns the text between "comments - " and " on ".
func instagramUsername(text string) string {
	const startMarker, endMarker = "comments - ", " on "
	start := strings.Index(text, startMarker)
	if start == -1 {
		return ""
	}
	start += len(startMarker)
	end := strings.Index(text[start:], endMarker)
	if end == -1 {
		return ""
	}
	return text[start : start+end]
}

// instagramCaption returns the quoted caption, preferring the quote that
// follows `: "` and ending at the last quote.
func instagramCaption(text string) string {
	start := strings.Index(text, `: "`)
	if start == -1 {
		q := strings.Index(text, `"`)
		if q == -1 {
			return ""
		}
		start = q + 1
	} else {
		start += len(`: "`)
	}
	end := strings.LastIndex(text, `"`)
	if end == -1 || end <= start {
		return ""
	}
	return text[start:end]
}
