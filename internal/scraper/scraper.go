// Package scraper extracts post metadata from social media pages. Each
// supported platform has its own Scraper; the Registry picks one by
// platform and refuses the unknown platform explicitly.
package scraper

import (
	"context"
	"fmt"
	"net/http"

	"github.com/zianncupcake/myfoods-backend/internal/domain"
)

// ScrapeResult is the payload recorded on a successful task. The JSON names
// are part of the public status API.
type ScrapeResult struct {
	Desc                  string   `json:"desc"`
	Creator               string   `json:"creator"`
	ImageURL              string   `json:"imageUrl"`
	DiversificationLabels []string `json:"diversificationLabels,omitempty"`
	SuggestedWords        []string `json:"suggestedWords,omitempty"`

	R2ImageURL   string `json:"r2ImageUrl,omitempty"`
	R2ImageError string `json:"r2_image_error,omitempty"`
}

// Empty reports whether nothing useful was extracted.
func (r *ScrapeResult) Empty() bool {
	return r == nil || (r.Desc == "" && r.Creator == "" && r.ImageURL == "")
}

// Scraper fetches and parses one URL. A nil result with a nil error means
// the page was reachable but held no post data.
type Scraper interface {
	Scrape(ctx context.Context, url string) (*ScrapeResult, error)
	Close() error
}

// Registry maps every platform to its scraper.
type Registry struct {
	client   *http.Client
	scrapers map[domain.Platform]Scraper
}

// NewRegistry builds the default HTTP scrapers around client. Use Register
// to replace a platform's scraper, e.g. with a CommandScraper.
func NewRegistry(client *http.Client) *Registry {
	return &Registry{
		client: client,
		scrapers: map[domain.Platform]Scraper{
			domain.PlatformTikTok:    NewTikTok(client),
			domain.PlatformYouTube:   NewYouTube(client),
			domain.PlatformInstagram: NewInstagram(client),
		},
	}
}

func (r *Registry) Register(p domain.Platform, s Scraper) {
	r.scrapers[p] = s
}

// Lookup returns the scraper for p. The unknown platform, and any platform
// without a scraper, is a terminal error.
func (r *Registry) Lookup(p domain.Platform, url string) (Scraper, error) {
	if p == domain.PlatformUnknown {
		return nil, &domain.TerminalError{Msg: "Unsupported platform", Err: &domain.UnsupportedPlatformError{URL: url}}
	}
	s, ok := r.scrapers[p]
	if !ok {
		return nil, &domain.TerminalError{Msg: "Unsupported platform", Err: fmt.Errorf("no scraper registered for %s", p)}
	}
	return s, nil
}

// Close releases every scraper and the shared transport's idle connections.
func (r *Registry) Close() error {
	var first error
	for _, s := range r.scrapers {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	if r.client != nil {
		r.client.CloseIdleConnections()
	}
	return first
}
