package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/jmespath/go-jmespath"

	"github.com/zianncupcake/myfoods-backend/internal/domain"
)

const rehydrationScriptID = "__UNIVERSAL_DATA_FOR_REHYDRATION__"

var (
	// Video posts live under video-detail, photo slideshows under reflow.
	tiktokItemPaths = []*jmespath.JMESPath{
		jmespath.MustCompile(`"__DEFAULT_SCOPE__"."webapp.video-detail".itemInfo.itemStruct`),
		jmespath.MustCompile(`"__DEFAULT_SCOPE__"."webapp.reflow.video.detail".itemInfo.itemStruct`),
	}
	tiktokProjection = jmespath.MustCompile(`{
		desc: desc,
		creator: author.uniqueId,
		imageUrl: video.cover,
		diversificationLabels: diversificationLabels,
		suggestedWords: suggestedWords
	}`)
)

// TikTok reads the rehydration JSON TikTok embeds in every post page.
type TikTok struct {
	client *http.Client
}

func NewTikTok(client *http.Client) *TikTok {
	return &TikTok{client: client}
}

func (t *TikTok) Scrape(ctx context.Context, url string) (*ScrapeResult, error) {
	body, err := fetch(ctx, t.client, url)
	if err != nil {
		return nil, err
	}
	return parseTikTok(body)
}

func (t *TikTok) Close() error { return nil }

func parseTikTok(body []byte) (*ScrapeResult, error) {
	doc, err := parseHTML(body)
	if err != nil {
		return nil, &domain.TerminalError{Msg: "Scrape Parse Error", Err: err}
	}
	script := scriptText(doc, rehydrationScriptID)
	if script == "" {
		return nil, nil
	}

	var data any
	if err := json.Unmarshal([]byte(script), &data); err != nil {
		return nil, &domain.TerminalError{Msg: "Scrape Parse Error", Err: fmt.Errorf("decode rehydration data: %w", err)}
	}

	var item any
	for _, path := range tiktokItemPaths {
		found, err := path.Search(data)
		if err == nil && !isEmptyJSON(found) {
			item = found
			break
		}
	}
	if item == nil {
		return nil, nil
	}

	projected, err := tiktokProjection.Search(item)
	if err != nil {
		return nil, &domain.TerminalError{Msg: "Scrape Parse Error", Err: err}
	}
	fields, _ := projected.(map[string]any)
	return &ScrapeResult{
		Desc:                  stringOf(fields["desc"]),
		Creator:               stringOf(fields["creator"]),
		ImageURL:              stringOf(fields["imageUrl"]),
		DiversificationLabels: stringsOf(fields["diversificationLabels"]),
		SuggestedWords:        stringsOf(fields["suggestedWords"]),
	}, nil
}

func isEmptyJSON(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case map[string]any:
		return len(t) == 0
	default:
		return false
	}
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

func stringsOf(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
