package scraper

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
)

func parseHTML(body []byte) (*html.Node, error) {
	return html.Parse(bytes.NewReader(body))
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

// find returns the first element in document order that matches.
func find(n *html.Node, match func(*html.Node) bool) *html.Node {
	if n.Type == html.ElementNode && match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := find(c, match); found != nil {
			return found
		}
	}
	return nil
}

// scriptText returns the text of <script id="id">.
func scriptText(doc *html.Node, id string) string {
	n := find(doc, func(n *html.Node) bool {
		v, _ := attr(n, "id")
		return n.Data == "script" && v == id
	})
	if n == nil {
		return ""
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	}
	return b.String()
}

// metaContent returns the content of the first <meta property=...> or
// <meta name=...> tag matching key.
func metaContent(doc *html.Node, key string) string {
	n := find(doc, func(n *html.Node) bool {
		if n.Data != "meta" {
			return false
		}
		if p, _ := attr(n, "property"); p == key {
			return true
		}
		name, _ := attr(n, "name")
		return name == key
	})
	if n == nil {
		return ""
	}
	v, _ := attr(n, "content")
	return v
}

func titleText(doc *html.Node) string {
	n := find(doc, func(n *html.Node) bool { return n.Data == "title" })
	if n == nil || n.FirstChild == nil {
		return ""
	}
	return strings.TrimSpace(n.FirstChild.Data)
}
