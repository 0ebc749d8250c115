package moodle

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/daemonphantom/BA-TUB-Bot/internal/corpus"
)

// extractContent returns the plain text of a post body with every link
// rewritten inline as "text (url)", plus the links themselves. The
// selection is cloned so the session's document is left untouched.
func extractContent(pageURL string, body *goquery.Selection) (string, []corpus.Link) {
	clone := body.Clone()
	var links []corpus.Link

	clone.Find("a").Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			return
		}
		text := strings.TrimSpace(a.Text())
		abs := resolve(pageURL, href)
		links = append(links, corpus.Link{Text: text, URL: abs})
		a.ReplaceWithNodes(&html.Node{Type: html.TextNode, Data: text + " (" + abs + ")"})
	})

	var parts []string
	for _, n := range clone.Nodes {
		collectText(n, &parts)
	}
	return strings.Join(parts, " "), links
}

func collectText(n *html.Node, parts *[]string) {
	switch n.Type {
	case html.TextNode:
		if s := strings.Join(strings.Fields(n.Data), " "); s != "" {
			*parts = append(*parts, s)
		}
		return
	case html.ElementNode:
		if n.Data == "script" || n.Data == "style" {
			return
		}
	}
	for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
		collectText(ch, parts)
	}
}
