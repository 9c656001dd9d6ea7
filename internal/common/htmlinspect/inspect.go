// Package htmlinspect derives content signals from a captured DOM
// snapshot. It backs the browser prober's empty-content check when the
// live page has already been torn down, and is used directly in tests.
package htmlinspect

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
)

// ContentSummary describes how much renderable content a document has.
type ContentSummary struct {
	// BodyTextLength is the length of the body's text after trimming.
	BodyTextLength int
	// VisibleElements counts element nodes under body, excluding
	// script/style/noscript/meta/link subtrees and subtrees hidden by
	// inline markup.
	VisibleElements int
	IframeSrcs      []string
	VideoCount      int
}

// Summarize parses an HTML snapshot and computes its content summary.
func Summarize(htmlBytes []byte) (*ContentSummary, error) {
	root, err := html.Parse(bytes.NewReader(htmlBytes))
	if err != nil {
		return nil, err
	}

	summary := &ContentSummary{}
	body := findElement(root, "body")
	if body == nil {
		return summary, nil
	}

	var text strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if hiddenInline(n) {
				return
			}
			switch strings.ToLower(n.Data) {
			case "script", "style", "noscript", "meta", "link", "template":
				return
			case "iframe":
				summary.IframeSrcs = append(summary.IframeSrcs, getAttr(n, "src"))
			case "video":
				summary.VideoCount++
			}
			summary.VisibleElements++
		}
		if n.Type == html.TextNode {
			text.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for c := body.FirstChild; c != nil; c = c.NextSibling {
		walk(c)
	}

	summary.BodyTextLength = len(strings.TrimSpace(text.String()))
	return summary, nil
}

// Empty applies the empty-content rule: no body text and fewer than
// five visible elements.
func (s *ContentSummary) Empty() bool {
	return s.BodyTextLength == 0 && s.VisibleElements < 5
}

// hiddenInline reports markup-level signals that the element never
// renders: the hidden attribute or inline display:none or
// visibility:hidden. A snapshot carries no layout, so this is the
// static counterpart of the live zero-bounding-box check.
func hiddenInline(n *html.Node) bool {
	for _, attr := range n.Attr {
		switch strings.ToLower(attr.Key) {
		case "hidden":
			return true
		case "style":
			style := strings.ReplaceAll(strings.ToLower(attr.Val), " ", "")
			if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
				return true
			}
		}
	}
	return false
}

// findElement searches depth-first for the first element with the
// given tag name.
func findElement(node *html.Node, tag string) *html.Node {
	if node == nil {
		return nil
	}
	if node.Type == html.ElementNode && strings.EqualFold(node.Data, tag) {
		return node
	}
	for c := node.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, tag); found != nil {
			return found
		}
	}
	return nil
}

func getAttr(node *html.Node, name string) string {
	for _, attr := range node.Attr {
		if strings.EqualFold(attr.Key, name) {
			return attr.Val
		}
	}
	return ""
}
