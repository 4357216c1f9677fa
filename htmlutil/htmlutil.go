// Package htmlutil wraps golang.org/x/net/html with the small set of node
// queries the screen-scraping layers need. Selector logic lives with the
// callers; this package only walks trees.
package htmlutil

import (
	"io"
	"strings"

	"golang.org/x/net/html"
)

func Parse(r io.Reader) (*html.Node, error) {
	return html.Parse(r)
}

func ParseString(s string) (*html.Node, error) {
	return html.Parse(strings.NewReader(s))
}

// Attr returns the value of the named attribute, if present.
func Attr(node *html.Node, name string) (string, bool) {
	for _, attr := range node.Attr {
		if attr.Key == name {
			return attr.Val, true
		}
	}
	return "", false
}

// HasClass reports whether the node's class attribute contains the given
// class token.
func HasClass(node *html.Node, class string) bool {
	value, ok := Attr(node, "class")
	if !ok {
		return false
	}

	for _, token := range strings.Fields(value) {
		if token == class {
			return true
		}
	}
	return false
}

func walk(node *html.Node, visit func(*html.Node) bool) bool {
	if node.Type == html.ElementNode && !visit(node) {
		return false
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		if !walk(child, visit) {
			return false
		}
	}
	return true
}

// FindByID returns the first element with the given id.
func FindByID(root *html.Node, id string) *html.Node {
	var found *html.Node
	walk(root, func(node *html.Node) bool {
		if value, ok := Attr(node, "id"); ok && value == id {
			found = node
			return false
		}
		return true
	})
	return found
}

// FindByTag returns the first element with the given tag name under root.
func FindByTag(root *html.Node, tag string) *html.Node {
	var found *html.Node
	walk(root, func(node *html.Node) bool {
		if node.Data == tag {
			found = node
			return false
		}
		return true
	})
	return found
}

// FindAllByClass returns every element carrying the class token, in document
// order.
func FindAllByClass(root *html.Node, class string) []*html.Node {
	var found []*html.Node
	walk(root, func(node *html.Node) bool {
		if HasClass(node, class) {
			found = append(found, node)
		}
		return true
	})
	return found
}

// Text returns the concatenated text content of the node, whitespace
// trimmed.
func Text(node *html.Node) string {
	var b strings.Builder
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			collect(child)
		}
	}
	collect(node)
	return strings.TrimSpace(b.String())
}
