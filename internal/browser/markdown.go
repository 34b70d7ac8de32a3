package browser

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

var (
	multiNewlinePattern = regexp.MustCompile(`\n{3,}`)
	multiSpacePattern   = regexp.MustCompile(`[ \t]+`)
)

// maxDepth stops runaway recursion on pathological documents.
const maxDepth = 200

// htmlToMarkdown reduces a document to readable markdown-ish text.
// Scripts, styles and page chrome are dropped.
func htmlToMarkdown(doc string) (string, error) {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	writeNode(root, &sb, 0)
	return cleanMarkdown(sb.String()), nil
}

func writeNode(n *html.Node, sb *strings.Builder, depth int) {
	if depth > maxDepth {
		return
	}

	switch n.Type {
	case html.TextNode:
		if text := strings.TrimSpace(n.Data); text != "" {
			sb.WriteString(text)
			sb.WriteString(" ")
		}
	case html.ElementNode:
		switch n.Data {
		case "script", "style", "noscript", "iframe", "svg", "nav", "footer", "head", "template":
			return
		case "h1", "h2", "h3", "h4", "h5", "h6":
			sb.WriteString("\n\n" + strings.Repeat("#", int(n.Data[1]-'0')) + " ")
		case "p", "div", "section", "article", "tr":
			sb.WriteString("\n\n")
		case "br":
			sb.WriteString("\n")
		case "li":
			sb.WriteString("\n- ")
		case "pre":
			sb.WriteString("\n\n```\n")
		case "code":
			if n.Parent == nil || n.Parent.Data != "pre" {
				sb.WriteString("`")
			}
		case "img":
			if alt := attr(n, "alt"); alt != "" {
				sb.WriteString(fmt.Sprintf("[Image: %s] ", alt))
			}
			return
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeNode(c, sb, depth+1)
	}

	if n.Type != html.ElementNode {
		return
	}
	switch n.Data {
	case "h1", "h2", "h3", "h4", "h5", "h6":
		sb.WriteString("\n\n")
	case "pre":
		sb.WriteString("\n```\n\n")
	case "code":
		if n.Parent == nil || n.Parent.Data != "pre" {
			sb.WriteString("`")
		}
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func cleanMarkdown(s string) string {
	s = multiSpacePattern.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	s = multiNewlinePattern.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
