// Package markdown is a small, explicit parser for the lightweight markup
// used in assistant replies. It builds a document tree first and renders
// from the tree, so inline emphasis, code spans and lists cannot interfere
// with each other the way order-dependent regex replacement does.
package markdown

import (
	"html"
	"strings"
)

type NodeKind int

const (
	KindDocument NodeKind = iota
	KindHeading
	KindParagraph
	KindList
	KindListItem
	KindText
	KindStrong
	KindEmphasis
	KindCodeSpan
)

type Node struct {
	Kind     NodeKind
	Level    int    // heading level, 1..6
	Text     string // leaf content for KindText/KindCodeSpan
	Children []*Node
}

// Parse builds a document tree. Supported blocks: ATX headings, unordered
// list items ("- " or "* "), blank-line-separated paragraphs. Supported
// inline marks: `code`, **strong**, *emphasis*.
func Parse(source string) *Node {
	doc := &Node{Kind: KindDocument}
	lines := strings.Split(strings.ReplaceAll(source, "\r\n", "\n"), "\n")

	var paragraph []string
	var list *Node

	flushParagraph := func() {
		if len(paragraph) == 0 {
			return
		}
		node := &Node{Kind: KindParagraph}
		node.Children = parseInline(strings.Join(paragraph, " "))
		doc.Children = append(doc.Children, node)
		paragraph = nil
	}
	flushList := func() {
		if list == nil {
			return
		}
		doc.Children = append(doc.Children, list)
		list = nil
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		switch {
		case trimmed == "":
			flushParagraph()
			flushList()

		case strings.HasPrefix(trimmed, "#"):
			flushParagraph()
			flushList()
			level := 0
			for level < len(trimmed) && trimmed[level] == '#' && level < 6 {
				level++
			}
			text := strings.TrimSpace(trimmed[level:])
			heading := &Node{Kind: KindHeading, Level: level}
			heading.Children = parseInline(text)
			doc.Children = append(doc.Children, heading)

		case strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* "):
			flushParagraph()
			if list == nil {
				list = &Node{Kind: KindList}
			}
			item := &Node{Kind: KindListItem}
			item.Children = parseInline(strings.TrimSpace(trimmed[2:]))
			list.Children = append(list.Children, item)

		default:
			flushList()
			paragraph = append(paragraph, trimmed)
		}
	}
	flushParagraph()
	flushList()
	return doc
}

// parseInline scans one pass left to right; the first delimiter wins, so
// nested or overlapping marks degrade to literal text instead of producing
// order-dependent surprises.
func parseInline(text string) []*Node {
	var nodes []*Node
	var plain strings.Builder

	flushPlain := func() {
		if plain.Len() == 0 {
			return
		}
		nodes = append(nodes, &Node{Kind: KindText, Text: plain.String()})
		plain.Reset()
	}

	runes := []rune(text)
	for i := 0; i < len(runes); {
		switch {
		case runes[i] == '`':
			if end := indexRune(runes, i+1, '`'); end > 0 {
				flushPlain()
				nodes = append(nodes, &Node{Kind: KindCodeSpan, Text: string(runes[i+1 : end])})
				i = end + 1
				continue
			}
			plain.WriteRune(runes[i])
			i++

		case i+1 < len(runes) && runes[i] == '*' && runes[i+1] == '*':
			if end := indexPair(runes, i+2); end > 0 {
				flushPlain()
				strong := &Node{Kind: KindStrong}
				strong.Children = []*Node{{Kind: KindText, Text: string(runes[i+2 : end])}}
				nodes = append(nodes, strong)
				i = end + 2
				continue
			}
			plain.WriteRune(runes[i])
			plain.WriteRune(runes[i+1])
			i += 2

		case runes[i] == '*':
			if end := indexRune(runes, i+1, '*'); end > 0 {
				flushPlain()
				em := &Node{Kind: KindEmphasis}
				em.Children = []*Node{{Kind: KindText, Text: string(runes[i+1 : end])}}
				nodes = append(nodes, em)
				i = end + 1
				continue
			}
			plain.WriteRune(runes[i])
			i++

		default:
			plain.WriteRune(runes[i])
			i++
		}
	}
	flushPlain()
	return nodes
}

func indexRune(runes []rune, from int, r rune) int {
	for i := from; i < len(runes); i++ {
		if runes[i] == r {
			return i
		}
	}
	return -1
}

func indexPair(runes []rune, from int) int {
	for i := from; i+1 < len(runes); i++ {
		if runes[i] == '*' && runes[i+1] == '*' {
			return i
		}
	}
	return -1
}

// RenderHTML renders the tree with all text content escaped.
func RenderHTML(node *Node) string {
	var sb strings.Builder
	renderHTML(&sb, node)
	return sb.String()
}

func renderHTML(sb *strings.Builder, node *Node) {
	switch node.Kind {
	case KindDocument:
		for _, child := range node.Children {
			renderHTML(sb, child)
		}
	case KindHeading:
		tag := "h" + string(rune('0'+node.Level))
		sb.WriteString("<" + tag + ">")
		for _, child := range node.Children {
			renderHTML(sb, child)
		}
		sb.WriteString("</" + tag + ">")
	case KindParagraph:
		sb.WriteString("<p>")
		for _, child := range node.Children {
			renderHTML(sb, child)
		}
		sb.WriteString("</p>")
	case KindList:
		sb.WriteString("<ul>")
		for _, child := range node.Children {
			renderHTML(sb, child)
		}
		sb.WriteString("</ul>")
	case KindListItem:
		sb.WriteString("<li>")
		for _, child := range node.Children {
			renderHTML(sb, child)
		}
		sb.WriteString("</li>")
	case KindStrong:
		sb.WriteString("<strong>")
		for _, child := range node.Children {
			renderHTML(sb, child)
		}
		sb.WriteString("</strong>")
	case KindEmphasis:
		sb.WriteString("<em>")
		for _, child := range node.Children {
			renderHTML(sb, child)
		}
		sb.WriteString("</em>")
	case KindCodeSpan:
		sb.WriteString("<code>" + html.EscapeString(node.Text) + "</code>")
	case KindText:
		sb.WriteString(html.EscapeString(node.Text))
	}
}

// ToHTML is the one-call convenience used by the history endpoint.
func ToHTML(source string) string {
	return RenderHTML(Parse(source))
}
