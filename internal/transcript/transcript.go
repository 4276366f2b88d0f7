// Package transcript renders a conversation snapshot for people:
// markdown, a standalone HTML page, or plain text.
package transcript

import (
	"bytes"
	"fmt"
	"html"
	"strings"

	"github.com/yuin/goldmark"
	xhtml "golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/nugget/toolloop/internal/llm"
	"github.com/nugget/toolloop/internal/state"
)

// Formats accepted by [Render].
const (
	FormatMarkdown = "markdown"
	FormatHTML     = "html"
	FormatText     = "text"
)

// Markdown renders every message of snap in order. Tool arguments and
// results are fenced so model output cannot break the layout.
func Markdown(snap state.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Conversation %s\n\n", snap.ConversationID)

	for _, m := range snap.Messages {
		switch m.Role {
		case llm.RoleUser:
			fmt.Fprintf(&b, "**user:** %s\n\n", m.Content)
		case llm.RoleAssistant:
			if m.Content != "" {
				fmt.Fprintf(&b, "**assistant:** %s\n\n", m.Content)
			}
			for _, tc := range m.ToolCalls {
				fmt.Fprintf(&b, "- calls `%s` (%s) with `%s`\n", tc.Name, tc.ID, tc.Arguments)
			}
			if len(m.ToolCalls) > 0 {
				b.WriteString("\n")
			}
		case llm.RoleTool:
			fmt.Fprintf(&b, "**%s** (%s):\n\n```\n%s\n```\n\n", m.Name, m.ToolCallID, m.Content)
		default:
			fmt.Fprintf(&b, "**%s:** %s\n\n", m.Role, m.Content)
		}
	}

	if snap.Suspended {
		fmt.Fprintf(&b, "_Suspended with %d pending tool call(s)._\n", len(snap.PendingToolCalls))
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

// HTML renders snap as a self-contained HTML page.
func HTML(snap state.Snapshot) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(Markdown(snap)), &buf); err != nil {
		return "", fmt.Errorf("render transcript: %w", err)
	}

	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>%s</title></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5;">
%s
</body></html>`, html.EscapeString(snap.ConversationID), buf.String()), nil
}

// Text renders snap as plain text: the HTML rendering of [Markdown]
// with the markup removed.
func Text(snap state.Snapshot) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(Markdown(snap)), &buf); err != nil {
		return "", fmt.Errorf("render transcript: %w", err)
	}
	doc, err := xhtml.Parse(&buf)
	if err != nil {
		return "", fmt.Errorf("parse transcript: %w", err)
	}
	var b strings.Builder
	extractText(doc, &b)
	return cleanWhitespace(b.String()) + "\n", nil
}

// extractText writes the visible text under n, separating blocks with
// blank lines. Preformatted text keeps its line breaks.
func extractText(n *xhtml.Node, w *strings.Builder) {
	if n.Type == xhtml.ElementNode {
		if n.DataAtom == atom.Head {
			return
		}
		if isBlock(n.DataAtom) && w.Len() > 0 {
			w.WriteString("\n\n")
		}
		if n.DataAtom == atom.Pre {
			w.WriteString(textContent(n))
			return
		}
	}
	if n.Type == xhtml.TextNode {
		w.WriteString(strings.ReplaceAll(n.Data, "\n", " "))
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		extractText(c, w)
	}
	if n.Type == xhtml.ElementNode && (n.DataAtom == atom.Li || n.DataAtom == atom.Br) {
		w.WriteString("\n")
	}
}

func textContent(n *xhtml.Node) string {
	if n.Type == xhtml.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textContent(c))
	}
	return b.String()
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Blockquote, atom.Pre, atom.Ul, atom.Ol, atom.Table, atom.Hr:
		return true
	}
	return false
}

// cleanWhitespace collapses runs of spaces within lines and of blank
// lines between them.
func cleanWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	cleaned := make([]string, 0, len(lines))
	prevEmpty := false
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if prevEmpty {
				continue
			}
			prevEmpty = true
		} else {
			prevEmpty = false
		}
		cleaned = append(cleaned, line)
	}
	return strings.TrimSpace(strings.Join(cleaned, "\n"))
}

// Render dispatches on format. An empty format means markdown.
func Render(snap state.Snapshot, format string) (string, error) {
	switch format {
	case "", FormatMarkdown:
		return Markdown(snap), nil
	case FormatHTML:
		return HTML(snap)
	case FormatText:
		return Text(snap)
	}
	return "", fmt.Errorf("unknown transcript format %q", format)
}
