package sanitize

import (
	"bytes"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Containers that mail clients wrap around quoted history, keyed by class or id fragment.
var (
	quoteClasses = []string{
		"gmail_quote", "gmail_attr", "yahoo_quoted", "ydp_quoted", "moz-cite-prefix",
		"protonmail_quote", "outlookmessageheader", "zmail_extra", "apple-mail-quote",
	}
	quoteIDs = []string{
		"divrplyfwdmsg", "appendonsend", "mail-editor-reference-message-container",
		"ydpreply", "zwchr", "origbody",
	}
)

var (
	// Line-anchored matches over the flattened text, see flatten.
	htmlOnWrote     = regexp.MustCompile(`(?im)^[ \t]*On\s[^\n]{1,300}?\bwrote:`)
	htmlFrom        = regexp.MustCompile(`(?im)^[ \t]*From:[ \t]`)
	htmlSentOrDate  = regexp.MustCompile(`(?im)^[ \t]*(Sent|Date):`)
	htmlToOrSubject = regexp.MustCompile(`(?im)^[ \t]*(To|Subject):`)
	htmlSeparator   = regexp.MustCompile(`(?im)^[ \t]*-{3,}\s*(Original Message|Forwarded message)\b`)

	pixelStyle = regexp.MustCompile(`(?i)display\s*:\s*none|visibility\s*:\s*hidden|(width|height)\s*:\s*[01]px`)
	pixelSrc   = regexp.MustCompile(`(?i)(/track(ing)?/|/open(ed)?[./?]|/pixel[./?]|/beacon[./?])`)
	topBorder  = regexp.MustCompile(`(?i)border-top\s*:\s*solid`)
)

// SanitizeHTML removes executable content, tracking pixels, editor artifacts
// and quoted history, then applies the safety policy.
func (s *Sanitizer) SanitizeHTML(body string) string {
	if strings.TrimSpace(body) == "" {
		return ""
	}
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		s.logf("sanitize: parse html: %v", err)
		return normalizeWhitespace(s.policy.Sanitize(body))
	}
	root := findBody(doc)
	if root == nil {
		root = doc
	}

	removeNodes(root, isNoise)
	removeNodes(root, isQuoteContainer)
	if hr := firstNode(root, isRule); hr != nil {
		truncateFrom(root, hr)
	}
	cutAtText(root, htmlOnWrote)
	cutAtText(root, htmlSeparator)
	cutAtForwardHeader(root)

	var buf bytes.Buffer
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&buf, c); err != nil {
			s.logf("sanitize: render html: %v", err)
			break
		}
	}
	return normalizeWhitespace(s.policy.Sanitize(buf.String()))
}

// HTMLToText renders the cleaned HTML body as plain text with block elements on
// their own lines.
func (s *Sanitizer) HTMLToText(body string) string {
	cleaned := s.SanitizeHTML(body)
	if cleaned == "" {
		return ""
	}
	doc, err := html.Parse(strings.NewReader(cleaned))
	if err != nil {
		return normalizeWhitespace(html.UnescapeString(strictPolicy.Sanitize(cleaned)))
	}
	text, _ := flatten(doc)
	return normalizeWhitespace(text)
}

func findBody(n *html.Node) *html.Node {
	return firstNode(n, func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.DataAtom == atom.Body
	})
}

// firstNode returns the first node in document order satisfying match.
func firstNode(n *html.Node, match func(*html.Node) bool) *html.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if match(c) {
			return c
		}
		if found := firstNode(c, match); found != nil {
			return found
		}
	}
	return nil
}

func removeNodes(n *html.Node, match func(*html.Node) bool) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if match(c) {
			n.RemoveChild(c)
		} else {
			removeNodes(c, match)
		}
		c = next
	}
}

func isNoise(n *html.Node) bool {
	switch n.Type {
	case html.CommentNode:
		return true
	case html.ElementNode:
	default:
		return false
	}
	switch n.DataAtom {
	case atom.Script, atom.Style, atom.Head, atom.Title, atom.Meta, atom.Link, atom.Noscript, atom.Iframe, atom.Object, atom.Embed:
		return true
	case atom.Img:
		return isTrackingPixel(n)
	}
	// Office namespaces such as o:p, v:shape and w:worddocument, plus <xml> islands.
	name := strings.ToLower(n.Data)
	return name == "xml" || strings.HasPrefix(name, "o:") || strings.HasPrefix(name, "v:") || strings.HasPrefix(name, "w:")
}

func isTrackingPixel(n *html.Node) bool {
	width, height := attr(n, "width"), attr(n, "height")
	if (isTiny(width) || width == "") && (isTiny(height) || height == "") && width+height != "" {
		return true
	}
	if pixelStyle.MatchString(attr(n, "style")) {
		return true
	}
	return pixelSrc.MatchString(attr(n, "src"))
}

func isTiny(v string) bool {
	v = strings.TrimSuffix(strings.TrimSpace(v), "px")
	return v == "0" || v == "1"
}

func isQuoteContainer(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if n.DataAtom == atom.Blockquote {
		return true
	}
	class := strings.ToLower(attr(n, "class"))
	for _, c := range quoteClasses {
		if strings.Contains(class, c) {
			return true
		}
	}
	id := strings.ToLower(attr(n, "id"))
	for _, q := range quoteIDs {
		if strings.Contains(id, q) {
			return true
		}
	}
	return false
}

// isRule matches <hr> and the top-bordered div Outlook uses as a reply separator.
func isRule(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if n.DataAtom == atom.Hr {
		return true
	}
	return n.DataAtom == atom.Div && topBorder.MatchString(attr(n, "style")) && strings.TrimSpace(textOf(n)) == ""
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

// cutAfter removes every node following n in document order within root.
func cutAfter(root, n *html.Node) {
	for cur := n; cur != nil && cur != root; cur = cur.Parent {
		for sib := cur.NextSibling; sib != nil; {
			next := sib.NextSibling
			cur.Parent.RemoveChild(sib)
			sib = next
		}
	}
}

// truncateFrom removes n and everything after it.
func truncateFrom(root, n *html.Node) {
	cutAfter(root, n)
	if n.Parent != nil {
		n.Parent.RemoveChild(n)
	}
}

// segment maps a range of the flattened text back to its text node.
type segment struct {
	node  *html.Node
	start int
}

func isBlock(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	switch n.DataAtom {
	case atom.P, atom.Div, atom.Br, atom.Tr, atom.Li, atom.Table, atom.Ul, atom.Ol,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6, atom.Hr, atom.Blockquote, atom.Pre:
		return true
	}
	return false
}

// flatten returns the text under n with newlines at block boundaries, and the
// text nodes that produced it.
func flatten(n *html.Node) (string, []segment) {
	var (
		b    strings.Builder
		segs []segment
		walk func(*html.Node)
	)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			segs = append(segs, segment{node: n, start: b.Len()})
			b.WriteString(n.Data)
			return
		}
		if n.Type == html.ElementNode && n.DataAtom == atom.Br {
			b.WriteByte('\n')
			return
		}
		block := isBlock(n)
		if block {
			b.WriteByte('\n')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if block {
			b.WriteByte('\n')
		}
	}
	walk(n)
	return b.String(), segs
}

func textOf(n *html.Node) string {
	text, _ := flatten(n)
	return text
}

// cutAtText truncates at the first match of pattern in the flattened text,
// keeping any text that precedes the match inside the same text node.
func cutAtText(root *html.Node, pattern *regexp.Regexp) {
	text, segs := flatten(root)
	loc := pattern.FindStringIndex(text)
	if loc == nil {
		return
	}
	cutAtOffset(root, segs, loc[0])
}

func cutAtForwardHeader(root *html.Node) {
	text, segs := flatten(root)
	for _, loc := range htmlFrom.FindAllStringIndex(text, -1) {
		end := loc[0] + 600
		if end > len(text) {
			end = len(text)
		}
		window := text[loc[0]:end]
		if htmlSentOrDate.MatchString(window) && htmlToOrSubject.MatchString(window) {
			cutAtOffset(root, segs, loc[0])
			return
		}
	}
}

func cutAtOffset(root *html.Node, segs []segment, offset int) {
	for i := len(segs) - 1; i >= 0; i-- {
		seg := segs[i]
		if seg.start > offset {
			continue
		}
		local := offset - seg.start
		if local > len(seg.node.Data) {
			// The match starts at a block boundary after this node.
			cutAfter(root, seg.node)
			return
		}
		seg.node.Data = seg.node.Data[:local]
		cutAfter(root, seg.node)
		return
	}
	for c := root.FirstChild; c != nil; {
		next := c.NextSibling
		root.RemoveChild(c)
		c = next
	}
}
