// Package markdown converts model output written in Markdown into
// Telegram plain text plus message entities, so replies render with
// formatting without relying on Telegram's fragile parse modes.
//
// Entity offsets and lengths are counted in UTF-16 code units, as the
// Bot API requires.
package markdown

import (
	"fmt"
	"slices"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"

	"github.com/nugget/yaebot/internal/telegram"
)

var md = goldmark.New(goldmark.WithExtensions(extension.Strikethrough))

// Convert renders src as plain text and the entities that format it.
func Convert(src string) (string, []telegram.MessageEntity) {
	source := []byte(src)
	doc := md.Parser().Parse(text.NewReader(source))

	r := &renderer{src: source}
	r.children(doc)
	return r.finish()
}

type renderer struct {
	src      []byte
	buf      strings.Builder
	units    int // UTF-16 length of buf
	trailing int // newlines at the end of buf
	entities []telegram.MessageEntity
	lists    int
}

func (r *renderer) write(s string) {
	if s == "" {
		return
	}
	r.buf.WriteString(s)
	r.units += utf16Len(s)
	if rest := strings.TrimRight(s, "\n"); rest == "" {
		r.trailing += len(s)
	} else {
		r.trailing = len(s) - len(rest)
	}
}

// breakLines makes sure the output ends in at least n newlines, unless
// nothing has been written yet.
func (r *renderer) breakLines(n int) {
	if r.buf.Len() == 0 {
		return
	}
	for r.trailing < n {
		r.write("\n")
	}
}

func (r *renderer) blockGap() {
	if r.lists > 0 {
		r.breakLines(1)
		return
	}
	r.breakLines(2)
}

// span records an entity of typ covering whatever fn writes.
func (r *renderer) span(typ string, fn func(), opts ...func(*telegram.MessageEntity)) {
	start := r.units
	fn()
	if r.units == start {
		return
	}
	e := telegram.MessageEntity{Type: typ, Offset: start, Length: r.units - start}
	for _, o := range opts {
		o(&e)
	}
	r.entities = append(r.entities, e)
}

func withURL(u string) func(*telegram.MessageEntity) {
	return func(e *telegram.MessageEntity) { e.URL = u }
}

func withLanguage(l string) func(*telegram.MessageEntity) {
	return func(e *telegram.MessageEntity) { e.Language = l }
}

func (r *renderer) children(n ast.Node) {
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		r.node(c)
	}
}

func (r *renderer) node(n ast.Node) {
	switch n := n.(type) {
	case *ast.Paragraph:
		r.blockGap()
		r.children(n)
	case *ast.TextBlock:
		if n.PreviousSibling() != nil {
			r.breakLines(1)
		}
		r.children(n)
	case *ast.Heading:
		r.blockGap()
		r.span("bold", func() { r.children(n) })
	case *ast.ThematicBreak:
		r.blockGap()
		r.write("──────────")
	case *ast.CodeBlock:
		r.blockGap()
		r.span("pre", func() { r.write(r.lines(n)) })
	case *ast.FencedCodeBlock:
		r.blockGap()
		var opts []func(*telegram.MessageEntity)
		if lang := string(n.Language(r.src)); lang != "" {
			opts = append(opts, withLanguage(lang))
		}
		r.span("pre", func() { r.write(r.lines(n)) }, opts...)
	case *ast.Blockquote:
		r.blockGap()
		r.span("blockquote", func() { r.children(n) })
	case *ast.List:
		r.blockGap()
		r.lists++
		num := n.Start
		for item := n.FirstChild(); item != nil; item = item.NextSibling() {
			r.breakLines(1)
			r.write(strings.Repeat("  ", r.lists-1))
			if n.IsOrdered() {
				r.write(fmt.Sprintf("%d. ", num))
				num++
			} else {
				r.write("• ")
			}
			r.listItem(item)
		}
		r.lists--
	case *ast.HTMLBlock:
		// Raw HTML is dropped.
	case *ast.Text:
		r.write(string(n.Segment.Value(r.src)))
		if n.SoftLineBreak() || n.HardLineBreak() {
			r.write("\n")
		}
	case *ast.String:
		r.write(string(n.Value))
	case *ast.CodeSpan:
		r.span("code", func() { r.children(n) })
	case *ast.Emphasis:
		typ := "italic"
		if n.Level >= 2 {
			typ = "bold"
		}
		r.span(typ, func() { r.children(n) })
	case *extast.Strikethrough:
		r.span("strikethrough", func() { r.children(n) })
	case *ast.Link:
		r.span("text_link", func() { r.children(n) }, withURL(string(n.Destination)))
	case *ast.Image:
		r.span("text_link", func() {
			if n.FirstChild() == nil {
				r.write("image")
			}
			r.children(n)
		}, withURL(string(n.Destination)))
	case *ast.AutoLink:
		label := string(n.Label(r.src))
		if n.AutoLinkType == ast.AutoLinkEmail {
			r.span("email", func() { r.write(label) })
		} else {
			r.span("url", func() { r.write(label) })
		}
	case *ast.RawHTML:
		// Inline tags are dropped; their text siblings remain.
	default:
		r.children(n)
	}
}

// listItem renders an item's blocks without the paragraph gap the
// first block would otherwise open with.
func (r *renderer) listItem(item ast.Node) {
	for c := item.FirstChild(); c != nil; c = c.NextSibling() {
		if c == item.FirstChild() {
			if p, ok := c.(*ast.Paragraph); ok {
				r.children(p)
				continue
			}
		}
		r.node(c)
	}
}

func (r *renderer) lines(n ast.Node) string {
	var b strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(r.src))
	}
	return strings.TrimRight(b.String(), "\n")
}

// finish trims trailing whitespace, clamps entities to the remaining
// text and orders them by offset, longer spans first.
func (r *renderer) finish() (string, []telegram.MessageEntity) {
	out := strings.TrimRightFunc(r.buf.String(), func(c rune) bool {
		return c == ' ' || c == '\n' || c == '\t'
	})
	total := utf16Len(out)

	var ents []telegram.MessageEntity
	for _, e := range r.entities {
		if e.Offset >= total {
			continue
		}
		if e.Offset+e.Length > total {
			e.Length = total - e.Offset
		}
		ents = append(ents, e)
	}
	slices.SortStableFunc(ents, func(a, b telegram.MessageEntity) int {
		if a.Offset != b.Offset {
			return a.Offset - b.Offset
		}
		return b.Length - a.Length
	})
	return out, ents
}

func utf16Len(s string) int {
	n := 0
	for len(s) > 0 {
		c, size := utf8.DecodeRuneInString(s)
		s = s[size:]
		n += utf16.RuneLen(c)
	}
	return n
}
