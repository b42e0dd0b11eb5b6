package parse

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// WidgetLanguage is the info string of fenced blocks carrying widget directives.
const WidgetLanguage = "widget"

// WidgetBlock is a ```widget fenced block found in markdown text. Start and End
// are byte offsets into the source covering the whole block, fences included.
// An unclosed block runs to the end of the source.
type WidgetBlock struct {
	Code   string
	Start  int
	End    int
	Closed bool
}

// HasWidgetFence is a cheap pre-check before parsing.
func HasWidgetFence(markdownText string) bool {
	return strings.Contains(markdownText, "```"+WidgetLanguage) || strings.Contains(markdownText, "~~~"+WidgetLanguage)
}

// ExtractWidgetBlocks returns the widget blocks of markdownText in document
// order, along with the text stripped of all of them.
func ExtractWidgetBlocks(markdownText string) ([]WidgetBlock, string, error) {
	var blocks []WidgetBlock
	source := []byte(markdownText)
	doc := goldmark.DefaultParser().Parse(text.NewReader(source))

	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		cb, ok := n.(*ast.FencedCodeBlock)
		if !ok || cb.Info == nil {
			return ast.WalkContinue, nil
		}
		if !strings.EqualFold(string(cb.Language(source)), WidgetLanguage) {
			return ast.WalkSkipChildren, nil
		}
		blocks = append(blocks, widgetBlock(source, cb))
		return ast.WalkSkipChildren, nil
	})
	if err != nil {
		return nil, "", err
	}

	if len(blocks) == 0 {
		return nil, markdownText, nil
	}

	var sb strings.Builder
	last := 0
	for _, b := range blocks {
		sb.Write(source[last:b.Start])
		last = b.End
	}
	sb.Write(source[last:])

	return blocks, sb.String(), nil
}

func widgetBlock(source []byte, cb *ast.FencedCodeBlock) WidgetBlock {
	start := lineStart(source, cb.Info.Segment.Start)
	fence := openingFence(source, cb.Info.Segment.Start)

	// code lines of a nested block exclude container markers such as "> "
	contentEnd := lineEnd(source, cb.Info.Segment.Start)
	var code strings.Builder
	lines := cb.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		code.Write(seg.Value(source))
		contentEnd = seg.Stop
	}

	// an unclosed block ends with its last line: text after it belongs to the
	// enclosing container or to the next block
	b := WidgetBlock{Code: code.String(), Start: start, End: contentEnd}
	if contentEnd >= len(source) {
		b.End = len(source)
		return b
	}
	closingEnd := lineEnd(source, contentEnd)
	closing := bytes.TrimLeft(source[contentEnd:closingEnd], " \t>")
	if fence != "" && bytes.HasPrefix(closing, []byte(fence)) {
		b.Closed = true
		b.End = closingEnd
	}
	return b
}

// openingFence returns the run of fence characters preceding the info string
// starting at infoStart.
func openingFence(source []byte, infoStart int) string {
	i := infoStart
	for i > 0 && (source[i-1] == ' ' || source[i-1] == '\t') {
		i--
	}
	end := i
	for i > 0 && (source[i-1] == '`' || source[i-1] == '~') && (end == i || source[i-1] == source[end-1]) {
		i--
	}
	return string(source[i:end])
}

func lineStart(source []byte, pos int) int {
	return bytes.LastIndexByte(source[:pos], '\n') + 1
}

// lineEnd returns the offset just past the newline ending the line at pos.
func lineEnd(source []byte, pos int) int {
	idx := bytes.IndexByte(source[pos:], '\n')
	if idx < 0 {
		return len(source)
	}
	return pos + idx + 1
}
