package artifact

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// MarkdownText reduces markdown to plain text by walking the parsed AST and
// collecting text segments. Used by the summary truncation fallback and by
// tools that need readable previews of markdown-heavy output.
func MarkdownText(src string) string {
	source := []byte(src)
	md := goldmark.New()
	doc := md.Parser().Parse(text.NewReader(source))

	var sb strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if _, isBlock := n.(*ast.Paragraph); isBlock {
				sb.WriteByte('\n')
			}
			if _, isHeading := n.(*ast.Heading); isHeading {
				sb.WriteByte('\n')
			}
			return ast.WalkContinue, nil
		}
		switch t := n.(type) {
		case *ast.Text:
			sb.Write(t.Segment.Value(source))
			if t.SoftLineBreak() || t.HardLineBreak() {
				sb.WriteByte('\n')
			}
		case *ast.AutoLink:
			sb.Write(t.URL(source))
		case *ast.CodeBlock:
			writeLines(&sb, source, t)
			return ast.WalkSkipChildren, nil
		case *ast.FencedCodeBlock:
			writeLines(&sb, source, t)
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})

	return strings.TrimSpace(sb.String())
}

func writeLines(sb *strings.Builder, source []byte, n ast.Node) {
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		sb.Write(seg.Value(source))
	}
	sb.WriteByte('\n')
}
