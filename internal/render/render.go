// Package render turns a finished transcript into its deliverable form:
// inline message chunks, or a TXT/DOCX/PDF scratch artifact. Rendered
// artifacts are handed back to the caller, which owns their release.
package render

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	wkhtmltopdf "github.com/SebastiaanKlippert/go-wkhtmltopdf"
	docx "github.com/fumiama/go-docx"

	"github.com/maratb946/telegram-transcribe-bot/internal/logging"
	"github.com/maratb946/telegram-transcribe-bot/internal/scratch"
)

// Format identifies a delivery format.
type Format string

const (
	FormatInline Format = "inline"
	FormatTXT    Format = "txt"
	FormatDOCX   Format = "docx"
	FormatPDF    Format = "pdf"
)

// InlineLimit is Telegram's maximum message length in code points.
const InlineLimit = 4096

// DocumentHeading is the fixed heading of DOCX/PDF documents.
const DocumentHeading = "Audio Transcript"

// Config holds renderer configuration.
type Config struct {
	WkhtmltopdfPath string `json:"wkhtmltopdfPath"` // Path to the wkhtmltopdf binary (empty = use PATH)
}

// Renderer renders transcripts into scratch artifacts.
type Renderer struct {
	store  *scratch.Store
	config Config
}

// New creates a Renderer writing artifacts into the given scratch store.
func New(store *scratch.Store, cfg Config) *Renderer {
	if cfg.WkhtmltopdfPath != "" {
		wkhtmltopdf.SetPath(cfg.WkhtmltopdfPath)
	}
	return &Renderer{store: store, config: cfg}
}

// SplitInline splits text into consecutive chunks of at most limit code
// points each. The split is purely by length; concatenating the chunks in
// order reproduces the input exactly.
func SplitInline(text string, limit int) []string {
	if limit <= 0 {
		limit = InlineLimit
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	chunks := make([]string, 0, (len(runes)+limit-1)/limit)
	for start := 0; start < len(runes); start += limit {
		end := start + limit
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

// Render produces the scratch artifact for a file-backed format. Inline
// delivery has no artifact and is handled by the workflow directly.
func (r *Renderer) Render(text string, format Format, now time.Time) (*scratch.Handle, error) {
	switch format {
	case FormatTXT:
		return r.RenderTXT(text)
	case FormatDOCX:
		return r.RenderDOCX(text, now)
	case FormatPDF:
		return r.RenderPDF(text, now)
	default:
		return nil, fmt.Errorf("render: no file artifact for format %q", format)
	}
}

// RenderTXT writes the transcript as raw UTF-8 text. No heading or footer,
// the file contains exactly the transcript.
func (r *Renderer) RenderTXT(text string) (*scratch.Handle, error) {
	handle, err := r.store.Save([]byte(text), ".txt")
	if err != nil {
		return nil, fmt.Errorf("save txt artifact: %w", err)
	}
	return handle, nil
}

// RenderDOCX builds a document with the fixed heading, the transcript body
// and a generation timestamp footer.
func (r *Renderer) RenderDOCX(text string, now time.Time) (*scratch.Handle, error) {
	doc := docx.New().WithDefaultTheme()

	doc.AddParagraph().AddText(DocumentHeading).Size("32")
	doc.AddParagraph().AddText(text)
	doc.AddParagraph().AddText(footerLine(now)).Size("20").Color("808080")

	var buf bytes.Buffer
	if _, err := doc.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("encode docx: %w", err)
	}

	handle, err := r.store.Save(buf.Bytes(), ".docx")
	if err != nil {
		return nil, fmt.Errorf("save docx artifact: %w", err)
	}

	logging.L_debug("render: docx rendered", "bytes", buf.Len())
	return handle, nil
}

// RenderPDF renders the transcript through an HTML intermediate with
// wkhtmltopdf. The body text is escaped so markup characters in the
// transcript cannot corrupt the document structure.
func (r *Renderer) RenderPDF(text string, now time.Time) (*scratch.Handle, error) {
	html := BuildPDFHTML(text, now)

	pdfg, err := wkhtmltopdf.NewPDFGenerator()
	if err != nil {
		return nil, fmt.Errorf("wkhtmltopdf init: %w", err)
	}

	pdfg.PageSize.Set(wkhtmltopdf.PageSizeA4)
	pdfg.MarginTop.Set(19) // 0.75in in mm
	pdfg.MarginBottom.Set(19)
	pdfg.MarginLeft.Set(19)
	pdfg.MarginRight.Set(19)

	page := wkhtmltopdf.NewPageReader(strings.NewReader(html))
	page.Encoding.Set("utf-8")
	pdfg.AddPage(page)

	if err := pdfg.Create(); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}

	handle, err := r.store.Save(pdfg.Bytes(), ".pdf")
	if err != nil {
		return nil, fmt.Errorf("save pdf artifact: %w", err)
	}

	logging.L_debug("render: pdf rendered", "bytes", len(pdfg.Bytes()))
	return handle, nil
}

// BuildPDFHTML produces the HTML intermediate for PDF rendering.
func BuildPDFHTML(text string, now time.Time) string {
	safe := EscapeHTML(text)
	return fmt.Sprintf(`<html>
<head><meta charset="UTF-8"></head>
<body>
<h1>%s</h1>
<pre style="white-space: pre-wrap; font-family: Arial, sans-serif;">%s</pre>
<p><i>%s</i></p>
</body>
</html>
`, DocumentHeading, safe, EscapeHTML(footerLine(now)))
}

// footerLine is the generation timestamp footer used by DOCX and PDF.
func footerLine(now time.Time) string {
	return "— Generated: " + now.Format("2006-01-02 15:04")
}

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
)

// EscapeHTML escapes the characters that would break the HTML intermediate.
func EscapeHTML(s string) string {
	return htmlEscaper.Replace(s)
}

// FileName returns the delivered attachment name for a format.
func FileName(format Format) string {
	switch format {
	case FormatTXT:
		return "transcript.txt"
	case FormatDOCX:
		return "transcript.docx"
	case FormatPDF:
		return "transcript.pdf"
	default:
		return "transcript"
	}
}
