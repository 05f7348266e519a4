package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/joseph-ayodele/integrity-pipeline/constants"
	"github.com/joseph-ayodele/integrity-pipeline/internal/blob"
	"github.com/joseph-ayodele/integrity-pipeline/internal/entity"
)

// Extractor is stage one: stored document -> text.
type Extractor interface {
	Extract(ctx context.Context, doc *entity.Document) (*Extraction, error)
}

// Extraction is the output of the extraction stage.
type Extraction struct {
	Text      string
	WordCount int
	PageCount int
	Format    string
	Sections  []SectionText
}

// SectionText is a recognized section and the text below its heading.
type SectionText struct {
	Name    constants.Section
	Heading string
	Text    string
}

// Section returns the text of the first section called name.
func (e *Extraction) Section(name constants.Section) (string, bool) {
	for _, s := range e.Sections {
		if s.Name == name {
			return s.Text, true
		}
	}
	return "", false
}

// SectionNames lists the recognized sections in document order.
func (e *Extraction) SectionNames() []string {
	out := make([]string, 0, len(e.Sections))
	for _, s := range e.Sections {
		if s.Name != constants.Body {
			out = append(out, string(s.Name))
		}
	}
	return out
}

// TextExtractor reads the original bytes from blob storage and dispatches on
// the document format.
type TextExtractor struct {
	store    blob.Store
	logger   *slog.Logger
	maxBytes int64
}

func NewTextExtractor(store blob.Store, maxBytes int64, logger *slog.Logger) *TextExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &TextExtractor{store: store, logger: logger, maxBytes: maxBytes}
}

func (x *TextExtractor) Extract(ctx context.Context, doc *entity.Document) (*Extraction, error) {
	format := constants.MapExtToFormat(doc.FileExt)
	if format == "" {
		return nil, Permanent(constants.StageExtract, fmt.Errorf("unsupported format: %s", doc.FileExt))
	}

	data, err := x.read(ctx, doc.StorageKey)
	if err != nil {
		return nil, Transient(constants.StageExtract, fmt.Errorf("read blob %s: %w", doc.StorageKey, err))
	}

	var (
		text  string
		pages = 1
	)
	switch format {
	case constants.FormatText:
		text, err = plainText(data)
	case constants.FormatHTML:
		text, err = htmlText(data)
	case constants.FormatPDF:
		text, pages, err = pdfText(data)
	}
	if err != nil {
		return nil, Permanent(constants.StageExtract, err)
	}
	if strings.TrimSpace(text) == "" {
		return nil, Permanent(constants.StageExtract, errors.New("document contains no extractable text"))
	}

	ext := &Extraction{
		Text:      text,
		WordCount: len(strings.Fields(text)),
		PageCount: pages,
		Format:    format,
		Sections:  splitSections(text),
	}
	x.logger.Info("text extracted",
		"document_id", doc.ID,
		"format", format,
		"pages", pages,
		"words", ext.WordCount,
		"sections", len(ext.Sections),
	)
	return ext, nil
}

func (x *TextExtractor) read(ctx context.Context, key string) ([]byte, error) {
	rc, err := x.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	r := io.Reader(rc)
	if x.maxBytes > 0 {
		r = io.LimitReader(rc, x.maxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if x.maxBytes > 0 && int64(len(data)) > x.maxBytes {
		return nil, fmt.Errorf("blob larger than %d bytes", x.maxBytes)
	}
	return data, nil
}

func plainText(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(data) {
		return "", errors.New("text is not valid UTF-8")
	}
	return strings.ReplaceAll(string(data), "\r\n", "\n"), nil
}

const htmlBlocks = "h1,h2,h3,h4,h5,h6,p,li,pre,blockquote,td,th,dt,dd,figcaption"

func htmlText(data []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, noscript, nav, header, footer").Remove()

	var b strings.Builder
	doc.Find(htmlBlocks).Each(func(_ int, s *goquery.Selection) {
		// nested blocks are emitted on their own
		if s.Find(htmlBlocks).Length() > 0 {
			return
		}
		line := strings.Join(strings.Fields(s.Text()), " ")
		if line == "" {
			return
		}
		b.WriteString(line)
		b.WriteString("\n")
	})
	if b.Len() == 0 {
		b.WriteString(strings.Join(strings.Fields(doc.Find("body").Text()), " "))
	}
	return b.String(), nil
}

// splitSections cuts text at lines that look like known section headings.
// Text before the first heading is reported as constants.Body.
func splitSections(text string) []SectionText {
	var (
		out     []SectionText
		current = SectionText{Name: constants.Body}
		body    strings.Builder
	)
	flush := func() {
		current.Text = strings.TrimSpace(body.String())
		if current.Text != "" || current.Name != constants.Body {
			out = append(out, current)
		}
		body.Reset()
	}
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "#"))
		if trimmed != "" && len(trimmed) <= 60 {
			if name, ok := constants.CanonicalSection(trimmed); ok {
				flush()
				current = SectionText{Name: name, Heading: trimmed}
				continue
			}
		}
		body.WriteString(line)
		body.WriteString("\n")
	}
	flush()
	return out
}
